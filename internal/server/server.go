package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meshvoice/micbridge/internal/events"
	"github.com/meshvoice/micbridge/internal/session"
	"github.com/meshvoice/micbridge/internal/settings"
)

const (
	sendDepth    = 32
	writeTimeout = 10 * time.Second
)

// Server is the HTTP/WebSocket control surface for one capture session.
type Server struct {
	log      zerolog.Logger
	handler  *CommandHandler
	bus      events.Bus
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// New creates a server listening on addr once Run is called.
func New(addr string, mgr *session.Manager, store *settings.Store, bus events.Bus, log zerolog.Logger) *Server {
	s := &Server{
		log:     log,
		handler: NewCommandHandler(mgr, store, log),
		bus:     bus,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("Control server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := make(chan any, sendDepth)
	resp := responder{send: send, log: s.log}

	// Writer pump.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-send:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.log.Debug().Err(err).Msg("WebSocket write failed")
					cancel()
					return
				}
			}
		}
	}()

	// Forward session events to the client.
	subs := make([]events.Subscription, 0, 2)
	for _, topic := range []string{events.TopicDeviceChange, events.TopicStreamCreated} {
		topic := topic
		sub, err := s.bus.Subscribe(ctx, topic, func(payload []byte) error {
			resp.Event(topic, json.RawMessage(payload))
			return nil
		})
		if err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("Event subscription failed")
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	// Read loop.
	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			s.log.Debug().Err(err).Msg("WebSocket client disconnected")
			return
		}
		s.handler.Handle(ctx, cmd, resp)
	}
}
