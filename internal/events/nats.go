package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NatsBus is a Bus backed by an embedded in-process NATS server. Other
// local processes may attach to the same broker via its client URL.
type NatsBus struct {
	srv  *server.Server
	conn *nats.Conn
	log  zerolog.Logger
}

// NewEmbeddedNats starts an in-memory NATS server on a random loopback
// port and connects to it.
func NewEmbeddedNats(log zerolog.Logger) (*NatsBus, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NatsBus{srv: ns, conn: nc, log: log}, nil
}

// ClientURL returns the broker URL for external subscribers.
func (b *NatsBus) ClientURL() string {
	return b.srv.ClientURL()
}

func (b *NatsBus) Emit(ctx context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	return b.conn.Publish(topic, data)
}

func (b *NatsBus) Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error) {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			b.log.Error().Err(err).Str("topic", topic).Msg("Event handler failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *NatsBus) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.srv != nil {
		b.srv.Shutdown()
	}
	return nil
}
