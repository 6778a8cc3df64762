package portaudio

import (
	"context"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/meshvoice/micbridge/internal/device"
)

// track is a live capture stream over one PortAudio device.
type track struct {
	id     string
	label  string
	stream *portaudio.Stream
	buffer []float32
	frames chan []float32
	log    zerolog.Logger

	mu        sync.Mutex
	stopping  bool
	ended     bool
	observers map[int]func(device.EndCause)
	nextObs   int
}

func newTrack(name string, stream *portaudio.Stream, buffer []float32, log zerolog.Logger) *track {
	return &track{
		id:        name,
		label:     name,
		stream:    stream,
		buffer:    buffer,
		frames:    make(chan []float32, 8),
		log:       log,
		observers: make(map[int]func(device.EndCause)),
	}
}

func (t *track) ID() string    { return t.id }
func (t *track) Label() string { return t.label }

func (t *track) Frames() <-chan []float32 { return t.frames }

// pump reads from the stream until it ends. A read failure while not
// stopping counts as an external termination.
func (t *track) pump(ctx context.Context) {
	defer t.stream.Close()

	for {
		select {
		case <-ctx.Done():
			t.end(device.EndStopped)
			return
		default:
		}

		if err := t.stream.Read(); err != nil {
			t.mu.Lock()
			stopping := t.stopping
			t.mu.Unlock()

			if stopping {
				t.end(device.EndStopped)
			} else {
				t.log.Warn().Err(err).Str("device", t.id).Msg("Capture stream terminated externally")
				t.end(device.EndExternal)
			}
			return
		}

		samples := make([]float32, len(t.buffer))
		copy(samples, t.buffer)

		select {
		case t.frames <- samples:
		default:
			// Downstream not draining; drop.
		}
	}
}

// Stop releases the hardware. Observers fire with EndStopped.
func (t *track) Stop() {
	t.mu.Lock()
	if t.stopping || t.ended {
		t.mu.Unlock()
		return
	}
	t.stopping = true
	t.mu.Unlock()

	// Unblocks a pending Read with an error; pump handles the rest.
	if err := t.stream.Abort(); err != nil {
		t.log.Debug().Err(err).Str("device", t.id).Msg("Stream abort failed")
		t.end(device.EndStopped)
	}
}

func (t *track) OnEnded(fn func(device.EndCause)) device.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return &endedSub{t: t, id: id}
}

type endedSub struct {
	t    *track
	id   int
	once sync.Once
}

func (s *endedSub) Cancel() {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.observers, s.id)
		s.t.mu.Unlock()
	})
}

func (t *track) end(cause device.EndCause) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := make([]func(device.EndCause), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.observers = make(map[int]func(device.EndCause))
	t.mu.Unlock()

	close(t.frames)
	for _, fn := range fns {
		fn(cause)
	}
}
