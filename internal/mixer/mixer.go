// Package mixer combines named inbound sample streams into a single
// outbound stream. The capture session registers the raw microphone track
// here; other subsystems may attach additional sources (notification
// sounds, shared audio) under their own channel names.
package mixer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// mixInterval paces the mix loop. Sources faster than this buffer up
	// to sourceDepth frames and then drop.
	mixInterval = 10 * time.Millisecond
	sourceDepth = 8
	outDepth    = 16
)

type source struct {
	name   string
	buf    chan []float32
	cancel context.CancelFunc
}

// Mixer merges inbound sample streams additively with clamping. Safe for
// concurrent use.
type Mixer struct {
	log zerolog.Logger

	mu      sync.Mutex
	sources map[string]*source
	closed  bool

	out    chan []float32
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a running mixer.
func New(log zerolog.Logger) *Mixer {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	m := &Mixer{
		log:     log,
		sources: make(map[string]*source),
		out:     make(chan []float32, outDepth),
		g:       g,
		ctx:     gctx,
		cancel:  cancel,
	}

	g.Go(m.mixLoop)
	return m
}

// AttachInbound registers frames as the inbound stream for name. A
// previous stream under the same name is detached first.
func (m *Mixer) AttachInbound(name string, frames <-chan []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if old, ok := m.sources[name]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(m.ctx)
	src := &source{
		name:   name,
		buf:    make(chan []float32, sourceDepth),
		cancel: cancel,
	}
	m.sources[name] = src

	m.g.Go(func() error {
		defer func() {
			m.mu.Lock()
			if m.sources[name] == src {
				delete(m.sources, name)
			}
			m.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case frame, ok := <-frames:
				if !ok {
					return nil
				}
				select {
				case src.buf <- frame:
				default:
					// Source outpacing the mix loop; drop.
				}
			}
		}
	})

	m.log.Debug().Str("channel", name).Msg("Inbound stream attached")
}

// DetachInbound removes the inbound stream registered under name.
func (m *Mixer) DetachInbound(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if src, ok := m.sources[name]; ok {
		src.cancel()
		delete(m.sources, name)
	}
}

// Outbound returns the mixed output stream. Closed when the mixer closes.
func (m *Mixer) Outbound() <-chan []float32 {
	return m.out
}

func (m *Mixer) mixLoop() error {
	ticker := time.NewTicker(mixInterval)
	defer ticker.Stop()
	defer close(m.out)

	for {
		select {
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame := m.gatherFrame()
		if frame == nil {
			continue
		}

		select {
		case m.out <- frame:
		default:
			// Downstream not draining; drop rather than stall capture.
		}
	}
}

// gatherFrame takes at most one pending frame from each source and sums
// them sample-wise, clamped to [-1, 1]. Returns nil when nothing is
// pending.
func (m *Mixer) gatherFrame() []float32 {
	m.mu.Lock()
	srcs := make([]*source, 0, len(m.sources))
	for _, s := range m.sources {
		srcs = append(srcs, s)
	}
	m.mu.Unlock()

	var mixed []float32
	for _, s := range srcs {
		select {
		case frame := <-s.buf:
			if mixed == nil {
				mixed = make([]float32, len(frame))
				copy(mixed, frame)
				continue
			}
			if len(frame) > len(mixed) {
				grown := make([]float32, len(frame))
				copy(grown, mixed)
				mixed = grown
			}
			for i, v := range frame {
				sum := mixed[i] + v
				if sum > 1 {
					sum = 1
				} else if sum < -1 {
					sum = -1
				}
				mixed[i] = sum
			}
		default:
		}
	}

	return mixed
}

// Close stops all pumps and closes the outbound stream.
func (m *Mixer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	return m.g.Wait()
}
