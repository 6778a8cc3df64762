// Package portaudio implements device.Provider on top of PortAudio.
package portaudio

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/meshvoice/micbridge/internal/device"
)

const (
	sampleRate      = 48000
	framesPerBuffer = 512

	// topologyPollInterval paces the device-change watcher. PortAudio has
	// no change notification, so the provider polls the device set.
	topologyPollInterval = 2 * time.Second
)

// Provider is a PortAudio-backed device provider.
type Provider struct {
	log zerolog.Logger

	mu       sync.Mutex
	watchers map[int]func()
	nextID   int
	pollStop chan struct{}
	closed   bool
}

// New initializes PortAudio and returns a provider.
func New(log zerolog.Logger) (*Provider, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &Provider{
		log:      log,
		watchers: make(map[int]func()),
	}, nil
}

// ListDevices enumerates input-capable devices.
func (p *Provider) ListDevices(ctx context.Context) ([]device.Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrEnumeration, err)
	}

	result := make([]device.Info, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, device.Info{
				ID:    d.Name,
				Kind:  device.KindAudioInput,
				Label: d.Name,
			})
		}
	}

	return result, nil
}

// RequestCapture opens a capture stream honoring the device constraint.
// An unmet Exact constraint fails; an unmet Ideal falls back to the
// platform default device.
func (p *Provider) RequestCapture(ctx context.Context, c device.Constraints) (device.Track, error) {
	info, err := p.resolveDevice(c.Device)
	if err != nil {
		return nil, err
	}

	buffer := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: 1,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: len(buffer),
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("%w: open stream: %v", device.ErrHardware, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("%w: start stream: %v", device.ErrHardware, err)
	}

	t := newTrack(info.Name, stream, buffer, p.log)
	go t.pump(ctx)
	return t, nil
}

func (p *Provider) resolveDevice(c device.DeviceConstraint) (*portaudio.DeviceInfo, error) {
	if c.IsZero() {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", device.ErrDeviceNotFound, err)
		}
		return d, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrEnumeration, err)
	}

	want := c.Exact
	if want == "" {
		want = c.Ideal
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && d.Name == want {
			return d, nil
		}
	}

	if c.Exact != "" {
		return nil, fmt.Errorf("%w: %q", device.ErrDeviceNotFound, c.Exact)
	}

	// Ideal is a soft preference; fall back to the default device.
	d, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: no default input device: %v", device.ErrDeviceNotFound, err)
	}
	return d, nil
}

// OnDeviceChange registers a topology watcher. The first watcher starts
// the poll loop; the loop stops when the last watcher cancels.
func (p *Provider) OnDeviceChange(fn func()) device.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.watchers[id] = fn

	if p.pollStop == nil && !p.closed {
		p.pollStop = make(chan struct{})
		go p.pollTopology(p.pollStop)
	}

	return &watcherSub{p: p, id: id}
}

type watcherSub struct {
	p    *Provider
	id   int
	once sync.Once
}

func (w *watcherSub) Cancel() {
	w.once.Do(func() {
		w.p.mu.Lock()
		defer w.p.mu.Unlock()
		delete(w.p.watchers, w.id)
		if len(w.p.watchers) == 0 && w.p.pollStop != nil {
			close(w.p.pollStop)
			w.p.pollStop = nil
		}
	})
}

func (p *Provider) pollTopology(stop <-chan struct{}) {
	last := p.topologyFingerprint()
	ticker := time.NewTicker(topologyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		cur := p.topologyFingerprint()
		if cur == last {
			continue
		}
		last = cur

		p.mu.Lock()
		fns := make([]func(), 0, len(p.watchers))
		for _, fn := range p.watchers {
			fns = append(fns, fn)
		}
		p.mu.Unlock()

		for _, fn := range fns {
			fn()
		}
	}
}

func (p *Provider) topologyFingerprint() string {
	devices, err := portaudio.Devices()
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(devices))
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, "\x00")
}

// Close stops the watcher loop and tears down PortAudio.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	if p.pollStop != nil {
		close(p.pollStop)
		p.pollStop = nil
	}
	p.mu.Unlock()

	return portaudio.Terminate()
}
