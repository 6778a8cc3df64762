package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshvoice/micbridge/internal/device"
	"github.com/meshvoice/micbridge/internal/events"
	"github.com/meshvoice/micbridge/internal/platform"
	"github.com/meshvoice/micbridge/internal/settings"
)

// Mock implementations for testing

type mockTrack struct {
	mu        sync.Mutex
	id        string
	label     string
	frames    chan []float32
	stops     int
	observers map[int]func(device.EndCause)
	nextObs   int
}

func newMockTrack(id, label string) *mockTrack {
	return &mockTrack{
		id:        id,
		label:     label,
		frames:    make(chan []float32, 1),
		observers: make(map[int]func(device.EndCause)),
	}
}

func (t *mockTrack) ID() string               { return t.id }
func (t *mockTrack) Label() string            { return t.label }
func (t *mockTrack) Frames() <-chan []float32 { return t.frames }

func (t *mockTrack) Stop() {
	t.mu.Lock()
	t.stops++
	fns := t.takeObserversLocked()
	t.mu.Unlock()
	for _, fn := range fns {
		fn(device.EndStopped)
	}
}

func (t *mockTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *mockTrack) OnEnded(fn func(device.EndCause)) device.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return &mockSub{cancel: func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}}
}

func (t *mockTrack) observerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers)
}

// fireExternalEnd simulates the OS silently terminating the stream.
func (t *mockTrack) fireExternalEnd() {
	t.mu.Lock()
	fns := t.takeObserversLocked()
	t.mu.Unlock()
	for _, fn := range fns {
		fn(device.EndExternal)
	}
}

func (t *mockTrack) takeObserversLocked() []func(device.EndCause) {
	fns := make([]func(device.EndCause), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.observers = make(map[int]func(device.EndCause))
	return fns
}

type mockSub struct {
	once   sync.Once
	cancel func()
}

func (s *mockSub) Cancel() { s.once.Do(s.cancel) }

type mockProvider struct {
	mu        sync.Mutex
	devices   []device.Info
	listErr   error
	requests  []device.Constraints
	tracks    []*mockTrack
	captureFn func(device.Constraints) (device.Track, error)
	changeFns []func()
}

func (p *mockProvider) ListDevices(ctx context.Context) ([]device.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]device.Info, len(p.devices))
	copy(out, p.devices)
	return out, nil
}

func (p *mockProvider) RequestCapture(ctx context.Context, c device.Constraints) (device.Track, error) {
	p.mu.Lock()
	p.requests = append(p.requests, c)
	fn := p.captureFn
	p.mu.Unlock()

	if fn != nil {
		tr, err := fn(c)
		if mt, ok := tr.(*mockTrack); ok {
			p.mu.Lock()
			p.tracks = append(p.tracks, mt)
			p.mu.Unlock()
		}
		return tr, err
	}

	info, ok := p.resolve(c.Device)
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	tr := newMockTrack(info.ID, info.Label)
	p.mu.Lock()
	p.tracks = append(p.tracks, tr)
	p.mu.Unlock()
	return tr, nil
}

func (p *mockProvider) resolve(c device.DeviceConstraint) (device.Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := c.Exact
	if want == "" {
		want = c.Ideal
	}
	if want != "" {
		for _, d := range p.devices {
			if d.ID == want {
				return d, true
			}
		}
		if c.Exact != "" {
			return device.Info{}, false
		}
	}
	if len(p.devices) == 0 {
		return device.Info{}, false
	}
	return p.devices[0], true
}

func (p *mockProvider) OnDeviceChange(fn func()) device.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changeFns = append(p.changeFns, fn)
	return &mockSub{cancel: func() {}}
}

func (p *mockProvider) Close() error { return nil }

func (p *mockProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *mockProvider) request(i int) device.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *mockProvider) track(i int) *mockTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks[i]
}

func (p *mockProvider) trackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

func (p *mockProvider) fireDeviceChange() {
	p.mu.Lock()
	fns := make([]func(), len(p.changeFns))
	copy(fns, p.changeFns)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type mockMixer struct {
	mu       sync.Mutex
	attaches []string
	detaches []string
	out      chan []float32
}

func newMockMixer() *mockMixer {
	return &mockMixer{out: make(chan []float32)}
}

func (m *mockMixer) AttachInbound(name string, frames <-chan []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attaches = append(m.attaches, name)
}

func (m *mockMixer) DetachInbound(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detaches = append(m.detaches, name)
}

func (m *mockMixer) Outbound() <-chan []float32 { return m.out }

func (m *mockMixer) attachCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attaches)
}

func (m *mockMixer) attach(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attaches[i]
}

type busEvent struct {
	topic   string
	payload any
	ctxErr  error
}

type recordingBus struct {
	mu      sync.Mutex
	emitted []busEvent
}

func (b *recordingBus) Emit(ctx context.Context, topic string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = append(b.emitted, busEvent{topic: topic, payload: payload, ctxErr: ctx.Err()})
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, topic string, handler func([]byte) error) (events.Subscription, error) {
	return nopBusSub{}, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) last(topic string) (busEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.emitted) - 1; i >= 0; i-- {
		if b.emitted[i].topic == topic {
			return b.emitted[i], true
		}
	}
	return busEvent{}, false
}

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.emitted {
		if e.topic == topic {
			n++
		}
	}
	return n
}

type nopBusSub struct{}

func (nopBusSub) Unsubscribe() error { return nil }

// Test helpers

func testStore(t *testing.T) *settings.Store {
	t.Helper()
	st, err := settings.Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("Failed to create settings store: %v", err)
	}
	return st
}

func defaultDevices() []device.Info {
	return []device.Info{
		{ID: "mic-1", Kind: device.KindAudioInput, Label: "USB Mic"},
		{ID: "mic-2", Kind: device.KindAudioInput, Label: "Vive Pro Mic"},
		{ID: "cam-1", Kind: device.KindVideoInput, Label: "Webcam"},
	}
}

type managerFixture struct {
	mgr      *Manager
	provider *mockProvider
	mixer    *mockMixer
	store    *settings.Store
	bus      *recordingBus
}

func newFixture(t *testing.T, caps platform.Capabilities, immersive bool) *managerFixture {
	t.Helper()
	f := &managerFixture{
		provider: &mockProvider{devices: defaultDevices()},
		mixer:    newMockMixer(),
		store:    testStore(t),
		bus:      &recordingBus{},
	}
	f.mgr = New(Config{
		Provider:  f.provider,
		Mixer:     f.mixer,
		Store:     f.store,
		Bus:       f.bus,
		Caps:      caps,
		Immersive: immersive,
		Logger:    zerolog.Nop(),
	})
	return f
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// Tests

func TestBuildConstraintsDefaultPolarity(t *testing.T) {
	cases := []struct {
		name    string
		disable *bool
		want    bool
	}{
		{"absent flag enables", nil, true},
		{"explicit false enables", settings.Bool(false), true},
		{"explicit true disables", settings.Bool(true), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, platform.Capabilities{}, false)
			err := f.store.Update(settings.Patch{
				DisableEchoCancellation: tc.disable,
				DisableNoiseSuppression: tc.disable,
				DisableAutoGainControl:  tc.disable,
			})
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}

			c := f.mgr.BuildConstraints()
			if c.EchoCancellation != tc.want || c.NoiseSuppression != tc.want || c.AutoGainControl != tc.want {
				t.Errorf("BuildConstraints() = %+v, want all toggles %v", c, tc.want)
			}
		})
	}
}

func TestBuildConstraintsInvertedPlatform(t *testing.T) {
	f := newFixture(t, platform.Capabilities{InvertedProcessingDefaults: true}, false)

	// Flag absent: inverted polarity means disabled, and the corrected
	// value is persisted.
	c := f.mgr.BuildConstraints()
	if c.EchoCancellation {
		t.Error("Absent flag should yield echoCancellation=false on the inverted platform")
	}

	s := f.store.Snapshot()
	if s.DisableEchoCancellation == nil || !*s.DisableEchoCancellation {
		t.Error("Corrected disable flag should be written back as true")
	}

	// Re-running the builder must be idempotent.
	c2 := f.mgr.BuildConstraints()
	if c2 != c {
		t.Errorf("Second build gave %+v, first gave %+v", c2, c)
	}

	// An explicit false survives inversion as enabled.
	if err := f.store.Update(settings.Patch{DisableEchoCancellation: settings.Bool(false)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	c3 := f.mgr.BuildConstraints()
	if !c3.EchoCancellation {
		t.Error("Explicit disable=false should enable echoCancellation on the inverted platform")
	}
}

func TestSelectDeviceStopsPreviousTrack(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("First SelectDevice failed")
	}
	first := f.provider.track(0)

	// The previous track must be stopped before the new request is made.
	f.provider.mu.Lock()
	f.provider.captureFn = func(c device.Constraints) (device.Track, error) {
		if first.stopCount() != 1 {
			t.Error("Previous track not stopped before new capture request")
		}
		return newMockTrack("mic-1", "USB Mic"), nil
	}
	f.provider.mu.Unlock()

	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("Second SelectDevice failed")
	}

	if first.stopCount() != 1 {
		t.Errorf("Previous track stopped %d times, want 1", first.stopCount())
	}
	if !f.mgr.HasAudio() {
		t.Error("Manager should have an active track")
	}
}

func TestFetchFailureClearsState(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("SelectDevice failed")
	}

	f.provider.mu.Lock()
	f.provider.captureFn = func(c device.Constraints) (device.Track, error) {
		return nil, device.ErrPermissionDenied
	}
	f.provider.mu.Unlock()

	if f.mgr.SelectDevice(ctx, "mic-1") {
		t.Error("SelectDevice should report failure on permission denial")
	}

	// Track and outbound stream must clear together.
	if f.mgr.HasAudio() {
		t.Error("Active track should be empty after a failed fetch")
	}
	if f.mgr.Outbound() != nil {
		t.Error("Outbound stream should be empty after a failed fetch")
	}
}

func TestSelectedDeviceIDDerivedFromDirectory(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("SelectDevice failed")
	}
	if got := f.mgr.SelectedDeviceID(); got != "mic-1" {
		t.Errorf("SelectedDeviceID() = %q, want %q", got, "mic-1")
	}

	// Last used id persisted, notification emitted.
	if got := f.store.Snapshot().LastUsedMicDeviceID; got != "mic-1" {
		t.Errorf("LastUsedMicDeviceID = %q, want %q", got, "mic-1")
	}
	if f.bus.count(events.TopicStreamCreated) != 1 {
		t.Errorf("stream-created emitted %d times, want 1", f.bus.count(events.TopicStreamCreated))
	}
}

func TestSelectedDeviceIDEmptyWhenLabelUnknown(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	f.provider.mu.Lock()
	f.provider.captureFn = func(c device.Constraints) (device.Track, error) {
		// A label the directory does not (yet) contain.
		return newMockTrack("ghost", "Ghost Mic"), nil
	}
	f.provider.mu.Unlock()

	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("SelectDevice failed")
	}

	if got := f.mgr.SelectedDeviceID(); got != "" {
		t.Errorf("SelectedDeviceID() = %q, want empty", got)
	}
	// Nothing to persist without a resolvable id.
	if got := f.store.Snapshot().LastUsedMicDeviceID; got != "" {
		t.Errorf("LastUsedMicDeviceID = %q, want empty", got)
	}
}

func TestDefaultSessionUsesStoredDeviceAsIdeal(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	if err := f.store.Update(settings.Patch{LastUsedMicDeviceID: settings.String("mic-42")}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	f.mgr.StartDefaultSession(ctx)

	got := f.provider.request(0).Device
	if got.Ideal != "mic-42" || got.Exact != "" {
		t.Errorf("Device constraint = %+v, want ideal mic-42", got)
	}
}

func TestDefaultSessionWithoutStoredDevice(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	hasAudio := f.mgr.StartDefaultSession(ctx)
	if !hasAudio {
		t.Error("Default session should acquire audio")
	}

	if got := f.provider.request(0).Device; !got.IsZero() {
		t.Errorf("Device constraint = %+v, want no device clause", got)
	}
}

func TestDefaultSessionFetchFailureIsNoAudio(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	f.provider.mu.Lock()
	f.provider.captureFn = func(c device.Constraints) (device.Track, error) {
		return nil, device.ErrHardware
	}
	f.provider.mu.Unlock()

	if f.mgr.StartDefaultSession(ctx) {
		t.Error("StartDefaultSession should report no audio")
	}
	if f.mgr.HasAudio() {
		t.Error("No track should be active")
	}
}

func TestHMDMicAdvisory(t *testing.T) {
	ctx := context.Background()

	t.Run("warns when headset mic exists but is not selected", func(t *testing.T) {
		f := newFixture(t, platform.Capabilities{ImmersiveCapable: true}, true)
		if !f.mgr.SelectDevice(ctx, "mic-1") { // "USB Mic"
			t.Fatal("SelectDevice failed")
		}
		if !f.mgr.ShouldShowHMDMicWarning() {
			t.Error("Advisory should warn when Vive Pro Mic is available but unselected")
		}
	})

	t.Run("silent when headset mic is selected", func(t *testing.T) {
		f := newFixture(t, platform.Capabilities{ImmersiveCapable: true}, true)
		if !f.mgr.SelectDevice(ctx, "mic-2") { // "Vive Pro Mic"
			t.Fatal("SelectDevice failed")
		}
		if f.mgr.ShouldShowHMDMicWarning() {
			t.Error("Advisory should be silent when the headset mic is selected")
		}
	})

	t.Run("silent on handheld platforms", func(t *testing.T) {
		f := newFixture(t, platform.Capabilities{Handheld: true}, true)
		f.mgr.SelectDevice(ctx, "mic-1")
		if f.mgr.ShouldShowHMDMicWarning() {
			t.Error("Advisory should be silent on handheld platforms")
		}
	})

	t.Run("silent for non-immersive sessions", func(t *testing.T) {
		f := newFixture(t, platform.Capabilities{}, false)
		f.mgr.SelectDevice(ctx, "mic-1")
		if f.mgr.ShouldShowHMDMicWarning() {
			t.Error("Advisory should be silent for non-immersive sessions")
		}
	})

	t.Run("silent when no headset mic exists", func(t *testing.T) {
		f := newFixture(t, platform.Capabilities{}, true)
		f.provider.mu.Lock()
		f.provider.devices = []device.Info{
			{ID: "mic-1", Kind: device.KindAudioInput, Label: "Generic Mic"},
		}
		f.provider.mu.Unlock()
		f.mgr.SelectDevice(ctx, "mic-1")
		if f.mgr.ShouldShowHMDMicWarning() {
			t.Error("Advisory should be silent with no known headset mic in the directory")
		}
	})
}

func TestTrackEndedRecovery(t *testing.T) {
	f := newFixture(t, platform.Capabilities{TrackRecreationBug: true}, false)
	ctx := context.Background()

	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("SelectDevice failed")
	}
	first := f.provider.track(0)
	if first.observerCount() != 1 {
		t.Fatalf("Recovery hook not armed: %d observers", first.observerCount())
	}

	// External termination triggers exactly one re-fetch, registered
	// under the same channel name.
	first.fireExternalEnd()
	waitFor(t, func() bool { return f.provider.requestCount() == 2 }, "No re-fetch after external track end")
	waitFor(t, f.mgr.HasAudio, "No active track after recovery")

	if got := f.mixer.attach(f.mixer.attachCount() - 1); got != "microphone" {
		t.Errorf("Recovered track attached as %q, want microphone", got)
	}
	waitFor(t, func() bool { return f.bus.count(events.TopicStreamCreated) >= 2 }, "No stream-created notification after recovery")

	// The hook re-arms: a second external end on the new track recovers
	// again.
	second := f.provider.track(1)
	waitFor(t, func() bool { return second.observerCount() == 1 }, "Recovery hook not re-armed on the new track")
	second.fireExternalEnd()
	waitFor(t, func() bool { return f.provider.requestCount() == 3 }, "No re-fetch after second external track end")
}

func TestExplicitStopDoesNotTriggerRecovery(t *testing.T) {
	f := newFixture(t, platform.Capabilities{TrackRecreationBug: true}, false)
	ctx := context.Background()

	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("SelectDevice failed")
	}
	requests := f.provider.requestCount()

	if err := f.mgr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Give a would-be recovery goroutine a chance to run.
	time.Sleep(50 * time.Millisecond)
	if got := f.provider.requestCount(); got != requests {
		t.Errorf("Explicit stop triggered %d extra capture requests", got-requests)
	}
}

func TestRecoveryNotArmedWithoutPlatformBug(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("SelectDevice failed")
	}
	if got := f.provider.track(0).observerCount(); got != 0 {
		t.Errorf("Recovery hook armed on an unaffected platform: %d observers", got)
	}
}

func TestEnumerationFailureYieldsEmptyDirectory(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	f.mgr.RefreshDevices(ctx)
	if len(f.mgr.Devices()) != 2 {
		t.Fatalf("Directory has %d devices, want 2 audio inputs", len(f.mgr.Devices()))
	}

	f.provider.mu.Lock()
	f.provider.listErr = device.ErrEnumeration
	f.provider.mu.Unlock()

	f.mgr.RefreshDevices(ctx)
	if got := len(f.mgr.Devices()); got != 0 {
		t.Errorf("Directory has %d devices after enumeration failure, want 0", got)
	}
}

func TestSynthesizedLabelForUnauthorizedDevice(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	f.provider.mu.Lock()
	f.provider.devices = []device.Info{
		{ID: "abcdefghijklmnop", Kind: device.KindAudioInput, Label: ""},
	}
	f.provider.mu.Unlock()

	f.mgr.RefreshDevices(ctx)
	devs := f.mgr.Devices()
	if len(devs) != 1 {
		t.Fatalf("Directory has %d devices, want 1", len(devs))
	}
	if devs[0].Label != "Microphone (abcdefghi)" {
		t.Errorf("Synthesized label = %q", devs[0].Label)
	}
}

func TestDeviceChangeRefreshesAndNotifies(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	f.mgr.Start()
	if !f.mgr.SelectDevice(ctx, "mic-1") {
		t.Fatal("SelectDevice failed")
	}
	track := f.provider.track(0)

	f.provider.mu.Lock()
	f.provider.devices = append(f.provider.devices, device.Info{
		ID: "mic-3", Kind: device.KindAudioInput, Label: "New Mic",
	})
	f.provider.mu.Unlock()

	f.provider.fireDeviceChange()

	if got := len(f.mgr.Devices()); got != 3 {
		t.Errorf("Directory has %d devices after change, want 3", got)
	}
	if f.bus.count(events.TopicDeviceChange) != 1 {
		t.Errorf("devicechange emitted %d times, want 1", f.bus.count(events.TopicDeviceChange))
	}
	// A topology change never touches the active track.
	if track.stopCount() != 0 {
		t.Error("Device change stopped the active track")
	}
}

func TestConcurrentFetchOnlyLatestCommits(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)
	ctx := context.Background()

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	slow := newMockTrack("mic-1", "USB Mic")

	f.provider.mu.Lock()
	f.provider.captureFn = func(c device.Constraints) (device.Track, error) {
		if c.Device.Exact == "mic-1" {
			close(firstStarted)
			<-release
			return slow, nil
		}
		return newMockTrack("mic-2", "Vive Pro Mic"), nil
	}
	f.provider.mu.Unlock()

	done := make(chan bool)
	go func() {
		done <- f.mgr.SelectDevice(ctx, "mic-1")
	}()

	<-firstStarted
	if !f.mgr.SelectDevice(ctx, "mic-2") {
		t.Fatal("Second SelectDevice failed")
	}
	close(release)

	if ok := <-done; ok {
		t.Error("Superseded SelectDevice should not report success")
	}
	waitFor(t, func() bool { return slow.stopCount() == 1 }, "Superseded track was not stopped")

	if got := f.mgr.SelectedDeviceID(); got != "mic-2" {
		t.Errorf("SelectedDeviceID() = %q, want mic-2", got)
	}
}

func TestRecoveryYieldsToConcurrentSelection(t *testing.T) {
	ctx := context.Background()

	// The external end and the explicit selection race; whichever order
	// the recovery goroutine runs in, the selection wins and exactly one
	// capture track stays live.
	for i := 0; i < 50; i++ {
		f := newFixture(t, platform.Capabilities{TrackRecreationBug: true}, false)
		if !f.mgr.SelectDevice(ctx, "mic-1") {
			t.Fatal("First SelectDevice failed")
		}
		first := f.provider.track(0)

		first.fireExternalEnd()
		if !f.mgr.SelectDevice(ctx, "mic-2") {
			t.Fatal("Second SelectDevice failed")
		}

		// Let a raced recovery goroutine finish before checking.
		time.Sleep(10 * time.Millisecond)

		if got := f.mgr.SelectedDeviceID(); got != "mic-2" {
			t.Fatalf("Recovery overrode the selection: SelectedDeviceID() = %q, want mic-2", got)
		}
		live := 0
		for j := 0; j < f.provider.trackCount(); j++ {
			if f.provider.track(j).stopCount() == 0 {
				live++
			}
		}
		if live != 1 {
			t.Fatalf("%d live capture tracks after recovery raced a selection, want 1", live)
		}
	}
}

func TestDeviceChangeEmitUsesLiveContext(t *testing.T) {
	f := newFixture(t, platform.Capabilities{}, false)

	f.mgr.Start()
	f.provider.fireDeviceChange()

	ev, ok := f.bus.last(events.TopicDeviceChange)
	if !ok {
		t.Fatal("No devicechange notification emitted")
	}
	if ev.ctxErr != nil {
		t.Errorf("devicechange emitted with a dead context: %v", ev.ctxErr)
	}
}
