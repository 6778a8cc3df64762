// Package session implements the capture session manager: microphone
// device selection, constraint negotiation, and the fetch-and-recover
// state machine for the live capture track.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meshvoice/micbridge/internal/device"
	"github.com/meshvoice/micbridge/internal/events"
	"github.com/meshvoice/micbridge/internal/platform"
	"github.com/meshvoice/micbridge/internal/settings"
)

// micChannelName is the logical mixer channel for the raw capture track.
const micChannelName = "microphone"

// MixerSink is the downstream audio-mixing subsystem.
type MixerSink interface {
	AttachInbound(name string, frames <-chan []float32)
	DetachInbound(name string)
	Outbound() <-chan []float32
}

// Config wires a Manager's collaborators.
type Config struct {
	Provider device.Provider
	Mixer    MixerSink
	Store    *settings.Store
	Bus      events.Bus
	Caps     platform.Capabilities

	// Immersive marks a session configured to enter an immersive
	// (head-mounted) mode; it gates the HMD microphone advisory.
	Immersive bool

	Logger zerolog.Logger
}

// Manager owns one session's microphone input: the cached device
// directory, the active capture track, and its derived outbound stream.
type Manager struct {
	provider  device.Provider
	mixer     MixerSink
	store     *settings.Store
	bus       events.Bus
	caps      platform.Capabilities
	immersive bool
	log       zerolog.Logger

	mu       sync.Mutex
	devices  []device.Descriptor
	track    device.Track
	outbound <-chan []float32
	endSub   device.Subscription
	devSub   device.Subscription

	// reqSeq serializes overlapping fetches: only the latest request
	// token may commit its track.
	reqSeq uint64
}

// New creates a Manager with empty session state.
func New(cfg Config) *Manager {
	return &Manager{
		provider:  cfg.Provider,
		mixer:     cfg.Mixer,
		store:     cfg.Store,
		bus:       cfg.Bus,
		caps:      cfg.Caps,
		immersive: cfg.Immersive,
		log:       cfg.Logger,
	}
}

// Start subscribes to device topology changes. A topology change
// refreshes the directory and notifies listeners; it never touches the
// active track.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.devSub != nil {
		return
	}
	m.devSub = m.provider.OnDeviceChange(func() {
		// The subscription outlives any caller context.
		ctx := context.Background()
		m.RefreshDevices(ctx)
		payload := devicesChangedPayload{Devices: m.Devices()}
		if err := m.bus.Emit(ctx, events.TopicDeviceChange, payload); err != nil {
			m.log.Warn().Err(err).Msg("Failed to emit devicechange")
		}
	})
}

// HasAudio reports whether a capture track is currently active.
func (m *Manager) HasAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.track != nil
}

// Outbound returns the mixed outbound stream, or nil when no capture
// track is active.
func (m *Manager) Outbound() <-chan []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outbound
}

// SelectDevice requests capture from the exact device and runs the
// post-selection housekeeping regardless of the fetch outcome. Returns
// the fetch's success flag.
func (m *Manager) SelectDevice(ctx context.Context, deviceID string) bool {
	ok := m.fetchTrack(ctx, device.DeviceConstraint{Exact: deviceID})
	m.finishStreamUpdate(ctx)
	return ok
}

// StartDefaultSession acquires a capture track using the stored
// last-used device as a soft preference, or no device preference when
// none is stored. A failed fetch is "no audio", not an error.
func (m *Manager) StartDefaultSession(ctx context.Context) (hasAudio bool) {
	var override device.DeviceConstraint
	if last := m.store.Snapshot().LastUsedMicDeviceID; last != "" {
		override.Ideal = last
	}

	hasAudio = m.fetchTrack(ctx, override)
	if !hasAudio {
		m.log.Info().Msg("Session starting without audio input")
	}

	m.finishStreamUpdate(ctx)
	return hasAudio
}

// fetchTrack is the core of the fetch-and-recover machine. It stops any
// active track before requesting a new one, merges the device override
// with preference-derived constraints, and commits the result only when
// its request token is still the latest.
func (m *Manager) fetchTrack(ctx context.Context, override device.DeviceConstraint) bool {
	cons := m.BuildConstraints()
	cons.Device = override

	m.mu.Lock()
	m.reqSeq++
	token := m.reqSeq
	old := m.releaseLocked()
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	tr, err := m.provider.RequestCapture(ctx, cons)
	if err != nil {
		m.logFetchFailure(err)
		return false
	}

	return m.commit(token, tr, cons)
}

// commit installs tr as the active track if token is still the latest
// request. A superseded track is stopped instead.
func (m *Manager) commit(token uint64, tr device.Track, cons device.Constraints) bool {
	m.mu.Lock()
	if token != m.reqSeq {
		m.mu.Unlock()
		m.log.Debug().Str("device", tr.ID()).Msg("Discarding superseded capture track")
		tr.Stop()
		return false
	}

	m.mixer.AttachInbound(micChannelName, tr.Frames())
	m.track = tr
	m.outbound = m.mixer.Outbound()
	if m.caps.TrackRecreationBug {
		m.armRecoveryLocked(tr, cons, token)
	}
	m.mu.Unlock()

	m.log.Info().Str("device", tr.ID()).Msg("Capture track active")
	return true
}

// armRecoveryLocked attaches the one-shot recovery hook to tr. The hook
// fires only on external termination; explicit stops cancel it first so
// track replacement cannot trigger a recreation loop. armed is the
// request token tr was committed under; the recovery goroutine uses it
// to detect that a newer request has already replaced the ended track.
func (m *Manager) armRecoveryLocked(tr device.Track, cons device.Constraints, armed uint64) {
	m.endSub = tr.OnEnded(func(cause device.EndCause) {
		if cause != device.EndExternal {
			return
		}
		m.log.Warn().Str("device", tr.ID()).Msg("Capture track ended externally, recovering")
		go m.recoverTrack(cons, armed)
	})
}

// recoverTrack re-requests a track with the original constraints after an
// external termination, re-registers it, notifies listeners, and re-arms
// the hook for the new track. Best effort: a failed re-request leaves the
// session without audio. Recovery yields to any request made after the
// ended track was committed, so it can never unseat a concurrent explicit
// selection.
func (m *Manager) recoverTrack(cons device.Constraints, armed uint64) {
	ctx := context.Background()

	m.mu.Lock()
	if m.reqSeq != armed {
		m.mu.Unlock()
		m.log.Debug().Msg("Skipping recovery: ended track already replaced")
		return
	}
	m.reqSeq++
	token := m.reqSeq
	old := m.releaseLocked()
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	tr, err := m.provider.RequestCapture(ctx, cons)
	if err != nil {
		m.logFetchFailure(err)
		return
	}

	if !m.commit(token, tr, cons) {
		return
	}

	payload := streamCreatedPayload{DeviceID: m.SelectedDeviceID()}
	if err := m.bus.Emit(ctx, events.TopicStreamCreated, payload); err != nil {
		m.log.Warn().Err(err).Msg("Failed to emit stream-created")
	}
}

// releaseLocked detaches the recovery hook and clears the session state,
// returning the previously active track (not yet stopped) or nil.
func (m *Manager) releaseLocked() device.Track {
	if m.endSub != nil {
		m.endSub.Cancel()
		m.endSub = nil
	}
	old := m.track
	m.track = nil
	m.outbound = nil
	if old != nil {
		m.mixer.DetachInbound(micChannelName)
	}
	return old
}

// finishStreamUpdate is the post-selection housekeeping: refresh the
// directory, persist the resolved device id, and notify listeners. With
// no active track it only logs.
func (m *Manager) finishStreamUpdate(ctx context.Context) {
	m.RefreshDevices(ctx)

	if !m.HasAudio() {
		m.log.Debug().Msg("No active capture track after selection")
		return
	}

	id := m.SelectedDeviceID()
	if id != "" {
		if err := m.store.Update(settings.Patch{LastUsedMicDeviceID: settings.String(id)}); err != nil {
			m.log.Warn().Err(err).Msg("Failed to persist last used device")
		}
	} else {
		m.log.Debug().Msg("Active track label not in device directory yet")
	}

	payload := streamCreatedPayload{DeviceID: id}
	if err := m.bus.Emit(ctx, events.TopicStreamCreated, payload); err != nil {
		m.log.Warn().Err(err).Msg("Failed to emit stream-created")
	}
}

// logFetchFailure reduces a capture failure to a diagnostic. Failure
// identity never crosses the component boundary; callers branch on the
// boolean.
func (m *Manager) logFetchFailure(err error) {
	ev := m.log.Warn().Err(err)
	switch {
	case errors.Is(err, device.ErrPermissionDenied):
		ev.Msg("Capture denied by user")
	case errors.Is(err, device.ErrDeviceNotFound):
		ev.Msg("Requested capture device unavailable")
	default:
		ev.Msg("Capture request failed")
	}
}

// Close stops the active track and detaches all subscriptions.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.devSub != nil {
		m.devSub.Cancel()
		m.devSub = nil
	}
	m.reqSeq++
	old := m.releaseLocked()
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return nil
}

type streamCreatedPayload struct {
	DeviceID string `json:"device_id"`
}

type devicesChangedPayload struct {
	Devices []device.Descriptor `json:"devices"`
}
