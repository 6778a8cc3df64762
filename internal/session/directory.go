package session

import (
	"context"
	"fmt"

	"github.com/meshvoice/micbridge/internal/device"
)

// RefreshDevices replaces the cached device directory with a fresh
// snapshot of audio inputs. An enumeration failure empties the cache and
// is logged; it is never propagated.
func (m *Manager) RefreshDevices(ctx context.Context) {
	infos, err := m.provider.ListDevices(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Device enumeration failed")
		infos = nil
	}

	list := make([]device.Descriptor, 0, len(infos))
	for _, info := range infos {
		if info.Kind != device.KindAudioInput {
			continue
		}
		label := info.Label
		if label == "" {
			// Labels are withheld pre-authorization on some platforms.
			label = synthesizeLabel(info.ID)
		}
		list = append(list, device.Descriptor{ID: info.ID, Label: label})
	}

	m.mu.Lock()
	m.devices = list
	m.mu.Unlock()
}

// Devices returns a copy of the current directory snapshot.
func (m *Manager) Devices() []device.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]device.Descriptor, len(m.devices))
	copy(out, m.devices)
	return out
}

// DeviceIDForLabel returns the id of the first device with the given
// label, or "" when no device matches.
func (m *Manager) DeviceIDForLabel(label string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.Label == label {
			return d.ID
		}
	}
	return ""
}

// LabelForDeviceID returns the label of the device with the given id, or
// "" when no device matches.
func (m *Manager) LabelForDeviceID(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ID == id {
			return d.Label
		}
	}
	return ""
}

// SelectedDeviceID derives the selected device id from the active
// track's label and the current directory snapshot. It is computed on
// demand, never cached, so it is empty while the directory lacks a
// matching label.
func (m *Manager) SelectedDeviceID() string {
	m.mu.Lock()
	var label string
	if m.track != nil {
		label = m.track.Label()
	}
	m.mu.Unlock()

	if label == "" {
		return ""
	}
	return m.DeviceIDForLabel(label)
}

func synthesizeLabel(id string) string {
	if len(id) > 9 {
		id = id[:9]
	}
	return fmt.Sprintf("Microphone (%s)", id)
}
