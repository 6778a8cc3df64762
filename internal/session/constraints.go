package session

import (
	"github.com/meshvoice/micbridge/internal/device"
	"github.com/meshvoice/micbridge/internal/settings"
)

// BuildConstraints translates stored preferences into capture
// constraints.
//
// Base rule: each processing toggle is enabled unless its disable flag is
// set. On platforms with inverted processing defaults the polarity flips:
// a toggle is enabled only when its disable flag is explicitly false, and
// the corrected flags are written back to the store so later sessions see
// consistent values. The write-back is an observable side effect and is
// idempotent.
func (m *Manager) BuildConstraints() device.Constraints {
	s := m.store.Snapshot()

	if !m.caps.InvertedProcessingDefaults {
		return device.Constraints{
			EchoCancellation: enabledByDefault(s.DisableEchoCancellation),
			NoiseSuppression: enabledByDefault(s.DisableNoiseSuppression),
			AutoGainControl:  enabledByDefault(s.DisableAutoGainControl),
		}
	}

	ec := explicitlyEnabled(s.DisableEchoCancellation)
	ns := explicitlyEnabled(s.DisableNoiseSuppression)
	agc := explicitlyEnabled(s.DisableAutoGainControl)

	if err := m.store.Update(settings.Patch{
		DisableEchoCancellation: settings.Bool(!ec),
		DisableNoiseSuppression: settings.Bool(!ns),
		DisableAutoGainControl:  settings.Bool(!agc),
	}); err != nil {
		m.log.Warn().Err(err).Msg("Failed to persist corrected processing flags")
	}

	return device.Constraints{
		EchoCancellation: ec,
		NoiseSuppression: ns,
		AutoGainControl:  agc,
	}
}

// enabledByDefault: flag absent or false means the toggle stays on.
func enabledByDefault(disable *bool) bool {
	return disable == nil || !*disable
}

// explicitlyEnabled: only an explicit disable=false turns the toggle on.
func explicitlyEnabled(disable *bool) bool {
	return disable != nil && !*disable
}
