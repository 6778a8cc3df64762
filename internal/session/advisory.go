package session

import "regexp"

// hmdMicRe matches labels of microphones built into known head-mounted
// displays. Whole words only, so "driver" does not match "rift". The set
// is intentionally non-exhaustive: an unmatched device means nothing to
// warn about.
var hmdMicRe = regexp.MustCompile(`(?i)\b(vive|rift)\b`)

// ShouldShowHMDMicWarning reports whether a known headset microphone
// exists among the available devices but is not the one currently
// selected. Read-only advisory; acting on it is the caller's decision.
//
// Always false on handheld platforms and for sessions not configured to
// enter an immersive mode.
func (m *Manager) ShouldShowHMDMicWarning() bool {
	if m.caps.Handheld || !m.immersive {
		return false
	}

	hasHMDMic := false
	for _, d := range m.Devices() {
		if hmdMicRe.MatchString(d.Label) {
			hasHMDMic = true
			break
		}
	}
	if !hasHMDMic {
		return false
	}

	m.mu.Lock()
	var selected string
	if m.track != nil {
		selected = m.track.Label()
	}
	m.mu.Unlock()

	return !hmdMicRe.MatchString(selected)
}
