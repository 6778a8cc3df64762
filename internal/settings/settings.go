// Package settings persists user preferences for the capture session:
// the audio processing disable flags and the last used input device.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Settings is the on-disk preference document. The disable flags are
// tri-state: nil (never set), false (explicitly enabled processing) and
// true (processing disabled). The distinction matters on platforms with
// inverted processing defaults.
type Settings struct {
	DisableEchoCancellation *bool  `json:"disable_echo_cancellation,omitempty"`
	DisableNoiseSuppression *bool  `json:"disable_noise_suppression,omitempty"`
	DisableAutoGainControl  *bool  `json:"disable_auto_gain_control,omitempty"`
	LastUsedMicDeviceID     string `json:"last_used_mic_device_id,omitempty" validate:"omitempty,max=256"`
}

// Patch is a shallow-merge update to Settings. Nil fields are left
// untouched; set fields overwrite.
type Patch struct {
	DisableEchoCancellation *bool
	DisableNoiseSuppression *bool
	DisableAutoGainControl  *bool
	LastUsedMicDeviceID     *string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Store is a file-backed settings store. Writes are last-write-wins and
// persisted immediately. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	s    Settings
}

// Load reads the settings file at path, or returns an empty store if no
// file exists yet. An empty path uses the platform default location.
func Load(path string) (*Store, error) {
	if path == "" {
		path = defaultPath()
	}

	st := &Store{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := json.Unmarshal(data, &st.s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := validate.Struct(&st.s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	return st, nil
}

// Snapshot returns a copy of the current settings.
func (st *Store) Snapshot() Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

// Update applies a shallow-merge patch and persists the result.
func (st *Store) Update(p Patch) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.s
	if p.DisableEchoCancellation != nil {
		next.DisableEchoCancellation = p.DisableEchoCancellation
	}
	if p.DisableNoiseSuppression != nil {
		next.DisableNoiseSuppression = p.DisableNoiseSuppression
	}
	if p.DisableAutoGainControl != nil {
		next.DisableAutoGainControl = p.DisableAutoGainControl
	}
	if p.LastUsedMicDeviceID != nil {
		next.LastUsedMicDeviceID = *p.LastUsedMicDeviceID
	}

	if err := validate.Struct(&next); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	st.s = next
	return st.saveLocked()
}

func (st *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(st.path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(&st.s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(st.path, data, 0644)
}

// defaultPath returns the platform-specific settings file path.
func defaultPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "micbridge", "settings.json")
}

// Bool is a convenience for building tri-state patches in one line.
func Bool(v bool) *bool { return &v }

// String is a convenience for building patches in one line.
func String(v string) *string { return &v }
