// Package device defines the capture device model: descriptors, capture
// constraints, the live track handle, and the provider contract that
// platform backends implement.
package device

import (
	"context"
	"errors"
)

// Kind classifies a device reported by a provider.
type Kind int

const (
	KindAudioInput Kind = iota + 1
	KindAudioOutput
	KindVideoInput
)

func (k Kind) String() string {
	switch k {
	case KindAudioInput:
		return "audioinput"
	case KindAudioOutput:
		return "audiooutput"
	case KindVideoInput:
		return "videoinput"
	default:
		return "unknown"
	}
}

// Info is a raw enumeration record as reported by a provider.
type Info struct {
	ID    string
	Kind  Kind
	Label string
}

// Descriptor is a directory entry for an audio input device. Label may be
// synthesized when the platform withholds real labels pre-authorization.
type Descriptor struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DeviceConstraint selects a device for capture. Exact fails when unmet;
// Ideal is a soft preference the platform may override. The zero value
// means "no device preference".
type DeviceConstraint struct {
	Exact string
	Ideal string
}

// IsZero reports whether no device preference is set.
func (d DeviceConstraint) IsZero() bool {
	return d.Exact == "" && d.Ideal == ""
}

// Constraints is the full request parameter set for a capture track.
type Constraints struct {
	Device           DeviceConstraint
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// EndCause distinguishes an explicit stop from an external track
// termination (e.g. the OS silently killing the stream).
type EndCause int

const (
	EndStopped EndCause = iota
	EndExternal
)

func (c EndCause) String() string {
	if c == EndExternal {
		return "external"
	}
	return "stopped"
}

// Subscription is an explicit observer handle. Cancel detaches the
// observer; it is safe to call more than once.
type Subscription interface {
	Cancel()
}

// Track is a live handle over one hardware audio input stream.
type Track interface {
	// ID is the platform identifier of the device backing this track.
	ID() string

	// Label is the human-readable device label at capture time.
	Label() string

	// Frames delivers raw captured sample frames. The channel is closed
	// when the track ends.
	Frames() <-chan []float32

	// Stop releases the hardware. Ended observers fire with EndStopped.
	Stop()

	// OnEnded registers an observer invoked once when the track ends.
	OnEnded(fn func(EndCause)) Subscription
}

// Provider is the platform device-enumeration and capture API.
type Provider interface {
	// ListDevices returns the current device topology snapshot.
	ListDevices(ctx context.Context) ([]Info, error)

	// RequestCapture opens a capture track honoring the constraints.
	RequestCapture(ctx context.Context, c Constraints) (Track, error)

	// OnDeviceChange registers an observer for topology changes.
	OnDeviceChange(fn func()) Subscription

	Close() error
}

// Capture failure kinds. Callers match with errors.Is.
var (
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrDeviceNotFound   = errors.New("no matching capture device")
	ErrHardware         = errors.New("hardware capture failure")
	ErrEnumeration      = errors.New("device enumeration failed")
)
