// Package platform resolves capability flags from a client user-agent
// string. Detection happens once at startup; the rest of the code branches
// on the resulting flags instead of re-parsing platform strings.
package platform

import "regexp"

// Capabilities describes the quirks of the platform hosting the session.
type Capabilities struct {
	// Handheld is true on phones, tablets and standalone mobile VR
	// headsets.
	Handheld bool

	// ImmersiveCapable is true when the platform can enter an immersive
	// (head-mounted) presentation mode.
	ImmersiveCapable bool

	// InvertedProcessingDefaults marks the mobile VR browser whose audio
	// processing constraint polarity is inverted by a platform defect.
	InvertedProcessingDefaults bool

	// TrackRecreationBug marks desktop VR runtimes where the OS silently
	// terminates live capture tracks, requiring the recovery hook.
	TrackRecreationBug bool
}

var (
	mobileVRBrowserRe = regexp.MustCompile(`(?i)\b(oculusbrowser|pacific)\b`)
	handheldRe        = regexp.MustCompile(`(?i)\b(android|iphone|ipad|mobile)\b`)
	desktopVRRe       = regexp.MustCompile(`(?i)\b(vive|rift|index|mixed reality|openxr)\b`)
	windowsRe         = regexp.MustCompile(`\bWindows NT\b`)
)

// Detect resolves Capabilities from a user-agent string.
func Detect(ua string) Capabilities {
	mobileVR := mobileVRBrowserRe.MatchString(ua)
	desktopVR := windowsRe.MatchString(ua) && desktopVRRe.MatchString(ua)

	return Capabilities{
		Handheld:                   mobileVR || handheldRe.MatchString(ua),
		ImmersiveCapable:           mobileVR || desktopVR,
		InvertedProcessingDefaults: mobileVR,
		TrackRecreationBug:         desktopVR,
	}
}
