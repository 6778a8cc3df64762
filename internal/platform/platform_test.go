package platform

import "testing"

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		ua   string
		want Capabilities
	}{
		{
			name: "desktop browser",
			ua:   "Mozilla/5.0 (X11; Linux x86_64) Firefox/126.0",
			want: Capabilities{},
		},
		{
			name: "mobile VR browser has inverted processing defaults",
			ua:   "Mozilla/5.0 (Linux; Android 10; Quest) OculusBrowser/23.0 Mobile",
			want: Capabilities{
				Handheld:                   true,
				ImmersiveCapable:           true,
				InvertedProcessingDefaults: true,
			},
		},
		{
			name: "android phone is handheld only",
			ua:   "Mozilla/5.0 (Linux; Android 14; Pixel 8) Chrome/124.0 Mobile",
			want: Capabilities{Handheld: true},
		},
		{
			name: "windows desktop VR has the track recreation bug",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64; Rift) Chrome/124.0",
			want: Capabilities{
				ImmersiveCapable:   true,
				TrackRecreationBug: true,
			},
		},
		{
			name: "vive on windows",
			ua:   "Mozilla/5.0 (Windows NT 10.0; Vive) Firefox/126.0",
			want: Capabilities{
				ImmersiveCapable:   true,
				TrackRecreationBug: true,
			},
		},
		{
			name: "vr token inside a longer word does not match",
			ua:   "Mozilla/5.0 (Windows NT 10.0) Adrift/1.0",
			want: Capabilities{},
		},
		{
			name: "empty user agent",
			ua:   "",
			want: Capabilities{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect(tc.ua); got != tc.want {
				t.Errorf("Detect(%q) = %+v, want %+v", tc.ua, got, tc.want)
			}
		})
	}
}
