package voice

import "testing"

func TestNormalizeRuntimeTone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"warm", "warm"},
		{"Friendly", "warm"},
		{"FORMAL", "professional"},
		{"soothing", "calm"},
		{"", "neutral"},
		{"aggressive", "neutral"},
		{"  playful  ", "playful"},
	}
	for _, tt := range tests {
		if got := NormalizeRuntimeTone(tt.in); got != tt.want {
			t.Errorf("NormalizeRuntimeTone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRuntimeToneDirective_CoversEveryTone(t *testing.T) {
	seen := map[string]bool{}
	for _, mapped := range knownTones {
		seen[mapped] = true
	}
	for tone := range seen {
		if RuntimeToneDirective(tone) == "" {
			t.Errorf("tone %q has no directive", tone)
		}
	}
}
