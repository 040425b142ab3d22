package logging

import "testing"

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"Warn", false},
		{"error", false},
		{"bogus", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestSetGetLevel(t *testing.T) {
	SetLevel(-4) // slog.LevelDebug
	if GetLevel() != -4 {
		t.Errorf("GetLevel() = %v, want -4", GetLevel())
	}
}
