package hiboss

import "testing"

func TestEnvelopeIsDeferred(t *testing.T) {
	var deliverAt int64 = 1000
	tests := []struct {
		name string
		env  Envelope
		want bool
	}{
		{"immediate", Envelope{}, false},
		{"deferred", Envelope{DeliverAt: &deliverAt}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.IsDeferred(); got != tt.want {
				t.Errorf("IsDeferred() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvelopeDueAt(t *testing.T) {
	var deliverAt int64 = 1000
	tests := []struct {
		name string
		env  Envelope
		now  int64
		want bool
	}{
		{"no deliverAt always due", Envelope{}, 0, true},
		{"before deliverAt not due", Envelope{DeliverAt: &deliverAt}, 999, false},
		{"at deliverAt due", Envelope{DeliverAt: &deliverAt}, 1000, true},
		{"after deliverAt due", Envelope{DeliverAt: &deliverAt}, 1001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.DueAt(tt.now); got != tt.want {
				t.Errorf("DueAt(%d) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}
