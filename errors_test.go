package hiboss

import (
	"errors"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "op and message",
			err:  NewError(ErrNotFound, "agent.status", "agent %q not found", "nex"),
			want: `agent.status: agent "nex" not found`,
		},
		{
			name: "wrapped cause",
			err:  Wrap(ErrInternal, "store.insertEnvelope", errors.New("disk full")),
			want: "store.insertEnvelope: failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrInternal, "executor.wake", cause)

	if got := err.Unwrap(); got != cause {
		t.Errorf("Unwrap() = %v, want %v", got, cause)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) should be true")
	}
}

func TestWrapPassesThroughExistingError(t *testing.T) {
	inner := NewError(ErrAlreadyExists, "agent.register", "agent %q already exists", "nex")
	outer := Wrap(ErrInternal, "store.runInTransaction", inner)

	if outer != inner {
		t.Error("Wrap should not re-wrap an existing *Error")
	}
	if outer.Kind != ErrAlreadyExists {
		t.Errorf("Kind = %v, want %v", outer.Kind, ErrAlreadyExists)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"structured error", NewError(ErrUnauthorized, "envelope.send", "token invalid"), ErrUnauthorized},
		{"plain error", errors.New("whatever"), ErrInternal},
		{"nil", nil, ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}
