package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNetworkError(t *testing.T) {
	baseErr := errors.New("connection refused")

	t.Run("retriable error", func(t *testing.T) {
		err := NewNetworkError("connect", baseErr)

		if !err.IsRetriable() {
			t.Error("Expected error to be retriable")
		}

		if err.Error() != "connect: connection refused" {
			t.Errorf("Error message = %q, want %q", err.Error(), "connect: connection refused")
		}

		if !errors.Is(err, baseErr) {
			t.Error("Expected error to wrap baseErr")
		}
	})

	t.Run("fatal error", func(t *testing.T) {
		err := NewFatalNetworkError("auth", baseErr)

		if err.IsRetriable() {
			t.Error("Expected error to be non-retriable")
		}
	})
}

func TestProtocolError(t *testing.T) {
	err := fmt.Errorf("subscribe: %w", &ProtocolError{Venue: "bitget", Code: "30006", Msg: "request too many"})

	if !IsProtocolError(err) {
		t.Error("Expected wrapped ProtocolError to be detected")
	}
	if !IsRetriable(err) {
		t.Error("Protocol rejections are retried like transport errors")
	}
	if IsProtocolError(NewNetworkError("read", baseErrFor(t))) {
		t.Error("NetworkError must not be classified as protocol error")
	}
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("venues", "no venue enabled")

	if err.IsRetriable() {
		t.Error("ConfigError should never be retriable")
	}
	if err.Error() != "config error [venues]: no venue enabled" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"network", NewNetworkError("read", errors.New("eof")), true},
		{"wrapped network", fmt.Errorf("ctx: %w", NewNetworkError("read", errors.New("eof"))), true},
		{"config", NewConfigError("x", "bad"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.want {
				t.Errorf("IsRetriable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutionError_Unwrap(t *testing.T) {
	err := &ExecutionError{LegID: "leg-1", Stage: "place", Err: ErrInsufficientBalance}
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Error("Expected ExecutionError to unwrap to the cause")
	}
}

func baseErrFor(t *testing.T) error {
	t.Helper()
	return errors.New("eof")
}
