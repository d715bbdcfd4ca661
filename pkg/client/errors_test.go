package client

import (
	"errors"
	"testing"
)

func TestFetchError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *FetchError
		expected string
	}{
		{
			name: "status failure",
			err: &FetchError{
				Kind:       FailureServer,
				StatusCode: 503,
				Message:    "503 Service Unavailable",
			},
			expected: "server failure (status 503): 503 Service Unavailable",
		},
		{
			name: "transport failure with cause",
			err: &FetchError{
				Kind:    FailureNetwork,
				Message: "transport error",
				Err:     errors.New("connection refused"),
			},
			expected: "network failure: transport error: connection refused",
		},
		{
			name: "transport failure without cause",
			err: &FetchError{
				Kind:    FailureTimeout,
				Message: "no response within 10s",
			},
			expected: "timeout failure: no response within 10s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFetchError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &FetchError{Kind: FailureNetwork, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var fe *FetchError
	if !errors.As(error(err), &fe) {
		t.Error("errors.As should extract FetchError")
	}
}

func TestFetchError_Transport(t *testing.T) {
	tests := map[FailureKind]bool{
		FailureNetwork:  true,
		FailureTimeout:  true,
		FailureCanceled: true,
		FailureClient:   false,
		FailureServer:   false,
		FailureStatus:   false,
	}
	for kind, want := range tests {
		if got := (&FetchError{Kind: kind}).Transport(); got != want {
			t.Errorf("Transport() for %s = %v, want %v", kind, got, want)
		}
	}
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FailureKind
	}{
		{404, FailureClient},
		{429, FailureClient},
		{500, FailureServer},
		{503, FailureServer},
		{304, FailureStatus},
		{101, FailureStatus},
	}
	for _, tt := range tests {
		if got := kindForStatus(tt.status); got != tt.want {
			t.Errorf("kindForStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestFetchError_Retryable(t *testing.T) {
	tests := map[FailureKind]bool{
		FailureNetwork:  true,
		FailureTimeout:  true,
		FailureCanceled: true,
		FailureClient:   false,
		FailureServer:   true,
		FailureStatus:   false,
	}
	for kind, want := range tests {
		if got := (&FetchError{Kind: kind}).Retryable(); got != want {
			t.Errorf("Retryable() for %s = %v, want %v", kind, got, want)
		}
	}
}
