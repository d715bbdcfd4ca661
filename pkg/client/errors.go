package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the fetcher.
var (
	// ErrTimeout is wrapped by failures whose request hit Config.Timeout.
	ErrTimeout = errors.New("network timeout")

	// ErrCanceled is wrapped by failures whose caller context ended first.
	ErrCanceled = errors.New("request canceled")
)

// FailureKind classifies a failed network call.
type FailureKind string

const (
	// FailureNetwork is a transport error: no HTTP response was received.
	FailureNetwork FailureKind = "network"

	// FailureTimeout is a request that did not finish within the timeout.
	FailureTimeout FailureKind = "timeout"

	// FailureCanceled is a request whose caller context was canceled.
	FailureCanceled FailureKind = "canceled"

	// FailureClient is a 4xx response.
	FailureClient FailureKind = "client"

	// FailureServer is a 5xx response.
	FailureServer FailureKind = "server"

	// FailureStatus is any other non-2xx response (1xx, 3xx).
	FailureStatus FailureKind = "status"
)

// FetchError describes a failed network call.
type FetchError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s failure: %s: %v", e.Kind, e.Message, e.Err)
		}
		return fmt.Sprintf("%s failure: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failure (status %d): %s: %v", e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failure (status %d): %s", e.Kind, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transport reports whether no HTTP response was received.
func (e *FetchError) Transport() bool {
	switch e.Kind {
	case FailureNetwork, FailureTimeout, FailureCanceled:
		return true
	default:
		return false
	}
}

// Retryable reports whether sending the same request later may succeed:
// transport failures and 5xx responses. A 4xx will be refused again.
func (e *FetchError) Retryable() bool {
	return e.Transport() || e.Kind == FailureServer
}

// kindForStatus classifies a non-2xx status code.
func kindForStatus(status int) FailureKind {
	switch {
	case status >= 400 && status < 500:
		return FailureClient
	case status >= 500:
		return FailureServer
	default:
		return FailureStatus
	}
}
