package errors

import (
	"errors"
	"fmt"
)

// Connection errors. Recovered by reconnecting; UI sees an offline flag.
var (
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrTimeout            = errors.New("handshake timed out")
	ErrClosed             = errors.New("connection closed")
	ErrNotConnected       = errors.New("not connected")
)

// Cache and reconciler errors.
var (
	ErrStaleResponse = errors.New("stale response discarded")
	ErrUnknownScope  = errors.New("unknown scope")
)

// ConnectionError reports a failed connect or handshake. Reason is one of
// ErrAuthRejected, ErrNetworkUnavailable or ErrTimeout.
type ConnectionError struct {
	Scope  string
	Reason error
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection for scope %q: %v", e.Scope, e.Reason)
	}

	return fmt.Sprintf("connection for scope %q: %v: %v", e.Scope, e.Reason, e.Err)
}

// Is matches the reason sentinel so errors.Is(err, ErrTimeout) works.
func (e *ConnectionError) Is(target error) bool {
	return e.Reason == target
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SubscriptionError reports a topic the transport refused to subscribe.
type SubscriptionError struct {
	Topic string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribing %q: %v", e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// ParseError reports a malformed push payload. The frame is dropped.
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing frame on %q: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// FetchError reports a failed page request. The cache keeps its last
// known good state and the page can be requested again.
type FetchError struct {
	ScopeID string
	Page    int
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching page %d of %q: %v", e.Page, e.ScopeID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
