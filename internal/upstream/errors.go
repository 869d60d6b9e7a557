package upstream

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUpstream      = errors.New("upstream: call failed")
	ErrNotConfigured = errors.New("upstream: endpoint not configured")
	ErrUnknown       = errors.New("upstream: unknown endpoint")
	ErrBadParams     = errors.New("upstream: invalid parameters")
)

// Error wraps a failed upstream call with the endpoint and, when one was
// received, the HTTP status. It matches ErrUpstream with errors.Is.
type Error struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream: endpoint=%s status=%d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream: endpoint=%s: %v", e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrUpstream
}
