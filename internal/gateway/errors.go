package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks a remote call that never completed: offline,
	// timeout, DNS or connection failure.
	ErrNetwork = errors.New("network error")

	// ErrRemoteRejected marks a completed call the store refused.
	ErrRemoteRejected = errors.New("remote store rejected the request")

	// ErrNotFound marks a by-id read that matched no row.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientStock is surfaced by pre-validation before any
	// write is attempted. It is never silently clamped.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// RemoteError carries the store's status and message so interactive
// callers can show the server's own words. Matches ErrRemoteRejected
// under errors.Is.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote store rejected the request (status %d)", e.Status)
	}
	return fmt.Sprintf("remote store rejected the request: %s (status %d)", e.Message, e.Status)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteRejected
}
