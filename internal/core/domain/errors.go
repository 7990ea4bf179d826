package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds surfaced by the lifecycle manager. Callers match them with
// errors.Is / errors.As; the HTTP layer maps them through StatusCode.

var (
	// ErrEngineUnavailable means the container runtime cannot be reached.
	// Every lifecycle operation is unavailable until it comes back.
	ErrEngineUnavailable = errors.New("container engine unavailable")

	// ErrNotFound means the target container (or slot) does not exist.
	// Depending on the operation this is often "already in the desired state".
	ErrNotFound = errors.New("not found")

	// ErrConflictInProgress means another lifecycle operation on the same
	// slot is in flight. Retry later, not immediately.
	ErrConflictInProgress = errors.New("another operation is in progress for this instance")

	// ErrInvalidState means the operation is not valid from the slot's
	// current derived state. Nothing was changed.
	ErrInvalidState = errors.New("operation not valid in current state")
)

// SlotError wraps one of the sentinel kinds with the slot it concerns.
type SlotError struct {
	InstanceID int
	Kind       error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("instance %d: %v", e.InstanceID, e.Kind)
}

func (e *SlotError) Unwrap() error { return e.Kind }

// StatusCode implements the HTTP mapping for the sentinel kinds.
func (e *SlotError) StatusCode() int { return statusFor(e.Kind) }

// CreateError carries the runtime's create/start diagnostic verbatim. Port
// conflicts, missing images and a broken GPU runtime all end up here, and the
// daemon's message is the only useful signal, so it is never paraphrased.
type CreateError struct {
	InstanceID int
	Diagnostic string
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("instance %d: create failed: %s", e.InstanceID, e.Diagnostic)
}

func (e *CreateError) StatusCode() int { return http.StatusBadGateway }

// StopError carries the runtime's stop diagnostic verbatim.
type StopError struct {
	InstanceID int
	Diagnostic string
}

func (e *StopError) Error() string {
	return fmt.Sprintf("instance %d: stop failed: %s", e.InstanceID, e.Diagnostic)
}

func (e *StopError) StatusCode() int { return http.StatusBadGateway }

// HTTPStatus picks the response status for any error the manager can
// return, whether it is a typed error or a wrapped sentinel.
func HTTPStatus(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return statusFor(err)
}

func statusFor(kind error) int {
	switch {
	case errors.Is(kind, ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(kind, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(kind, ErrConflictInProgress):
		return http.StatusConflict
	case errors.Is(kind, ErrInvalidState):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
