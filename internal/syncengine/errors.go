package syncengine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/agentworkforce/relaydesk/internal/support"
)

var (
	// ErrNetworkFailure covers rejected requests and non-2xx answers the
	// domain taxonomy has no better name for.
	ErrNetworkFailure = errors.New("network failure")
	// ErrStaleResponse marks a result for a conversation that is no longer
	// selected. It never reaches the caller of a user action.
	ErrStaleResponse    = errors.New("stale response")
	ErrMutationInFlight = errors.New("mutation already in flight")
	ErrNoConversation   = errors.New("no conversation selected")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps the response back onto the domain sentinels so callers can
// branch with errors.Is regardless of whether the rule was enforced
// locally or by the store.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case support.ErrInvalidTransition:
		return e.StatusCode == http.StatusConflict
	case support.ErrPermissionDenied:
		return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnauthorized
	case support.ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case support.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrNetworkFailure:
		switch e.StatusCode {
		case http.StatusConflict, http.StatusForbidden, http.StatusUnauthorized,
			http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound:
			return false
		}
		return true
	}
	return false
}

// transportError wraps a failure below HTTP (dial, reset, timeout).
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return "network failure: " + e.err.Error()
}

func (e *transportError) Unwrap() error {
	return e.err
}

func (e *transportError) Is(target error) bool {
	return target == ErrNetworkFailure
}
