package realtime

import (
	"errors"

	"github.com/example/tripsync/internal/trip/domain"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = domain.ErrTripNotFound
	ErrNotMember          = errors.New("not_a_member")
	ErrInvalidCoordinates = errors.New("invalid_coordinates")
	ErrIllegalTransition  = domain.ErrInvalidTransition
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrUnknownEvent       = errors.New("unknown_event")
	ErrRateLimited        = errors.New("rate_limited")
	ErrInvalidSession     = errors.New("invalid_session")
)

var reasons = []error{
	ErrUnauthorized,
	ErrNotFound,
	ErrNotMember,
	ErrInvalidCoordinates,
	ErrIllegalTransition,
	ErrInvalidPayload,
	ErrUnknownEvent,
	ErrRateLimited,
	ErrInvalidSession,
}

// Reason maps an error to the code sent in an `error` event.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r) {
			return r.Error()
		}
	}
	return "internal"
}
