// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across resolver/tracker/session layers.
var (
	// ErrMalformedIdentity indicates an identity reference that could not be parsed.
	ErrMalformedIdentity = errors.New("malformed identity")

	// ErrEmptyDestination indicates resolution produced zero concrete endpoints.
	ErrEmptyDestination = errors.New("empty destination")

	// ErrPayloadTooLarge indicates a payload exceeding the transport's effective ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrTransportRejected indicates the transport declined the send outright.
	ErrTransportRejected = errors.New("transport rejected")

	// ErrInvalidTransition indicates a session operation attempted in a state
	// that does not permit it. Session state is unchanged.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrSessionTimeout indicates no accept/reject arrived within the policy window.
	ErrSessionTimeout = errors.New("session timeout")

	// ErrSendTimeout indicates an awaited delivery outcome did not complete in time.
	ErrSendTimeout = errors.New("send timeout")

	// ErrUnknownCorrelation indicates a correlation identifier with no registered send.
	ErrUnknownCorrelation = errors.New("unknown correlation identifier")

	// ErrCancelled indicates a send cancelled before the transport accepted it.
	ErrCancelled = errors.New("send cancelled")
)
