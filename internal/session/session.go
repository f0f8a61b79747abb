// Package session drives the lifecycle of ephemeral multi-destination
// channels: invite, accept/reject, activation, teardown. Every machine owns
// its lock; cross-session operations go through the Registry, which
// enumerates under its own lock and then takes each session lock in turn.
package session

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/idwire/idwire/internal/errs"
)

// State is the machine's current lifecycle phase.
type State int

const (
	StateCreated State = iota
	StateInviteSent
	StateAccepted
	StateRejected
	StateTimedOut
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInviteSent:
		return "invite-sent"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed-out"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateTimedOut, StateEnded, StateFailed:
		return true
	default:
		return false
	}
}

// Update describes one transition, published so observers that missed an
// earlier event can resume idempotently (current state is always queryable).
type Update struct {
	SessionID   uuid.UUID
	From        State
	To          State
	Participant string // set for per-participant accept/reject records
	Err         error
}

// ParticipantAck is one entry in the session's delivery acknowledgement log.
type ParticipantAck struct {
	Participant   string
	CorrelationID string
	At            time.Time
}

// Config tunes a session.
type Config struct {
	// InviteTimeout bounds how long an invitation may stay unanswered.
	InviteTimeout time.Duration

	// AcceptQuorum is how many distinct participants must accept before the
	// session advances. Zero means every destination must accept; pairwise
	// sessions therefore need exactly one accept either way.
	AcceptQuorum int

	// TransportType is an opaque hint passed through to the transport.
	TransportType int32
}

func (c Config) withDefaults() Config {
	if c.InviteTimeout <= 0 {
		c.InviteTimeout = 30 * time.Second
	}
	return c
}

func invalid(op string, s State) error {
	return fmt.Errorf("%s in state %s: %w", op, s, errs.ErrInvalidTransition)
}
