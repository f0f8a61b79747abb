package session

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/idwire/idwire/internal/destination"
	"github.com/idwire/idwire/internal/errs"
	"github.com/idwire/idwire/internal/obs"
)

// InviteSender hands an invitation to the transport and returns its
// correlation identifier. Supplied by the service layer.
type InviteSender func(ctx context.Context, sessionID uuid.UUID, data []byte, options map[string]string) (string, error)

// Machine is one session's state machine. All fields are guarded by mu; the
// notify callback and the invite sender run outside the lock.
type Machine struct {
	id        uuid.UUID
	accountID uuid.UUID
	dest      destination.Destination
	endpoints []destination.Endpoint // snapshot taken at creation
	cfg       Config
	inbound   bool

	notify func(Update)
	send   InviteSender
	log    *zap.Logger

	mu            sync.Mutex
	state         State
	inviting      bool          // a handoff to the transport is in progress
	inviteDone    chan struct{} // closed when that handoff resolves
	pendingInvite string        // correlation id of the in-flight invitation
	accepts       map[string]struct{}
	rejects       map[string]struct{}
	acks          []ParticipantAck
	timer         *time.Timer
	transition    chan struct{} // closed and replaced on every transition
}

// New creates an outbound session in StateCreated. The endpoint snapshot is
// taken by the caller at creation time and not live-updated.
func New(accountID uuid.UUID, dest destination.Destination, endpoints []destination.Endpoint, cfg Config, send InviteSender, notify func(Update), log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	if notify == nil {
		notify = func(Update) {}
	}
	id, _ := uuid.NewV4()
	m := &Machine{
		id:         id,
		accountID:  accountID,
		dest:       dest,
		endpoints:  append([]destination.Endpoint(nil), endpoints...),
		cfg:        cfg.withDefaults(),
		notify:     notify,
		send:       send,
		log:        log,
		state:      StateCreated,
		accepts:    map[string]struct{}{},
		rejects:    map[string]struct{}{},
		transition: make(chan struct{}),
	}
	obs.ActiveSessions.Inc()
	return m
}

// NewInbound materializes a session from a received invitation. It starts in
// StateInviteSent so later accept/reject and activation events for the
// session id have a machine to advance; no invitation of its own is issued.
func NewInbound(id, accountID uuid.UUID, dest destination.Destination, cfg Config, send InviteSender, notify func(Update), log *zap.Logger) *Machine {
	m := New(accountID, dest, nil, cfg, send, notify, log)
	m.id = id
	m.inbound = true
	m.state = StateInviteSent
	return m
}

// ID returns the session's unique identifier.
func (m *Machine) ID() uuid.UUID { return m.id }

// AccountID returns the owning account.
func (m *Machine) AccountID() uuid.UUID { return m.accountID }

// Destination returns the destination snapshot taken at creation.
func (m *Machine) Destination() destination.Destination { return m.dest }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Inbound reports whether the session was created from a received invitation.
func (m *Machine) Inbound() bool { return m.inbound }

// SendInvitation issues the invitation. Only one invitation may be in flight:
// re-inviting while StateInviteSent returns the existing pending correlation
// identifier without a second transport call.
func (m *Machine) SendInvitation(ctx context.Context) (string, error) {
	return m.invite(ctx, nil, nil)
}

// SendInvitationWithData issues the invitation with an opaque payload.
func (m *Machine) SendInvitationWithData(ctx context.Context, data []byte) (string, error) {
	return m.invite(ctx, data, nil)
}

// SendInvitationWithOptions issues the invitation with per-invite options.
func (m *Machine) SendInvitationWithOptions(ctx context.Context, options map[string]string) (string, error) {
	return m.invite(ctx, nil, options)
}

func (m *Machine) invite(ctx context.Context, data []byte, options map[string]string) (string, error) {
	m.mu.Lock()
	for {
		switch m.state {
		case StateInviteSent:
			pending := m.pendingInvite
			m.mu.Unlock()
			return pending, nil
		case StateCreated:
		default:
			st := m.state
			m.mu.Unlock()
			return "", invalid("invite", st)
		}
		if !m.inviting {
			break
		}
		// Another invite holds the handoff; wait for it to resolve, then
		// re-examine the state so at most one invitation reaches the
		// transport.
		done := m.inviteDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		m.mu.Lock()
	}
	m.inviting = true
	m.inviteDone = make(chan struct{})
	m.mu.Unlock()

	// Transport handoff happens outside the lock.
	corrID, err := m.send(ctx, m.id, data, options)

	m.mu.Lock()
	m.inviting = false
	close(m.inviteDone)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	if m.state != StateCreated {
		// Ended or failed while the handoff was in flight. The invitation
		// left the process; its outcomes resolve through delivery tracking.
		st := m.state
		m.mu.Unlock()
		return "", invalid("invite", st)
	}
	m.pendingInvite = corrID
	m.armTimeoutLocked()
	m.transitionLocked(StateInviteSent, "", nil)
	m.mu.Unlock()
	return corrID, nil
}

// SendAllocationRequest pre-negotiates session parameters. Valid only in
// StateCreated or StateInviteSent.
func (m *Machine) SendAllocationRequest(ctx context.Context, options map[string]string) error {
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	if st != StateCreated && st != StateInviteSent {
		return invalid("allocation request", st)
	}
	opts := make(map[string]string, len(options)+1)
	for k, v := range options {
		opts[k] = v
	}
	opts["allocation"] = "1"
	_, err := m.send(ctx, m.id, nil, opts)
	return err
}

// HandleAccept records an accept from one participant. The session stays in
// StateInviteSent until the quorum is satisfied; duplicates are idempotent.
func (m *Machine) HandleAccept(participant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInviteSent {
		if m.state.Terminal() {
			m.log.Debug("accept after terminal state ignored",
				zap.String("session_id", m.id.String()),
				zap.String("participant", participant),
			)
			return nil
		}
		return invalid("accept", m.state)
	}
	if _, dup := m.accepts[participant]; dup {
		return nil
	}
	m.accepts[participant] = struct{}{}
	m.notifyLocked(Update{SessionID: m.id, From: m.state, To: m.state, Participant: participant})

	if len(m.accepts) >= m.quorumLocked() {
		m.disarmTimeoutLocked()
		m.transitionLocked(StateAccepted, participant, nil)
	}
	return nil
}

// HandleReject records a reject. When every destination has answered with a
// reject, or the session is pairwise, the session terminates.
func (m *Machine) HandleReject(participant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInviteSent {
		if m.state.Terminal() {
			return nil
		}
		return invalid("reject", m.state)
	}
	m.rejects[participant] = struct{}{}

	participants := m.participantCountLocked()
	if participants <= 1 || len(m.rejects) >= participants {
		m.disarmTimeoutLocked()
		m.transitionLocked(StateRejected, participant, nil)
		return nil
	}
	// Quorum can no longer be met once too many participants rejected.
	if participants-len(m.rejects) < m.quorumLocked() {
		m.disarmTimeoutLocked()
		m.transitionLocked(StateRejected, participant, nil)
		return nil
	}
	m.notifyLocked(Update{SessionID: m.id, From: m.state, To: m.state, Participant: participant})
	return nil
}

// Activate records transport confirmation that the channel is usable.
func (m *Machine) Activate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAccepted {
		return invalid("activate", m.state)
	}
	m.transitionLocked(StateActive, "", nil)
	return nil
}

// RecordAck appends a participant-level delivery acknowledgement.
func (m *Machine) RecordAck(participant, correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, ParticipantAck{
		Participant:   participant,
		CorrelationID: correlationID,
		At:            time.Now(),
	})
}

// Acks returns a copy of the acknowledgement log.
func (m *Machine) Acks() []ParticipantAck {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ParticipantAck(nil), m.acks...)
}

// End tears the session down from any non-terminal state.
func (m *Machine) End() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return invalid("end", m.state)
	}
	m.disarmTimeoutLocked()
	m.transitionLocked(StateEnded, "", nil)
	return nil
}

// Fail moves the session to its terminal failure state.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.disarmTimeoutLocked()
	m.transitionLocked(StateFailed, "", err)
}

// AwaitEstablished blocks until the session reaches StateAccepted or
// StateActive, or terminates. Timeout and rejection surface as errors.
func (m *Machine) AwaitEstablished(ctx context.Context) error {
	for {
		m.mu.Lock()
		st := m.state
		ch := m.transition
		m.mu.Unlock()

		switch {
		case st == StateAccepted || st == StateActive:
			return nil
		case st == StateTimedOut:
			return errs.ErrSessionTimeout
		case st == StateRejected:
			return errs.ErrInvalidTransition
		case st.Terminal():
			return errs.ErrInvalidTransition
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// quorumLocked resolves the configured quorum against the destination size.
func (m *Machine) quorumLocked() int {
	n := m.participantCountLocked()
	q := m.cfg.AcceptQuorum
	if q <= 0 || q > n {
		q = n
	}
	if q < 1 {
		q = 1
	}
	return q
}

func (m *Machine) participantCountLocked() int {
	if n := len(m.dest.NormalizedURIs()); n > 0 {
		return n
	}
	if m.dest.IsGuest() {
		return 1
	}
	return 1
}

func (m *Machine) armTimeoutLocked() {
	m.timer = time.AfterFunc(m.cfg.InviteTimeout, m.inviteTimeout)
}

func (m *Machine) disarmTimeoutLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) inviteTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInviteSent {
		return
	}
	m.transitionLocked(StateTimedOut, "", errs.ErrSessionTimeout)
}

// transitionLocked moves to the next state, wakes waiters, and schedules the
// observer notification. Caller holds m.mu.
func (m *Machine) transitionLocked(to State, participant string, err error) {
	from := m.state
	m.state = to
	close(m.transition)
	m.transition = make(chan struct{})
	if to.Terminal() {
		obs.ActiveSessions.Dec()
	}
	m.log.Info("session transition",
		zap.String("session_id", m.id.String()),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	m.notifyLocked(Update{SessionID: m.id, From: from, To: to, Participant: participant, Err: err})
}

// notifyLocked hands the update to the notifier on a fresh goroutine so no
// session lock is held while observer code runs.
func (m *Machine) notifyLocked(u Update) {
	go m.notify(u)
}
