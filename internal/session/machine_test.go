package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idwire/idwire/internal/destination"
	"github.com/idwire/idwire/internal/errs"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSender) send(_ context.Context, _ uuid.UUID, _ []byte, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return "corr-" + string(rune('0'+f.calls)), nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func pairwiseDest(t *testing.T) destination.Destination {
	t.Helper()
	d, err := destination.FromStrings([]string{"bob@example.com"})
	require.NoError(t, err)
	return d
}

func multiDest(t *testing.T) destination.Destination {
	t.Helper()
	d, err := destination.FromStrings([]string{"a@example.com", "b@example.com", "c@example.com"})
	require.NoError(t, err)
	return d
}

type testSender interface {
	send(ctx context.Context, id uuid.UUID, payload []byte, headers map[string]string) (string, error)
}

func newMachine(t *testing.T, dest destination.Destination, cfg Config, sender testSender) *Machine {
	t.Helper()
	return New(uuid.Must(uuid.NewV4()), dest, nil, cfg, sender.send, nil, nil)
}

func TestMachine_InviteOnce(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, pairwiseDest(t), Config{}, sender)
	require.Equal(t, StateCreated, m.State())

	first, err := m.SendInvitation(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, StateInviteSent, m.State())

	// Re-inviting returns the pending identifier without a transport call.
	second, err := m.SendInvitation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, sender.count())
}

func TestMachine_InviteTransportError(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{err: errors.New("daemon down")}
	m := newMachine(t, pairwiseDest(t), Config{}, sender)

	_, err := m.SendInvitation(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateCreated, m.State(), "failed handoff leaves the session in Created")
}

func TestMachine_PairwiseAcceptActivateEnd(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, pairwiseDest(t), Config{}, sender)
	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.HandleAccept("mailto:bob@example.com"))
	assert.Equal(t, StateAccepted, m.State())

	require.NoError(t, m.Activate())
	assert.Equal(t, StateActive, m.State())

	require.NoError(t, m.End())
	assert.Equal(t, StateEnded, m.State())
	assert.Error(t, m.End(), "ending a terminal session is invalid")
}

func TestMachine_MultiPartyQuorum(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, multiDest(t), Config{AcceptQuorum: 2}, sender)
	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.HandleAccept("mailto:a@example.com"))
	assert.Equal(t, StateInviteSent, m.State(), "one accept of quorum two keeps InviteSent")

	// Duplicate accept does not advance quorum.
	require.NoError(t, m.HandleAccept("mailto:a@example.com"))
	assert.Equal(t, StateInviteSent, m.State())

	require.NoError(t, m.HandleAccept("mailto:b@example.com"))
	assert.Equal(t, StateAccepted, m.State())
}

func TestMachine_QuorumDefaultsToAllDestinations(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, multiDest(t), Config{}, sender)
	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.HandleAccept("mailto:a@example.com"))
	require.NoError(t, m.HandleAccept("mailto:b@example.com"))
	assert.Equal(t, StateInviteSent, m.State())
	require.NoError(t, m.HandleAccept("mailto:c@example.com"))
	assert.Equal(t, StateAccepted, m.State())
}

func TestMachine_Reject(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, pairwiseDest(t), Config{}, sender)
	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.HandleReject("mailto:bob@example.com"))
	assert.Equal(t, StateRejected, m.State())

	// Late accept after terminal state is ignored, not an error.
	require.NoError(t, m.HandleAccept("mailto:bob@example.com"))
	assert.Equal(t, StateRejected, m.State())
}

func TestMachine_RejectsExhaustQuorum(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, multiDest(t), Config{AcceptQuorum: 2}, sender)
	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.HandleReject("mailto:a@example.com"))
	assert.Equal(t, StateInviteSent, m.State())
	require.NoError(t, m.HandleReject("mailto:b@example.com"))
	assert.Equal(t, StateRejected, m.State(), "quorum of 2 unreachable with 2 of 3 rejected")
}

func TestMachine_InviteTimeout(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, pairwiseDest(t), Config{InviteTimeout: 30 * time.Millisecond}, sender)
	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)

	err = m.AwaitEstablished(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSessionTimeout))
	assert.Equal(t, StateTimedOut, m.State())
}

func TestMachine_AwaitEstablished(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, pairwiseDest(t), Config{}, sender)
	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.AwaitEstablished(context.Background()) }()

	require.NoError(t, m.HandleAccept("mailto:bob@example.com"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitEstablished did not return after accept")
	}
}

func TestMachine_AllocationRequestStates(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, pairwiseDest(t), Config{}, sender)

	require.NoError(t, m.SendAllocationRequest(context.Background(), nil))

	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.SendAllocationRequest(context.Background(), map[string]string{"codec": "opus"}))

	require.NoError(t, m.HandleAccept("mailto:bob@example.com"))
	err = m.SendAllocationRequest(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))
}

func TestMachine_TransitionsNotifyObserver(t *testing.T) {
	t.Parallel()

	var updates int32
	var last atomic.Value
	notify := func(u Update) {
		atomic.AddInt32(&updates, 1)
		last.Store(u)
	}
	sender := &fakeSender{}
	m := New(uuid.Must(uuid.NewV4()), pairwiseDest(t), nil, Config{}, sender.send, notify, nil)

	_, err := m.SendInvitation(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.HandleAccept("mailto:bob@example.com"))

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&updates) < 3 { // invite, participant record, accepted
		if time.Now().After(deadline) {
			t.Fatalf("got %d updates", atomic.LoadInt32(&updates))
		}
		time.Sleep(time.Millisecond)
	}
}

type gateSender struct {
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	release chan struct{}
}

func (g *gateSender) send(_ context.Context, _ uuid.UUID, _ []byte, _ map[string]string) (string, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	g.entered <- struct{}{}
	<-g.release
	return "corr-" + string(rune('0'+n)), nil
}

func (g *gateSender) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestMachine_ConcurrentInvitesShareOneHandoff(t *testing.T) {
	t.Parallel()

	sender := &gateSender{entered: make(chan struct{}, 2), release: make(chan struct{})}
	m := newMachine(t, pairwiseDest(t), Config{}, sender)

	type attempt struct {
		id  string
		err error
	}
	results := make(chan attempt, 2)
	for i := 0; i < 2; i++ {
		go func() {
			id, err := m.SendInvitation(context.Background())
			results <- attempt{id: id, err: err}
		}()
	}

	// One caller reaches the transport; the other must wait on it rather
	// than issue a second invitation.
	<-sender.entered
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, sender.count())
	close(sender.release)

	first, second := <-results, <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.id, second.id, "both callers share the pending correlation id")
	assert.Equal(t, 1, sender.count())
	assert.Equal(t, StateInviteSent, m.State())
}

func TestMachine_InboundFollowsRemoteLifecycle(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := NewInbound(uuid.Must(uuid.NewV4()), uuid.Must(uuid.NewV4()), pairwiseDest(t), Config{}, sender.send, nil, nil)

	require.True(t, m.Inbound())
	require.Equal(t, StateInviteSent, m.State())

	require.NoError(t, m.HandleAccept("mailto:bob@example.com"))
	require.NoError(t, m.Activate())
	require.NoError(t, m.End())
	assert.Equal(t, 0, sender.count(), "inbound session issues no invitation")
}

func TestMachine_AckLog(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	m := newMachine(t, pairwiseDest(t), Config{}, sender)
	m.RecordAck("mailto:bob@example.com", "corr-1")
	m.RecordAck("mailto:bob@example.com", "corr-2")

	acks := m.Acks()
	require.Len(t, acks, 2)
	assert.Equal(t, "corr-1", acks[0].CorrelationID)
}

func TestRegistry_EndAllForAccount(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	acct := uuid.Must(uuid.NewV4())
	other := uuid.Must(uuid.NewV4())
	sender := &fakeSender{}

	for i := 0; i < 3; i++ {
		m := New(acct, pairwiseDest(t), nil, Config{}, sender.send, nil, nil)
		_, err := m.SendInvitation(context.Background())
		require.NoError(t, err)
		reg.Add(m)
	}
	keep := New(other, pairwiseDest(t), nil, Config{}, sender.send, nil, nil)
	reg.Add(keep)

	assert.Equal(t, 3, reg.EndAllForAccount(acct))
	assert.Equal(t, 1, reg.Len())
	if _, ok := reg.Get(keep.ID()); !ok {
		t.Fatal("unrelated session removed")
	}
}

func TestRegistry_AddIsIdempotentPerID(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	sender := &fakeSender{}
	m := New(uuid.Must(uuid.NewV4()), pairwiseDest(t), nil, Config{}, sender.send, nil, nil)

	require.Same(t, m, reg.Add(m))
	dup := NewInbound(m.ID(), m.AccountID(), pairwiseDest(t), Config{}, sender.send, nil, nil)
	require.Same(t, m, reg.Add(dup), "duplicate invitation must not fork the session")
	assert.Equal(t, 1, reg.Len())
}
