// Package loopback is an in-process Transport used by tests and the monitor
// command when no daemon is available. Sends are recorded, inbound events are
// injected by the caller, and per-connection ordering is preserved by a
// single buffered channel.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/idwire/idwire/internal/errs"
	"github.com/idwire/idwire/internal/model"
	"github.com/idwire/idwire/internal/transport"
)

// Transport implements transport.Transport in memory.
type Transport struct {
	mu        sync.Mutex
	frames    []transport.OutboundFrame
	acks      []transport.Context
	intents   []IntentRecord
	listeners map[string]transport.ListenerCap
	rejectErr error
	maxSize   int
	closed    bool

	events chan transport.Event
}

// IntentRecord captures one forwarded account intent.
type IntentRecord struct {
	AccountID uuid.UUID
	Intent    model.AccountIntent
}

// New builds a loopback transport with the given payload ceiling.
func New(maxPayload int) *Transport {
	if maxPayload <= 0 {
		maxPayload = 4 * 1024 * 1024
	}
	return &Transport{
		listeners: map[string]transport.ListenerCap{},
		maxSize:   maxPayload,
		events:    make(chan transport.Event, 256),
	}
}

// RejectSends makes every subsequent Send fail with err.
func (t *Transport) RejectSends(err error) {
	t.mu.Lock()
	t.rejectErr = err
	t.mu.Unlock()
}

func (t *Transport) RegisterListener(_ context.Context, listenerID string, caps transport.ListenerCap, _ []int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[listenerID] = caps
	return nil
}

// Capabilities returns the registered capability set for a listener.
func (t *Transport) Capabilities(listenerID string) transport.ListenerCap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners[listenerID]
}

func (t *Transport) Send(_ context.Context, frame transport.OutboundFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("loopback closed: %w", errs.ErrTransportRejected)
	}
	if t.rejectErr != nil {
		return fmt.Errorf("%v: %w", t.rejectErr, errs.ErrTransportRejected)
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *Transport) Ack(_ context.Context, msgCtx transport.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks = append(t.acks, msgCtx)
	return nil
}

func (t *Transport) AccountIntent(_ context.Context, accountID uuid.UUID, intent model.AccountIntent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.intents = append(t.intents, IntentRecord{AccountID: accountID, Intent: intent})
	return nil
}

func (t *Transport) MaxEffectivePayloadSize() int { return t.maxSize }

func (t *Transport) Events() <-chan transport.Event { return t.events }

// Inject delivers an inbound event as if it arrived from the daemon. Events
// injected after Close are dropped.
func (t *Transport) Inject(evt transport.Event) {
	if evt.Source == "" {
		evt.Source = "loopback"
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- evt
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.events)
	return nil
}

// Frames returns a copy of all accepted outbound frames.
func (t *Transport) Frames() []transport.OutboundFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.OutboundFrame(nil), t.frames...)
}

// Acks returns a copy of all manual acks.
func (t *Transport) Acks() []transport.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Context(nil), t.acks...)
}

// Intents returns a copy of all forwarded account intents.
func (t *Transport) Intents() []IntentRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]IntentRecord(nil), t.intents...)
}

var _ transport.Transport = (*Transport)(nil)
