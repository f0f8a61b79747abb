// Package track correlates outbound sends with their per-endpoint delivery
// outcomes. Outcome reporting is idempotent and monotone per endpoint, and the
// aggregate completion signal for a correlation identifier fires exactly once.
package track

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/idwire/idwire/internal/destination"
	"github.com/idwire/idwire/internal/errs"
	"github.com/idwire/idwire/internal/identity"
	"github.com/idwire/idwire/internal/obs"
)

// Outcome is the per-endpoint delivery state.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSent
	OutcomeDelivered
	OutcomeRead
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRead:
		return "read"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Terminal reports whether the outcome ends tracking for its endpoint.
// A bare "sent" is not terminal; the send still awaits delivery or failure.
func (o Outcome) Terminal() bool {
	return o == OutcomeFailed || o == OutcomeDelivered || o == OutcomeRead
}

// rank orders the success path. Failed is handled separately.
func (o Outcome) rank() int {
	switch o {
	case OutcomeSent:
		return 1
	case OutcomeDelivered:
		return 2
	case OutcomeRead:
		return 3
	default:
		return 0
	}
}

// AggregateState classifies a completed (or still pending) send.
type AggregateState int

const (
	AggregatePending AggregateState = iota
	AggregateAllDelivered
	AggregatePartialFailure
	AggregateTotalFailure
)

func (s AggregateState) String() string {
	switch s {
	case AggregateAllDelivered:
		return "all-delivered"
	case AggregatePartialFailure:
		return "partial-failure"
	case AggregateTotalFailure:
		return "total-failure"
	default:
		return "pending"
	}
}

// Result is the terminal aggregate outcome of a send.
type Result struct {
	CorrelationID string
	State         AggregateState
	Failed        []destination.Endpoint
	Err           error // set on overall timeout/cancel/transport error
}

// Config tunes the tracker.
type Config struct {
	// EarlyGrace bounds how long outcomes for unknown correlation
	// identifiers are buffered awaiting registration.
	EarlyGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.EarlyGrace <= 0 {
		c.EarlyGrace = 5 * time.Second
	}
	return c
}

// Tracker owns the registry of in-flight sends. Each send entry has its own
// lock; the registry lock only guards the maps.
type Tracker struct {
	cfg Config
	log *zap.Logger

	mu    sync.Mutex
	sends map[string]*entry
	early map[string][]earlyReport

	// onComplete receives every terminal aggregate result, once.
	onComplete func(Result)
}

type earlyReport struct {
	endpointKey string
	ident       identity.Identity
	blanket     bool
	outcome     Outcome
	cause       error
}

type endpointState struct {
	ep      destination.Endpoint
	outcome Outcome
	cause   error
}

type entry struct {
	mu        sync.Mutex
	id        string
	endpoints map[string]*endpointState
	order     []string
	completed bool
	cancelled bool
	result    Result
	done      chan struct{}
}

// New builds a tracker. onComplete may be nil.
func New(cfg Config, onComplete func(Result), log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		cfg:        cfg.withDefaults(),
		log:        log,
		sends:      map[string]*entry{},
		early:      map[string][]earlyReport{},
		onComplete: onComplete,
	}
}

// Register binds a correlation identifier to its endpoint snapshot. Must be
// called before the transport is invoked so concurrently-arriving outcomes
// are not lost. Buffered early outcomes are replayed immediately.
func (t *Tracker) Register(correlationID string, eps []destination.Endpoint) error {
	if correlationID == "" {
		return fmt.Errorf("validation: empty correlation identifier")
	}
	if len(eps) == 0 {
		return fmt.Errorf("validation: no endpoints: %w", errs.ErrEmptyDestination)
	}

	e := &entry{
		id:        correlationID,
		endpoints: make(map[string]*endpointState, len(eps)),
		done:      make(chan struct{}),
	}
	for _, ep := range eps {
		key := ep.Key()
		if _, dup := e.endpoints[key]; dup {
			continue
		}
		e.endpoints[key] = &endpointState{ep: ep}
		e.order = append(e.order, key)
	}

	t.mu.Lock()
	if _, exists := t.sends[correlationID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("validation: duplicate correlation identifier %s", correlationID)
	}
	t.sends[correlationID] = e
	buffered := t.early[correlationID]
	delete(t.early, correlationID)
	t.mu.Unlock()

	for _, r := range buffered {
		switch {
		case r.blanket:
			t.ReportAll(correlationID, r.outcome, r.cause)
		case r.endpointKey != "":
			t.Report(correlationID, r.endpointKey, r.outcome, r.cause)
		default:
			t.ReportIdentity(correlationID, r.ident, r.outcome, r.cause)
		}
	}
	return nil
}

// Drop forgets a send that the transport never accepted. No completion fires.
func (t *Tracker) Drop(correlationID string) {
	t.mu.Lock()
	delete(t.sends, correlationID)
	t.mu.Unlock()
}

// Report records an outcome for one endpoint by its key. Unknown correlation
// identifiers are buffered for the grace period and replayed on registration.
func (t *Tracker) Report(correlationID, endpointKey string, outcome Outcome, cause error) {
	e := t.lookup(correlationID, earlyReport{endpointKey: endpointKey, outcome: outcome, cause: cause})
	if e == nil {
		return
	}
	e.mu.Lock()
	changed := t.applyLocked(e, func(st *endpointState) bool {
		return st.ep.Key() == endpointKey
	}, outcome, cause)
	res, fire := t.completeLocked(e)
	e.mu.Unlock()

	if !changed {
		t.log.Debug("outcome matched no endpoint",
			zap.String("correlation_id", correlationID),
			zap.String("endpoint", endpointKey),
		)
	}
	t.finish(res, fire)
}

// ReportIdentity records an outcome for every endpoint routed to the identity.
// Used when the transport only knows the responding fromID.
func (t *Tracker) ReportIdentity(correlationID string, id identity.Identity, outcome Outcome, cause error) {
	e := t.lookup(correlationID, earlyReport{ident: id, outcome: outcome, cause: cause})
	if e == nil {
		return
	}
	e.mu.Lock()
	t.applyLocked(e, func(st *endpointState) bool {
		return st.ep.Identity.Equal(id)
	}, outcome, cause)
	res, fire := t.completeLocked(e)
	e.mu.Unlock()
	t.finish(res, fire)
}

// ReportAll records an outcome for every endpoint still short of it. Used for
// blanket transport callbacks that carry no endpoint detail.
func (t *Tracker) ReportAll(correlationID string, outcome Outcome, cause error) {
	e := t.lookup(correlationID, earlyReport{blanket: true, outcome: outcome, cause: cause})
	if e == nil {
		return
	}
	e.mu.Lock()
	t.applyLocked(e, func(*endpointState) bool { return true }, outcome, cause)
	res, fire := t.completeLocked(e)
	e.mu.Unlock()
	t.finish(res, fire)
}

// Fail terminates the send as a whole: every non-terminal endpoint fails and
// the aggregate completes with err. Used for overall transport errors and
// await timeouts.
func (t *Tracker) Fail(correlationID string, err error) {
	t.mu.Lock()
	e := t.sends[correlationID]
	t.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	for _, key := range e.order {
		st := e.endpoints[key]
		if !st.outcome.Terminal() {
			st.outcome = OutcomeFailed
			st.cause = err
		}
	}
	res, fire := t.completeLocked(e)
	if fire {
		res.Err = err
		e.result = res
	}
	e.mu.Unlock()
	t.finish(res, fire)
}

// Cancel suppresses a pending send. Before the transport accepted it the
// caller should also abort the handoff; afterwards cancellation is advisory:
// further outcome processing stops but the transport may still deliver.
func (t *Tracker) Cancel(correlationID string) bool {
	t.mu.Lock()
	e := t.sends[correlationID]
	t.mu.Unlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.completed {
		e.mu.Unlock()
		return false
	}
	e.cancelled = true
	for _, st := range e.endpoints {
		if !st.outcome.Terminal() {
			st.outcome = OutcomeFailed
			st.cause = errs.ErrCancelled
		}
	}
	res, fire := t.completeLocked(e)
	if fire {
		res.Err = errs.ErrCancelled
		e.result = res
	}
	e.mu.Unlock()
	t.finish(res, fire)
	return true
}

// Await blocks until the aggregate outcome is terminal, the timeout elapses,
// or ctx ends. On timeout the send is moved to its terminal failure state so
// no waiter is left pending indefinitely.
func (t *Tracker) Await(ctx context.Context, correlationID string, timeout time.Duration) (Result, error) {
	t.mu.Lock()
	e := t.sends[correlationID]
	t.mu.Unlock()
	if e == nil {
		return Result{}, fmt.Errorf("%s: %w", correlationID, errs.ErrUnknownCorrelation)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case <-e.done:
	case <-timer:
		t.Fail(correlationID, errs.ErrSendTimeout)
		<-e.done
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	e.mu.Lock()
	res := e.result
	e.mu.Unlock()
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// Outcomes returns the current per-endpoint view, for observers re-querying
// state after a missed event.
func (t *Tracker) Outcomes(correlationID string) (map[string]Outcome, bool) {
	t.mu.Lock()
	e := t.sends[correlationID]
	t.mu.Unlock()
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Outcome, len(e.endpoints))
	for k, st := range e.endpoints {
		out[k] = st.outcome
	}
	return out, true
}

// lookup returns the entry, or buffers the report when the identifier is not
// yet registered.
func (t *Tracker) lookup(correlationID string, r earlyReport) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.sends[correlationID]; e != nil {
		return e
	}
	t.early[correlationID] = append(t.early[correlationID], r)
	obs.EarlyOutcomesBuffered.Inc()
	if len(t.early[correlationID]) == 1 {
		time.AfterFunc(t.cfg.EarlyGrace, func() { t.expireEarly(correlationID) })
	}
	return nil
}

func (t *Tracker) expireEarly(correlationID string) {
	t.mu.Lock()
	dropped := len(t.early[correlationID])
	delete(t.early, correlationID)
	t.mu.Unlock()
	if dropped > 0 {
		obs.EarlyOutcomesDropped.Add(float64(dropped))
		t.log.Warn("dropped early outcomes for unregistered send",
			zap.String("correlation_id", correlationID),
			zap.Int("count", dropped),
		)
	}
}

// applyLocked advances matching endpoints. Regressions and duplicate terminal
// reports are logged and ignored, never applied. Caller holds e.mu.
func (t *Tracker) applyLocked(e *entry, match func(*endpointState) bool, outcome Outcome, cause error) bool {
	if e.cancelled {
		return false
	}
	changed := false
	for _, key := range e.order {
		st := e.endpoints[key]
		if !match(st) {
			continue
		}
		switch {
		case st.outcome == outcome:
			// duplicate event, idempotent
		case st.outcome == OutcomeFailed:
			obs.OutcomeRegressions.Inc()
			t.log.Warn("outcome after terminal failure ignored",
				zap.String("correlation_id", e.id),
				zap.String("endpoint", key),
				zap.String("reported", outcome.String()),
			)
		case outcome == OutcomeFailed:
			if st.outcome.rank() >= OutcomeDelivered.rank() {
				obs.OutcomeRegressions.Inc()
				t.log.Warn("failure after delivery ignored",
					zap.String("correlation_id", e.id),
					zap.String("endpoint", key),
				)
				continue
			}
			st.outcome = OutcomeFailed
			st.cause = cause
			changed = true
			obs.OutcomesTotal.WithLabelValues(OutcomeFailed.String()).Inc()
		case outcome.rank() < st.outcome.rank():
			obs.OutcomeRegressions.Inc()
			t.log.Warn("outcome regression ignored",
				zap.String("correlation_id", e.id),
				zap.String("endpoint", key),
				zap.String("have", st.outcome.String()),
				zap.String("reported", outcome.String()),
			)
		default:
			st.outcome = outcome
			changed = true
			obs.OutcomesTotal.WithLabelValues(outcome.String()).Inc()
		}
	}
	return changed
}

// completeLocked computes the aggregate once every endpoint is terminal.
// Returns fire=true exactly once per entry. Caller holds e.mu.
func (t *Tracker) completeLocked(e *entry) (Result, bool) {
	if e.completed {
		return Result{}, false
	}
	failed := make([]destination.Endpoint, 0)
	delivered := 0
	for _, key := range e.order {
		st := e.endpoints[key]
		switch {
		case st.outcome == OutcomeFailed:
			failed = append(failed, st.ep)
		case st.outcome == OutcomeDelivered || st.outcome == OutcomeRead:
			delivered++
		default:
			return Result{}, false // still pending
		}
	}

	res := Result{CorrelationID: e.id}
	switch {
	case len(failed) == 0:
		res.State = AggregateAllDelivered
	case delivered == 0:
		res.State = AggregateTotalFailure
		res.Failed = failed
	default:
		res.State = AggregatePartialFailure
		res.Failed = failed
	}
	e.completed = true
	e.result = res
	return res, true
}

// finish publishes a terminal result and releases waiters. Runs without any
// entry lock held so completion callbacks may re-enter the tracker. The entry
// is retained briefly so late Await calls still observe the result, then
// forgotten.
func (t *Tracker) finish(res Result, fire bool) {
	if !fire {
		return
	}
	t.mu.Lock()
	e := t.sends[res.CorrelationID]
	t.mu.Unlock()
	if e != nil {
		close(e.done)
	}
	time.AfterFunc(t.cfg.EarlyGrace, func() {
		t.mu.Lock()
		delete(t.sends, res.CorrelationID)
		t.mu.Unlock()
	})
	if t.onComplete != nil {
		t.onComplete(res)
	}
}
