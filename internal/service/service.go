// Package service is the application-facing surface: one Service instance per
// messaging namespace wires the resolver, tracker, session registry, and
// dispatcher onto a transport and runs the inbound event loop.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/idwire/idwire/internal/account"
	"github.com/idwire/idwire/internal/destination"
	"github.com/idwire/idwire/internal/dispatch"
	"github.com/idwire/idwire/internal/errs"
	"github.com/idwire/idwire/internal/identity"
	"github.com/idwire/idwire/internal/ids"
	"github.com/idwire/idwire/internal/model"
	"github.com/idwire/idwire/internal/obs"
	"github.com/idwire/idwire/internal/session"
	"github.com/idwire/idwire/internal/topology"
	"github.com/idwire/idwire/internal/track"
	"github.com/idwire/idwire/internal/transport"
)

// Config tunes one service instance.
type Config struct {
	// ServiceName is the messaging namespace, e.g. "com.example.ids".
	ServiceName string

	// ListenerID identifies this process to the daemon. Defaults to the
	// service name.
	ListenerID string

	// Caps declares which inbound event categories to be woken for.
	Caps transport.ListenerCap

	// Commands narrows the daemon wake set further; opaque to the core.
	Commands []int32

	// SendRate and SendBurst throttle outbound frames. Zero rate means no
	// throttle.
	SendRate  rate.Limit
	SendBurst int

	// AwaitTimeout is the default window for Await when the caller passes
	// zero.
	AwaitTimeout time.Duration

	Track   track.Config
	Session session.Config
}

func (c Config) withDefaults() Config {
	if c.ListenerID == "" {
		c.ListenerID = c.ServiceName
	}
	if c.Caps == 0 {
		c.Caps = transport.CapIncomingMessages |
			transport.CapOutgoingMessageUpdates |
			transport.CapSessionMessages |
			transport.CapIncomingData |
			transport.CapIncomingProtobuf |
			transport.CapInvitationUpdates |
			transport.CapIncomingResources
	}
	if c.SendRate <= 0 {
		c.SendRate = rate.Inf
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 30 * time.Second
	}
	return c
}

// SendOptions tune one send.
type SendOptions struct {
	Priority transport.Priority
	Options  map[string]string

	// ReachableOnly drops identities with no live device instead of
	// retaining them as endpoints that will fail.
	ReachableOnly bool
}

// Service is the per-namespace protocol stack instance.
type Service struct {
	cfg Config
	tp  transport.Transport
	log *zap.Logger

	accounts   *account.Controller
	view       *topology.View
	resolver   *destination.Resolver
	tracker    *track.Tracker
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	limiter    *rate.Limiter

	mu      sync.Mutex
	started bool
	closed  bool
	runDone chan struct{}
}

// New builds an isolated service over the given transport. Tests use this
// directly; applications usually go through Controller.
func New(cfg Config, tp transport.Transport, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	obs.Register()

	s := &Service{
		cfg:        cfg,
		tp:         tp,
		log:        log.With(zap.String("service", cfg.ServiceName)),
		view:       topology.NewView(),
		dispatcher: dispatch.New(log),
		limiter:    rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
		sessions:   session.NewRegistry(log),
		runDone:    make(chan struct{}),
	}
	s.resolver = destination.NewResolver(s.view)
	s.tracker = track.New(cfg.Track, s.publishAggregate, log)
	s.accounts = account.NewController(cfg.ServiceName, tp.AccountIntent, s.onAccountDeactivated, log)
	return s
}

var (
	controllersMu sync.Mutex
	controllers   = map[string]*Service{}
)

// Controller returns the process-wide service for a namespace, creating it on
// first use. Construction is explicit: the first caller supplies the
// transport, later callers get the existing instance.
func Controller(name string, tp transport.Transport) *Service {
	controllersMu.Lock()
	defer controllersMu.Unlock()
	if s, ok := controllers[name]; ok {
		return s
	}
	s := New(Config{ServiceName: name}, tp, obs.Logger())
	controllers[name] = s
	return s
}

// Start registers the listener with the daemon and begins consuming inbound
// events. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.tp.RegisterListener(ctx, s.cfg.ListenerID, s.cfg.Caps, s.cfg.Commands); err != nil {
		// The event loop never started; leave the service startable again
		// and keep Close from waiting on it.
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return fmt.Errorf("register listener: %w", err)
	}
	s.log.Info("listener registered",
		zap.String("listener_id", s.cfg.ListenerID),
		zap.String("capabilities", s.cfg.Caps.String()),
	)
	go s.run()
	return nil
}

// Close stops the event loop and the transport. Safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	err := s.tp.Close()
	if started {
		<-s.runDone
	}
	s.dispatcher.Close()
	return err
}

// Subscribe registers an observer for every inbound and locally generated
// event. Returns the cancel function.
func (s *Service) Subscribe(name string, fn dispatch.Observer) (cancel func()) {
	return s.dispatcher.Subscribe(name, fn)
}

// Accounts exposes the directory view, for intent forwarding and queries.
func (s *Service) Accounts() *account.Controller { return s.accounts }

// Sessions exposes the live session registry.
func (s *Service) Sessions() *session.Registry { return s.sessions }

// Topology exposes the device view consumed by resolution.
func (s *Service) Topology() *topology.View { return s.view }

// MaxEffectivePayloadSize reports the transport's payload ceiling.
func (s *Service) MaxEffectivePayloadSize() int { return s.tp.MaxEffectivePayloadSize() }

// CanSend reports whether the account is usable for outbound traffic.
func (s *Service) CanSend(accountID uuid.UUID) bool {
	a, ok := s.accounts.Get(accountID)
	return ok && a.CanSend()
}

// Aliases returns the unprefixed handles of an account.
func (s *Service) Aliases(accountID uuid.UUID) []string {
	a, ok := s.accounts.Get(accountID)
	if !ok {
		return nil
	}
	return a.AliasStrings()
}

// ActiveAliases returns the directory-verified handles of an account.
func (s *Service) ActiveAliases(accountID uuid.UUID) []string {
	a, ok := s.accounts.Get(accountID)
	if !ok {
		return nil
	}
	return a.ActiveAliasStrings()
}

// DeviceForFromID locates the device registered for an inbound sender
// reference, along with its owning account.
func (s *Service) DeviceForFromID(fromID string) (model.Device, uuid.UUID, bool) {
	id, err := identity.Normalize(fromID)
	if err != nil {
		return model.Device{}, uuid.Nil, false
	}
	return s.view.Current().DeviceFor(id)
}

// SendMessage sends a message dictionary and returns its correlation
// identifier.
func (s *Service) SendMessage(ctx context.Context, accountID uuid.UUID, dest destination.Destination, msg *structpb.Struct, opts SendOptions) (string, error) {
	return s.send(ctx, accountID, dest, transport.Payload{Kind: transport.PayloadMessage, Message: msg}, opts)
}

// SendData sends an opaque blob.
func (s *Service) SendData(ctx context.Context, accountID uuid.UUID, dest destination.Destination, data []byte, opts SendOptions) (string, error) {
	return s.send(ctx, accountID, dest, transport.Payload{Kind: transport.PayloadData, Data: data}, opts)
}

// SendProtobuf sends a type-tagged protocol buffer.
func (s *Service) SendProtobuf(ctx context.Context, accountID uuid.UUID, dest destination.Destination, pb transport.ProtobufBlob, opts SendOptions) (string, error) {
	return s.send(ctx, accountID, dest, transport.Payload{Kind: transport.PayloadProtobuf, Protobuf: &pb}, opts)
}

// SendResource sends a resource reference with optional metadata. The bytes
// stream out of band; only the reference rides the frame.
func (s *Service) SendResource(ctx context.Context, accountID uuid.UUID, dest destination.Destination, url string, metadata *structpb.Struct, opts SendOptions) (string, error) {
	return s.send(ctx, accountID, dest, transport.Payload{
		Kind:             transport.PayloadResource,
		ResourceURL:      url,
		ResourceMetadata: metadata,
	}, opts)
}

// send is the shared outbound path: resolve, validate, register, hand off.
// It returns synchronously once the transport accepts or rejects the frame.
func (s *Service) send(ctx context.Context, accountID uuid.UUID, dest destination.Destination, payload transport.Payload, opts SendOptions) (string, error) {
	kind := payload.Kind.String()

	acct, err := s.sendingAccount(accountID)
	if err != nil {
		obs.SendsTotal.WithLabelValues(kind, "invalid").Inc()
		return "", err
	}

	eps := s.resolver.Resolve(dest, acct, destination.ResolveOptions{ReachableOnly: opts.ReachableOnly})
	if len(eps) == 0 {
		obs.SendsTotal.WithLabelValues(kind, "invalid").Inc()
		return "", fmt.Errorf("destination resolved to no endpoints: %w", errs.ErrEmptyDestination)
	}

	size, err := payload.Size()
	if err != nil {
		obs.SendsTotal.WithLabelValues(kind, "invalid").Inc()
		return "", fmt.Errorf("payload size: %w", err)
	}
	if max := s.tp.MaxEffectivePayloadSize(); size > max {
		obs.SendsTotal.WithLabelValues(kind, "invalid").Inc()
		return "", fmt.Errorf("%d bytes exceeds ceiling %d: %w", size, max, errs.ErrPayloadTooLarge)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		obs.SendsTotal.WithLabelValues(kind, "invalid").Inc()
		return "", err
	}

	corrID := ids.New()
	// The correlation identifier registers before the transport is invoked so
	// outcomes racing the handoff are buffered, not lost.
	if err := s.tracker.Register(corrID, eps); err != nil {
		obs.SendsTotal.WithLabelValues(kind, "invalid").Inc()
		return "", err
	}

	frame := transport.OutboundFrame{
		CorrelationID: corrID,
		Service:       s.cfg.ServiceName,
		AccountID:     acct.ID,
		Payload:       payload,
		Endpoints:     eps,
		Priority:      opts.Priority,
		Options:       opts.Options,
	}
	if err := s.tp.Send(ctx, frame); err != nil {
		s.tracker.Drop(corrID)
		obs.SendsTotal.WithLabelValues(kind, "rejected").Inc()
		return "", fmt.Errorf("send %s: %w", kind, err)
	}

	obs.SendsTotal.WithLabelValues(kind, "ok").Inc()
	s.log.Debug("send accepted",
		zap.String("correlation_id", corrID),
		zap.String("kind", kind),
		zap.Int("endpoints", len(eps)),
	)
	return corrID, nil
}

// Await blocks until the send's aggregate outcome is terminal or the timeout
// elapses. A zero timeout uses the configured default.
func (s *Service) Await(ctx context.Context, correlationID string, timeout time.Duration) (track.Result, error) {
	if timeout <= 0 {
		timeout = s.cfg.AwaitTimeout
	}
	return s.tracker.Await(ctx, correlationID, timeout)
}

// Cancel suppresses a pending send. Advisory once the transport accepted it.
func (s *Service) Cancel(correlationID string) bool {
	return s.tracker.Cancel(correlationID)
}

// Outcomes returns the current per-endpoint outcome view for a send.
func (s *Service) Outcomes(correlationID string) (map[string]track.Outcome, bool) {
	return s.tracker.Outcomes(correlationID)
}

// SendAck issues a manual acknowledgement for an inbound message whose context
// requires one. Fire and forget: it does not join delivery tracking.
func (s *Service) SendAck(ctx context.Context, msgCtx transport.Context) error {
	if !msgCtx.WantsManualAck {
		return nil
	}
	if err := s.tp.Ack(ctx, msgCtx); err != nil {
		s.log.Warn("manual ack failed",
			zap.String("original_guid", msgCtx.OriginalGUID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// CreateSession builds and registers an outbound session over the
// destination. The endpoint snapshot is taken now and not live-updated.
func (s *Service) CreateSession(accountID uuid.UUID, dest destination.Destination, cfg session.Config) (*session.Machine, error) {
	acct, err := s.sendingAccount(accountID)
	if err != nil {
		return nil, err
	}
	eps := s.resolver.Resolve(dest, acct, destination.ResolveOptions{})
	if len(eps) == 0 {
		return nil, fmt.Errorf("session destination resolved to no endpoints: %w", errs.ErrEmptyDestination)
	}
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = s.cfg.Session.InviteTimeout
	}
	if cfg.AcceptQuorum == 0 {
		cfg.AcceptQuorum = s.cfg.Session.AcceptQuorum
	}
	m := session.New(acct.ID, dest, eps, cfg, s.inviteSender(acct.ID, eps), s.publishSessionUpdate, s.log)
	return s.sessions.Add(m), nil
}

// inviteSender hands session invitations to the transport as tracked data
// sends carrying the session identifier in the option map.
func (s *Service) inviteSender(accountID uuid.UUID, eps []destination.Endpoint) session.InviteSender {
	return func(ctx context.Context, sessionID uuid.UUID, data []byte, options map[string]string) (string, error) {
		opts := make(map[string]string, len(options)+1)
		for k, v := range options {
			opts[k] = v
		}
		opts["session-id"] = sessionID.String()

		corrID := ids.New()
		if err := s.tracker.Register(corrID, eps); err != nil {
			return "", err
		}
		frame := transport.OutboundFrame{
			CorrelationID: corrID,
			Service:       s.cfg.ServiceName,
			AccountID:     accountID,
			Payload:       transport.Payload{Kind: transport.PayloadData, Data: data},
			Endpoints:     eps,
			Priority:      transport.PriorityUrgent,
			Options:       opts,
		}
		if err := s.tp.Send(ctx, frame); err != nil {
			s.tracker.Drop(corrID)
			return "", fmt.Errorf("send invitation: %w", err)
		}
		return corrID, nil
	}
}

func (s *Service) sendingAccount(accountID uuid.UUID) (model.Account, error) {
	var acct model.Account
	var ok bool
	if accountID == uuid.Nil {
		acct, ok = s.accounts.Best()
		if !ok {
			return model.Account{}, fmt.Errorf("validation: no sending account available")
		}
	} else {
		acct, ok = s.accounts.Get(accountID)
		if !ok {
			return model.Account{}, fmt.Errorf("validation: unknown account %s", accountID)
		}
	}
	if !acct.CanSend() {
		return model.Account{}, fmt.Errorf("validation: account %s cannot send", acct.ID)
	}
	return acct, nil
}

// run consumes transport events until the channel closes. Core bookkeeping
// (tracker, sessions, directory, topology) happens inline so it observes
// events in transport order; observers get the same event via the dispatcher.
func (s *Service) run() {
	defer close(s.runDone)
	for evt := range s.tp.Events() {
		s.handle(evt)
		s.dispatcher.Publish(evt)
	}
	s.log.Info("event stream closed")
}

func (s *Service) handle(evt transport.Event) {
	switch evt.Kind {
	case transport.EventSendCompleted:
		if evt.Success {
			s.reportOutcome(evt, track.OutcomeSent, nil)
		} else {
			s.reportOutcome(evt, track.OutcomeFailed, outcomeError(evt))
		}
	case transport.EventDelivered:
		s.reportOutcome(evt, track.OutcomeDelivered, nil)
		if evt.SessionID != uuid.Nil {
			if m, ok := s.sessions.Get(evt.SessionID); ok {
				m.RecordAck(evt.FromID, evt.CorrelationID)
			}
		}
	case transport.EventRead:
		s.reportOutcome(evt, track.OutcomeRead, nil)

	case transport.EventInvitation:
		s.handleInvitation(evt)
	case transport.EventInvitationAccepted:
		s.sessionOp(evt, func(m *session.Machine) error { return m.HandleAccept(evt.FromID) })
	case transport.EventInvitationRejected:
		s.sessionOp(evt, func(m *session.Machine) error { return m.HandleReject(evt.FromID) })
	case transport.EventSessionActivated:
		s.sessionOp(evt, func(m *session.Machine) error { return m.Activate() })
	case transport.EventSessionEnded:
		if m, ok := s.sessions.Get(evt.SessionID); ok {
			if err := m.End(); err == nil {
				s.sessions.Remove(evt.SessionID)
			}
		}

	case transport.EventAccountsChanged:
		for _, a := range evt.Accounts {
			s.accounts.Apply(a)
			if len(a.Devices) > 0 {
				s.view.Apply(a.ID, a.Devices)
			}
		}
	case transport.EventDevicesChanged:
		s.view.Apply(evt.AccountID, evt.Devices)
	}
}

// reportOutcome routes an outcome to the tracker at the granularity the event
// carries: endpoint key, sender identity, or blanket.
func (s *Service) reportOutcome(evt transport.Event, outcome track.Outcome, cause error) {
	if evt.CorrelationID == "" {
		return
	}
	switch {
	case evt.EndpointKey != "":
		s.tracker.Report(evt.CorrelationID, evt.EndpointKey, outcome, cause)
	case evt.FromID != "":
		id, err := identity.Normalize(evt.FromID)
		if err != nil {
			s.log.Warn("outcome with unparseable sender",
				zap.String("correlation_id", evt.CorrelationID),
				zap.String("from_id", evt.FromID),
			)
			s.tracker.ReportAll(evt.CorrelationID, outcome, cause)
			return
		}
		s.tracker.ReportIdentity(evt.CorrelationID, id, outcome, cause)
	default:
		s.tracker.ReportAll(evt.CorrelationID, outcome, cause)
	}
}

// handleInvitation materializes an inbound session so accept/reject can be
// driven locally. Duplicate invitations for a known id are absorbed by the
// registry.
func (s *Service) handleInvitation(evt transport.Event) {
	if evt.SessionID == uuid.Nil {
		s.log.Warn("invitation without session id", zap.String("from_id", evt.FromID))
		return
	}
	dest, err := destination.FromString(evt.FromID)
	if err != nil {
		s.log.Warn("invitation with unparseable sender",
			zap.String("session_id", evt.SessionID.String()),
			zap.String("from_id", evt.FromID),
		)
		return
	}
	accountID := evt.AccountID
	if accountID == uuid.Nil {
		if best, ok := s.accounts.Best(); ok {
			accountID = best.ID
		}
	}
	eps := []destination.Endpoint{}
	m := session.NewInbound(evt.SessionID, accountID, dest, s.cfg.Session, s.inviteSender(accountID, eps), s.publishSessionUpdate, s.log)
	s.sessions.Add(m)
}

func (s *Service) sessionOp(evt transport.Event, op func(*session.Machine) error) {
	m, ok := s.sessions.Get(evt.SessionID)
	if !ok {
		s.log.Debug("session event for unknown session",
			zap.String("session_id", evt.SessionID.String()),
			zap.String("kind", evt.Kind.String()),
		)
		return
	}
	if err := op(m); err != nil {
		s.log.Warn("session event rejected",
			zap.String("session_id", evt.SessionID.String()),
			zap.String("kind", evt.Kind.String()),
			zap.Error(err),
		)
	}
}

// onAccountDeactivated batch-ends the account's sessions and drops its
// devices from the topology.
func (s *Service) onAccountDeactivated(accountID uuid.UUID) {
	s.sessions.EndAllForAccount(accountID)
	s.view.Remove(accountID)
}

// publishSessionUpdate re-publishes session machine transitions as events so
// observers see the same stream as transport-originated changes.
func (s *Service) publishSessionUpdate(u session.Update) {
	s.dispatcher.Publish(transport.Event{
		Kind:      transport.EventSessionState,
		Source:    "local",
		Service:   s.cfg.ServiceName,
		SessionID: u.SessionID,
		Error:     errString(u.Err),
		SessionState: &transport.SessionStateChange{
			SessionID:   u.SessionID,
			From:        u.From.String(),
			To:          u.To.String(),
			Participant: u.Participant,
		},
	})
	if u.To.Terminal() && u.From != u.To {
		s.sessions.Remove(u.SessionID)
	}
}

// publishAggregate re-publishes the tracker's terminal result as a local
// send-completed event carrying the aggregate state.
func (s *Service) publishAggregate(res track.Result) {
	s.dispatcher.Publish(transport.Event{
		Kind:          transport.EventSendCompleted,
		Source:        "local",
		Service:       s.cfg.ServiceName,
		CorrelationID: res.CorrelationID,
		Success:       res.State == track.AggregateAllDelivered,
		Error:         aggregateError(res),
	})
}

func outcomeError(evt transport.Event) error {
	if evt.Error == "" {
		return errs.ErrTransportRejected
	}
	return fmt.Errorf("%s: %w", evt.Error, errs.ErrTransportRejected)
}

func aggregateError(res track.Result) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	if res.State == track.AggregateAllDelivered {
		return ""
	}
	return res.State.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
