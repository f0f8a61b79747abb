// Package grpcdaemon adapts the transport boundary onto a gRPC connection to
// the message daemon. Frames and events travel as structpb dictionaries, so
// the daemon protocol stays schema-light the way the upstream wire is.
package grpcdaemon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/idwire/idwire/internal/errs"
	"github.com/idwire/idwire/internal/model"
	"github.com/idwire/idwire/internal/transport"
)

const (
	methodRegisterListener = "/idwire.daemon.v1.Daemon/RegisterListener"
	methodSend             = "/idwire.daemon.v1.Daemon/Send"
	methodAck              = "/idwire.daemon.v1.Daemon/Ack"
	methodAccountIntent    = "/idwire.daemon.v1.Daemon/AccountIntent"
	methodEvents           = "/idwire.daemon.v1.Daemon/Events"
)

var eventsStreamDesc = &grpc.StreamDesc{
	StreamName:    "Events",
	ServerStreams: true,
}

// Config controls the daemon connection.
type Config struct {
	Addr       string
	CACert     string // path to a PEM CA bundle; empty uses system roots
	Insecure   bool   // plaintext, local daemon only
	MaxPayload int    // effective payload ceiling reported by the daemon
}

func (c Config) withDefaults() Config {
	if c.MaxPayload <= 0 {
		c.MaxPayload = 4 * 1024 * 1024
	}
	return c
}

// Client implements transport.Transport over gRPC.
type Client struct {
	cfg Config
	cc  *grpc.ClientConn
	log *zap.Logger

	events chan transport.Event

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// Dial connects to the daemon and starts the inbound event stream.
func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	creds, err := loadCreds(cfg)
	if err != nil {
		return nil, err
	}
	cc, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		cc:     cc,
		log:    log,
		events: make(chan transport.Event, 256),
		cancel: cancel,
	}
	go c.pumpEvents(streamCtx)
	return c, nil
}

func loadCreds(cfg Config) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return insecure.NewCredentials(), nil
	}
	if cfg.CACert == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func (c *Client) RegisterListener(ctx context.Context, listenerID string, caps transport.ListenerCap, commands []int32) error {
	req, err := structpb.NewStruct(map[string]any{
		"listener_id":  listenerID,
		"capabilities": float64(caps),
		"commands":     int32sToAny(commands),
	})
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodRegisterListener, req)
}

func (c *Client) Send(ctx context.Context, frame transport.OutboundFrame) error {
	req, err := frameToStruct(frame)
	if err != nil {
		return err
	}
	if err := c.invoke(ctx, methodSend, req); err != nil {
		return fmt.Errorf("%v: %w", err, errs.ErrTransportRejected)
	}
	return nil
}

func (c *Client) Ack(ctx context.Context, msgCtx transport.Context) error {
	req, err := structpb.NewStruct(map[string]any{
		"service_id":           msgCtx.ServiceID,
		"from_id":              msgCtx.FromID,
		"original_guid":        msgCtx.OriginalGUID,
		"incoming_response_id": msgCtx.IncomingResponseID,
	})
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodAck, req)
}

func (c *Client) AccountIntent(ctx context.Context, accountID uuid.UUID, intent model.AccountIntent) error {
	req, err := structpb.NewStruct(map[string]any{
		"account_id": accountID.String(),
		"intent":     intent.String(),
	})
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodAccountIntent, req)
}

func (c *Client) MaxEffectivePayloadSize() int { return c.cfg.MaxPayload }

func (c *Client) Events() <-chan transport.Event { return c.events }

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	return c.cc.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) error {
	resp := &structpb.Struct{}
	return c.cc.Invoke(ctx, method, req, resp)
}

// pumpEvents keeps the server stream open and feeds decoded events into the
// channel in arrival order.
func (c *Client) pumpEvents(ctx context.Context) {
	defer close(c.events)

	stream, err := c.cc.NewStream(ctx, eventsStreamDesc, methodEvents)
	if err != nil {
		c.log.Error("event stream open failed", zap.Error(err))
		return
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		c.log.Error("event stream subscribe failed", zap.Error(err))
		return
	}
	if err := stream.CloseSend(); err != nil {
		c.log.Error("event stream close-send failed", zap.Error(err))
		return
	}

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if ctx.Err() == nil {
				c.log.Warn("event stream ended", zap.Error(err))
			}
			return
		}
		evt, err := eventFromStruct(msg)
		if err != nil {
			c.log.Warn("undecodable inbound event", zap.Error(err))
			continue
		}
		evt.Source = c.cfg.Addr
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func int32sToAny(in []int32) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, float64(v))
	}
	return out
}

func frameToStruct(f transport.OutboundFrame) (*structpb.Struct, error) {
	endpoints := make([]any, 0, len(f.Endpoints))
	for _, ep := range f.Endpoints {
		endpoints = append(endpoints, map[string]any{
			"key":        ep.Key(),
			"uri":        ep.Identity.Canonical(),
			"account_id": ep.AccountID.String(),
			"device_id":  ep.DeviceID.String(),
			"guest":      ep.Guest,
			"push_token": ep.PushToken,
			"reachable":  ep.Reachable,
		})
	}
	options := map[string]any{}
	for k, v := range f.Options {
		options[k] = v
	}
	fields := map[string]any{
		"correlation_id": f.CorrelationID,
		"service":        f.Service,
		"account_id":     f.AccountID.String(),
		"priority":       float64(f.Priority),
		"kind":           f.Payload.Kind.String(),
		"endpoints":      endpoints,
		"options":        options,
	}
	switch f.Payload.Kind {
	case transport.PayloadData:
		fields["data"] = base64.StdEncoding.EncodeToString(f.Payload.Data)
	case transport.PayloadProtobuf:
		if f.Payload.Protobuf != nil {
			fields["data"] = base64.StdEncoding.EncodeToString(f.Payload.Protobuf.Data)
			fields["protobuf_type"] = float64(f.Payload.Protobuf.Type)
			fields["is_response"] = f.Payload.Protobuf.IsResponse
		}
	case transport.PayloadResource:
		fields["resource_url"] = f.Payload.ResourceURL
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	if f.Payload.Kind == transport.PayloadMessage && f.Payload.Message != nil {
		s.Fields["message"] = structpb.NewStructValue(f.Payload.Message)
	}
	if f.Payload.Kind == transport.PayloadResource && f.Payload.ResourceMetadata != nil {
		s.Fields["metadata"] = structpb.NewStructValue(f.Payload.ResourceMetadata)
	}
	return s, nil
}
