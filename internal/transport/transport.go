// Package transport defines the boundary with the external daemon layer: the
// outbound frame, the inbound event vocabulary, listener capabilities, and the
// message context attached to inbound traffic. Adapters live in subpackages;
// the core never reaches past this interface.
package transport

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/idwire/idwire/internal/destination"
	"github.com/idwire/idwire/internal/model"
)

// ListenerCap declares which inbound event categories the process wants to be
// woken for. The accepted values are enumerated rather than an opaque bitmask.
type ListenerCap uint32

const (
	CapIncomingMessages ListenerCap = 1 << iota
	CapOutgoingMessageUpdates
	CapSessionMessages
	CapIncomingData
	CapIncomingProtobuf
	CapInvitationUpdates
	CapIncomingResources
	CapEngram
	CapNetworkAvailableHint
	CapAccessoryReports
	CapGroupParticipantUpdates
	CapPendingMessageUpdates
)

var capNames = []struct {
	bit  ListenerCap
	name string
}{
	{CapIncomingMessages, "incoming-messages"},
	{CapOutgoingMessageUpdates, "outgoing-message-updates"},
	{CapSessionMessages, "session-messages"},
	{CapIncomingData, "incoming-data"},
	{CapIncomingProtobuf, "incoming-protobuf"},
	{CapInvitationUpdates, "invitation-updates"},
	{CapIncomingResources, "incoming-resources"},
	{CapEngram, "engram"},
	{CapNetworkAvailableHint, "network-available-hint"},
	{CapAccessoryReports, "accessory-reports"},
	{CapGroupParticipantUpdates, "group-participant-updates"},
	{CapPendingMessageUpdates, "pending-message-updates"},
}

func (c ListenerCap) String() string {
	if c == 0 {
		return "none"
	}
	var out string
	for _, n := range capNames {
		if c&n.bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
	}
	return out
}

// Has reports whether all bits in want are set.
func (c ListenerCap) Has(want ListenerCap) bool { return c&want == want }

// Priority orders outbound traffic at the daemon.
type Priority int32

const (
	PriorityBackground Priority = 0
	PriorityDefault    Priority = 100
	PriorityUrgent     Priority = 200
)

// Context carries per-message metadata on inbound events and acks.
type Context struct {
	OutgoingResponseID string
	IncomingResponseID string
	ServiceID          string
	FromID             string
	ToID               string
	OriginalGUID       string
	OriginalCommand    int32

	ServerTimestamp time.Time
	ServerReceived  time.Time
	AverageLocalRTT time.Duration

	ExpectsPeerResponse bool
	WantsManualAck      bool
	FromServerStorage   bool
	DeviceBlackedOut    bool

	ConnectionError     string
	SenderCorrelationID string
}

// PayloadKind enumerates what a send carries.
type PayloadKind int

const (
	PayloadMessage PayloadKind = iota + 1
	PayloadData
	PayloadProtobuf
	PayloadResource
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadMessage:
		return "message"
	case PayloadData:
		return "data"
	case PayloadProtobuf:
		return "protobuf"
	case PayloadResource:
		return "resource"
	default:
		return "unknown"
	}
}

// ProtobufBlob is an opaque protocol buffer with its application type tag.
type ProtobufBlob struct {
	Data       []byte
	Type       uint16
	IsResponse bool
}

// Payload is the outbound body of a send.
type Payload struct {
	Kind PayloadKind

	Message  *structpb.Struct // PayloadMessage
	Data     []byte           // PayloadData
	Protobuf *ProtobufBlob    // PayloadProtobuf

	ResourceURL      string           // PayloadResource
	ResourceMetadata *structpb.Struct // optional, PayloadResource
}

// Size returns the effective wire size used against the transport ceiling.
func (p Payload) Size() (int, error) {
	switch p.Kind {
	case PayloadMessage:
		if p.Message == nil {
			return 0, nil
		}
		b, err := proto.Marshal(p.Message)
		if err != nil {
			return 0, err
		}
		return len(b), nil
	case PayloadData:
		return len(p.Data), nil
	case PayloadProtobuf:
		if p.Protobuf == nil {
			return 0, nil
		}
		return len(p.Protobuf.Data), nil
	case PayloadResource:
		// Resources stream out of band; only the metadata rides the frame.
		if p.ResourceMetadata == nil {
			return len(p.ResourceURL), nil
		}
		b, err := proto.Marshal(p.ResourceMetadata)
		if err != nil {
			return 0, err
		}
		return len(b) + len(p.ResourceURL), nil
	default:
		return 0, nil
	}
}

// OutboundFrame is the unit handed to the daemon. The endpoint set is the
// resolution snapshot taken at send time.
type OutboundFrame struct {
	CorrelationID string
	Service       string
	AccountID     uuid.UUID
	Payload       Payload
	Endpoints     []destination.Endpoint
	Priority      Priority
	Options       map[string]string
}

// Transport is the boundary consumed by the core. Send returns synchronously
// once the daemon accepts or rejects the frame; outcomes arrive later on
// Events. Implementations must preserve per-connection event order.
type Transport interface {
	RegisterListener(ctx context.Context, listenerID string, caps ListenerCap, commands []int32) error
	Send(ctx context.Context, frame OutboundFrame) error
	Ack(ctx context.Context, msgCtx Context) error
	AccountIntent(ctx context.Context, accountID uuid.UUID, intent model.AccountIntent) error
	MaxEffectivePayloadSize() int
	Events() <-chan Event
	Close() error
}
