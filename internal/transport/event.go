package transport

import (
	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/idwire/idwire/internal/model"
)

// EventKind enumerates the inbound event variants. The set is closed so
// consumers can switch exhaustively instead of probing optional callbacks.
type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventData
	EventProtobuf
	EventResource
	EventPendingMessage
	EventOpportunisticData

	EventSendProgress
	EventSendCompleted
	EventDelivered
	EventRead

	EventInvitation
	EventInvitationAccepted
	EventInvitationRejected
	EventSessionActivated
	EventSessionEnded
	EventSessionState

	EventGroupParticipantUpdate
	EventGroupParticipantDataUpdate

	EventAccountsChanged
	EventDevicesChanged
	EventNetworkAvailable
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventData:
		return "data"
	case EventProtobuf:
		return "protobuf"
	case EventResource:
		return "resource"
	case EventPendingMessage:
		return "pending-message"
	case EventOpportunisticData:
		return "opportunistic-data"
	case EventSendProgress:
		return "send-progress"
	case EventSendCompleted:
		return "send-completed"
	case EventDelivered:
		return "delivered"
	case EventRead:
		return "read"
	case EventInvitation:
		return "invitation"
	case EventInvitationAccepted:
		return "invitation-accepted"
	case EventInvitationRejected:
		return "invitation-rejected"
	case EventSessionActivated:
		return "session-activated"
	case EventSessionEnded:
		return "session-ended"
	case EventSessionState:
		return "session-state"
	case EventGroupParticipantUpdate:
		return "group-participant-update"
	case EventGroupParticipantDataUpdate:
		return "group-participant-data-update"
	case EventAccountsChanged:
		return "accounts-changed"
	case EventDevicesChanged:
		return "devices-changed"
	case EventNetworkAvailable:
		return "network-available"
	default:
		return "unknown"
	}
}

// SessionStateChange describes a local session machine transition published
// back through the dispatcher so observers can resume idempotently.
type SessionStateChange struct {
	SessionID   uuid.UUID
	From        string
	To          string
	Participant string
}

// Event is the tagged union delivered to observers. Kind selects which fields
// are meaningful; the rest stay at their zero value.
type Event struct {
	Kind    EventKind
	Source  string // originating connection; ordering is per source
	Service string

	AccountID uuid.UUID
	FromID    string
	Context   *Context

	// Inbound payloads.
	Message          *structpb.Struct
	Data             []byte
	Protobuf         *ProtobufBlob
	ResourceURL      string
	ResourceMetadata *structpb.Struct
	PendingType      int32

	// Delivery outcomes.
	CorrelationID string
	EndpointKey   string
	Success       bool
	Error         string
	SentBytes     int32
	TotalBytes    int32

	// Sessions.
	SessionID      uuid.UUID
	SessionData    []byte
	SessionOptions map[string]string
	SessionState   *SessionStateChange

	// Directory and topology.
	Accounts []model.Account
	Devices  []model.Device

	// Group session updates ride as opaque dictionaries.
	GroupUpdate *structpb.Struct
}
