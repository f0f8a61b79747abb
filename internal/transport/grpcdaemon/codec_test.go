package grpcdaemon

import (
	"encoding/base64"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/idwire/idwire/internal/destination"
	"github.com/idwire/idwire/internal/identity"
	"github.com/idwire/idwire/internal/transport"
)

func TestFrameToStruct(t *testing.T) {
	id, err := identity.Normalize("bob@example.com")
	require.NoError(t, err)

	acctID := uuid.Must(uuid.NewV4())
	devID := uuid.Must(uuid.NewV4())
	frame := transport.OutboundFrame{
		CorrelationID: "01ABC",
		Service:       "com.example.ids",
		AccountID:     acctID,
		Priority:      transport.PriorityUrgent,
		Payload:       transport.Payload{Kind: transport.PayloadData, Data: []byte{0x01, 0x02}},
		Endpoints: []destination.Endpoint{
			{Identity: id, AccountID: acctID, DeviceID: devID, Reachable: true},
		},
		Options: map[string]string{"expiry": "60"},
	}

	s, err := frameToStruct(frame)
	require.NoError(t, err)

	f := fields(s)
	assert.Equal(t, "01ABC", f.str("correlation_id"))
	assert.Equal(t, "com.example.ids", f.str("service"))
	assert.Equal(t, acctID.String(), f.str("account_id"))
	assert.Equal(t, "data", f.str("kind"))
	assert.Equal(t, float64(transport.PriorityUrgent), f.num("priority"))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}), f.str("data"))

	eps := f.list("endpoints")
	require.Len(t, eps, 1)
	ep := fields(eps[0].GetStructValue())
	assert.Equal(t, "mailto:bob@example.com", ep.str("uri"))
	assert.Equal(t, devID.String(), ep.str("device_id"))
	assert.True(t, ep.boolean("reachable"))

	opts := f.structVal("options")
	require.NotNil(t, opts)
	assert.Equal(t, "60", opts.Fields["expiry"].GetStringValue())
}

func TestFrameToStruct_MessagePayload(t *testing.T) {
	msg, err := structpb.NewStruct(map[string]any{"text": "hi"})
	require.NoError(t, err)

	s, err := frameToStruct(transport.OutboundFrame{
		CorrelationID: "01DEF",
		Payload:       transport.Payload{Kind: transport.PayloadMessage, Message: msg},
	})
	require.NoError(t, err)

	nested := fields(s).structVal("message")
	require.NotNil(t, nested)
	assert.Equal(t, "hi", nested.Fields["text"].GetStringValue())
}

func TestEventFromStruct_Delivered(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"kind":           "delivered",
		"service":        "com.example.ids",
		"correlation_id": "01ABC",
		"endpoint_key":   "k1",
		"from_id":        "bob@example.com",
	})
	require.NoError(t, err)

	evt, err := eventFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, transport.EventDelivered, evt.Kind)
	assert.Equal(t, "01ABC", evt.CorrelationID)
	assert.Equal(t, "k1", evt.EndpointKey)
	assert.Equal(t, "bob@example.com", evt.FromID)
}

func TestEventFromStruct_InvitationCarriesSessionData(t *testing.T) {
	sessID := uuid.Must(uuid.NewV4())
	s, err := structpb.NewStruct(map[string]any{
		"kind":       "invitation",
		"session_id": sessID.String(),
		"from_id":    "carol@example.com",
		"data":       base64.StdEncoding.EncodeToString([]byte("blob")),
		"session_options": map[string]any{
			"transport-type": "2",
		},
	})
	require.NoError(t, err)

	evt, err := eventFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, transport.EventInvitation, evt.Kind)
	assert.Equal(t, sessID, evt.SessionID)
	assert.Equal(t, []byte("blob"), evt.SessionData)
	assert.Nil(t, evt.Data)
	assert.Equal(t, map[string]string{"transport-type": "2"}, evt.SessionOptions)
}

func TestEventFromStruct_ProtobufPayload(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"kind":          "protobuf",
		"data":          base64.StdEncoding.EncodeToString([]byte{0xAA}),
		"protobuf_type": float64(17),
		"is_response":   true,
	})
	require.NoError(t, err)

	evt, err := eventFromStruct(s)
	require.NoError(t, err)
	require.NotNil(t, evt.Protobuf)
	assert.Equal(t, []byte{0xAA}, evt.Protobuf.Data)
	assert.Equal(t, uint16(17), evt.Protobuf.Type)
	assert.True(t, evt.Protobuf.IsResponse)
	assert.Nil(t, evt.Data)
}

func TestEventFromStruct_DevicesChanged(t *testing.T) {
	acctID := uuid.Must(uuid.NewV4())
	devID := uuid.Must(uuid.NewV4())
	s, err := structpb.NewStruct(map[string]any{
		"kind":       "devices-changed",
		"account_id": acctID.String(),
		"devices": []any{
			map[string]any{
				"id":        devID.String(),
				"name":      "laptop",
				"connected": true,
				"uris":      []any{"bob@example.com", "not a uri ::"},
			},
		},
	})
	require.NoError(t, err)

	evt, err := eventFromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, acctID, evt.AccountID)
	require.Len(t, evt.Devices, 1)
	assert.Equal(t, devID, evt.Devices[0].ID)
	assert.True(t, evt.Devices[0].Connected)
	// Unparseable registration entries are skipped, not fatal.
	require.Len(t, evt.Devices[0].Identities, 1)
	assert.Equal(t, "mailto:bob@example.com", evt.Devices[0].Identities[0].Canonical())
}

func TestEventFromStruct_Rejects(t *testing.T) {
	bad, err := structpb.NewStruct(map[string]any{"kind": "telepathy"})
	require.NoError(t, err)
	_, err = eventFromStruct(bad)
	assert.Error(t, err)

	badSession, err := structpb.NewStruct(map[string]any{"kind": "invitation", "session_id": "nope"})
	require.NoError(t, err)
	_, err = eventFromStruct(badSession)
	assert.Error(t, err)
}
