package grpcdaemon

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/idwire/idwire/internal/identity"
	"github.com/idwire/idwire/internal/model"
	"github.com/idwire/idwire/internal/transport"
)

var kindByName = map[string]transport.EventKind{
	"message":                       transport.EventMessage,
	"data":                          transport.EventData,
	"protobuf":                      transport.EventProtobuf,
	"resource":                      transport.EventResource,
	"pending-message":               transport.EventPendingMessage,
	"opportunistic-data":            transport.EventOpportunisticData,
	"send-progress":                 transport.EventSendProgress,
	"send-completed":                transport.EventSendCompleted,
	"delivered":                     transport.EventDelivered,
	"read":                          transport.EventRead,
	"invitation":                    transport.EventInvitation,
	"invitation-accepted":           transport.EventInvitationAccepted,
	"invitation-rejected":           transport.EventInvitationRejected,
	"session-activated":             transport.EventSessionActivated,
	"session-ended":                 transport.EventSessionEnded,
	"group-participant-update":      transport.EventGroupParticipantUpdate,
	"group-participant-data-update": transport.EventGroupParticipantDataUpdate,
	"accounts-changed":              transport.EventAccountsChanged,
	"devices-changed":               transport.EventDevicesChanged,
	"network-available":             transport.EventNetworkAvailable,
}

// eventFromStruct decodes one daemon event frame.
func eventFromStruct(s *structpb.Struct) (transport.Event, error) {
	f := fields(s)

	kind, ok := kindByName[f.str("kind")]
	if !ok {
		return transport.Event{}, fmt.Errorf("unknown event kind %q", f.str("kind"))
	}
	evt := transport.Event{
		Kind:          kind,
		Service:       f.str("service"),
		FromID:        f.str("from_id"),
		CorrelationID: f.str("correlation_id"),
		EndpointKey:   f.str("endpoint_key"),
		Success:       f.boolean("success"),
		Error:         f.str("error"),
		SentBytes:     int32(f.num("sent_bytes")),
		TotalBytes:    int32(f.num("total_bytes")),
		PendingType:   int32(f.num("pending_type")),
		ResourceURL:   f.str("resource_url"),
	}
	if v := f.str("account_id"); v != "" {
		if id, err := uuid.FromString(v); err == nil {
			evt.AccountID = id
		}
	}
	if v := f.str("session_id"); v != "" {
		id, err := uuid.FromString(v)
		if err != nil {
			return transport.Event{}, fmt.Errorf("bad session id %q", v)
		}
		evt.SessionID = id
	}
	if v := f.str("data"); v != "" {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return transport.Event{}, fmt.Errorf("bad data payload: %w", err)
		}
		if kind == transport.EventInvitation {
			evt.SessionData = b
		} else {
			evt.Data = b
		}
	}
	if kind == transport.EventProtobuf && evt.Data != nil {
		evt.Protobuf = &transport.ProtobufBlob{
			Data:       evt.Data,
			Type:       uint16(f.num("protobuf_type")),
			IsResponse: f.boolean("is_response"),
		}
		evt.Data = nil
	}
	if m := f.structVal("message"); m != nil {
		evt.Message = m
	}
	if m := f.structVal("metadata"); m != nil {
		evt.ResourceMetadata = m
	}
	if m := f.structVal("group_update"); m != nil {
		evt.GroupUpdate = m
	}
	if m := f.structVal("context"); m != nil {
		evt.Context = contextFromStruct(m)
	}
	if opts := f.structVal("session_options"); opts != nil {
		evt.SessionOptions = map[string]string{}
		for k, v := range opts.Fields {
			evt.SessionOptions[k] = v.GetStringValue()
		}
	}
	if kind == transport.EventDevicesChanged {
		evt.Devices = devicesFromList(f.list("devices"))
	}
	if kind == transport.EventAccountsChanged {
		evt.Accounts = accountsFromList(f.list("accounts"))
	}
	return evt, nil
}

func contextFromStruct(s *structpb.Struct) *transport.Context {
	f := fields(s)
	ctx := &transport.Context{
		OutgoingResponseID:  f.str("outgoing_response_id"),
		IncomingResponseID:  f.str("incoming_response_id"),
		ServiceID:           f.str("service_id"),
		FromID:              f.str("from_id"),
		ToID:                f.str("to_id"),
		OriginalGUID:        f.str("original_guid"),
		OriginalCommand:     int32(f.num("original_command")),
		ExpectsPeerResponse: f.boolean("expects_peer_response"),
		WantsManualAck:      f.boolean("wants_manual_ack"),
		FromServerStorage:   f.boolean("from_server_storage"),
		DeviceBlackedOut:    f.boolean("device_blacked_out"),
		ConnectionError:     f.str("connection_error"),
		SenderCorrelationID: f.str("sender_correlation_id"),
	}
	if ms := f.num("server_timestamp_ms"); ms > 0 {
		ctx.ServerTimestamp = time.UnixMilli(int64(ms))
	}
	if ms := f.num("server_received_ms"); ms > 0 {
		ctx.ServerReceived = time.UnixMilli(int64(ms))
	}
	if ms := f.num("average_local_rtt_ms"); ms > 0 {
		ctx.AverageLocalRTT = time.Duration(ms) * time.Millisecond
	}
	return ctx
}

func devicesFromList(items []*structpb.Value) []model.Device {
	out := make([]model.Device, 0, len(items))
	for _, item := range items {
		s := item.GetStructValue()
		if s == nil {
			continue
		}
		f := fields(s)
		dev := model.Device{
			Name:           f.str("name"),
			Service:        f.str("service"),
			Nearby:         f.boolean("nearby"),
			Connected:      f.boolean("connected"),
			CloudConnected: f.boolean("cloud_connected"),
			LocallyPresent: f.boolean("locally_present"),
		}
		if id, err := uuid.FromString(f.str("id")); err == nil {
			dev.ID = id
		}
		for _, u := range f.list("uris") {
			if ident, err := identity.Normalize(u.GetStringValue()); err == nil {
				dev.Identities = append(dev.Identities, ident)
			}
		}
		out = append(out, dev)
	}
	return out
}

func accountsFromList(items []*structpb.Value) []model.Account {
	out := make([]model.Account, 0, len(items))
	for _, item := range items {
		s := item.GetStructValue()
		if s == nil {
			continue
		}
		f := fields(s)
		acct := model.Account{
			LoginID:      f.str("login_id"),
			ServiceName:  f.str("service"),
			Active:       f.boolean("active"),
			Enabled:      f.boolean("enabled"),
			UserDisabled: f.boolean("user_disabled"),
			PushToken:    f.str("push_token"),
		}
		if id, err := uuid.FromString(f.str("id")); err == nil {
			acct.ID = id
		}
		for _, u := range f.list("registered_uris") {
			if ident, err := identity.Normalize(u.GetStringValue()); err == nil {
				acct.RegisteredURIs = append(acct.RegisteredURIs, ident)
			}
		}
		for _, h := range f.list("handles") {
			hs := h.GetStructValue()
			if hs == nil {
				continue
			}
			hf := fields(hs)
			ident, err := identity.Normalize(hf.str("uri"))
			if err != nil {
				continue
			}
			acct.Handles = append(acct.Handles, model.Handle{
				URI:         ident,
				UserVisible: hf.boolean("user_visible"),
				Status:      model.ValidationStatus(int(hf.num("status"))),
			})
		}
		out = append(out, acct)
	}
	return out
}

// fieldMap is a thin reader over structpb fields.
type fieldMap map[string]*structpb.Value

func fields(s *structpb.Struct) fieldMap {
	if s == nil {
		return fieldMap{}
	}
	return fieldMap(s.Fields)
}

func (f fieldMap) str(key string) string {
	return f[key].GetStringValue()
}

func (f fieldMap) num(key string) float64 {
	return f[key].GetNumberValue()
}

func (f fieldMap) boolean(key string) bool {
	return f[key].GetBoolValue()
}

func (f fieldMap) structVal(key string) *structpb.Struct {
	return f[key].GetStructValue()
}

func (f fieldMap) list(key string) []*structpb.Value {
	return f[key].GetListValue().GetValues()
}
