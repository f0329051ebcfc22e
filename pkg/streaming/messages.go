// Package streaming defines the frames exchanged between devices and the
// sync server.
package streaming

import (
	"github.com/geohunt/engine/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	TypeObjectEvent    = "object_event"
	TypeResyncRequest  = "resync_request"
	TypeResyncResponse = "resync_response"
	TypeAck            = "ack"
	TypeRejected       = "rejected"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string  `json:"type" msgpack:"type"`
	ID      string  `json:"id,omitempty" msgpack:"id,omitempty"`
	Payload Payload `json:"payload" msgpack:"payload"`
}

// Payload carries the body of a frame. Which fields are set depends on
// the envelope type.
type Payload struct {
	// object_event
	Event *ObjectEvent `json:"event,omitempty" msgpack:"event,omitempty"`
	// resync_response
	Objects []core.PlaceableObject `json:"objects,omitempty" msgpack:"objects,omitempty"`
	// ack, rejected: the frame id being answered
	For string `json:"for,omitempty" msgpack:"for,omitempty"`
	// rejected: why, and the authoritative object
	Reason  string                `json:"reason,omitempty" msgpack:"reason,omitempty"`
	Current *core.PlaceableObject `json:"current,omitempty" msgpack:"current,omitempty"`
	// resync_request
	DeviceID  string `json:"deviceId,omitempty" msgpack:"deviceId,omitempty"`
	SessionID string `json:"sessionId,omitempty" msgpack:"sessionId,omitempty"`
}

// ObjectEvent is a global object change.
type ObjectEvent struct {
	Type    core.ChangeType      `json:"type" msgpack:"type"`
	Object  core.PlaceableObject `json:"object" msgpack:"object"`
	Version uint64               `json:"version" msgpack:"version"`
	// DeviceID names the device that issued the change.
	DeviceID string `json:"deviceId,omitempty" msgpack:"deviceId,omitempty"`
}

// NewObjectEvent builds an object_event envelope. Device-scoped states
// are folded into pending on the wire.
func NewObjectEvent(id string, typ core.ChangeType, obj core.PlaceableObject, deviceID string) Envelope {
	obj = WireObject(obj)
	return Envelope{
		Type: TypeObjectEvent,
		ID:   id,
		Payload: Payload{Event: &ObjectEvent{
			Type:     typ,
			Object:   obj,
			Version:  obj.Version,
			DeviceID: deviceID,
		}},
	}
}

// NewAck acknowledges frame id.
func NewAck(id string) Envelope {
	return Envelope{Type: TypeAck, Payload: Payload{For: id}}
}

// NewRejected answers frame id with the authoritative object.
func NewRejected(id, reason string, current *core.PlaceableObject) Envelope {
	return Envelope{Type: TypeRejected, Payload: Payload{For: id, Reason: reason, Current: current}}
}

// NewResyncRequest asks the server for every object it knows.
func NewResyncRequest(id, deviceID, sessionID string) Envelope {
	return Envelope{Type: TypeResyncRequest, ID: id, Payload: Payload{DeviceID: deviceID, SessionID: sessionID}}
}

// NewResyncResponse answers a resync request.
func NewResyncResponse(forID string, objects []core.PlaceableObject) Envelope {
	wire := make([]core.PlaceableObject, len(objects))
	for i, o := range objects {
		wire[i] = WireObject(o)
	}
	return Envelope{Type: TypeResyncResponse, Payload: Payload{For: forID, Objects: wire}}
}

// WireObject returns obj as shared with other devices: placed is a
// per-device state and travels as pending.
func WireObject(obj core.PlaceableObject) core.PlaceableObject {
	if obj.State == core.StatePlaced {
		obj.State = core.StatePending
	}
	return obj
}
