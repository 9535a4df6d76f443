package wire

import (
	"encoding/json"
	"fmt"
)

// ControlKind names one of the control-message variants.
type ControlKind string

const (
	ControlHello        ControlKind = "Hello"
	ControlPeerList     ControlKind = "PeerList"
	ControlPeerJoined   ControlKind = "PeerJoined"
	ControlPeerLeft     ControlKind = "PeerLeft"
	ControlSaltExchange ControlKind = "SaltExchange"
	ControlError        ControlKind = "Error"
)

// PeerInfo identifies one device present in a room.
type PeerInfo struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// Hello is the one control frame a client may originate, establishing room
// membership.
type Hello struct {
	RoomID string   `json:"room_id"`
	Peer   PeerInfo `json:"peer"`
}

// PeerList is the relay-originated snapshot of current room membership.
type PeerList struct {
	RoomID string     `json:"room_id"`
	Peers  []PeerInfo `json:"peers"`
}

// PeerJoined announces a single device joining a room.
type PeerJoined struct {
	RoomID string   `json:"room_id"`
	Peer   PeerInfo `json:"peer"`
}

// PeerLeft announces a single device leaving a room.
type PeerLeft struct {
	RoomID   string `json:"room_id"`
	DeviceID string `json:"device_id"`
}

// SaltExchange tells clients the current device set so they can (re)derive
// the room key.
type SaltExchange struct {
	RoomID    string   `json:"room_id"`
	DeviceIDs []string `json:"device_ids"`
}

// ErrorInfo carries a human-readable error message.
type ErrorInfo struct {
	Message string `json:"message"`
}

// ControlMessage is the tagged union `{ "type": <name>, "data": <body> }`
// encoded as the payload of a control frame. Exactly one of the typed fields
// is populated, matching Kind.
type ControlMessage struct {
	Kind         ControlKind
	Hello        *Hello
	PeerList     *PeerList
	PeerJoined   *PeerJoined
	PeerLeft     *PeerLeft
	SaltExchange *SaltExchange
	Error        *ErrorInfo
}

type controlWireForm struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the tagged union.
func (c ControlMessage) MarshalJSON() ([]byte, error) {
	var data any
	switch c.Kind {
	case ControlHello:
		data = c.Hello
	case ControlPeerList:
		data = c.PeerList
	case ControlPeerJoined:
		data = c.PeerJoined
	case ControlPeerLeft:
		data = c.PeerLeft
	case ControlSaltExchange:
		data = c.SaltExchange
	case ControlError:
		data = c.Error
	default:
		return nil, fmt.Errorf("wire: unknown control kind %q", c.Kind)
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(controlWireForm{Type: string(c.Kind), Data: body})
}

// UnmarshalJSON decodes the tagged union.
func (c *ControlMessage) UnmarshalJSON(raw []byte) error {
	var form controlWireForm
	if err := json.Unmarshal(raw, &form); err != nil {
		return err
	}

	c.Kind = ControlKind(form.Type)
	switch c.Kind {
	case ControlHello:
		c.Hello = &Hello{}
		return json.Unmarshal(form.Data, c.Hello)
	case ControlPeerList:
		c.PeerList = &PeerList{}
		return json.Unmarshal(form.Data, c.PeerList)
	case ControlPeerJoined:
		c.PeerJoined = &PeerJoined{}
		return json.Unmarshal(form.Data, c.PeerJoined)
	case ControlPeerLeft:
		c.PeerLeft = &PeerLeft{}
		return json.Unmarshal(form.Data, c.PeerLeft)
	case ControlSaltExchange:
		c.SaltExchange = &SaltExchange{}
		return json.Unmarshal(form.Data, c.SaltExchange)
	case ControlError:
		c.Error = &ErrorInfo{}
		return json.Unmarshal(form.Data, c.Error)
	default:
		return fmt.Errorf("wire: unknown control type %q", form.Type)
	}
}
