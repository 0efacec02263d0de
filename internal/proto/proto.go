// Package proto defines the wire protocol spoken over the relay channel:
// the call-signaling messages and the domain events, as one closed set of
// variants. Every inbound frame decodes into exactly one variant or is
// rejected with ErrUnknownEvent — there is no string-keyed dispatch that
// could silently ignore a misspelled event name.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one message variant on the relay channel.
type Kind int

const (
	KindCallInvite Kind = iota
	KindCallAnswer
	KindSdpOffer
	KindSdpAnswer
	KindIceCandidate
	KindCallEnd
	KindNewMessage
	KindNotificationCreated
	KindTypingStarted
	KindTypingStopped
	KindRequestStatusChanged
	KindPresenceChanged
	KindRoomJoin
)

// Event names as they appear on the wire. The relay routes by these.
const (
	EventCallInvite           = "call:invite"
	EventCallAnswer           = "call:answer"
	EventSdpOffer             = "call:sdp-offer"
	EventSdpAnswer            = "call:sdp-answer"
	EventIceCandidate         = "call:ice-candidate"
	EventCallEnd              = "call:end"
	EventNewMessage           = "chat:message"
	EventNotificationCreated  = "notification:created"
	EventTypingStarted        = "typing:started"
	EventTypingStopped        = "typing:stopped"
	EventRequestStatusChanged = "request:status"
	EventPresenceChanged      = "presence:changed"

	// Outbound-only control frame; the relay never echoes it back, so it is
	// deliberately absent from DecodeEnvelope.
	EventRoomJoin = "room:join"
)

// Message is one decoded relay frame. The set of implementations is closed.
type Message interface {
	Kind() Kind
	Event() string
}

// Envelope is the raw frame shape: an event name plus an opaque payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrUnknownEvent reports a frame whose event name matches no variant.
// The transport logs and drops these by policy.
type ErrUnknownEvent struct {
	Name string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("proto: unknown event %q", e.Name)
}

// Decode parses one raw frame into its variant.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("proto: bad envelope: %w", err)
	}
	return DecodeEnvelope(env)
}

// DecodeEnvelope parses an already-split envelope into its variant.
func DecodeEnvelope(env Envelope) (Message, error) {
	var msg Message
	switch env.Event {
	case EventCallInvite:
		msg = &CallInvite{}
	case EventCallAnswer:
		msg = &CallAnswer{}
	case EventSdpOffer:
		msg = &SdpOffer{}
	case EventSdpAnswer:
		msg = &SdpAnswer{}
	case EventIceCandidate:
		msg = &IceCandidate{}
	case EventCallEnd:
		msg = &CallEnd{}
	case EventNewMessage:
		msg = &NewMessage{}
	case EventNotificationCreated:
		msg = &NotificationCreated{}
	case EventTypingStarted:
		msg = &TypingStarted{}
	case EventTypingStopped:
		msg = &TypingStopped{}
	case EventRequestStatusChanged:
		msg = &RequestStatusChanged{}
	case EventPresenceChanged:
		msg = &PresenceChanged{}
	default:
		return nil, &ErrUnknownEvent{Name: env.Event}
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("proto: decode %s: %w", env.Event, err)
	}
	return msg, nil
}

// Encode wraps a message in its envelope, ready for the wire.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("proto: encode %s: %w", msg.Event(), err)
	}
	return json.Marshal(Envelope{Event: msg.Event(), Data: data})
}

func NowMillis() int64 { return time.Now().UnixMilli() }
