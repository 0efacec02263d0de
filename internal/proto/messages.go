package proto

import "encoding/json"

// MediaKind selects the tracks a call carries.
type MediaKind string

const (
	MediaAudio      MediaKind = "audio"
	MediaAudioVideo MediaKind = "video"
)

// ─── Call signaling ──────────────────────────────────────────────────────────
//
// Every signaling message except CallInvite references a call the receiver
// already tracks; unknown call IDs are dropped at the session manager.

// CallInvite starts a call attempt. The callee learns the call ID from it.
type CallInvite struct {
	CallID string    `json:"call_id"`
	From   string    `json:"from"`
	To     string    `json:"to,omitempty"`
	Media  MediaKind `json:"media"`
	TS     int64     `json:"ts"`
}

func (*CallInvite) Kind() Kind    { return KindCallInvite }
func (*CallInvite) Event() string { return EventCallInvite }

// CallAnswer accepts or rejects a pending invite.
type CallAnswer struct {
	CallID   string `json:"call_id"`
	From     string `json:"from"`
	Accepted bool   `json:"accepted"`
}

func (*CallAnswer) Kind() Kind    { return KindCallAnswer }
func (*CallAnswer) Event() string { return EventCallAnswer }

// SdpOffer carries the caller's session description. Opaque to this layer.
type SdpOffer struct {
	CallID string `json:"call_id"`
	SDP    string `json:"sdp"`
}

func (*SdpOffer) Kind() Kind    { return KindSdpOffer }
func (*SdpOffer) Event() string { return EventSdpOffer }

// SdpAnswer carries the callee's session description.
type SdpAnswer struct {
	CallID string `json:"call_id"`
	SDP    string `json:"sdp"`
}

func (*SdpAnswer) Kind() Kind    { return KindSdpAnswer }
func (*SdpAnswer) Event() string { return EventSdpAnswer }

// IceCandidate carries one connectivity candidate, forwarded as generated.
type IceCandidate struct {
	CallID    string          `json:"call_id"`
	Candidate json.RawMessage `json:"candidate"`
}

func (*IceCandidate) Kind() Kind    { return KindIceCandidate }
func (*IceCandidate) Event() string { return EventIceCandidate }

// CallEnd terminates a call from either side.
type CallEnd struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

func (*CallEnd) Kind() Kind    { return KindCallEnd }
func (*CallEnd) Event() string { return EventCallEnd }

// ─── Domain events ───────────────────────────────────────────────────────────
//
// Ordering is inferred from the server-assigned timestamps on the payloads;
// the relay guarantees neither sequence numbers nor exactly-once delivery.

// NewMessage announces a chat message in a conversation.
type NewMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	SentAt         int64  `json:"sent_at"`
}

func (*NewMessage) Kind() Kind    { return KindNewMessage }
func (*NewMessage) Event() string { return EventNewMessage }

// NotificationCreated announces a notification for the authenticated user.
type NotificationCreated struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Body      string `json:"body"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"created_at"`
}

func (*NotificationCreated) Kind() Kind    { return KindNotificationCreated }
func (*NotificationCreated) Event() string { return EventNotificationCreated }

// TypingStarted reports a remote user typing in a conversation.
type TypingStarted struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (*TypingStarted) Kind() Kind    { return KindTypingStarted }
func (*TypingStarted) Event() string { return EventTypingStarted }

// TypingStopped clears a typing indicator.
type TypingStopped struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (*TypingStopped) Kind() Kind    { return KindTypingStopped }
func (*TypingStopped) Event() string { return EventTypingStopped }

// RequestStatusChanged updates the status of an exchange request.
type RequestStatusChanged struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	UpdatedAt int64  `json:"updated_at"`
}

func (*RequestStatusChanged) Kind() Kind    { return KindRequestStatusChanged }
func (*RequestStatusChanged) Event() string { return EventRequestStatusChanged }

// PresenceChanged reports a peer going online or offline.
type PresenceChanged struct {
	UserID   string `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

func (*PresenceChanged) Kind() Kind    { return KindPresenceChanged }
func (*PresenceChanged) Event() string { return EventPresenceChanged }

// RoomJoin subscribes the connection to a conversation-scoped room.
// Client-to-relay only.
type RoomJoin struct {
	Room string `json:"room"`
}

func (*RoomJoin) Kind() Kind    { return KindRoomJoin }
func (*RoomJoin) Event() string { return EventRoomJoin }
