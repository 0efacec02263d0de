// Package call manages WebRTC call sessions using Pion. It is coupled to the
// rest of skillmesh only through the Signaling interface and the proto
// message types; the peer connection and media capture sit behind narrow
// interfaces so the state machine is testable without hardware.
package call

import (
	"errors"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/skillmesh/skillmesh/internal/proto"
)

// Signaling is the only surface the call package needs from the transport.
type Signaling interface {
	Emit(msg proto.Message) error
}

// PeerConn is the slice of *webrtc.PeerConnection the session drives.
// Tests substitute a fake; production uses Pion directly.
type PeerConn interface {
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// LocalMedia is the exclusively owned local capture handle. At most one
// session holds one at a time; Close releases the hardware.
type LocalMedia interface {
	Attach(pc PeerConn) error
	SetAudioEnabled(on bool) bool
	SetVideoEnabled(on bool) bool
	Close()
}

// MediaSource acquires microphone (and camera) access. Acquisition is
// permission gated and may block until the user responds.
type MediaSource interface {
	Acquire(kind proto.MediaKind) (LocalMedia, error)
}

// Media acquisition outcomes the session distinguishes.
var (
	ErrPermissionDenied  = errors.New("call: media permission denied")
	ErrDeviceUnavailable = errors.New("call: media device unavailable")
)

// ErrCallInProgress is returned when a second call would need the local
// media handle while another session is still live. Callers get a refusal,
// not a queue.
var ErrCallInProgress = errors.New("call: another call is in progress")

// ErrUnknownCall reports signaling for a call ID the manager does not track.
// The manager logs and discards these itself; the error exists for tests.
var ErrUnknownCall = errors.New("call: unknown call id")

// Direction says which side initiated the call.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// State is the call session state. Ended and Failed are terminal; there is
// no Idle state on a session — Idle is simply the absence of one.
type State int

const (
	StateRequesting State = iota
	StateRinging
	StateNegotiating
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

var stateNames = map[State]string{
	StateRequesting:  "requesting",
	StateRinging:     "ringing",
	StateNegotiating: "negotiating",
	StateActive:      "active",
	StateEnding:      "ending",
	StateEnded:       "ended",
	StateFailed:      "failed",
}

func (s State) String() string { return stateNames[s] }

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

// Reason explains how a session reached a terminal state. The presentation
// layer renders it ("call ended: <reason>").
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonHangup           Reason = "hangup"
	ReasonRejected         Reason = "rejected"
	ReasonRemoteEnded      Reason = "remote-ended"
	ReasonMediaDenied      Reason = "media-denied"
	ReasonMediaUnavailable Reason = "media-unavailable"
	ReasonConnectionFailed Reason = "connection-failed"
)

// reasonForMediaErr maps an acquisition error to its terminal reason.
func reasonForMediaErr(err error) Reason {
	if errors.Is(err, ErrPermissionDenied) {
		return ReasonMediaDenied
	}
	return ReasonMediaUnavailable
}

// IncomingCall is handed to OnIncoming handlers when a CallInvite arrives.
type IncomingCall struct {
	CallID string
	From   string
	Media  proto.MediaKind
}
