package call

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/skillmesh/skillmesh/internal/proto"
)

// Session is one call attempt. It owns the local capture handle and exactly
// one peer connection; both are released exactly once when the session
// reaches Ended or Failed, regardless of which path got it there.
type Session struct {
	id        string
	direction Direction
	mediaKind proto.MediaKind
	remote    string
	selfID    string

	sig    Signaling
	src    MediaSource
	newPC  func() (PeerConn, error)
	notify func(*Session, State)
	recDir string

	mu            sync.Mutex
	state         State
	reason        Reason
	pc            PeerConn
	media         LocalMedia
	audioOn       bool
	videoOn       bool
	remoteDescSet bool
	pendingICE    []webrtc.ICECandidateInit
	remoteTracks  []*webrtc.TrackRemote
	rec           *recorder
	finishing     bool

	torn sync.Once
}

// SessionStatus is a read-only snapshot for the presentation layer.
type SessionStatus struct {
	CallID     string          `json:"call_id"`
	RemotePeer string          `json:"remote_peer"`
	Direction  string          `json:"direction"`
	Media      proto.MediaKind `json:"media"`
	State      string          `json:"state"`
	Reason     Reason          `json:"reason,omitempty"`
	HasLocal   bool            `json:"has_local"`
	HasRemote  bool            `json:"has_remote"`
	Muted      bool            `json:"muted"`
	VideoOff   bool            `json:"video_off"`
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) RemotePeer() string         { return s.remote }
func (s *Session) Direction() Direction       { return s.direction }
func (s *Session) MediaKind() proto.MediaKind { return s.mediaKind }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Reason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// RemoteTracks returns the inbound media tracks. Non-empty only once the
// session is Active; the tracks are received, not owned.
func (s *Session) RemoteTracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(s.remoteTracks))
	copy(out, s.remoteTracks)
	return out
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStatus{
		CallID:     s.id,
		RemotePeer: s.remote,
		Direction:  s.direction.String(),
		Media:      s.mediaKind,
		State:      s.state.String(),
		Reason:     s.reason,
		HasLocal:   s.media != nil,
		HasRemote:  len(s.remoteTracks) > 0,
		Muted:      s.media != nil && !s.audioOn,
		VideoOff:   s.media != nil && !s.videoOn,
	}
}

// start runs the outgoing path: acquire media, build the peer connection,
// send the invite. Runs on its own goroutine — media acquisition blocks on
// the user's permission prompt, and the grant may land after a hangup, in
// which case it must be a no-op apart from releasing the handle.
func (s *Session) start() {
	if !s.acquireMedia() {
		return
	}
	if !s.setupPeer() {
		return
	}
	if err := s.sig.Emit(&proto.CallInvite{
		CallID: s.id,
		From:   s.selfID,
		To:     s.remote,
		Media:  s.mediaKind,
		TS:     proto.NowMillis(),
	}); err != nil {
		log.Printf("CALL [%s]: invite send failed: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return
	}
	log.Printf("CALL [%s]: invite sent to %s (%s)", s.id, s.remote, s.mediaKind)
}

// accept runs the incoming accept path. Media is only acquired here, never
// at ring time.
func (s *Session) accept() {
	if !s.acquireMedia() {
		return
	}
	if !s.setupPeer() {
		return
	}

	s.mu.Lock()
	if s.state != StateRinging || s.finishing {
		// A reject or hangup won the race during media setup; the negative
		// answer already went out, so say nothing more for this call.
		s.mu.Unlock()
		return
	}
	s.state = StateNegotiating
	s.mu.Unlock()
	s.notify(s, StateNegotiating)

	if err := s.sig.Emit(&proto.CallAnswer{CallID: s.id, From: s.selfID, Accepted: true}); err != nil {
		log.Printf("CALL [%s]: accept send failed: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return
	}
	log.Printf("CALL [%s]: accepted call from %s", s.id, s.remote)
}

// reject declines a ringing call. No media is ever acquired on this path,
// and the only signaling sent for the call is the negative answer.
func (s *Session) reject() {
	s.mu.Lock()
	if s.state.Terminal() || s.finishing {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	_ = s.sig.Emit(&proto.CallAnswer{CallID: s.id, From: s.selfID, Accepted: false})
	s.finish(StateEnded, ReasonRejected, false)
}

// Hangup ends the session from the local side. Safe in any state, any
// number of times.
func (s *Session) Hangup() {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch {
	case st.Terminal():
		return
	case st == StateRinging:
		s.reject()
	default:
		s.finish(StateEnded, ReasonHangup, true)
	}
}

func (s *Session) fail(reason Reason) {
	s.finish(StateFailed, reason, false)
}

// acquireMedia blocks on the permission-gated capture and stores the handle.
// Returns false when the session cannot proceed (failed acquisition, or the
// session went terminal while waiting — then the late grant is released).
func (s *Session) acquireMedia() bool {
	media, err := s.src.Acquire(s.mediaKind)

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		if media != nil {
			media.Close()
		}
		return false
	}
	if err != nil {
		s.mu.Unlock()
		log.Printf("CALL [%s]: media acquisition failed: %v", s.id, err)
		s.fail(reasonForMediaErr(err))
		return false
	}
	s.media = media
	s.audioOn = true
	s.videoOn = s.mediaKind == proto.MediaAudioVideo
	s.mu.Unlock()
	return true
}

// setupPeer creates the peer connection, attaches local tracks and wires the
// Pion callbacks. Returns false after routing any failure to Failed.
func (s *Session) setupPeer() bool {
	pc, err := s.newPC()
	if err != nil {
		log.Printf("CALL [%s]: peer connection: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return false
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		pc.Close()
		return false
	}
	s.pc = pc
	media := s.media
	if s.recDir != "" {
		s.rec = newRecorder(s.id, s.recDir, pc)
	}
	s.mu.Unlock()

	if media != nil {
		if err := media.Attach(pc); err != nil {
			log.Printf("CALL [%s]: attach local tracks: %v", s.id, err)
			s.fail(ReasonConnectionFailed)
			return false
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := s.sig.Emit(&proto.IceCandidate{CallID: s.id, Candidate: raw}); err != nil {
			log.Printf("CALL [%s]: candidate send failed: %v", s.id, err)
		}
	})
	pc.OnTrack(s.onRemoteTrack)
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			s.mu.Lock()
			terminal := s.state.Terminal()
			s.mu.Unlock()
			if !terminal {
				log.Printf("CALL [%s]: peer connection %s", s.id, st)
				s.fail(ReasonConnectionFailed)
			}
		}
	})
	return true
}

// handleAnswer processes the remote accept/reject of our invite.
func (s *Session) handleAnswer(msg *proto.CallAnswer) {
	s.mu.Lock()
	if s.state != StateRequesting {
		s.mu.Unlock()
		return
	}
	if !msg.Accepted {
		s.mu.Unlock()
		s.finish(StateEnded, ReasonRejected, false)
		return
	}
	s.state = StateNegotiating
	pc := s.pc
	s.mu.Unlock()
	s.notify(s, StateNegotiating)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		log.Printf("CALL [%s]: create offer: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Printf("CALL [%s]: set local description: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return
	}
	if err := s.sig.Emit(&proto.SdpOffer{CallID: s.id, SDP: offer.SDP}); err != nil {
		log.Printf("CALL [%s]: offer send failed: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
	}
}

// handleOffer applies the caller's description and answers it.
func (s *Session) handleOffer(msg *proto.SdpOffer) {
	s.mu.Lock()
	pc := s.pc
	ok := pc != nil && s.state == StateNegotiating
	s.mu.Unlock()
	if !ok {
		log.Printf("CALL [%s]: offer in wrong state, dropped", s.id)
		return
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
	}); err != nil {
		log.Printf("CALL [%s]: set remote offer: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return
	}
	s.drainPendingICE(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("CALL [%s]: create answer: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Printf("CALL [%s]: set local answer: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return
	}
	if err := s.sig.Emit(&proto.SdpAnswer{CallID: s.id, SDP: answer.SDP}); err != nil {
		log.Printf("CALL [%s]: answer send failed: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
	}
}

// handleAnswerSDP applies the callee's description on the caller side.
func (s *Session) handleAnswerSDP(msg *proto.SdpAnswer) {
	s.mu.Lock()
	pc := s.pc
	ok := pc != nil && s.state == StateNegotiating
	s.mu.Unlock()
	if !ok {
		log.Printf("CALL [%s]: sdp answer in wrong state, dropped", s.id)
		return
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
	}); err != nil {
		log.Printf("CALL [%s]: set remote answer: %v", s.id, err)
		s.fail(ReasonConnectionFailed)
		return
	}
	s.drainPendingICE(pc)
}

// handleICE applies a remote candidate, buffering it while the remote
// description is not yet set. Candidates are never dropped: everything
// buffered is applied, in arrival order, right after the description lands.
func (s *Session) handleICE(msg *proto.IceCandidate) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &init); err != nil {
		log.Printf("CALL [%s]: bad candidate payload: %v", s.id, err)
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if !s.remoteDescSet || s.pc == nil {
		s.pendingICE = append(s.pendingICE, init)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.id, err)
	}
}

func (s *Session) drainPendingICE(pc PeerConn) {
	s.mu.Lock()
	s.remoteDescSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", s.id, err)
		}
	}
}

// handleEnd processes a remote hangup.
func (s *Session) handleEnd(*proto.CallEnd) {
	s.finish(StateEnded, ReasonRemoteEnded, false)
}

func (s *Session) onRemoteTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.remoteTracks = append(s.remoteTracks, track)
	first := s.state != StateActive
	s.state = StateActive
	rec := s.rec
	s.mu.Unlock()

	log.Printf("CALL [%s]: remote %s track", s.id, track.Kind())
	if first {
		s.notify(s, StateActive)
	}
	if rec != nil {
		rec.AddTrack(track)
	}
}

// ToggleAudio flips the local microphone. Returns the new muted state
// (true = muted). No effect before media is acquired.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil || s.state.Terminal() {
		return !s.audioOn
	}
	s.audioOn = s.media.SetAudioEnabled(!s.audioOn)
	return !s.audioOn
}

// ToggleVideo flips the local camera. Returns the new disabled state
// (true = video off).
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil || s.state.Terminal() || s.mediaKind != proto.MediaAudioVideo {
		return !s.videoOn
	}
	s.videoOn = s.media.SetVideoEnabled(!s.videoOn)
	return !s.videoOn
}

// finish moves the session to a terminal state. Teardown — stop local
// tracks, close the peer connection, close the recorder — runs exactly once
// no matter how many paths race here.
func (s *Session) finish(final State, reason Reason, sendEnd bool) {
	s.mu.Lock()
	if s.state.Terminal() || s.finishing {
		s.mu.Unlock()
		return
	}
	s.finishing = true
	ending := final == StateEnded && s.state != StateEnding
	if ending {
		s.state = StateEnding
	}
	media := s.media
	pc := s.pc
	rec := s.rec
	s.mu.Unlock()

	if ending {
		s.notify(s, StateEnding)
	}

	if sendEnd {
		if err := s.sig.Emit(&proto.CallEnd{CallID: s.id, Reason: string(reason)}); err != nil {
			log.Printf("CALL [%s]: end send failed: %v", s.id, err)
		}
	}

	s.torn.Do(func() {
		if media != nil {
			media.Close()
		}
		if pc != nil {
			_ = pc.Close()
		}
		if rec != nil {
			rec.Close()
		}
	})

	s.mu.Lock()
	s.state = final
	s.reason = reason
	s.mu.Unlock()

	log.Printf("CALL [%s]: %s (%s)", s.id, final, reason)
	s.notify(s, final)
}
