package call

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/skillmesh/skillmesh/internal/proto"
	"github.com/skillmesh/skillmesh/internal/util"
)

// endedCap bounds the recently-ended call ID set. Signaling for an ended
// call must be discarded, never misapplied to a fresh session.
const endedCap = 64

// Options configures a Manager. Media and NewPeerConn default to the
// platform capture stack; tests substitute fakes.
type Options struct {
	Signaler   Signaling
	SelfID     string
	ICEServers []string

	Media       MediaSource
	NewPeerConn func() (PeerConn, error)

	// RecordDir, when set, enables WebM capture of remote tracks.
	RecordDir string
}

// Manager owns the call sessions and routes signaling messages to them.
// At most one session may hold the local media handle at a time; a second
// StartCall/AcceptCall while one is live is refused with ErrCallInProgress.
type Manager struct {
	sig    Signaling
	selfID string
	src    MediaSource
	newPC  func() (PeerConn, error)
	recDir string

	mu       sync.RWMutex
	sessions map[string]*Session
	ended    *util.RingBuffer[string]
	endedSet map[string]struct{}

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	stateMu  sync.RWMutex
	stateFns []func(*Session, State)
}

// New creates a call Manager. The caller wires transport frames into
// HandleSignal; the manager never touches the connection lifecycle.
func New(opts Options) (*Manager, error) {
	src := opts.Media
	newPC := opts.NewPeerConn
	if src == nil || newPC == nil {
		stack, err := newMediaStack(opts.ICEServers)
		if err != nil {
			return nil, err
		}
		if src == nil {
			src = stack
		}
		if newPC == nil {
			newPC = stack.NewPeerConn
		}
	}

	return &Manager{
		sig:      opts.Signaler,
		selfID:   opts.SelfID,
		src:      src,
		newPC:    newPC,
		recDir:   opts.RecordDir,
		sessions: make(map[string]*Session),
		ended:    util.NewRingBuffer[string](endedCap),
		endedSet: make(map[string]struct{}, endedCap),
	}, nil
}

// OnIncoming registers a callback fired for each incoming call invite.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnSessionState registers an observer for session state transitions.
func (m *Manager) OnSessionState(fn func(*Session, State)) {
	m.stateMu.Lock()
	m.stateFns = append(m.stateFns, fn)
	m.stateMu.Unlock()
}

// StartCall begins an outgoing call to target. It returns immediately with
// the session in Requesting; media acquisition and the invite continue in
// the background.
func (m *Manager) StartCall(ctx context.Context, target string, kind proto.MediaKind) (*Session, error) {
	m.mu.Lock()
	if m.busyLocked() {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	sess := m.newSessionLocked(uuid.NewString(), Outgoing, target, kind, StateRequesting)
	m.mu.Unlock()

	log.Printf("CALL: starting %s call %s to %s", kind, sess.id, target)
	go sess.start()
	return sess, nil
}

// AcceptCall answers a ringing incoming call. Media acquisition happens now,
// not at ring time.
func (m *Manager) AcceptCall(ctx context.Context, callID string, kind proto.MediaKind) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownCall
	}
	if m.busyLocked() {
		m.mu.Unlock()
		return nil, ErrCallInProgress
	}
	m.mu.Unlock()

	if sess.State() != StateRinging {
		return nil, ErrUnknownCall
	}
	sess.mu.Lock()
	sess.mediaKind = kind
	sess.mu.Unlock()

	go sess.accept()
	return sess, nil
}

// RejectCall declines a ringing call without acquiring media.
func (m *Manager) RejectCall(callID string) error {
	m.mu.RLock()
	sess, ok := m.sessions[callID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownCall
	}
	sess.reject()
	return nil
}

// EndCall hangs up the live session, if any. Safe to call at any time.
func (m *Manager) EndCall() {
	if sess, ok := m.ActiveSession(); ok {
		sess.Hangup()
	}
}

// ToggleMute flips the microphone of the live session. Returns the muted
// state; false when there is no live session.
func (m *Manager) ToggleMute() bool {
	if sess, ok := m.ActiveSession(); ok {
		return sess.ToggleAudio()
	}
	return false
}

// ToggleVideo flips the camera of the live session.
func (m *Manager) ToggleVideo() bool {
	if sess, ok := m.ActiveSession(); ok {
		return sess.ToggleVideo()
	}
	return false
}

// ActiveSession returns the session currently holding (or acquiring) the
// media handle: the one in Requesting, Negotiating, Active or Ending.
func (m *Manager) ActiveSession() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if st := s.State(); !st.Terminal() && st != StateRinging {
			return s, true
		}
	}
	return nil, false
}

// GetSession returns the session for callID, if tracked.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

// AllSessions returns every tracked session, ringing ones included.
func (m *Manager) AllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// HandleSignal routes one decoded signaling message. Messages referencing an
// unknown or already-ended call ID are discarded here — logged, never
// surfaced, never misapplied.
func (m *Manager) HandleSignal(msg proto.Message) {
	switch sm := msg.(type) {
	case *proto.CallInvite:
		m.handleInvite(sm)
	case *proto.CallAnswer:
		if s, ok := m.lookup(sm.CallID); ok {
			s.handleAnswer(sm)
		}
	case *proto.SdpOffer:
		if s, ok := m.lookup(sm.CallID); ok {
			s.handleOffer(sm)
		}
	case *proto.SdpAnswer:
		if s, ok := m.lookup(sm.CallID); ok {
			s.handleAnswerSDP(sm)
		}
	case *proto.IceCandidate:
		if s, ok := m.lookup(sm.CallID); ok {
			s.handleICE(sm)
		}
	case *proto.CallEnd:
		if s, ok := m.lookup(sm.CallID); ok {
			s.handleEnd(sm)
		}
	}
}

// Close hangs up every session. The transport stays untouched — its
// lifecycle belongs to the authentication flow above.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
	}
}

func (m *Manager) handleInvite(inv *proto.CallInvite) {
	m.mu.Lock()
	if _, dup := m.sessions[inv.CallID]; dup {
		m.mu.Unlock()
		return
	}
	if _, done := m.endedSet[inv.CallID]; done {
		m.mu.Unlock()
		log.Printf("CALL: invite for ended call %s, dropped", inv.CallID)
		return
	}
	sess := m.newSessionLocked(inv.CallID, Incoming, inv.From, inv.Media, StateRinging)
	m.mu.Unlock()

	log.Printf("CALL [%s]: ringing, %s call from %s", sess.id, inv.Media, inv.From)

	ic := &IncomingCall{CallID: inv.CallID, From: inv.From, Media: inv.Media}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) lookup(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	if !ok {
		log.Printf("CALL: signal for unknown call %s, dropped", callID)
	}
	return s, ok
}

// busyLocked reports whether some session holds or is acquiring the media
// handle. Ringing sessions do not count — they have no media yet.
func (m *Manager) busyLocked() bool {
	for _, s := range m.sessions {
		if st := s.State(); !st.Terminal() && st != StateRinging {
			return true
		}
	}
	return false
}

func (m *Manager) newSessionLocked(id string, dir Direction, remote string, kind proto.MediaKind, initial State) *Session {
	sess := &Session{
		id:        id,
		direction: dir,
		mediaKind: kind,
		remote:    remote,
		selfID:    m.selfID,
		sig:       m.sig,
		src:       m.src,
		newPC:     m.newPC,
		recDir:    m.recDir,
		state:     initial,
		notify:    m.sessionChanged,
	}
	m.sessions[id] = sess
	return sess
}

// sessionChanged fans a state transition out to observers and retires
// terminal sessions so later signaling for the same call ID is discarded.
func (m *Manager) sessionChanged(s *Session, st State) {
	if st.Terminal() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		if _, dup := m.endedSet[s.id]; !dup {
			if evicted, ok := m.ended.PushEvict(s.id); ok {
				delete(m.endedSet, evicted)
			}
			m.endedSet[s.id] = struct{}{}
		}
		m.mu.Unlock()
	}

	m.stateMu.RLock()
	fns := make([]func(*Session, State), len(m.stateFns))
	copy(fns, m.stateFns)
	m.stateMu.RUnlock()
	for _, fn := range fns {
		fn(s, st)
	}
}
