package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/skillmesh/skillmesh/internal/proto"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeSignaler struct {
	mu   sync.Mutex
	msgs []proto.Message
}

func (f *fakeSignaler) Emit(m proto.Message) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaler) sent() []proto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeSignaler) countKind(k proto.Kind) int {
	n := 0
	for _, m := range f.sent() {
		if m.Kind() == k {
			n++
		}
	}
	return n
}

// fakePeerConn records every operation in order so tests can assert
// happens-before relations (description before candidates).
type fakePeerConn struct {
	mu      sync.Mutex
	ops     []string
	closed  int
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
}

func (f *fakePeerConn) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakePeerConn) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakePeerConn) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.record("addTrack")
	return nil, nil
}

func (f *fakePeerConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.record("createOffer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePeerConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.record("createAnswer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePeerConn) SetLocalDescription(webrtc.SessionDescription) error {
	f.record("setLocal")
	return nil
}

func (f *fakePeerConn) SetRemoteDescription(webrtc.SessionDescription) error {
	f.record("setRemote")
	return nil
}

func (f *fakePeerConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.record("cand:" + c.Candidate)
	return nil
}

func (f *fakePeerConn) OnICECandidate(fn func(*webrtc.ICECandidate)) { f.onICE = fn }
func (f *fakePeerConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}
func (f *fakePeerConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onState = fn
}
func (f *fakePeerConn) WriteRTCP([]rtcp.Packet) error { return nil }

func (f *fakePeerConn) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakePeerConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeMedia struct {
	mu     sync.Mutex
	closed int
	audio  bool
	video  bool

	attachEntered chan struct{}
	attachGate    chan struct{}
}

func (f *fakeMedia) Attach(PeerConn) error {
	if f.attachEntered != nil {
		f.attachEntered <- struct{}{}
	}
	if f.attachGate != nil {
		<-f.attachGate
	}
	return nil
}
func (f *fakeMedia) SetAudioEnabled(on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = on
	return on
}
func (f *fakeMedia) SetVideoEnabled(on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = on
	return on
}
func (f *fakeMedia) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}
func (f *fakeMedia) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeSource hands out fakeMedia. An optional gate makes Acquire block like
// a real permission prompt.
type fakeSource struct {
	mu       sync.Mutex
	acquired int
	err      error
	gate     chan struct{}
	media    *fakeMedia
}

func (f *fakeSource) Acquire(proto.MediaKind) (LocalMedia, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	if f.err != nil {
		return nil, f.err
	}
	if f.media == nil {
		f.media = &fakeMedia{}
	}
	return f.media, nil
}

func (f *fakeSource) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

func newTestManager(t *testing.T, sig *fakeSignaler, src *fakeSource, pc *fakePeerConn) *Manager {
	t.Helper()
	m, err := New(Options{
		Signaler:    sig,
		SelfID:      "me",
		Media:       src,
		NewPeerConn: func() (PeerConn, error) { return pc, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestOutgoingCallHappyPath(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	sess, err := m.StartCall(context.Background(), "peer-1", proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite", func() bool { return sig.countKind(proto.KindCallInvite) == 1 })

	m.HandleSignal(&proto.CallAnswer{CallID: sess.ID(), From: "peer-1", Accepted: true})
	if sess.State() != StateNegotiating {
		t.Fatalf("state after accept = %v", sess.State())
	}
	if sig.countKind(proto.KindSdpOffer) != 1 {
		t.Fatal("no offer sent")
	}

	m.HandleSignal(&proto.SdpAnswer{CallID: sess.ID(), SDP: "remote-answer"})

	// Remote track lands: session goes Active.
	pc.onTrack(&webrtc.TrackRemote{}, nil)

	if sess.State() != StateActive {
		t.Fatalf("state = %v", sess.State())
	}
	st := sess.Status()
	if !st.HasLocal || !st.HasRemote {
		t.Fatalf("streams: local=%v remote=%v", st.HasLocal, st.HasRemote)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	m.HandleSignal(&proto.CallInvite{CallID: "c1", From: "peer-1", Media: proto.MediaAudio})
	sess, ok := m.GetSession("c1")
	if !ok {
		t.Fatal("no ringing session")
	}
	if _, err := m.AcceptCall(context.Background(), "c1", proto.MediaAudio); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "negotiating", func() bool { return sess.State() == StateNegotiating })

	// Candidates arrive before the offer.
	for _, c := range []string{"a", "b", "c"} {
		m.HandleSignal(&proto.IceCandidate{CallID: "c1", Candidate: []byte(`{"candidate":"` + c + `"}`)})
	}
	for _, op := range pc.opLog() {
		if op == "cand:a" || op == "cand:b" || op == "cand:c" {
			t.Fatalf("candidate applied before remote description: %v", pc.opLog())
		}
	}

	m.HandleSignal(&proto.SdpOffer{CallID: "c1", SDP: "remote-offer"})

	// Everything buffered is applied, in order, after the description.
	ops := pc.opLog()
	idx := map[string]int{}
	for i, op := range ops {
		idx[op] = i
	}
	setRemote, ok := idx["setRemote"]
	if !ok {
		t.Fatalf("no setRemote in %v", ops)
	}
	last := setRemote
	for _, c := range []string{"cand:a", "cand:b", "cand:c"} {
		i, ok := idx[c]
		if !ok {
			t.Fatalf("candidate dropped: %s missing from %v", c, ops)
		}
		if i < last {
			t.Fatalf("wrong order: %v", ops)
		}
		last = i
	}

	// A late candidate goes straight through.
	m.HandleSignal(&proto.IceCandidate{CallID: "c1", Candidate: []byte(`{"candidate":"d"}`)})
	waitFor(t, "direct candidate", func() bool {
		for _, op := range pc.opLog() {
			if op == "cand:d" {
				return true
			}
		}
		return false
	})
}

func TestTeardownRunsExactlyOnce(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	sess, err := m.StartCall(context.Background(), "peer-1", proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite", func() bool { return sig.countKind(proto.KindCallInvite) == 1 })

	// Repeated hangups from several goroutines plus a remote end.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Hangup()
		}()
	}
	wg.Wait()
	m.HandleSignal(&proto.CallEnd{CallID: sess.ID()})
	sess.Hangup()

	if got := src.media.closeCount(); got != 1 {
		t.Fatalf("media closed %d times", got)
	}
	if got := pc.closeCount(); got != 1 {
		t.Fatalf("peer connection closed %d times", got)
	}
	if got := sig.countKind(proto.KindCallEnd); got != 1 {
		t.Fatalf("CallEnd sent %d times", got)
	}
	if sess.State() != StateEnded || sess.Reason() != ReasonHangup {
		t.Fatalf("final = %v (%v)", sess.State(), sess.Reason())
	}
}

func TestRejectSendsOnlyNegativeAnswerAndDiscardsLaterSignals(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	m.HandleSignal(&proto.CallInvite{CallID: "c1", From: "peer-1", Media: proto.MediaAudio})
	sess, _ := m.GetSession("c1")

	if err := m.RejectCall("c1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ended", func() bool { return sess.State() == StateEnded })

	if src.acquireCount() != 0 {
		t.Fatal("reject path acquired media")
	}
	msgs := sig.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	ans, ok := msgs[0].(*proto.CallAnswer)
	if !ok || ans.Accepted || ans.CallID != "c1" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}

	// Later signaling for the retired ID is discarded, not misapplied.
	m.HandleSignal(&proto.SdpOffer{CallID: "c1", SDP: "x"})
	m.HandleSignal(&proto.IceCandidate{CallID: "c1", Candidate: []byte(`{"candidate":"z"}`)})
	if len(pc.opLog()) != 0 {
		t.Fatalf("retired call touched the peer connection: %v", pc.opLog())
	}

	// Even a replayed invite for the same ID stays dead.
	m.HandleSignal(&proto.CallInvite{CallID: "c1", From: "peer-1", Media: proto.MediaAudio})
	if _, ok := m.GetSession("c1"); ok {
		t.Fatal("replayed invite resurrected the call")
	}
}

func TestRejectDuringAcceptSetupSendsNoPositiveAnswer(t *testing.T) {
	sig := &fakeSignaler{}
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	src := &fakeSource{media: &fakeMedia{attachEntered: entered, attachGate: gate}}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	m.HandleSignal(&proto.CallInvite{CallID: "c1", From: "peer-1", Media: proto.MediaAudio})
	sess, _ := m.GetSession("c1")
	if _, err := m.AcceptCall(context.Background(), "c1", proto.MediaAudio); err != nil {
		t.Fatal(err)
	}

	// The accept path is mid-setup; the user changes their mind.
	<-entered
	if err := m.RejectCall("c1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "ended", func() bool { return sess.State() == StateEnded })

	// Setup completes afterwards: the session is already dead, so no
	// positive answer may follow the negative one.
	close(gate)
	time.Sleep(50 * time.Millisecond)

	answers := 0
	for _, msg := range sig.sent() {
		ans, ok := msg.(*proto.CallAnswer)
		if !ok {
			continue
		}
		answers++
		if ans.Accepted {
			t.Fatalf("positive answer sent after reject: %+v", ans)
		}
	}
	if answers != 1 {
		t.Fatalf("sent %d answers, want 1", answers)
	}
	if sess.State() != StateEnded || sess.Reason() != ReasonRejected {
		t.Fatalf("final = %v (%v)", sess.State(), sess.Reason())
	}
}

func TestRemoteRejectEndsRequestingCall(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	sess, _ := m.StartCall(context.Background(), "peer-1", proto.MediaAudio)
	waitFor(t, "invite", func() bool { return sig.countKind(proto.KindCallInvite) == 1 })

	m.HandleSignal(&proto.CallAnswer{CallID: sess.ID(), From: "peer-1", Accepted: false})
	if sess.State() != StateEnded || sess.Reason() != ReasonRejected {
		t.Fatalf("final = %v (%v)", sess.State(), sess.Reason())
	}
}

func TestHangupDuringPermissionPrompt(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{gate: make(chan struct{})}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	sess, err := m.StartCall(context.Background(), "peer-1", proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}

	// User hangs up while the prompt is still open.
	sess.Hangup()
	if sess.State() != StateEnded {
		t.Fatalf("state = %v", sess.State())
	}

	// The grant lands afterwards: handle released, nothing else happens.
	close(src.gate)
	waitFor(t, "late grant released", func() bool {
		return src.media != nil && src.media.closeCount() == 1
	})
	if got := sig.countKind(proto.KindCallInvite); got != 0 {
		t.Fatalf("invite sent after hangup")
	}
	if sess.State() != StateEnded {
		t.Fatalf("late grant changed state to %v", sess.State())
	}
}

func TestMediaDeniedFailsAttemptOnly(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{err: ErrPermissionDenied}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	sess, err := m.StartCall(context.Background(), "peer-1", proto.MediaAudioVideo)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failed", func() bool { return sess.State() == StateFailed })
	if sess.Reason() != ReasonMediaDenied {
		t.Fatalf("reason = %v", sess.Reason())
	}

	// The manager is free again for the next attempt.
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	if _, err := m.StartCall(context.Background(), "peer-2", proto.MediaAudio); err != nil {
		t.Fatalf("next call refused: %v", err)
	}
}

func TestSecondConcurrentCallRefused(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	first, err := m.StartCall(context.Background(), "peer-1", proto.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite", func() bool { return sig.countKind(proto.KindCallInvite) == 1 })

	if _, err := m.StartCall(context.Background(), "peer-2", proto.MediaAudio); err != ErrCallInProgress {
		t.Fatalf("err = %v, want ErrCallInProgress", err)
	}

	// A ringing incoming call can still be accepted only after the first ends.
	m.HandleSignal(&proto.CallInvite{CallID: "c2", From: "peer-3", Media: proto.MediaAudio})
	if _, err := m.AcceptCall(context.Background(), "c2", proto.MediaAudio); err != ErrCallInProgress {
		t.Fatalf("accept err = %v, want ErrCallInProgress", err)
	}

	first.Hangup()
	if _, err := m.AcceptCall(context.Background(), "c2", proto.MediaAudio); err != nil {
		t.Fatalf("accept after hangup: %v", err)
	}
}

func TestToggleAudioBeforeMediaIsNoop(t *testing.T) {
	sig := &fakeSignaler{}
	src := &fakeSource{gate: make(chan struct{})}
	pc := &fakePeerConn{}
	m := newTestManager(t, sig, src, pc)

	sess, _ := m.StartCall(context.Background(), "peer-1", proto.MediaAudio)
	sess.ToggleAudio() // still waiting on the prompt, must not crash
	close(src.gate)
	waitFor(t, "invite", func() bool { return sig.countKind(proto.KindCallInvite) == 1 })

	if muted := sess.ToggleAudio(); !muted {
		t.Fatal("expected muted after toggle")
	}
	if muted := sess.ToggleAudio(); muted {
		t.Fatal("expected unmuted after second toggle")
	}
}
