// Package signal owns the single persistent connection to the relay service.
// It multiplexes call signaling and domain events over one websocket and
// hands decoded frames to registered handlers. Connectivity is an observed
// property: Connect never panics and failures land in StateDisconnected.
//
// Delivery is at-most-once. Emit drops when disconnected and returns
// ErrNotConnected; consumers that need consistency compensate with
// idempotent application (see the reconcile package).
package signal

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillmesh/skillmesh/internal/proto"
)

// State is the observable connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// ErrNotConnected is returned by Emit and Join while the relay link is down.
var ErrNotConnected = errors.New("signal: not connected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler receives one decoded frame. Handlers for a kind run synchronously,
// in registration order, on the read-pump goroutine — no parallel dispatch.
type Handler func(proto.Message)

// Transport is the relay client. Construct one per authenticated session and
// inject it into the call manager and reconciler; Close is tied to logout.
type Transport struct {
	relayURL string
	dialer   *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	gen     int // connection generation; stale pumps detect replacement
	dialing bool
	closed  bool

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[proto.Kind][]*registration

	stateMu   sync.RWMutex
	stateSubs []func(State)
}

// New creates a transport for the given relay websocket URL.
func New(relayURL string) *Transport {
	return &Transport{
		relayURL: relayURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		handlers: make(map[proto.Kind][]*registration),
	}
}

// Connect establishes the relay connection, authenticating with the bearer
// token. A failure is absorbed: the transport stays in StateDisconnected and
// the caller observes that via OnState/State rather than an error return.
// Calling Connect while already connected, or while another Connect is still
// dialing, is a no-op — the transport never holds more than one connection.
func (t *Transport) Connect(ctx context.Context, token string) {
	t.mu.Lock()
	if t.closed || t.conn != nil || t.dialing {
		t.mu.Unlock()
		return
	}
	t.dialing = true
	t.mu.Unlock()

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.relayURL, hdr)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.mu.Lock()
		t.dialing = false
		t.mu.Unlock()
		log.Printf("SIGNAL: connect to %s failed: %v", t.relayURL, err)
		t.setState(StateDisconnected)
		return
	}

	t.mu.Lock()
	t.dialing = false
	if t.closed {
		// Close raced the dial; drop the fresh connection.
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	log.Printf("SIGNAL: connected to %s", t.relayURL)
	t.setState(StateConnected)

	go t.readPump(conn, gen)
	go t.pingLoop(conn, gen)
}

// registration gives each handler its own identity so removal stays correct
// no matter how many other handlers for the kind came or went in between.
type registration struct {
	fn Handler
}

// Handle registers a handler for one message kind and returns its remover.
// Multiple handlers per kind run in registration order.
func (t *Transport) Handle(kind proto.Kind, fn Handler) (off func()) {
	reg := &registration{fn: fn}
	t.handlerMu.Lock()
	t.handlers[kind] = append(t.handlers[kind], reg)
	t.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.handlerMu.Lock()
			hs := t.handlers[kind]
			for i, r := range hs {
				if r == reg {
					t.handlers[kind] = append(hs[:i:i], hs[i+1:]...)
					break
				}
			}
			t.handlerMu.Unlock()
		})
	}
}

// OnState registers a connection-state observer. It fires on every
// transition, from the goroutine that detected it.
func (t *Transport) OnState(fn func(State)) {
	t.stateMu.Lock()
	t.stateSubs = append(t.stateSubs, fn)
	t.stateMu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Emit sends one message, best effort. There is no outbox: when the link is
// down the frame is dropped and ErrNotConnected comes back so the caller can
// surface it.
func (t *Transport) Emit(msg proto.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := proto.Encode(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	return nil
}

// Join subscribes this connection to a conversation-scoped room. Room
// membership does not survive a reconnect; the app layer re-joins after
// every StateConnected transition.
func (t *Transport) Join(room string) error {
	return t.Emit(&proto.RoomJoin{Room: room})
}

// Close tears the connection down for good. Tied to logout; a closed
// transport refuses further Connect calls.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.setState(StateDisconnected)
}

// readPump reads frames until the connection dies, dispatching each decoded
// message synchronously to its handlers.
func (t *Transport) readPump(conn *websocket.Conn, gen int) {
	defer t.drop(conn, gen)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("SIGNAL: read error: %v", err)
			}
			return
		}

		msg, err := proto.Decode(raw)
		if err != nil {
			var unknown *proto.ErrUnknownEvent
			if errors.As(err, &unknown) {
				log.Printf("SIGNAL: dropping frame: %v", err)
			} else {
				log.Printf("SIGNAL: bad frame: %v", err)
			}
			continue
		}

		t.dispatch(msg)
	}
}

func (t *Transport) dispatch(msg proto.Message) {
	t.handlerMu.RLock()
	hs := make([]*registration, len(t.handlers[msg.Kind()]))
	copy(hs, t.handlers[msg.Kind()])
	t.handlerMu.RUnlock()

	for _, r := range hs {
		r.fn(msg)
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		stale := t.conn != conn || t.gen != gen
		t.mu.Unlock()
		if stale {
			return
		}

		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// drop retires a dead connection. Stale generations (already replaced by a
// newer Connect) are ignored so a slow pump can't clobber a live link.
func (t *Transport) drop(conn *websocket.Conn, gen int) {
	t.mu.Lock()
	if t.conn != conn || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.mu.Unlock()

	conn.Close()
	log.Printf("SIGNAL: disconnected")
	t.setState(StateDisconnected)
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()

	t.stateMu.RLock()
	subs := make([]func(State), len(t.stateSubs))
	copy(subs, t.stateSubs)
	t.stateMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}
