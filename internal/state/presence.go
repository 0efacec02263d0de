// Package state tracks which peers are currently online. It is fed by
// presence events from the relay and read by the presentation boundary.
package state

import (
	"sync"
	"time"
)

type PeerPresence struct {
	Online   bool
	LastSeen time.Time
}

type PresenceEvent struct {
	Type  string                  `json:"type"`
	ID    string                  `json:"id,omitempty"`
	Peer  *PeerPresence           `json:"peer,omitempty"`
	Peers map[string]PeerPresence `json:"peers,omitempty"`
}

type PresenceTable struct {
	mu        sync.Mutex
	peers     map[string]PeerPresence
	listeners []chan PresenceEvent
}

func NewPresenceTable() *PresenceTable {
	return &PresenceTable{
		peers:     map[string]PeerPresence{},
		listeners: make([]chan PresenceEvent, 0),
	}
}

// Apply records one presence change. lastSeen is the server's millisecond
// timestamp; zero means now.
func (t *PresenceTable) Apply(id string, online bool, lastSeen int64) {
	seen := time.Now()
	if lastSeen > 0 {
		seen = time.UnixMilli(lastSeen)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, known := t.peers[id]
	p := PeerPresence{Online: online, LastSeen: seen}
	t.peers[id] = p
	if known && prev.Online == online {
		return // refresh only, nothing worth announcing
	}
	t.notifyListeners(PresenceEvent{Type: "update", ID: id, Peer: &p})
}

func (t *PresenceTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
	t.notifyListeners(PresenceEvent{Type: "remove", ID: id})
}

func (t *PresenceTable) Get(id string) (PeerPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Online reports whether a peer is currently marked online.
func (t *PresenceTable) Online(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[id].Online
}

func (t *PresenceTable) Snapshot() map[string]PeerPresence {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]PeerPresence, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

// MarkAllOffline flips every peer offline. Called when the relay connection
// drops: without the stream there is no basis for claiming anyone is online.
func (t *PresenceTable) MarkAllOffline() {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for id, p := range t.peers {
		if p.Online {
			p.Online = false
			t.peers[id] = p
			changed = true
		}
	}
	if changed {
		t.notifyListeners(PresenceEvent{Type: "reset", Peers: t.snapshotLocked()})
	}
}

// PruneStale removes peers not seen since cutoff.
func (t *PresenceTable) PruneStale(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if !p.Online && p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			t.notifyListeners(PresenceEvent{Type: "remove", ID: id})
		}
	}
}

func (t *PresenceTable) Subscribe() chan PresenceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PresenceEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PresenceTable) Unsubscribe(ch chan PresenceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PresenceTable) snapshotLocked() map[string]PeerPresence {
	cp := make(map[string]PeerPresence, len(t.peers))
	for k, v := range t.peers {
		cp[k] = v
	}
	return cp
}

func (t *PresenceTable) notifyListeners(evt PresenceEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
