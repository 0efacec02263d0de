package state

import (
	"testing"
	"time"
)

func TestApplyAndSnapshot(t *testing.T) {
	pt := NewPresenceTable()

	pt.Apply("bob", true, 0)
	pt.Apply("anna", false, time.Now().Add(-time.Hour).UnixMilli())

	if !pt.Online("bob") {
		t.Fatal("bob should be online")
	}
	if pt.Online("anna") {
		t.Fatal("anna should be offline")
	}
	if pt.Online("ghost") {
		t.Fatal("unknown peer reported online")
	}

	snap := pt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size %d", len(snap))
	}
}

func TestSubscribeAnnouncesTransitionsOnly(t *testing.T) {
	pt := NewPresenceTable()
	ch := pt.Subscribe()
	defer pt.Unsubscribe(ch)

	pt.Apply("bob", true, 0)
	select {
	case evt := <-ch:
		if evt.Type != "update" || evt.ID != "bob" || !evt.Peer.Online {
			t.Fatalf("evt = %+v", evt)
		}
	default:
		t.Fatal("no event for first sighting")
	}

	// Same state again: refresh, no event.
	pt.Apply("bob", true, 0)
	select {
	case evt := <-ch:
		t.Fatalf("refresh produced event: %+v", evt)
	default:
	}

	pt.Apply("bob", false, 0)
	select {
	case evt := <-ch:
		if evt.Peer.Online {
			t.Fatalf("expected offline event: %+v", evt)
		}
	default:
		t.Fatal("no event for transition")
	}
}

func TestMarkAllOffline(t *testing.T) {
	pt := NewPresenceTable()
	pt.Apply("bob", true, 0)
	pt.Apply("anna", true, 0)
	ch := pt.Subscribe()
	defer pt.Unsubscribe(ch)

	pt.MarkAllOffline()
	for id := range pt.Snapshot() {
		if pt.Online(id) {
			t.Fatalf("%s still online", id)
		}
	}
	select {
	case evt := <-ch:
		if evt.Type != "reset" || len(evt.Peers) != 2 {
			t.Fatalf("evt = %+v", evt)
		}
	default:
		t.Fatal("no reset event")
	}

	// Idempotent: nothing left to flip, nothing announced.
	pt.MarkAllOffline()
	select {
	case evt := <-ch:
		t.Fatalf("second reset produced event: %+v", evt)
	default:
	}
}

func TestPruneStale(t *testing.T) {
	pt := NewPresenceTable()
	pt.Apply("old", false, time.Now().Add(-2*time.Hour).UnixMilli())
	pt.Apply("fresh", false, 0)
	pt.Apply("online", true, time.Now().Add(-2*time.Hour).UnixMilli())

	pt.PruneStale(time.Now().Add(-time.Hour))

	if _, ok := pt.Get("old"); ok {
		t.Fatal("stale offline peer kept")
	}
	if _, ok := pt.Get("fresh"); !ok {
		t.Fatal("fresh peer pruned")
	}
	if _, ok := pt.Get("online"); !ok {
		t.Fatal("online peer pruned")
	}
}
