package util

import (
	"log"
	"testing"
	"time"
)

func TestRingBufferEviction(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 3; i++ {
		if _, ok := rb.PushEvict(i); ok {
			t.Fatalf("eviction before full at %d", i)
		}
	}
	evicted, ok := rb.PushEvict(4)
	if !ok || evicted != 1 {
		t.Fatalf("evicted = %d, ok = %v", evicted, ok)
	}

	snap := rb.Snapshot()
	want := []int{2, 3, 4}
	if len(snap) != len(want) {
		t.Fatalf("snapshot = %v", snap)
	}
	for i := range want {
		if snap[i] != want[i] {
			t.Fatalf("snapshot = %v, want %v", snap, want)
		}
	}
	if rb.Len() != 3 {
		t.Fatalf("len = %d", rb.Len())
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  https://api.example.org/ ", "https://api.example.org"},
		{"api.example.org", "https://api.example.org"},
		{"http://localhost:8080///", "http://localhost:8080"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeURL(tc.in); got != tc.want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://relay.example.org/rt", "wss://relay.example.org/rt"},
		{"http://localhost:9000/rt", "ws://localhost:9000/rt"},
		{"wss://relay.example.org/rt", "wss://relay.example.org/rt"},
	}
	for _, tc := range cases {
		if got := WebsocketURL(tc.in); got != tc.want {
			t.Fatalf("WebsocketURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/base", "rel/x"); got != "/base/rel/x" {
		t.Fatalf("got %q", got)
	}
	if got := ResolvePath("/base", "/abs/x"); got != "/abs/x" {
		t.Fatalf("got %q", got)
	}
}

func TestLogBufferCapturesLines(t *testing.T) {
	lb := NewLogBuffer(4)
	logger := log.New(lb, "", 0)

	for i := 0; i < 6; i++ {
		logger.Printf("line %d", i)
	}

	snap := lb.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("kept %d lines", len(snap))
	}
	if snap[0].Msg != "line 2" || snap[3].Msg != "line 5" {
		t.Fatalf("window = %q .. %q", snap[0].Msg, snap[3].Msg)
	}
}

func TestLogBufferSubscribe(t *testing.T) {
	lb := NewLogBuffer(8)
	ch, cancel := lb.Subscribe()
	defer cancel()

	logger := log.New(lb, "", 0)
	logger.Print("hello")

	select {
	case e := <-ch:
		if e.Msg != "hello" {
			t.Fatalf("msg = %q", e.Msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}
}
