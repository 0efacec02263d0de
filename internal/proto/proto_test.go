package proto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	cases := []struct {
		name  string
		event string
		data  string
		check func(t *testing.T, msg Message)
	}{
		{
			name:  "call invite",
			event: EventCallInvite,
			data:  `{"call_id":"c1","from":"alice","to":"bob","media":"video","ts":1700000000000}`,
			check: func(t *testing.T, msg Message) {
				inv, ok := msg.(*CallInvite)
				if !ok {
					t.Fatalf("got %T", msg)
				}
				if inv.CallID != "c1" || inv.From != "alice" || inv.Media != MediaAudioVideo {
					t.Fatalf("bad decode: %+v", inv)
				}
			},
		},
		{
			name:  "call answer rejected",
			event: EventCallAnswer,
			data:  `{"call_id":"c1","from":"bob","accepted":false}`,
			check: func(t *testing.T, msg Message) {
				ans := msg.(*CallAnswer)
				if ans.Accepted {
					t.Fatal("expected rejection")
				}
			},
		},
		{
			name:  "ice candidate payload stays opaque",
			event: EventIceCandidate,
			data:  `{"call_id":"c1","candidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host","sdpMid":"0"}}`,
			check: func(t *testing.T, msg Message) {
				ice := msg.(*IceCandidate)
				var raw map[string]any
				if err := json.Unmarshal(ice.Candidate, &raw); err != nil {
					t.Fatalf("candidate not preserved: %v", err)
				}
				if raw["sdpMid"] != "0" {
					t.Fatalf("candidate mangled: %v", raw)
				}
			},
		},
		{
			name:  "new message",
			event: EventNewMessage,
			data:  `{"id":"m1","conversation_id":"conv1","sender_id":"bob","body":"hi","sent_at":5}`,
			check: func(t *testing.T, msg Message) {
				m := msg.(*NewMessage)
				if m.ID != "m1" || m.ConversationID != "conv1" {
					t.Fatalf("bad decode: %+v", m)
				}
			},
		},
		{
			name:  "presence changed",
			event: EventPresenceChanged,
			data:  `{"user_id":"bob","online":true,"last_seen":9}`,
			check: func(t *testing.T, msg Message) {
				p := msg.(*PresenceChanged)
				if !p.Online || p.UserID != "bob" {
					t.Fatalf("bad decode: %+v", p)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte(`{"event":"` + tc.event + `","data":` + tc.data + `}`)
			msg, err := Decode(raw)
			if err != nil {
				t.Fatal(err)
			}
			if msg.Event() != tc.event {
				t.Fatalf("event mismatch: %s", msg.Event())
			}
			tc.check(t, msg)
		})
	}
}

func TestDecodeUnknownEvent(t *testing.T) {
	_, err := Decode([]byte(`{"event":"call:invitee","data":{}}`))
	var unknown *ErrUnknownEvent
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if unknown.Name != "call:invitee" {
		t.Fatalf("wrong name: %s", unknown.Name)
	}
}

func TestDecodeRejectsRoomJoin(t *testing.T) {
	// room:join is outbound-only; the relay never sends it back, and if a
	// broken relay echoes it, it must be dropped like any unknown event.
	_, err := Decode([]byte(`{"event":"room:join","data":{"room":"x"}}`))
	var unknown *ErrUnknownEvent
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecodeBadEnvelope(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &CallEnd{CallID: "c9", Reason: "hangup"}
	raw, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	out, ok := msg.(*CallEnd)
	if !ok || out.CallID != "c9" || out.Reason != "hangup" {
		t.Fatalf("round trip lost data: %+v", msg)
	}
}

func TestEncodeRoomJoin(t *testing.T) {
	raw, err := Encode(&RoomJoin{Room: "conversation:c1"})
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != EventRoomJoin {
		t.Fatalf("wrong event: %s", env.Event)
	}
}
