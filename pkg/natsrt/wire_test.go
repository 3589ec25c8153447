package natsrt

import (
	"testing"

	"github.com/example/axis-chat/pkg/realtime"
)

func TestDecodeMessageEvent(t *testing.T) {
	payload := []byte(`{"id":"m1","room":"wellness","user":"alice","text":"hi","messageType":"text","timestamp":1724300000000}`)
	ev, ok := decodeMessageEvent(payload)
	if !ok {
		t.Fatal("decode failed")
	}
	if ev.Kind != realtime.ChangeInsert {
		t.Errorf("Kind = %v, want insert", ev.Kind)
	}
	if ev.Message.ID != "m1" || ev.Message.RoomID != "wellness" || ev.Message.UserID != "alice" {
		t.Errorf("message = %+v", ev.Message)
	}
	if ev.Message.Content != "hi" || ev.Message.Timestamp != 1724300000000 {
		t.Errorf("message = %+v", ev.Message)
	}

	if _, ok := decodeMessageEvent([]byte(`not json`)); ok {
		t.Error("decoded malformed payload")
	}
	if _, ok := decodeMessageEvent([]byte(`{"room":"wellness"}`)); ok {
		t.Error("decoded message without id")
	}
}

func TestDecodeParticipantEvent(t *testing.T) {
	cases := []struct {
		name     string
		payload  string
		wantOk   bool
		wantKind realtime.ChangeKind
	}{
		{"join", `{"room":"wellness","action":"join","userId":"alice"}`, true, realtime.ChangeInsert},
		{"leave", `{"room":"wellness","action":"leave","userId":"alice"}`, true, realtime.ChangeDelete},
		{"unknown action", `{"room":"wellness","action":"renamed","userId":"alice"}`, false, 0},
		{"missing user", `{"room":"wellness","action":"join"}`, false, 0},
		{"malformed", `{{`, false, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := decodeParticipantEvent([]byte(tc.payload))
			if ok != tc.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOk)
			}
			if !ok {
				return
			}
			if ev.Kind != tc.wantKind {
				t.Errorf("Kind = %v, want %v", ev.Kind, tc.wantKind)
			}
			if ev.RoomID != "wellness" || ev.UserID != "alice" {
				t.Errorf("event = %+v", ev)
			}
		})
	}
}

func TestDecodePresenceState(t *testing.T) {
	payload := []byte(`{
		"type":"join","userId":"alice","room":"wellness",
		"members":[
			{"userId":"alice","status":"online"},
			{"userId":"bob","status":"away"},
			{"userId":"carol","status":"offline"},
			{"userId":"","status":"online"}
		]}`)

	state, ok := decodePresenceState(payload)
	if !ok {
		t.Fatal("decode failed")
	}
	if len(state) != 3 {
		t.Fatalf("state has %d keys, want 3: %+v", len(state), state)
	}
	if metas := state["alice"]; len(metas) != 1 || metas[0].Status != "online" {
		t.Errorf("alice = %+v", metas)
	}
	if metas := state["bob"]; len(metas) != 1 || metas[0].Status != "away" {
		t.Errorf("bob = %+v", metas)
	}
	// Offline members keep an empty entry so replacement-based consumers
	// treat them as not online.
	if metas, present := state["carol"]; !present || len(metas) != 0 {
		t.Errorf("carol = %+v present=%v, want empty entry", metas, present)
	}

	if _, ok := decodePresenceState([]byte(`[]`)); ok {
		t.Error("decoded payload of the wrong shape")
	}
}

func TestDecodeReactionEvent(t *testing.T) {
	payload := []byte(`{"messageId":"m1","room":"wellness","reactions":{"👍":["alice","bob"]}}`)
	ev, ok := decodeReactionEvent(payload)
	if !ok {
		t.Fatal("decode failed")
	}
	if ev.Kind != realtime.ChangeUpdate {
		t.Errorf("Kind = %v, want update", ev.Kind)
	}
	if ev.Message.ID != "m1" || ev.Message.RoomID != "wellness" {
		t.Errorf("message = %+v", ev.Message)
	}
	if users := ev.Message.Reactions["👍"]; len(users) != 2 || users[0] != "alice" {
		t.Errorf("reactions = %+v", ev.Message.Reactions)
	}

	// Clearing the last reaction arrives as an empty map, not nil.
	ev, ok = decodeReactionEvent([]byte(`{"messageId":"m1","room":"wellness"}`))
	if !ok {
		t.Fatal("decode failed for empty reactions")
	}
	if ev.Message.Reactions == nil {
		t.Error("Reactions = nil, want empty map")
	}

	if _, ok := decodeReactionEvent([]byte(`{"room":"wellness"}`)); ok {
		t.Error("decoded event without message id")
	}
}
