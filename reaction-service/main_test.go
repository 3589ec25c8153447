package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidEmoji(t *testing.T) {
	cases := []struct {
		emoji string
		want  bool
	}{
		{"👍", true},
		{"🔥", true},
		{"❤️", true},
		{":thumbsup:", true},
		{"", false},
		{strings.Repeat("👍", 20), false},
		{string([]byte{0xff, 0xfe}), false},
	}
	for _, c := range cases {
		if got := validEmoji(c.emoji); got != c.want {
			t.Errorf("validEmoji(%q): expected %v, got %v", c.emoji, c.want, got)
		}
	}
}

func TestValidToken(t *testing.T) {
	cases := []struct {
		token string
		want  bool
	}{
		{"ana", true},
		{"ana_b", true},
		{"", false},
		{"a.b", false},
		{"a*", false},
		{">", false},
		{"a b", false},
	}
	for _, c := range cases {
		if got := validToken(c.token); got != c.want {
			t.Errorf("validToken(%q): expected %v, got %v", c.token, c.want, got)
		}
	}
}

func TestReactionEventEncoding(t *testing.T) {
	data, err := json.Marshal(reactionEvent{
		MessageId: "3f6a2f0e-98d2-4b1a-9a53-0e6f43a1be1d",
		Room:      "physical",
		Reactions: map[string][]string{"👍": {"ana", "ben"}},
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded reactionEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(decoded.Reactions["👍"]) != 2 || decoded.Reactions["👍"][0] != "ana" {
		t.Errorf("Expected ordered users preserved, got %v", decoded.Reactions)
	}

	// Clearing the last reaction still broadcasts an object, not null.
	data, _ = json.Marshal(reactionEvent{
		MessageId: "3f6a2f0e-98d2-4b1a-9a53-0e6f43a1be1d",
		Room:      "physical",
		Reactions: map[string][]string{},
	})
	if !strings.Contains(string(data), `"reactions":{}`) {
		t.Errorf("Expected empty reactions object, got %s", data)
	}
}
