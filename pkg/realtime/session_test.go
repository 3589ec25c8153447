package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type testEnv struct {
	m        *Manager
	tr       *fakeTransport
	store    *fakeStore
	auth     *fakeAuth
	reporter *fakeReporter
}

func newTestEnv(cfg ManagerConfig) *testEnv {
	if cfg.TypingTTL == 0 {
		cfg.TypingTTL = time.Hour
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if cfg.Policy.AuthPollInterval == 0 {
		cfg.Policy.AuthPollInterval = 5 * time.Millisecond
	}
	if cfg.Policy.AuthWaitTimeout == 0 {
		cfg.Policy.AuthWaitTimeout = 50 * time.Millisecond
	}
	if cfg.Policy.FallbackCooldown == 0 {
		cfg.Policy.FallbackCooldown = time.Hour
	}

	env := &testEnv{
		tr:       &fakeTransport{},
		store:    newFakeStore(),
		auth:     authedAs("u1"),
		reporter: &fakeReporter{},
	}
	env.m = NewManager(cfg, Deps{
		Transport: env.tr,
		Auth:      env.auth,
		Store:     env.store,
		Reporter:  env.reporter,
	})
	return env
}

func (e *testEnv) join(t *testing.T, roomID string) *fakeChannel {
	t.Helper()
	if err := e.m.JoinRoom(context.Background(), roomID, "u1"); err != nil {
		t.Fatalf("JoinRoom(%s): %v", roomID, err)
	}
	ch := e.tr.channelFor(roomID)
	if ch == nil {
		t.Fatalf("no channel created for %s", roomID)
	}
	return ch
}

func waitUntil(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJoinRoomIdempotent(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())

	ch := env.join(t, "room-1")
	if err := env.m.JoinRoom(context.Background(), "room-1", "u1"); err != nil {
		t.Fatalf("second JoinRoom: %v", err)
	}

	if env.tr.createdCount() != 1 {
		t.Errorf("channels created = %d, want 1", env.tr.createdCount())
	}
	if ch.subscribeCount() != 1 {
		t.Errorf("subscribe calls = %d, want 1", ch.subscribeCount())
	}
	if !env.m.IsConnectedToRoom("room-1") {
		t.Error("IsConnectedToRoom = false after join")
	}
}

func TestJoinRoomRegistersListenersBeforeSubscribe(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())

	ch := env.join(t, "room-1")

	log := ch.registrationLog()
	subscribeAt := -1
	registered := map[string]bool{}
	for i, entry := range log {
		if entry == "subscribe" && subscribeAt < 0 {
			subscribeAt = i
			continue
		}
		if subscribeAt < 0 {
			registered[entry] = true
		}
	}
	if subscribeAt < 0 {
		t.Fatalf("subscribe never called; log = %v", log)
	}
	for _, want := range []string{"on_message", "on_participant", "on_presence", "on_broadcast:" + TypingBroadcast} {
		if !registered[want] {
			t.Errorf("listener %q not registered before subscribe; log = %v", want, log)
		}
	}
}

func TestJoinRoomAuthTimeout(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	env.auth.set(nil)
	defer env.m.Cleanup(context.Background())

	err := env.m.JoinRoom(context.Background(), "room-1", "u1")
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("JoinRoom error = %T %v, want *AuthenticationError", err, err)
	}
	if env.tr.createdCount() != 0 {
		t.Errorf("channels created = %d on auth failure, want 0", env.tr.createdCount())
	}
	if env.m.IsConnectedToRoom("room-1") {
		t.Error("room marked connected after failed join")
	}
	if env.reporter.lastOperation() != "join_room" {
		t.Errorf("reported operation = %q, want join_room", env.reporter.lastOperation())
	}

	// Once a session exists the same room can be joined cleanly.
	env.auth.set(&Session{UserID: "u1", AccessToken: "t"})
	if err := env.m.JoinRoom(context.Background(), "room-1", "u1"); err != nil {
		t.Fatalf("JoinRoom after auth recovery: %v", err)
	}
	if !env.m.IsConnectedToRoom("room-1") {
		t.Error("IsConnectedToRoom = false after recovery join")
	}
}

func TestJoinRoomSubscribeFailure(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	env.tr.firstStat = StatusChannelError
	defer env.m.Cleanup(context.Background())

	if err := env.m.JoinRoom(context.Background(), "room-1", "u1"); err == nil {
		t.Fatal("JoinRoom succeeded though the channel errored")
	}
	if env.m.IsConnectedToRoom("room-1") {
		t.Error("room marked connected after subscribe failure")
	}
	if !env.tr.channelFor("room-1").wasUnsubscribed() {
		t.Error("failed channel was not torn down")
	}
	if env.m.State().ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", env.m.State().ConsecutiveFailures)
	}

	// The failure left no joined state behind, so a retry makes a fresh
	// channel and succeeds once the transport recovers.
	env.tr.firstStat = StatusSubscribed
	if err := env.m.JoinRoom(context.Background(), "room-1", "u1"); err != nil {
		t.Fatalf("retry JoinRoom: %v", err)
	}
	if env.tr.createdCount() != 2 {
		t.Errorf("channels created = %d, want 2", env.tr.createdCount())
	}
}

func TestJoinRoomTracksInitialPresence(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())

	ch := env.join(t, "room-1")
	if ch.trackCount() != 1 {
		t.Fatalf("tracks = %d after join, want 1", ch.trackCount())
	}
	ch.mu.Lock()
	meta := ch.tracks[0]
	ch.mu.Unlock()
	if meta.UserID != "u1" || meta.Status != "online" {
		t.Errorf("tracked %+v, want user u1 online", meta)
	}
	if meta.OnlineAt.IsZero() {
		t.Error("OnlineAt not set")
	}
}

func TestLeaveRoomClearsEverything(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())

	ch := env.join(t, "room-1")

	var msgSeen, typingSeen int
	var mu sync.Mutex
	env.m.OnMessage("room-1", func(MessageEvent) { mu.Lock(); msgSeen++; mu.Unlock() })
	env.m.OnTyping("room-1", func([]string) { mu.Lock(); typingSeen++; mu.Unlock() })

	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"bob","isTyping":true}`))
	ch.emitPresence(PresenceState{"bob": {PresenceMeta{UserID: "bob"}}})
	if len(env.m.TypingUsers("room-1")) != 1 || len(env.m.OnlineUsers("room-1")) != 1 {
		t.Fatal("room state not primed")
	}

	env.m.LeaveRoom(context.Background(), "room-1")

	if env.m.IsConnectedToRoom("room-1") {
		t.Error("still connected after leave")
	}
	if !ch.wasUnsubscribed() {
		t.Error("channel not unsubscribed on leave")
	}
	if users := env.m.TypingUsers("room-1"); users != nil {
		t.Errorf("TypingUsers = %v after leave, want none", users)
	}
	if users := env.m.OnlineUsers("room-1"); users != nil {
		t.Errorf("OnlineUsers = %v after leave, want none", users)
	}

	mu.Lock()
	msgBefore, typingBefore := msgSeen, typingSeen
	mu.Unlock()

	// Stale channel events after leaving must not reach the old callbacks.
	ch.emitMessage(MessageEvent{Kind: ChangeInsert, Message: Message{ID: "m1"}})
	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"bob","isTyping":true}`))

	mu.Lock()
	defer mu.Unlock()
	if msgSeen != msgBefore || typingSeen != typingBefore {
		t.Error("callbacks fired for a left room")
	}

	env.m.LeaveRoom(context.Background(), "room-1") // idempotent
}

func TestSendMessagePersistsThroughStore(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())
	env.join(t, "room-1")

	var feed []Message
	var mu sync.Mutex
	env.m.OnMessage("room-1", func(ev MessageEvent) {
		mu.Lock()
		feed = append(feed, ev.Message)
		mu.Unlock()
	})

	ok := env.m.SendMessage(context.Background(), "room-1", "hello", "", map[string]any{"k": "v"})
	if !ok {
		t.Fatal("SendMessage = false, want true")
	}
	if env.store.insertedCount() != 1 {
		t.Fatalf("inserted = %d, want 1", env.store.insertedCount())
	}
	env.store.mu.Lock()
	msg := env.store.inserted[0]
	env.store.mu.Unlock()
	if msg.UserID != "u1" {
		t.Errorf("message UserID = %q, want u1 from the session", msg.UserID)
	}
	if msg.MessageType != "text" {
		t.Errorf("MessageType = %q, want default \"text\"", msg.MessageType)
	}
	if msg.RoomID != "room-1" || msg.Content != "hello" {
		t.Errorf("stored %+v", msg)
	}

	// Delivery happens only through the channel feed; the send itself must
	// not echo locally.
	mu.Lock()
	local := len(feed)
	mu.Unlock()
	if local != 0 {
		t.Errorf("send delivered %d messages locally, want 0", local)
	}

	env.tr.channelFor("room-1").emitMessage(MessageEvent{Kind: ChangeInsert, Message: Message{ID: "m1", UserID: "u1", Content: "hello"}})
	mu.Lock()
	defer mu.Unlock()
	if len(feed) != 1 || feed[0].ID != "m1" {
		t.Errorf("feed = %+v, want the echoed insert", feed)
	}
}

func TestSendMessageWithoutSession(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	env.auth.set(nil)
	defer env.m.Cleanup(context.Background())

	if env.m.SendMessage(context.Background(), "room-1", "hello", "text", nil) {
		t.Error("SendMessage = true without a session")
	}
	if env.store.insertedCount() != 0 {
		t.Error("message stored without a session")
	}
	if env.reporter.lastOperation() != "send_message" {
		t.Errorf("reported operation = %q, want send_message", env.reporter.lastOperation())
	}
}

func TestSendMessageStoreFailure(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	env.store.insertErr = fmt.Errorf("db down")
	defer env.m.Cleanup(context.Background())

	if env.m.SendMessage(context.Background(), "room-1", "hello", "text", nil) {
		t.Error("SendMessage = true though the store failed")
	}
	if env.reporter.count() != 1 {
		t.Errorf("reports = %d, want 1", env.reporter.count())
	}
}

func TestSendTypingNoops(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())

	// No channel yet: silent no-op.
	env.m.SendTyping(context.Background(), "room-1", true)
	if env.tr.createdCount() != 0 {
		t.Error("SendTyping created a channel")
	}

	ch := env.join(t, "room-1")

	// Signed out: silent no-op even with a live channel.
	env.auth.set(nil)
	env.m.SendTyping(context.Background(), "room-1", true)
	ch.mu.Lock()
	sent := len(ch.sentEvents)
	ch.mu.Unlock()
	if sent != 0 {
		t.Errorf("broadcasts = %d without a session, want 0", sent)
	}
}

func TestSendTypingBroadcasts(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	env.m.SendTyping(context.Background(), "room-1", true)
	env.m.SendTyping(context.Background(), "room-1", false)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sentEvents) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(ch.sentEvents))
	}
	for _, ev := range ch.sentEvents {
		if ev != TypingBroadcast {
			t.Errorf("broadcast event = %q, want %q", ev, TypingBroadcast)
		}
	}
	first, ok := ch.sentPayloads[0].(TypingEvent)
	if !ok {
		t.Fatalf("payload type %T, want TypingEvent", ch.sentPayloads[0])
	}
	if first.UserID != "u1" || !first.Typing {
		t.Errorf("payload = %+v, want u1 typing", first)
	}
	second := ch.sentPayloads[1].(TypingEvent)
	if second.Typing {
		t.Errorf("second payload = %+v, want typing=false", second)
	}
}

func TestTypingIndicatorExpires(t *testing.T) {
	env := newTestEnv(ManagerConfig{TypingTTL: 60 * time.Millisecond})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	var mu sync.Mutex
	var snapshots [][]string
	env.m.OnTyping("room-1", func(users []string) {
		mu.Lock()
		snapshots = append(snapshots, users)
		mu.Unlock()
	})

	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"bob","isTyping":true}`))
	if got := env.m.TypingUsers("room-1"); !sameStrings(got, []string{"bob"}) {
		t.Fatalf("TypingUsers = %v, want [bob]", got)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return len(env.m.TypingUsers("room-1")) == 0
	}, "typing indicator never expired")

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) < 2 {
		t.Fatalf("snapshots = %v, want add then expiry", snapshots)
	}
	if last := snapshots[len(snapshots)-1]; len(last) != 0 {
		t.Errorf("last snapshot = %v, want empty", last)
	}
}

func TestTypingIndicatorRearms(t *testing.T) {
	env := newTestEnv(ManagerConfig{TypingTTL: 80 * time.Millisecond})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"bob","isTyping":true}`))
	time.Sleep(50 * time.Millisecond)
	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"bob","isTyping":true}`))

	// The first countdown would have expired around 80ms; the second event
	// moved expiry to about 130ms from the start.
	time.Sleep(50 * time.Millisecond)
	if got := env.m.TypingUsers("room-1"); !sameStrings(got, []string{"bob"}) {
		t.Fatalf("TypingUsers = %v at 100ms, want [bob] kept alive by the re-arm", got)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return len(env.m.TypingUsers("room-1")) == 0
	}, "typing indicator never expired after re-arm")
}

func TestTypingStopClearsImmediately(t *testing.T) {
	env := newTestEnv(ManagerConfig{TypingTTL: time.Hour})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"bob","isTyping":true}`))
	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"bob","isTyping":false}`))

	if got := env.m.TypingUsers("room-1"); len(got) != 0 {
		t.Errorf("TypingUsers = %v after stop event, want none", got)
	}
}

func TestTypingEventsAreIdempotent(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	// Duplicate events, own echo included, must not duplicate the entry.
	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"u1","isTyping":true}`))
	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"u1","isTyping":true}`))
	if got := env.m.TypingUsers("room-1"); !sameStrings(got, []string{"u1"}) {
		t.Errorf("TypingUsers = %v, want [u1]", got)
	}

	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"u1","isTyping":false}`))
	ch.emitBroadcast(TypingBroadcast, []byte(`{"userId":"u1","isTyping":false}`))
	if got := env.m.TypingUsers("room-1"); len(got) != 0 {
		t.Errorf("TypingUsers = %v, want none", got)
	}
}

func TestTypingIgnoresMalformedPayload(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	ch.emitBroadcast(TypingBroadcast, []byte(`not json`))
	ch.emitBroadcast(TypingBroadcast, []byte(`{"isTyping":true}`))

	if got := env.m.TypingUsers("room-1"); len(got) != 0 {
		t.Errorf("TypingUsers = %v from malformed payloads, want none", got)
	}
}

func TestPresenceSyncReplaces(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	var mu sync.Mutex
	var last []string
	env.m.OnPresence("room-1", func(users []string) {
		mu.Lock()
		last = users
		mu.Unlock()
	})

	ch.emitPresence(PresenceState{
		"alice": {PresenceMeta{UserID: "alice"}},
		"bob":   {PresenceMeta{UserID: "bob"}, PresenceMeta{UserID: "bob"}},
	})
	if got := env.m.OnlineUsers("room-1"); !sameStrings(got, []string{"alice", "bob"}) {
		t.Fatalf("OnlineUsers = %v, want [alice bob]", got)
	}

	// The next snapshot replaces the set outright; alice must drop out even
	// though no explicit leave was observed.
	ch.emitPresence(PresenceState{"bob": {PresenceMeta{UserID: "bob"}}})
	if got := env.m.OnlineUsers("room-1"); !sameStrings(got, []string{"bob"}) {
		t.Errorf("OnlineUsers = %v after second sync, want [bob]", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sameStrings(last, []string{"bob"}) {
		t.Errorf("presence callback saw %v, want [bob]", last)
	}
}

func TestPresenceEntryWithNoConnections(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	ch.emitPresence(PresenceState{
		"alice": {PresenceMeta{UserID: "alice"}},
		"ghost": {},
	})
	if got := env.m.OnlineUsers("room-1"); !sameStrings(got, []string{"alice"}) {
		t.Errorf("OnlineUsers = %v, want only alice", got)
	}
}

func TestParticipantEventsDispatch(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	var mu sync.Mutex
	var events []ParticipantEvent
	env.m.OnParticipantChange("room-1", func(ev ParticipantEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	ch.emitParticipant(ParticipantEvent{Kind: ChangeInsert, RoomID: "room-1", UserID: "bob"})
	ch.emitParticipant(ParticipantEvent{Kind: ChangeDelete, RoomID: "room-1", UserID: "bob"})

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("participant events = %d, want 2", len(events))
	}
	if events[0].Kind != ChangeInsert || events[1].Kind != ChangeDelete {
		t.Errorf("events = %+v", events)
	}
}

func TestReactionsRoundTrip(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())

	if !env.m.AddReaction(context.Background(), "m1", "👍") {
		t.Fatal("AddReaction = false")
	}
	if !env.m.AddReaction(context.Background(), "m1", "👍") {
		t.Fatal("duplicate AddReaction = false, want idempotent true")
	}
	if env.store.reactionCount() != 1 {
		t.Errorf("reactions stored = %d, want 1", env.store.reactionCount())
	}

	if !env.m.RemoveReaction(context.Background(), "m1", "👍") {
		t.Fatal("RemoveReaction = false")
	}
	if env.store.reactionCount() != 0 {
		t.Errorf("reactions stored = %d after remove, want 0", env.store.reactionCount())
	}
	if !env.m.RemoveReaction(context.Background(), "m1", "👍") {
		t.Error("removing an absent reaction should still be true")
	}
}

func TestReactionsRequireSession(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	env.auth.set(nil)
	defer env.m.Cleanup(context.Background())

	if env.m.AddReaction(context.Background(), "m1", "👍") {
		t.Error("AddReaction = true without a session")
	}
	if env.reporter.lastOperation() != "add_reaction" {
		t.Errorf("reported operation = %q, want add_reaction", env.reporter.lastOperation())
	}
}

func TestCallbackUnregister(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	var mu sync.Mutex
	var order []string
	off1 := env.m.OnMessage("room-1", func(MessageEvent) { mu.Lock(); order = append(order, "first"); mu.Unlock() })
	env.m.OnMessage("room-1", func(MessageEvent) { mu.Lock(); order = append(order, "second"); mu.Unlock() })

	ch.emitMessage(MessageEvent{Kind: ChangeInsert})
	mu.Lock()
	if !sameStrings(order, []string{"first", "second"}) {
		mu.Unlock()
		t.Fatalf("invocation order = %v", order)
	}
	order = nil
	mu.Unlock()

	off1()
	off1() // second unregister is harmless

	ch.emitMessage(MessageEvent{Kind: ChangeInsert})
	mu.Lock()
	defer mu.Unlock()
	if !sameStrings(order, []string{"second"}) {
		t.Errorf("after unregister order = %v, want [second]", order)
	}
}

func TestCallbacksRegisteredBeforeJoin(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	defer env.m.Cleanup(context.Background())

	var mu sync.Mutex
	var got []Message
	env.m.OnMessage("room-1", func(ev MessageEvent) {
		mu.Lock()
		got = append(got, ev.Message)
		mu.Unlock()
	})

	ch := env.join(t, "room-1")
	ch.emitMessage(MessageEvent{Kind: ChangeInsert, Message: Message{ID: "m1"}})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("pre-join callback saw %+v, want m1", got)
	}
}

func TestHeartbeatReannouncesPresence(t *testing.T) {
	env := newTestEnv(ManagerConfig{HeartbeatInterval: 25 * time.Millisecond})
	defer env.m.Cleanup(context.Background())
	ch := env.join(t, "room-1")

	waitUntil(t, 2*time.Second, func() bool {
		return ch.trackCount() >= 3 // initial track plus at least two beats
	}, "heartbeat never re-announced presence")

	if _, ok := env.m.LastActivity("u1"); !ok {
		t.Error("LastActivity not recorded by heartbeat")
	}
}

func TestHeartbeatCoversAllJoinedRooms(t *testing.T) {
	env := newTestEnv(ManagerConfig{HeartbeatInterval: 25 * time.Millisecond})
	defer env.m.Cleanup(context.Background())
	ch1 := env.join(t, "room-1")
	ch2 := env.join(t, "room-2")

	waitUntil(t, 2*time.Second, func() bool {
		return ch1.trackCount() >= 2 && ch2.trackCount() >= 2
	}, "heartbeat did not reach every joined room")
}

func TestCleanupLeavesEverything(t *testing.T) {
	env := newTestEnv(ManagerConfig{})
	ch1 := env.join(t, "room-1")
	ch2 := env.join(t, "room-2")

	if err := env.m.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if !ch1.wasUnsubscribed() || !ch2.wasUnsubscribed() {
		t.Error("cleanup left channels subscribed")
	}
	if env.m.IsConnectedToRoom("room-1") || env.m.IsConnectedToRoom("room-2") {
		t.Error("rooms still connected after cleanup")
	}
}

func TestCleanupTimesOut(t *testing.T) {
	env := newTestEnv(ManagerConfig{CleanupTimeout: 40 * time.Millisecond})
	gate := make(chan struct{})
	env.tr.unsubGate = gate
	env.join(t, "room-1")

	start := time.Now()
	err := env.m.Cleanup(context.Background())
	if err == nil {
		t.Fatal("Cleanup returned nil though unsubscribe hung")
	}
	if !strings.Contains(err.Error(), "cleanup") {
		t.Errorf("Cleanup error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Cleanup blocked for %v, want the configured bound", elapsed)
	}
	close(gate)
}

func TestCleanupRespectsCallerDeadline(t *testing.T) {
	env := newTestEnv(ManagerConfig{CleanupTimeout: time.Hour})
	gate := make(chan struct{})
	env.tr.unsubGate = gate
	env.join(t, "room-1")

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := env.m.Cleanup(ctx); err == nil {
		t.Fatal("Cleanup ignored the caller deadline")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Cleanup blocked for %v despite a 40ms deadline", elapsed)
	}
	close(gate)
}
