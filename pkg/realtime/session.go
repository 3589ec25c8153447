package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TypingBroadcast is the broadcast event name carrying typing indicators.
const TypingBroadcast = "typing"

// ManagerConfig tunes a Manager. Zero values take the defaults noted on each
// field.
type ManagerConfig struct {
	TypingTTL         time.Duration // typing indicator expiry; default 3s
	HeartbeatInterval time.Duration // presence re-announce period; default 30s
	CleanupTimeout    time.Duration // Cleanup bound when ctx has no deadline; default 5s
	Policy            PolicyConfig
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.TypingTTL <= 0 {
		c.TypingTTL = 3 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 5 * time.Second
	}
	return c
}

// Deps are the external collaborators a Manager is wired to.
type Deps struct {
	Transport Transport
	Auth      AuthProvider
	Store     MessageStore
	Reporter  ErrorReporter // optional; LogReporter when nil
}

type roomPhase int

const (
	roomTracked roomPhase = iota // callbacks may exist, no live channel
	roomJoining
	roomJoined
)

// roomSession is everything the Manager holds for one room. At most one live
// channel exists per room at any time.
type roomSession struct {
	phase   roomPhase
	userID  string
	channel *ManagedChannel
	typing  map[string]struct{}
	online  map[string]struct{}

	messageSubs     subscribers[MessageEvent]
	typingSubs      subscribers[[]string]
	presenceSubs    subscribers[[]string]
	participantSubs subscribers[ParticipantEvent]
}

// Manager owns per-room subscription lifecycle, the ephemeral typing/online
// sets, last-activity timestamps, and a single shared heartbeat. It is the
// public API of the realtime session layer and is safe for concurrent use.
//
// A joined room whose channel later drops is not re-joined automatically; the
// caller decides when to call JoinRoom again. The ConnectionPolicy's failure
// counting steers the subsystem toward polling when drops cascade.
type Manager struct {
	cfg      ManagerConfig
	auth     AuthProvider
	store    MessageStore
	reporter ErrorReporter
	policy   *ConnectionPolicy
	factory  *ChannelFactory
	typing   *typingTracker

	mu           sync.Mutex
	rooms        map[string]*roomSession
	lastActivity map[string]time.Time
	hbStop       chan struct{}
}

// NewManager wires a Manager, its ConnectionPolicy, and its ChannelFactory
// from the given collaborators. The caller owns the Manager's lifecycle and
// must Cleanup when done.
func NewManager(cfg ManagerConfig, deps Deps) *Manager {
	cfg = cfg.withDefaults()
	if deps.Reporter == nil {
		deps.Reporter = LogReporter{}
	}
	policy := NewConnectionPolicy(cfg.Policy, deps.Auth)
	m := &Manager{
		cfg:          cfg,
		auth:         deps.Auth,
		store:        deps.Store,
		reporter:     deps.Reporter,
		policy:       policy,
		factory:      NewChannelFactory(deps.Transport, policy),
		rooms:        make(map[string]*roomSession),
		lastActivity: make(map[string]time.Time),
	}
	m.typing = newTypingTracker(cfg.TypingTTL, m.expireTyping)
	return m
}

// Policy exposes the connection policy so callers can consult
// ShouldUseRealtime before attempting a join.
func (m *Manager) Policy() *ConnectionPolicy { return m.policy }

func (m *Manager) ensureRoomLocked(roomID string) *roomSession {
	rs, ok := m.rooms[roomID]
	if !ok {
		rs = &roomSession{
			typing: make(map[string]struct{}),
			online: make(map[string]struct{}),
		}
		m.rooms[roomID] = rs
	}
	return rs
}

// JoinRoom subscribes to a room's channel. It is an idempotent no-op when the
// room is already joined or a join is in flight. Event listeners are
// registered before subscribe so no early event is missed. On failure nothing
// of the room's state remains and the error is returned; an auth timeout
// surfaces as *AuthenticationError.
func (m *Manager) JoinRoom(ctx context.Context, roomID, userID string) error {
	m.mu.Lock()
	rs := m.ensureRoomLocked(roomID)
	if rs.phase != roomTracked {
		m.mu.Unlock()
		return nil
	}
	rs.phase = roomJoining
	rs.userID = userID
	m.mu.Unlock()

	mc, err := m.factory.CreateAuthenticatedChannel(ctx, roomID, userID, func(up bool) {
		m.channelChanged(roomID, up)
	})
	if err != nil {
		m.abortJoin(roomID)
		m.reporter.Report(err, ErrorContext{
			Operation:   "join_room",
			Component:   "realtime.Manager",
			UserMessage: "Unable to connect to room chat",
		})
		return err
	}

	ch := mc.Channel()
	ch.OnMessage(func(ev MessageEvent) { m.dispatchMessage(roomID, ev) })
	ch.OnParticipant(func(ev ParticipantEvent) { m.dispatchParticipant(roomID, ev) })
	ch.OnPresenceSync(func(ps PresenceState) { m.syncPresence(roomID, ps) })
	ch.OnBroadcast(TypingBroadcast, func(data []byte) { m.typingBroadcast(roomID, data) })

	if err := mc.Subscribe(ctx); err != nil {
		m.abortJoin(roomID)
		_ = mc.Unsubscribe(context.WithoutCancel(ctx))
		m.reporter.Report(err, ErrorContext{
			Operation:   "join_room",
			Component:   "realtime.Manager",
			UserMessage: "Unable to connect to room chat",
		})
		return err
	}

	m.mu.Lock()
	rs, ok := m.rooms[roomID]
	if !ok || rs.phase != roomJoining {
		// The room was left while the join was in flight.
		m.mu.Unlock()
		_ = mc.Unsubscribe(context.WithoutCancel(ctx))
		return nil
	}
	rs.phase = roomJoined
	rs.channel = mc
	m.mu.Unlock()

	if err := ch.Track(ctx, PresenceMeta{UserID: userID, Status: "online", OnlineAt: time.Now()}); err != nil {
		m.reporter.Report(err, ErrorContext{
			Operation: "presence_track",
			Component: "realtime.Manager",
		})
	}
	m.startHeartbeat()

	slog.Debug("Joined room", "room", roomID, "user", userID)
	return nil
}

// abortJoin rolls a failed join back to the tracked-only state. Registered
// callbacks survive; channel and membership state do not.
func (m *Manager) abortJoin(roomID string) {
	m.mu.Lock()
	if rs, ok := m.rooms[roomID]; ok && rs.phase == roomJoining {
		rs.phase = roomTracked
		rs.channel = nil
		rs.userID = ""
	}
	m.mu.Unlock()
}

func (m *Manager) channelChanged(roomID string, up bool) {
	if up {
		return
	}
	m.mu.Lock()
	rs := m.rooms[roomID]
	joined := rs != nil && rs.phase == roomJoined
	m.mu.Unlock()
	if joined {
		slog.Warn("Room channel lost; waiting for explicit re-join", "room", roomID)
	}
}

// LeaveRoom unsubscribes the room's channel and clears all of its state:
// channel reference, typing and online sets, and every registered callback.
// Idempotent.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) {
	m.mu.Lock()
	rs, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, roomID)
	mc := rs.channel
	m.mu.Unlock()

	m.typing.ClearRoom(roomID)

	if mc != nil {
		if err := mc.Unsubscribe(ctx); err != nil {
			slog.Debug("Channel unsubscribe failed", "room", roomID, "error", err)
		}
	}
	slog.Debug("Left room", "room", roomID)
}

// SendMessage persists a message through the store. It returns false, never
// panicking, when no user is signed in or the store rejects the insert; the
// failure is routed to the error reporter. Local room state is untouched:
// delivery to consumers, the sender included, happens only through the
// asynchronous message feed.
func (m *Manager) SendMessage(ctx context.Context, roomID, content, messageType string, metadata map[string]any) bool {
	sess, err := m.auth.Session(ctx)
	if err != nil || sess == nil {
		m.reporter.Report(fmt.Errorf("send without session: %w", errOr(err, ErrNoSession)), ErrorContext{
			Operation:   "send_message",
			Component:   "realtime.Manager",
			UserMessage: "Sign in to send messages",
		})
		return false
	}
	if messageType == "" {
		messageType = "text"
	}

	err = m.store.InsertMessage(ctx, NewMessage{
		RoomID:      roomID,
		UserID:      sess.UserID,
		Content:     content,
		MessageType: messageType,
		Metadata:    metadata,
	})
	if err != nil {
		m.reporter.Report(err, ErrorContext{
			Operation:   "send_message",
			Component:   "realtime.Manager",
			UserMessage: "Your message could not be sent",
		})
		return false
	}
	return true
}

// SendTyping broadcasts a typing indicator for the signed-in user. It is a
// silent no-op when the room has no live channel or nobody is signed in; the
// indicator is ephemeral and never persisted.
func (m *Manager) SendTyping(ctx context.Context, roomID string, typing bool) {
	m.mu.Lock()
	rs := m.rooms[roomID]
	var ch Channel
	if rs != nil && rs.phase == roomJoined && rs.channel != nil {
		ch = rs.channel.Channel()
	}
	m.mu.Unlock()
	if ch == nil {
		return
	}

	sess, err := m.auth.Session(ctx)
	if err != nil || sess == nil {
		return
	}

	if err := ch.SendBroadcast(ctx, TypingBroadcast, TypingEvent{UserID: sess.UserID, Typing: typing}); err != nil {
		slog.Debug("Typing broadcast failed", "room", roomID, "error", err)
	}
}

// AddReaction upserts the signed-in user's reaction on a message. Duplicate
// adds are no-ops at the store. Returns false on failure, never panicking.
func (m *Manager) AddReaction(ctx context.Context, messageID, emoji string) bool {
	return m.reactionOp(ctx, "add_reaction", messageID, emoji, m.store.AddReaction)
}

// RemoveReaction deletes the signed-in user's reaction from a message.
// Removing a reaction that does not exist is a no-op. Returns false on
// failure, never panicking.
func (m *Manager) RemoveReaction(ctx context.Context, messageID, emoji string) bool {
	return m.reactionOp(ctx, "remove_reaction", messageID, emoji, m.store.RemoveReaction)
}

func (m *Manager) reactionOp(ctx context.Context, op, messageID, emoji string, fn func(context.Context, string, string, string) error) bool {
	sess, err := m.auth.Session(ctx)
	if err != nil || sess == nil {
		m.reporter.Report(fmt.Errorf("%s without session: %w", op, errOr(err, ErrNoSession)), ErrorContext{
			Operation:   op,
			Component:   "realtime.Manager",
			UserMessage: "Sign in to react to messages",
		})
		return false
	}
	if err := fn(ctx, messageID, sess.UserID, emoji); err != nil {
		m.reporter.Report(err, ErrorContext{
			Operation:   op,
			Component:   "realtime.Manager",
			UserMessage: "Reaction could not be saved",
		})
		return false
	}
	return true
}

// OnMessage registers a callback for the room's message feed and returns its
// unregister function. Multiple callbacks may be registered per room; they
// fire in registration order.
func (m *Manager) OnMessage(roomID string, fn func(MessageEvent)) func() {
	m.mu.Lock()
	rs := m.ensureRoomLocked(roomID)
	subs := &rs.messageSubs
	id := subs.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		subs.remove(id)
		m.mu.Unlock()
	}
}

// OnTyping registers a callback receiving the room's current typing users
// after every change. Returns the unregister function.
func (m *Manager) OnTyping(roomID string, fn func(users []string)) func() {
	m.mu.Lock()
	rs := m.ensureRoomLocked(roomID)
	subs := &rs.typingSubs
	id := subs.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		subs.remove(id)
		m.mu.Unlock()
	}
}

// OnPresence registers a callback receiving the room's online users after
// every presence sync. Returns the unregister function.
func (m *Manager) OnPresence(roomID string, fn func(users []string)) func() {
	m.mu.Lock()
	rs := m.ensureRoomLocked(roomID)
	subs := &rs.presenceSubs
	id := subs.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		subs.remove(id)
		m.mu.Unlock()
	}
}

// OnParticipantChange registers a callback for the room's membership feed.
// Returns the unregister function.
func (m *Manager) OnParticipantChange(roomID string, fn func(ParticipantEvent)) func() {
	m.mu.Lock()
	rs := m.ensureRoomLocked(roomID)
	subs := &rs.participantSubs
	id := subs.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		subs.remove(id)
		m.mu.Unlock()
	}
}

func (m *Manager) dispatchMessage(roomID string, ev MessageEvent) {
	m.mu.Lock()
	rs := m.rooms[roomID]
	if rs == nil {
		m.mu.Unlock()
		return
	}
	cbs := rs.messageSubs.snapshot()
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (m *Manager) dispatchParticipant(roomID string, ev ParticipantEvent) {
	m.mu.Lock()
	rs := m.rooms[roomID]
	if rs == nil {
		m.mu.Unlock()
		return
	}
	cbs := rs.participantSubs.snapshot()
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// syncPresence replaces the room's online set from a full presence snapshot.
// Replacement, never merging, keeps the set from drifting when incremental
// updates were missed.
func (m *Manager) syncPresence(roomID string, ps PresenceState) {
	m.mu.Lock()
	rs := m.rooms[roomID]
	if rs == nil {
		m.mu.Unlock()
		return
	}
	online := make(map[string]struct{}, len(ps))
	for key, metas := range ps {
		if len(metas) > 0 {
			online[key] = struct{}{}
		}
	}
	rs.online = online
	snapshot := sortedKeys(online)
	cbs := rs.presenceSubs.snapshot()
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(snapshot)
	}
}

func (m *Manager) typingBroadcast(roomID string, payload []byte) {
	var ev TypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" {
		return
	}
	m.handleTypingEvent(roomID, ev.UserID, ev.Typing)
}

// handleTypingEvent mutates the room's typing set. A true event adds the user
// and re-arms that pair's single expiry timer; a false event removes the user
// and cancels the timer. Receiving one's own broadcast echo lands here too and
// is idempotent. Every mutation pushes a fresh snapshot to the typing
// callbacks.
func (m *Manager) handleTypingEvent(roomID, userID string, typing bool) {
	m.mu.Lock()
	rs := m.rooms[roomID]
	if rs == nil {
		m.mu.Unlock()
		return
	}
	if typing {
		rs.typing[userID] = struct{}{}
		m.typing.Arm(roomID, userID)
	} else {
		delete(rs.typing, userID)
		m.typing.Clear(roomID, userID)
	}
	snapshot := sortedKeys(rs.typing)
	cbs := rs.typingSubs.snapshot()
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(snapshot)
	}
}

// expireTyping fires when a typing TTL elapses with no newer event. The room
// may have been left meanwhile; that is a safe no-op.
func (m *Manager) expireTyping(roomID, userID string) {
	m.mu.Lock()
	rs := m.rooms[roomID]
	if rs == nil {
		m.mu.Unlock()
		return
	}
	if _, ok := rs.typing[userID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(rs.typing, userID)
	snapshot := sortedKeys(rs.typing)
	cbs := rs.typingSubs.snapshot()
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(snapshot)
	}
}

// startHeartbeat launches the single shared heartbeat on first call; later
// calls are no-ops.
func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	if m.hbStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.hbStop = stop
	m.mu.Unlock()
	go m.heartbeatLoop(stop)
}

func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.heartbeatTick()
		}
	}
}

// heartbeatTick re-announces presence for every joined room, preventing
// server-side expiry, and refreshes last activity for the rooms' users.
func (m *Manager) heartbeatTick() {
	type beat struct {
		ch   Channel
		meta PresenceMeta
	}
	now := time.Now()

	m.mu.Lock()
	var beats []beat
	for _, rs := range m.rooms {
		if rs.phase == roomJoined && rs.channel != nil {
			beats = append(beats, beat{
				ch:   rs.channel.Channel(),
				meta: PresenceMeta{UserID: rs.userID, Status: "online", OnlineAt: now},
			})
			m.lastActivity[rs.userID] = now
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, b := range beats {
		if err := b.ch.Track(ctx, b.meta); err != nil {
			slog.Debug("Heartbeat track failed", "user", b.meta.UserID, "error", err)
		}
	}
}

// State returns a snapshot of global connection health.
func (m *Manager) State() ConnectionState {
	return m.policy.State()
}

// IsConnectedToRoom reports whether the room currently has a live, subscribed
// channel.
func (m *Manager) IsConnectedToRoom(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.rooms[roomID]
	return rs != nil && rs.phase == roomJoined && rs.channel != nil
}

// TypingUsers returns the room's currently typing users, sorted.
func (m *Manager) TypingUsers(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.rooms[roomID]
	if rs == nil {
		return nil
	}
	return sortedKeys(rs.typing)
}

// OnlineUsers returns the room's online users from the latest presence
// snapshot, sorted.
func (m *Manager) OnlineUsers(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.rooms[roomID]
	if rs == nil {
		return nil
	}
	return sortedKeys(rs.online)
}

// LastActivity returns when the user's presence was last announced.
func (m *Manager) LastActivity(userID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.lastActivity[userID]
	return t, ok
}

// Cleanup stops the heartbeat and leaves every room, waiting until all leaves
// finish or the bound expires: the context's deadline when it has one, the
// configured cleanup timeout otherwise. A timeout is reported as an error;
// the remaining leaves continue best-effort in the background.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CleanupTimeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(room string) {
			defer wg.Done()
			m.LeaveRoom(ctx, room)
		}(id)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("cleanup: %w", ctx.Err())
	}

	m.typing.Stop()
	m.policy.Close()
	return err
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
