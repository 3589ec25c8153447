package realtime

import (
	"context"
	"fmt"
	"sync"
)

// fakeAuth is a settable AuthProvider.
type fakeAuth struct {
	mu   sync.Mutex
	sess *Session
}

func (f *fakeAuth) Session(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess == nil {
		return nil, ErrNoSession
	}
	s := *f.sess
	return &s, nil
}

func (f *fakeAuth) set(sess *Session) {
	f.mu.Lock()
	f.sess = sess
	f.mu.Unlock()
}

func authedAs(userID string) *fakeAuth {
	return &fakeAuth{sess: &Session{UserID: userID, AccessToken: "token-" + userID}}
}

// fakeChannel records listener registration order, subscribe calls, tracks,
// and broadcasts, and lets tests emit events into the registered handlers.
type fakeChannel struct {
	mu    sync.Mutex
	topic string
	cfg   ChannelConfig

	log        []string
	msgFn      func(MessageEvent)
	partFn     func(ParticipantEvent)
	presFn     func(PresenceState)
	broadcasts map[string]func([]byte)
	statusFn   func(ChannelStatus, error)

	subscribeErr error
	firstStatus  ChannelStatus // status delivered by Subscribe; default StatusSubscribed
	subscribeCnt int
	tracks       []PresenceMeta
	sentEvents   []string
	sentPayloads []any
	unsubscribed bool
	unsubGate    chan struct{} // when non-nil, Unsubscribe blocks until closed
}

func newFakeChannel(topic string, cfg ChannelConfig) *fakeChannel {
	return &fakeChannel{
		topic:      topic,
		cfg:        cfg,
		broadcasts: make(map[string]func([]byte)),
	}
}

func (c *fakeChannel) OnMessage(fn func(MessageEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgFn = fn
	c.log = append(c.log, "on_message")
}

func (c *fakeChannel) OnParticipant(fn func(ParticipantEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partFn = fn
	c.log = append(c.log, "on_participant")
}

func (c *fakeChannel) OnPresenceSync(fn func(PresenceState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presFn = fn
	c.log = append(c.log, "on_presence")
}

func (c *fakeChannel) OnBroadcast(event string, fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts[event] = fn
	c.log = append(c.log, "on_broadcast:"+event)
}

func (c *fakeChannel) Subscribe(ctx context.Context, status func(ChannelStatus, error)) error {
	c.mu.Lock()
	c.subscribeCnt++
	c.statusFn = status
	c.log = append(c.log, "subscribe")
	err := c.subscribeErr
	st := c.firstStatus
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if st == StatusSubscribed {
		status(st, nil)
	} else {
		status(st, fmt.Errorf("simulated %s", st))
	}
	return nil
}

func (c *fakeChannel) Track(ctx context.Context, meta PresenceMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks = append(c.tracks, meta)
	return nil
}

func (c *fakeChannel) SendBroadcast(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentEvents = append(c.sentEvents, event)
	c.sentPayloads = append(c.sentPayloads, payload)
	return nil
}

func (c *fakeChannel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	gate := c.unsubGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.unsubscribed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) emitStatus(st ChannelStatus, err error) {
	c.mu.Lock()
	fn := c.statusFn
	c.mu.Unlock()
	if fn != nil {
		fn(st, err)
	}
}

func (c *fakeChannel) emitMessage(ev MessageEvent) {
	c.mu.Lock()
	fn := c.msgFn
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *fakeChannel) emitParticipant(ev ParticipantEvent) {
	c.mu.Lock()
	fn := c.partFn
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (c *fakeChannel) emitPresence(ps PresenceState) {
	c.mu.Lock()
	fn := c.presFn
	c.mu.Unlock()
	if fn != nil {
		fn(ps)
	}
}

func (c *fakeChannel) emitBroadcast(event string, payload []byte) {
	c.mu.Lock()
	fn := c.broadcasts[event]
	c.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (c *fakeChannel) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeCnt
}

func (c *fakeChannel) trackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracks)
}

func (c *fakeChannel) wasUnsubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribed
}

func (c *fakeChannel) registrationLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.log))
	copy(out, c.log)
	return out
}

// fakeTransport hands out fakeChannels and remembers them per topic.
type fakeTransport struct {
	mu         sync.Mutex
	channelErr error
	firstStat  ChannelStatus
	subErr     error
	unsubGate  chan struct{}
	created    []*fakeChannel
	removed    []Channel
}

func (t *fakeTransport) Channel(topic string, cfg ChannelConfig) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channelErr != nil {
		return nil, t.channelErr
	}
	ch := newFakeChannel(topic, cfg)
	ch.firstStatus = t.firstStat
	ch.subscribeErr = t.subErr
	ch.unsubGate = t.unsubGate
	t.created = append(t.created, ch)
	return ch, nil
}

func (t *fakeTransport) Remove(ch Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, ch)
	return nil
}

func (t *fakeTransport) channelFor(topic string) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.created) - 1; i >= 0; i-- {
		if t.created[i].topic == topic {
			return t.created[i]
		}
	}
	return nil
}

func (t *fakeTransport) createdCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.created)
}

// fakeStore behaves like the real reaction store: both reaction operations
// are idempotent, and records can be counted.
type fakeStore struct {
	mu          sync.Mutex
	insertErr   error
	reactionErr error
	inserted    []NewMessage
	reactions   map[string]struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{reactions: make(map[string]struct{})}
}

func reactionKey(messageID, userID, emoji string) string {
	return messageID + "|" + userID + "|" + emoji
}

func (s *fakeStore) InsertMessage(ctx context.Context, msg NewMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, msg)
	return nil
}

func (s *fakeStore) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactionErr != nil {
		return s.reactionErr
	}
	s.reactions[reactionKey(messageID, userID, emoji)] = struct{}{}
	return nil
}

func (s *fakeStore) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactionErr != nil {
		return s.reactionErr
	}
	delete(s.reactions, reactionKey(messageID, userID, emoji))
	return nil
}

func (s *fakeStore) reactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reactions)
}

func (s *fakeStore) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

// fakeReporter records reported errors.
type fakeReporter struct {
	mu      sync.Mutex
	reports []ErrorContext
}

func (r *fakeReporter) Report(err error, ec ErrorContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, ec)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func (r *fakeReporter) lastOperation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reports) == 0 {
		return ""
	}
	return r.reports[len(r.reports)-1].Operation
}
