package natsrt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/axis-chat/pkg/otelhelper"
	"github.com/example/axis-chat/pkg/realtime"
)

var _ realtime.Channel = (*RoomChannel)(nil)

// RoomChannel is one room's view of the fanout feeds for one user connection.
// Subscribing opens the deliver subscriptions and announces membership;
// unsubscribing withdraws it. Listener callbacks run on NATS delivery
// goroutines.
type RoomChannel struct {
	conn   *Conn
	room   string
	user   string
	connID string

	mu         sync.Mutex
	msgFn      func(realtime.MessageEvent)
	partFn     func(realtime.ParticipantEvent)
	presFn     func(realtime.PresenceState)
	broadcasts map[string]func([]byte)
	statusFn   func(realtime.ChannelStatus, error)
	subs       []*nats.Subscription
	active     bool
	closed     bool
}

func (ch *RoomChannel) OnMessage(fn func(realtime.MessageEvent)) {
	ch.mu.Lock()
	ch.msgFn = fn
	ch.mu.Unlock()
}

func (ch *RoomChannel) OnParticipant(fn func(realtime.ParticipantEvent)) {
	ch.mu.Lock()
	ch.partFn = fn
	ch.mu.Unlock()
}

func (ch *RoomChannel) OnPresenceSync(fn func(realtime.PresenceState)) {
	ch.mu.Lock()
	ch.presFn = fn
	ch.mu.Unlock()
}

func (ch *RoomChannel) OnBroadcast(event string, fn func([]byte)) {
	ch.mu.Lock()
	ch.broadcasts[event] = fn
	ch.mu.Unlock()
}

// Subscribe opens the deliver subscriptions for the room, flushes them to the
// server, and publishes the join announcement. The first status reflects the
// outcome; later statuses follow the underlying connection up and down.
func (ch *RoomChannel) Subscribe(ctx context.Context, status func(realtime.ChannelStatus, error)) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return fmt.Errorf("channel for room %q is closed", ch.room)
	}
	if ch.active {
		ch.mu.Unlock()
		return fmt.Errorf("channel for room %q already subscribed", ch.room)
	}
	ch.statusFn = status
	msgFn := ch.msgFn
	partFn := ch.partFn
	presFn := ch.presFn
	broadcasts := make(map[string]func([]byte), len(ch.broadcasts))
	for event, fn := range ch.broadcasts {
		broadcasts[event] = fn
	}
	ch.mu.Unlock()

	nc := ch.conn.nc
	var subs []*nats.Subscription
	teardown := func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}

	sub, err := nc.Subscribe(deliver(ch.user, roomMessages(ch.room)), func(m *nats.Msg) {
		ev, ok := decodeMessageEvent(m.Data)
		if !ok {
			slog.Debug("Dropping undecodable room message", "room", ch.room)
			return
		}
		if msgFn != nil {
			msgFn(ev)
		}
	})
	if err != nil {
		teardown()
		return fmt.Errorf("subscribe messages: %w", err)
	}
	subs = append(subs, sub)

	sub, err = nc.Subscribe(deliver(ch.user, roomChanged(ch.room)), func(m *nats.Msg) {
		ev, ok := decodeParticipantEvent(m.Data)
		if !ok {
			return
		}
		if partFn != nil {
			partFn(ev)
		}
	})
	if err != nil {
		teardown()
		return fmt.Errorf("subscribe membership deltas: %w", err)
	}
	subs = append(subs, sub)

	sub, err = nc.Subscribe(deliver(ch.user, presenceEvent(ch.room)), func(m *nats.Msg) {
		state, ok := decodePresenceState(m.Data)
		if !ok {
			return
		}
		if presFn != nil {
			presFn(state)
		}
	})
	if err != nil {
		teardown()
		return fmt.Errorf("subscribe presence events: %w", err)
	}
	subs = append(subs, sub)

	sub, err = nc.Subscribe(deliver(ch.user, reactionEvent(ch.room)), func(m *nats.Msg) {
		ev, ok := decodeReactionEvent(m.Data)
		if !ok {
			return
		}
		if msgFn != nil {
			msgFn(ev)
		}
	})
	if err != nil {
		teardown()
		return fmt.Errorf("subscribe reaction events: %w", err)
	}
	subs = append(subs, sub)

	for event, fn := range broadcasts {
		handler := fn
		sub, err = nc.Subscribe(deliver(ch.user, broadcastSubject(event, ch.room)), func(m *nats.Msg) {
			if handler != nil {
				handler(m.Data)
			}
		})
		if err != nil {
			teardown()
			return fmt.Errorf("subscribe %s broadcasts: %w", event, err)
		}
		subs = append(subs, sub)
	}

	if err := nc.FlushWithContext(ctx); err != nil {
		teardown()
		status(realtime.StatusTimedOut, err)
		return nil
	}

	if err := ch.publishJoin(ctx); err != nil {
		teardown()
		status(realtime.StatusChannelError, err)
		return nil
	}

	ch.mu.Lock()
	ch.subs = subs
	ch.active = true
	ch.mu.Unlock()
	ch.conn.remember(ch)

	status(realtime.StatusSubscribed, nil)
	return nil
}

func (ch *RoomChannel) publishJoin(ctx context.Context) error {
	data, err := json.Marshal(membershipEvent{UserId: ch.user})
	if err != nil {
		return err
	}
	return otelhelper.TracedPublish(ctx, ch.conn.nc, roomJoin(ch.room), data)
}

// connectionLost surfaces a dropped NATS connection as a closed status.
func (ch *RoomChannel) connectionLost(err error) {
	ch.mu.Lock()
	fn := ch.statusFn
	notify := ch.active && !ch.closed
	ch.mu.Unlock()
	if notify && fn != nil {
		fn(realtime.StatusClosed, err)
	}
}

// connectionRestored re-announces membership after a NATS reconnect. The
// client library restores the deliver subscriptions itself; the backend may
// have expired this user meanwhile, so the join is published again.
func (ch *RoomChannel) connectionRestored() {
	ch.mu.Lock()
	fn := ch.statusFn
	notify := ch.active && !ch.closed
	ch.mu.Unlock()
	if !notify {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.publishJoin(ctx); err != nil {
		slog.Warn("Re-join after reconnect failed", "room", ch.room, "error", err)
		if fn != nil {
			fn(realtime.StatusChannelError, err)
		}
		return
	}
	if fn != nil {
		fn(realtime.StatusSubscribed, nil)
	}
}

// Track announces presence: a heartbeat keyed by this client's connection id,
// then the user's status.
func (ch *RoomChannel) Track(ctx context.Context, meta realtime.PresenceMeta) error {
	user := meta.UserID
	if user == "" {
		user = ch.user
	}

	hb, err := json.Marshal(heartbeatPayload{UserId: user, ConnId: ch.connID})
	if err != nil {
		return err
	}
	if err := otelhelper.TracedPublish(ctx, ch.conn.nc, subjPresenceHeartbeat, hb); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}

	status := meta.Status
	if status == "" {
		status = "online"
	}
	up, err := json.Marshal(presenceUpdate{UserId: user, Status: status})
	if err != nil {
		return err
	}
	if err := otelhelper.TracedPublish(ctx, ch.conn.nc, subjPresenceUpdate, up); err != nil {
		return fmt.Errorf("publish presence update: %w", err)
	}
	return nil
}

// SendBroadcast publishes an ephemeral event to the room. Subscribers receive
// it through their deliver feeds, the sender included.
func (ch *RoomChannel) SendBroadcast(ctx context.Context, event string, payload any) error {
	if !validToken(event) {
		return fmt.Errorf("invalid broadcast event %q", event)
	}
	ch.mu.Lock()
	ok := ch.active && !ch.closed
	ch.mu.Unlock()
	if !ok {
		return fmt.Errorf("channel for room %q is not subscribed", ch.room)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s broadcast: %w", event, err)
	}
	return otelhelper.TracedPublish(ctx, ch.conn.nc, broadcastSubject(event, ch.room), data)
}

// Unsubscribe publishes the leave announcement and drops the deliver
// subscriptions. Idempotent; the channel cannot be reused afterwards.
func (ch *RoomChannel) Unsubscribe(ctx context.Context) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	wasActive := ch.active
	ch.active = false
	subs := ch.subs
	ch.subs = nil
	ch.mu.Unlock()

	ch.conn.forget(ch)

	var firstErr error
	if wasActive {
		data, err := json.Marshal(membershipEvent{UserId: ch.user})
		if err == nil {
			if err := otelhelper.TracedPublish(ctx, ch.conn.nc, roomLeave(ch.room), data); err != nil {
				firstErr = fmt.Errorf("publish leave: %w", err)
			}
		}
	}
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
