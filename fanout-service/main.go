package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/axis-chat/pkg/otelhelper"
)

const roomsBucket = "AXIS_ROOMS"

// roomMirror tracks which users belong to which rooms.
type roomMirror struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

func newRoomMirror() *roomMirror {
	return &roomMirror{rooms: make(map[string]map[string]struct{})}
}

func (m *roomMirror) join(room, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]struct{})
	}
	m.rooms[room][user] = struct{}{}
}

func (m *roomMirror) leave(room, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.rooms[room]; ok {
		delete(members, user)
		if len(members) == 0 {
			delete(m.rooms, room)
		}
	}
}

func (m *roomMirror) members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for user := range members {
		out = append(out, user)
	}
	return out
}

// counts reports active rooms and total memberships for the gauges.
func (m *roomMirror) counts() (rooms, members int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms = len(m.rooms)
	for _, set := range m.rooms {
		members += len(set)
	}
	return rooms, members
}

// replaceWith adopts a freshly hydrated mirror in one step.
func (m *roomMirror) replaceWith(fresh *roomMirror) {
	fresh.mu.RLock()
	rooms := fresh.rooms
	fresh.mu.RUnlock()

	m.mu.Lock()
	m.rooms = rooms
	m.mu.Unlock()
}

// roomDelta is the membership change room-service publishes to
// room.changed.{room}.
type roomDelta struct {
	Room   string `json:"room"`
	Action string `json:"action"`
	UserId string `json:"userId"`
	Type   string `json:"type,omitempty"`
}

type fanoutService struct {
	nc       *nats.Conn
	mirror   *roomMirror
	breakers *breakerMap

	delivered   metric.Int64Counter
	suppressed  metric.Int64Counter
	fanDuration metric.Float64Histogram
}

// applyDelta folds one membership delta into the mirror.
func (s *fanoutService) applyDelta(data []byte) (roomDelta, bool) {
	var delta roomDelta
	if err := json.Unmarshal(data, &delta); err != nil || delta.Room == "" || delta.UserId == "" {
		return roomDelta{}, false
	}
	switch delta.Action {
	case "join":
		s.mirror.join(delta.Room, delta.UserId)
	case "leave":
		s.mirror.leave(delta.Room, delta.UserId)
	default:
		return roomDelta{}, false
	}
	return delta, true
}

// trackDelta is the queue-group-free subscription every instance uses to keep
// its own mirror current.
func (s *fanoutService) trackDelta(msg *nats.Msg) {
	if delta, ok := s.applyDelta(msg.Data); ok {
		slog.Debug("Membership updated", "room", delta.Room, "action", delta.Action, "user", delta.UserId)
	}
}

// relayDelta fans a membership delta out to the room. The delta is applied
// locally first, so a join reaches the joiner and a leave stops at the
// remaining members, regardless of how the two subscriptions interleave.
func (s *fanoutService) relayDelta(msg *nats.Msg) {
	if _, ok := s.applyDelta(msg.Data); !ok {
		slog.Warn("Dropping bad membership delta", "subject", msg.Subject)
		return
	}
	s.relay(msg, "membership")
}

// roomToken extracts the trailing room token from a room-scoped subject.
func roomToken(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 || idx == len(subject)-1 {
		return ""
	}
	return subject[idx+1:]
}

// relay republishes one room-scoped message to every member's deliver feed,
// the sender included. The deliver echo is the only path back to clients;
// nothing is returned on the original subject.
func (s *fanoutService) relay(msg *nats.Msg, kind string) {
	room := roomToken(msg.Subject)
	if room == "" {
		return
	}

	ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, "fanout "+kind)
	defer span.End()
	start := time.Now()

	members := s.mirror.members(room)
	span.SetAttributes(
		attribute.String("chat.room", room),
		attribute.Int("fanout.member_count", len(members)),
	)

	delivered := 0
	for _, user := range members {
		cb := s.breakers.get(user)
		if !cb.Allow() {
			s.suppressed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("user", user),
			))
			continue
		}
		if err := otelhelper.TracedPublish(ctx, s.nc, "deliver."+user+"."+msg.Subject, msg.Data); err != nil {
			cb.RecordFailure()
			slog.WarnContext(ctx, "Delivery failed", "user", user, "subject", msg.Subject, "error", err)
			continue
		}
		cb.RecordSuccess()
		delivered++
	}

	attrs := metric.WithAttributes(
		attribute.String("room", room),
		attribute.String("kind", kind),
	)
	s.delivered.Add(ctx, int64(delivered), attrs)
	s.fanDuration.Record(ctx, time.Since(start).Seconds(), attrs)

	if delivered > 0 {
		slog.DebugContext(ctx, "Fanned out", "kind", kind, "room", room, "delivered", delivered)
	}
}

// hydrate rebuilds the mirror from the rooms bucket, waiting out room-service
// startup if the bucket is not there yet.
func (s *fanoutService) hydrate(js nats.JetStreamContext) {
	var kv nats.KeyValue
	var err error
	for attempt := 1; attempt <= 60; attempt++ {
		if kv, err = js.KeyValue(roomsBucket); err == nil {
			break
		}
		if attempt%10 == 1 {
			slog.Info("Waiting for rooms bucket", "attempt", attempt, "error", err)
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Warn("Rooms bucket unavailable, mirror starts empty", "error", err)
		return
	}

	fresh := newRoomMirror()
	watcher, err := kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Mirror hydration failed to start", "error", err)
		return
	}
	defer watcher.Stop()

	entries := 0
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		room, user, ok := strings.Cut(entry.Key(), ".")
		if !ok {
			continue
		}
		fresh.join(room, user)
		entries++
	}
	s.mirror.replaceWith(fresh)
	slog.Info("Membership mirror hydrated", "entries", entries)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	natsUser := envOrDefault("NATS_USER", "fanout-service")
	natsPass := envOrDefault("NATS_PASS", "fanout-service-secret")
	breakerThreshold := envInt("FANOUT_BREAKER_THRESHOLD", 10)
	breakerCooldown := envInt("FANOUT_BREAKER_COOLDOWN_SECONDS", 30)

	slog.Info("Starting fanout service", "nats_url", natsURL,
		"breaker_threshold", breakerThreshold, "breaker_cooldown_s", breakerCooldown)

	svc := &fanoutService{
		mirror:   newRoomMirror(),
		breakers: newBreakerMap(breakerThreshold, breakerCooldown),
	}

	meter := otel.Meter("fanout-service")
	svc.delivered, _ = meter.Int64Counter("fanout_deliveries_total",
		metric.WithDescription("Messages delivered to per-user feeds"))
	svc.suppressed, _ = meter.Int64Counter("fanout_suppressed_total",
		metric.WithDescription("Deliveries withheld by an open breaker"))
	svc.fanDuration, err = otelhelper.NewDurationHistogram(meter, "fanout_duration_seconds",
		"Time to fan one message out to a room")
	if err != nil {
		slog.Error("Failed to create fanout duration histogram", "error", err)
		os.Exit(1)
	}

	roomGauge, _ := meter.Int64ObservableGauge("fanout_room_count",
		metric.WithDescription("Rooms with at least one member"))
	memberGauge, _ := meter.Int64ObservableGauge("fanout_total_members",
		metric.WithDescription("Total room memberships"))
	breakerGauge, _ := meter.Int64ObservableGauge("fanout_open_breakers",
		metric.WithDescription("Delivery targets currently suspended"))
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		rooms, members := svc.mirror.counts()
		o.ObserveInt64(roomGauge, int64(rooms))
		o.ObserveInt64(memberGauge, int64(members))
		o.ObserveInt64(breakerGauge, int64(svc.breakers.openCount()))
		return nil
	}, roomGauge, memberGauge, breakerGauge)
	if err != nil {
		slog.Warn("Failed to register fanout gauges", "error", err)
	}

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("fanout-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				// Deltas published during the gap never reached us; rebuild
				// the mirror from the bucket.
				slog.Info("NATS reconnected, rehydrating membership mirror")
				go func() {
					js, err := nc.JetStream()
					if err != nil {
						slog.Error("JetStream unavailable after reconnect", "error", err)
						return
					}
					svc.hydrate(js)
				}()
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	svc.nc = nc
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}

	// Every instance tracks deltas for its own mirror (no queue group), and
	// the deltas are subscribed before hydration so nothing lands in the gap.
	if _, err = nc.Subscribe("room.changed.*", svc.trackDelta); err != nil {
		slog.Error("Failed to subscribe to room.changed.*", "error", err)
		os.Exit(1)
	}
	svc.hydrate(js)

	// Load-balanced relays. Deltas are both tracked and relayed: members see
	// joins and leaves as participant events.
	relays := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{"room.changed.*", svc.relayDelta},
		{"chat.room.*", func(m *nats.Msg) { svc.relay(m, "message") }},
		{"typing.*", func(m *nats.Msg) { svc.relay(m, "typing") }},
		{"presence.event.*", func(m *nats.Msg) { svc.relay(m, "presence") }},
		{"reaction.event.*", func(m *nats.Msg) { svc.relay(m, "reaction") }},
	}
	for _, r := range relays {
		if _, err = nc.QueueSubscribe(r.subject, "fanout-workers", r.handler); err != nil {
			slog.Error("Failed to subscribe", "subject", r.subject, "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Fanout service ready",
		"subjects", "chat.room.*, typing.*, presence.event.*, reaction.event.*, room.changed.*")

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down fanout service")
	nc.Drain()
}
