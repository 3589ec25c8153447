package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
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

const (
	statusBucket = "AXIS_PRESENCE"
	connBucket   = "AXIS_PRESENCE_CONN"
	roomsBucket  = "AXIS_ROOMS"

	// Clients heartbeat every 30s; the bucket TTL leaves room for one missed
	// beat before a connection counts as gone.
	connTTL    = 45 * time.Second
	sweepEvery = time.Minute
)

var validStatuses = map[string]bool{
	"online": true, "away": true, "busy": true, "offline": true,
}

// roomDelta is the membership change room-service publishes to
// room.changed.{room} after a join or leave actually landed.
type roomDelta struct {
	Room   string `json:"room"`
	Action string `json:"action"`
	UserId string `json:"userId"`
	Type   string `json:"type,omitempty"`
}

// statusRecord is the per-user value kept in the status bucket.
type statusRecord struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// statusUpdate is the presence.update payload.
type statusUpdate struct {
	UserId string `json:"userId"`
	Status string `json:"status"`
}

// connPing is the presence.heartbeat payload; presence.disconnect carries the
// same fields.
type connPing struct {
	UserId string `json:"userId"`
	ConnId string `json:"connId"`
}

// memberStatus is one member inside a snapshot.
type memberStatus struct {
	UserId string `json:"userId"`
	Status string `json:"status"`
}

// presenceSnapshot is the full room state published to presence.event.{room}.
// Consumers replace their presence table with it rather than merging.
type presenceSnapshot struct {
	Type    string         `json:"type"`
	UserId  string         `json:"userId"`
	Room    string         `json:"room"`
	Members []memberStatus `json:"members"`
}

// leaveAnnounce is published to room.leave.{room} when a user's last
// connection is gone.
type leaveAnnounce struct {
	UserId string `json:"userId"`
}

type presenceService struct {
	nc       *nats.Conn
	statusKV nats.KeyValue
	connKV   nats.KeyValue

	rooms *roomIndex
	conns *connTable

	watchMu   sync.Mutex
	stopWatch context.CancelFunc

	updates     metric.Int64Counter
	heartbeats  metric.Int64Counter
	disconnects metric.Int64Counter
	expirations metric.Int64Counter
}

// handleDelta applies a room.changed delta to the membership mirror and pushes
// a fresh snapshot to the room.
func (s *presenceService) handleDelta(msg *nats.Msg) {
	var delta roomDelta
	if err := json.Unmarshal(msg.Data, &delta); err != nil || delta.Room == "" || delta.UserId == "" {
		slog.Warn("Dropping bad room delta", "error", err)
		return
	}

	switch delta.Action {
	case "join":
		s.rooms.add(delta.Room, delta.UserId)
		if s.conns.alive(delta.UserId) {
			s.ensureOnline(delta.UserId)
		}
	case "leave":
		s.rooms.remove(delta.Room, delta.UserId)
	default:
		return
	}

	slog.Debug("Membership mirror updated", "room", delta.Room, "action", delta.Action, "user", delta.UserId)
	s.broadcastRoom(delta.Room, delta.Action, delta.UserId)
}

// handleUpdate applies a presence.update. Heartbeats re-announce the current
// status every period, so unchanged statuses refresh lastSeen without
// re-broadcasting every room.
func (s *presenceService) handleUpdate(msg *nats.Msg) {
	var up statusUpdate
	if err := json.Unmarshal(msg.Data, &up); err != nil || up.UserId == "" {
		slog.Warn("Dropping bad presence update", "error", err)
		return
	}
	if !validStatuses[up.Status] {
		slog.Warn("Dropping presence update with unknown status", "status", up.Status)
		return
	}
	if up.Status != "offline" && !s.conns.alive(up.UserId) {
		slog.Debug("Ignoring status for user with no live connections", "user", up.UserId, "status", up.Status)
		return
	}

	changed := s.putStatus(up.UserId, up.Status)
	s.updates.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", up.Status),
	))
	if !changed {
		return
	}

	slog.Debug("Status changed", "user", up.UserId, "status", up.Status)
	for _, room := range s.rooms.roomsOf(up.UserId) {
		s.broadcastRoom(room, "status_change", up.UserId)
	}
}

func (s *presenceService) handleHeartbeat(msg *nats.Msg) {
	var ping connPing
	if err := json.Unmarshal(msg.Data, &ping); err != nil || ping.UserId == "" || ping.ConnId == "" {
		return
	}

	if _, err := s.connKV.Put(ping.UserId+"."+ping.ConnId, []byte(`{}`)); err != nil {
		slog.Warn("Heartbeat write failed", "user", ping.UserId, "error", err)
		return
	}
	fresh := s.conns.add(ping.UserId, ping.ConnId)

	s.heartbeats.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("user", ping.UserId),
	))

	// A connection we have not seen before is a new session or a reconnect.
	// Rejoins of rooms the user never left produce no membership delta, so
	// this is where such a client gets its presence picture refreshed.
	if fresh {
		for _, room := range s.rooms.roomsOf(ping.UserId) {
			s.broadcastRoom(room, "sync", ping.UserId)
		}
	}
}

func (s *presenceService) handleDisconnect(msg *nats.Msg) {
	var bye connPing
	if err := json.Unmarshal(msg.Data, &bye); err != nil || bye.UserId == "" || bye.ConnId == "" {
		return
	}

	s.connKV.Delete(bye.UserId + "." + bye.ConnId)
	s.disconnects.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("user", bye.UserId),
	))

	if s.conns.drop(bye.UserId, bye.ConnId) {
		slog.Info("Last connection closed", "user", bye.UserId, "connId", bye.ConnId)
		s.settleOffline(bye.UserId)
	} else {
		slog.Debug("Connection closed, user still has others", "user", bye.UserId, "connId", bye.ConnId)
	}
}

// putStatus writes the status record and reports whether the status differs
// from what was stored.
func (s *presenceService) putStatus(user, status string) bool {
	prev := ""
	if entry, err := s.statusKV.Get(user); err == nil {
		var cur statusRecord
		if json.Unmarshal(entry.Value(), &cur) == nil {
			prev = cur.Status
		}
	}
	data, _ := json.Marshal(statusRecord{Status: status, LastSeen: time.Now().UnixMilli()})
	if _, err := s.statusKV.Put(user, data); err != nil {
		slog.Warn("Status write failed", "user", user, "error", err)
		return false
	}
	return status != prev
}

// ensureOnline flips an absent or offline user to online. A status the user
// picked themselves (away, busy) survives a room join.
func (s *presenceService) ensureOnline(user string) {
	if entry, err := s.statusKV.Get(user); err == nil {
		var cur statusRecord
		if json.Unmarshal(entry.Value(), &cur) == nil && validStatuses[cur.Status] && cur.Status != "offline" {
			return
		}
	}
	s.putStatus(user, "online")
}

// statusOf resolves a member's effective status. No live connection outranks
// whatever the status bucket still says.
func (s *presenceService) statusOf(user string) string {
	if !s.conns.alive(user) {
		return "offline"
	}
	entry, err := s.statusKV.Get(user)
	if err != nil {
		return "online"
	}
	var rec statusRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil || !validStatuses[rec.Status] {
		return "online"
	}
	return rec.Status
}

// broadcastRoom publishes the room's full presence snapshot for fanout to
// relay to every member.
func (s *presenceService) broadcastRoom(room, event, user string) {
	members := s.rooms.members(room)
	if len(members) == 0 {
		return
	}

	states := make([]memberStatus, 0, len(members))
	for _, uid := range members {
		states = append(states, memberStatus{UserId: uid, Status: s.statusOf(uid)})
	}

	data, err := json.Marshal(presenceSnapshot{Type: event, UserId: user, Room: room, Members: states})
	if err != nil {
		slog.Warn("Snapshot marshal failed", "room", room, "error", err)
		return
	}
	if err := s.nc.Publish("presence.event."+room, data); err != nil {
		slog.Warn("Snapshot publish failed", "room", room, "error", err)
		return
	}
	slog.Debug("Published presence snapshot", "room", room, "event", event, "members", len(states))
}

// settleOffline marks the user offline and withdraws their memberships. The
// status write is revision guarded, so when several instances race over the
// same expiry only one proceeds with the withdrawals.
func (s *presenceService) settleOffline(user string) {
	entry, err := s.statusKV.Get(user)
	if err != nil {
		// No record to guard on. Withdraw whatever we know locally.
		s.withdraw(user)
		return
	}

	var cur statusRecord
	if json.Unmarshal(entry.Value(), &cur) == nil && cur.Status == "offline" {
		return
	}

	data, _ := json.Marshal(statusRecord{Status: "offline", LastSeen: time.Now().UnixMilli()})
	if _, err := s.statusKV.Update(user, data, entry.Revision()); err != nil {
		slog.Debug("Offline transition lost to another instance", "user", user)
		return
	}
	s.withdraw(user)
}

// withdraw publishes room.leave for every room the user was in. Room-service
// answers each with a room.changed delta, which flows back through
// handleDelta and refreshes the snapshots.
func (s *presenceService) withdraw(user string) {
	rooms := s.rooms.dropUser(user)
	if len(rooms) == 0 {
		return
	}

	data, err := json.Marshal(leaveAnnounce{UserId: user})
	if err != nil {
		return
	}
	for _, room := range rooms {
		if err := s.nc.Publish("room.leave."+room, data); err != nil {
			slog.Warn("Leave announce failed", "room", room, "user", user, "error", err)
		}
	}
	slog.Info("User offline, memberships withdrawn", "user", user, "rooms", len(rooms))
}

// watchConns follows the connection bucket. The first pass seeds the table,
// then the watch restarts with deletes included so TTL expiry shows up as
// delete or purge operations.
func (s *presenceService) watchConns(ctx context.Context) {
	watcher, err := s.connKV.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Connection watch failed to start", "error", err)
		return
	}
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		if user, connID, ok := strings.Cut(entry.Key(), "."); ok {
			s.conns.add(user, connID)
		}
	}
	watcher.Stop()
	slog.Info("Connection table seeded from bucket")

	watcher, err = s.connKV.WatchAll()
	if err != nil {
		slog.Error("Connection watch failed to restart", "error", err)
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			user, connID, ok := strings.Cut(entry.Key(), ".")
			if !ok {
				continue
			}
			switch entry.Operation() {
			case nats.KeyValuePut:
				s.conns.add(user, connID)
			case nats.KeyValueDelete, nats.KeyValuePurge:
				if s.conns.drop(user, connID) {
					s.expirations.Add(ctx, 1, metric.WithAttributes(
						attribute.String("user", user),
						attribute.String("source", "ttl"),
					))
					slog.Info("Connection expired, last one for user", "user", user, "connId", connID)
					s.settleOffline(user)
				} else {
					slog.Debug("Connection expired, user still has others", "user", user, "connId", connID)
				}
			}
		}
	}
}

// sweep verifies the connection table against the bucket. An expiry the
// watcher missed, say across a reconnect gap, gets settled here.
func (s *presenceService) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for user, connIDs := range s.conns.snapshot() {
				for _, connID := range connIDs {
					if _, err := s.connKV.Get(user + "." + connID); !errors.Is(err, nats.ErrKeyNotFound) {
						continue
					}
					if s.conns.drop(user, connID) {
						s.expirations.Add(ctx, 1, metric.WithAttributes(
							attribute.String("user", user),
							attribute.String("source", "sweep"),
						))
						slog.Info("Sweep settled expired connection", "user", user, "connId", connID)
						s.settleOffline(user)
					}
				}
			}
		}
	}
}

// restartWatcher cancels any running watcher and sweep and starts fresh ones.
func (s *presenceService) restartWatcher() {
	s.watchMu.Lock()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopWatch = cancel
	s.watchMu.Unlock()

	go s.watchConns(ctx)
	go s.sweep(ctx)
}

func (s *presenceService) stopWatcher() {
	s.watchMu.Lock()
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.watchMu.Unlock()
}

// hydrateRooms rebuilds the membership mirror from the rooms bucket into a
// fresh index and swaps it in whole.
func (s *presenceService) hydrateRooms(roomsKV nats.KeyValue) {
	fresh := newRoomIndex()
	watcher, err := roomsKV.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		slog.Error("Rooms hydration failed to start", "error", err)
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
		fresh.add(room, user)
		entries++
	}
	s.rooms.replaceWith(fresh)
	slog.Info("Room membership hydrated", "entries", entries)
}

// onReconnect rebuilds everything that may have died with the server: the
// buckets, the connection table, the watcher, and the membership mirror.
func (s *presenceService) onReconnect(nc *nats.Conn) {
	slog.Info("NATS reconnected, rebuilding presence state")

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("JetStream unavailable after reconnect", "error", err)
		return
	}
	if err := createBuckets(js); err != nil {
		slog.Error("Bucket recreate failed after reconnect", "error", err)
		return
	}

	s.conns.reset()
	s.rooms.reset()
	s.restartWatcher()

	// Hydration waits on room-service, so it runs off the reconnect callback.
	go func() {
		roomsKV, err := awaitRoomsBucket(js)
		if err != nil {
			slog.Error("Rooms bucket missing after reconnect", "error", err)
			return
		}
		s.hydrateRooms(roomsKV)
	}()
}

func createBuckets(js nats.JetStreamContext) error {
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  statusBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return err
	}
	_, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  connBucket,
		History: 1,
		TTL:     connTTL,
		Storage: nats.MemoryStorage,
	})
	return err
}

// awaitRoomsBucket binds the membership bucket, waiting out room-service
// startup.
func awaitRoomsBucket(js nats.JetStreamContext) (nats.KeyValue, error) {
	var kv nats.KeyValue
	var err error
	for attempt := 1; attempt <= 60; attempt++ {
		if kv, err = js.KeyValue(roomsBucket); err == nil {
			return kv, nil
		}
		if attempt%10 == 1 {
			slog.Info("Waiting for rooms bucket", "attempt", attempt, "error", err)
		}
		time.Sleep(2 * time.Second)
	}
	return nil, err
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
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
	natsUser := envOrDefault("NATS_USER", "presence-service")
	natsPass := envOrDefault("NATS_PASS", "presence-service-secret")

	slog.Info("Starting presence service", "nats_url", natsURL)

	svc := &presenceService{
		rooms: newRoomIndex(),
		conns: newConnTable(),
	}

	meter := otel.Meter("presence-service")
	svc.updates, _ = meter.Int64Counter("presence_updates_total",
		metric.WithDescription("Status updates applied"))
	svc.heartbeats, _ = meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Connection heartbeats received"))
	svc.disconnects, _ = meter.Int64Counter("presence_disconnects_total",
		metric.WithDescription("Graceful disconnects received"))
	svc.expirations, _ = meter.Int64Counter("presence_expirations_total",
		metric.WithDescription("Connections dropped by TTL expiry or sweep"))

	userGauge, _ := meter.Int64ObservableGauge("presence_online_users",
		metric.WithDescription("Users with at least one live connection"))
	connGauge, _ := meter.Int64ObservableGauge("presence_tracked_connections",
		metric.WithDescription("Live client connections being tracked"))
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		users, conns := svc.conns.totals()
		o.ObserveInt64(userGauge, int64(users))
		o.ObserveInt64(connGauge, int64(conns))
		return nil
	}, userGauge, connGauge)
	if err != nil {
		slog.Warn("Failed to register presence gauges", "error", err)
	}

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.UserInfo(natsUser, natsPass),
			nats.Name("presence-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(svc.onReconnect),
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
	if err := createBuckets(js); err != nil {
		slog.Error("Failed to create KV buckets", "error", err)
		os.Exit(1)
	}
	if svc.statusKV, err = js.KeyValue(statusBucket); err != nil {
		slog.Error("Failed to bind status bucket", "error", err)
		os.Exit(1)
	}
	if svc.connKV, err = js.KeyValue(connBucket); err != nil {
		slog.Error("Failed to bind connection bucket", "error", err)
		os.Exit(1)
	}
	slog.Info("Presence buckets ready", "buckets", statusBucket+", "+connBucket)

	// Deltas are subscribed before hydration so changes landing mid-hydrate
	// are also in the bucket the mirror is rebuilt from.
	if _, err = nc.Subscribe("room.changed.*", svc.handleDelta); err != nil {
		slog.Error("Failed to subscribe to room.changed.*", "error", err)
		os.Exit(1)
	}

	roomsKV, err := awaitRoomsBucket(js)
	if err != nil {
		slog.Warn("Rooms bucket unavailable, membership mirror starts empty", "error", err)
	} else {
		svc.hydrateRooms(roomsKV)
	}

	if _, err = nc.QueueSubscribe("presence.heartbeat", "presence-workers", svc.handleHeartbeat); err != nil {
		slog.Error("Failed to subscribe to presence.heartbeat", "error", err)
		os.Exit(1)
	}
	if _, err = nc.QueueSubscribe("presence.disconnect", "presence-workers", svc.handleDisconnect); err != nil {
		slog.Error("Failed to subscribe to presence.disconnect", "error", err)
		os.Exit(1)
	}
	if _, err = nc.QueueSubscribe("presence.update", "presence-workers", svc.handleUpdate); err != nil {
		slog.Error("Failed to subscribe to presence.update", "error", err)
		os.Exit(1)
	}

	svc.restartWatcher()

	slog.Info("Presence service ready",
		"subjects", "room.changed.*, presence.update, presence.heartbeat, presence.disconnect")

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence service")
	svc.stopWatcher()
	nc.Drain()
	slog.Info("Presence service shutdown complete")
}
