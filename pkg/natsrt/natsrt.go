// Package natsrt is the NATS implementation of the realtime transport. A
// room's channel is a bundle of per-user deliver subscriptions fed by the
// fanout service, plus the membership and presence publishes that announce the
// user to the backend.
//
// One Conn serves a whole process; each end-user connection gets its own
// Transport carrying a distinct connection id, which is what the presence
// service tracks heartbeats against.
package natsrt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"

	"github.com/example/axis-chat/pkg/realtime"
)

// Config describes how to reach the NATS cluster.
type Config struct {
	URL      string
	Name     string // client name reported to the server
	User     string
	Password string
}

// Conn wraps the process-wide NATS connection and keeps track of the live
// room channels so connection transitions can be fanned out to them.
type Conn struct {
	nc *nats.Conn

	mu       sync.Mutex
	channels map[*RoomChannel]struct{}
}

// Dial connects to NATS, retrying for up to a minute while the cluster comes
// up. The connection reconnects forever once established; room channels are
// notified on every disconnect and reconnect.
func Dial(cfg Config) (*Conn, error) {
	c := &Conn{channels: make(map[*RoomChannel]struct{})}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
			c.notifyDown(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			c.notifyUp()
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %q: %w", cfg.URL, err)
	}

	c.nc = nc
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return c, nil
}

// NATS exposes the raw connection for request/reply callers outside the
// channel abstraction.
func (c *Conn) NATS() *nats.Conn { return c.nc }

// Drain flushes pending messages and closes the connection.
func (c *Conn) Drain() error { return c.nc.Drain() }

func (c *Conn) remember(ch *RoomChannel) {
	c.mu.Lock()
	c.channels[ch] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) forget(ch *RoomChannel) {
	c.mu.Lock()
	delete(c.channels, ch)
	c.mu.Unlock()
}

func (c *Conn) snapshot() []*RoomChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*RoomChannel, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Conn) notifyDown(err error) {
	for _, ch := range c.snapshot() {
		ch.connectionLost(err)
	}
}

func (c *Conn) notifyUp() {
	for _, ch := range c.snapshot() {
		ch.connectionRestored()
	}
}

// Transport binds channels to one end-user connection. The connection id
// distinguishes this client among the user's devices in presence tracking.
type Transport struct {
	conn   *Conn
	connID string
}

// Transport derives a per-client transport. An empty connID gets a fresh
// unique one.
func (c *Conn) Transport(connID string) *Transport {
	if connID == "" {
		connID = nuid.Next()
	}
	return &Transport{conn: c, connID: connID}
}

// ConnID returns the connection id presence heartbeats are keyed by.
func (t *Transport) ConnID() string { return t.connID }

// Channel creates an inactive channel for the room. cfg.PresenceKey is the
// user the deliver subscriptions are addressed to.
func (t *Transport) Channel(topic string, cfg realtime.ChannelConfig) (realtime.Channel, error) {
	if !validToken(topic) {
		return nil, fmt.Errorf("invalid room name %q", topic)
	}
	if !validToken(cfg.PresenceKey) {
		return nil, fmt.Errorf("invalid presence key %q", cfg.PresenceKey)
	}
	ch := &RoomChannel{
		conn:       t.conn,
		room:       topic,
		user:       cfg.PresenceKey,
		connID:     t.connID,
		broadcasts: make(map[string]func([]byte)),
	}
	return ch, nil
}

// Remove releases a channel from connection-transition tracking. Safe to call
// after Unsubscribe already did so.
func (t *Transport) Remove(ch realtime.Channel) error {
	rc, ok := ch.(*RoomChannel)
	if !ok {
		return fmt.Errorf("foreign channel type %T", ch)
	}
	t.conn.forget(rc)
	return nil
}
