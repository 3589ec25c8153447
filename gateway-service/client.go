package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/axis-chat/pkg/keycloak"
	"github.com/example/axis-chat/pkg/natsrt"
	"github.com/example/axis-chat/pkg/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameBytes   = 64 * 1024
	sendQueueSize   = 64
	maxDecodeErrors = 5
	historyPageSize = 50
	fetchTimeout    = 5 * time.Second
	cleanupTimeout  = 5 * time.Second
)

// Client to server operations.
const (
	opJoin           = "join"
	opLeave          = "leave"
	opMessage        = "message"
	opTyping         = "typing"
	opReactionAdd    = "reaction_add"
	opReactionRemove = "reaction_remove"
	opHistory        = "history"
)

// Server to client frame types.
const (
	frameMessage     = "message"
	frameTyping      = "typing"
	framePresence    = "presence"
	frameParticipant = "participant"
	frameJoined      = "joined"
	frameLeft        = "left"
	frameHistory     = "history"
	frameStatus      = "status"
	frameError       = "error"
)

// clientFrame is one inbound operation. Type selects the operation; the other
// fields are read as that operation needs them.
type clientFrame struct {
	Type        string         `json:"type"`
	Room        string         `json:"room,omitempty"`
	Text        string         `json:"text,omitempty"`
	MessageType string         `json:"messageType,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Typing      bool           `json:"isTyping,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	Emoji       string         `json:"emoji,omitempty"`
	Before      int64          `json:"before,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

// serverFrame is one outbound event or reply.
type serverFrame struct {
	Type     string             `json:"type"`
	Room     string             `json:"room,omitempty"`
	Message  *realtime.Message  `json:"message,omitempty"`
	Messages []realtime.Message `json:"messages,omitempty"`
	HasMore  bool               `json:"hasMore,omitempty"`
	Users    []string           `json:"users,omitempty"`
	User     string             `json:"user,omitempty"`
	Action   string             `json:"action,omitempty"`
	Mode     string             `json:"mode,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// tokenAuth serves the session manager's auth lookups from the claims
// validated at upgrade time. Once the token expires the connection reads as
// signed out; the client must reconnect with a fresh token.
type tokenAuth struct {
	session realtime.Session
}

func (a *tokenAuth) Session(context.Context) (*realtime.Session, error) {
	if time.Now().After(a.session.ExpiresAt) {
		return nil, realtime.ErrNoSession
	}
	s := a.session
	return &s, nil
}

// client is one websocket connection: a realtime session manager, its NATS
// transport, and the two pumps bridging frames to the manager API.
type client struct {
	srv       *server
	conn      *websocket.Conn
	user      string
	manager   *realtime.Manager
	transport *natsrt.Transport

	ctx    context.Context
	cancel context.CancelFunc

	send      chan serverFrame
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]*roomState
}

// roomState tracks how a joined room is being served: a live channel with
// registered feed callbacks, or a polling loop. Never both.
type roomState struct {
	unregister []func()
	pollCancel context.CancelFunc
}

func (st *roomState) stop() {
	for _, un := range st.unregister {
		un()
	}
	if st.pollCancel != nil {
		st.pollCancel()
	}
}

func newClient(s *server, conn *websocket.Conn, claims *keycloak.Claims, token string) *client {
	ctx, cancel := context.WithCancel(context.Background())
	transport := s.nats.Transport("")
	manager := realtime.NewManager(realtime.ManagerConfig{}, realtime.Deps{
		Transport: transport,
		Auth: &tokenAuth{session: realtime.Session{
			UserID:      claims.Username,
			AccessToken: token,
			ExpiresAt:   claims.ExpiresAt,
		}},
		Store: s.store,
	})
	return &client{
		srv:       s,
		conn:      conn,
		user:      claims.Username,
		manager:   manager,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan serverFrame, sendQueueSize),
		done:      make(chan struct{}),
		rooms:     make(map[string]*roomState),
	}
}

// close signals both pumps to stop. Idempotent. The send channel stays open
// so feed callbacks never panic on a closed channel.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// sendFrame queues a frame for the write pump. A client that cannot drain its
// queue is cut off rather than allowed to block feed callbacks.
func (c *client) sendFrame(frame serverFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		slog.Warn("Send queue full, closing slow client", "user", c.user)
		c.close()
	}
}

// readPump reads client frames until the socket dies. It owns the read side
// of the connection: the size limit, pong deadlines, and the malformed-frame
// cap.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	decodeErrors := 0
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("Websocket read failed", "user", c.user, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			c.sendFrame(serverFrame{Type: frameError, Error: "malformed frame"})
			if decodeErrors >= maxDecodeErrors {
				slog.Warn("Disconnecting client after repeated malformed frames", "user", c.user)
				return
			}
			continue
		}

		start := time.Now()
		c.handleFrame(frame)
		c.srv.framesTotal.Add(c.ctx, 1, metric.WithAttributes(attribute.String("type", frame.Type)))
		c.srv.frameDuration.Record(c.ctx, time.Since(start).Seconds())
	}
}

// writePump is the single writer on the socket. It drains the send queue and
// keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) handleFrame(frame clientFrame) {
	switch frame.Type {
	case opJoin:
		c.handleJoin(frame.Room)
	case opLeave:
		c.handleLeave(frame.Room)
	case opMessage:
		if !c.manager.SendMessage(c.ctx, frame.Room, frame.Text, frame.MessageType, frame.Metadata) {
			c.sendFrame(serverFrame{Type: frameError, Room: frame.Room, Error: "message not accepted"})
		}
	case opTyping:
		c.manager.SendTyping(c.ctx, frame.Room, frame.Typing)
	case opReactionAdd:
		if !c.manager.AddReaction(c.ctx, frame.MessageID, frame.Emoji) {
			c.sendFrame(serverFrame{Type: frameError, Error: "reaction not added"})
		}
	case opReactionRemove:
		if !c.manager.RemoveReaction(c.ctx, frame.MessageID, frame.Emoji) {
			c.sendFrame(serverFrame{Type: frameError, Error: "reaction not removed"})
		}
	case opHistory:
		c.handleHistory(frame)
	default:
		c.sendFrame(serverFrame{Type: frameError, Error: "unknown frame type"})
	}
}

// handleJoin serves a room over realtime when the connection policy allows
// it, and over history polling otherwise.
func (c *client) handleJoin(room string) {
	if room == "" {
		c.sendFrame(serverFrame{Type: frameError, Error: "join needs a room"})
		return
	}

	c.mu.Lock()
	_, joined := c.rooms[room]
	c.mu.Unlock()
	if joined {
		c.sendFrame(serverFrame{Type: frameJoined, Room: room})
		return
	}

	if !c.manager.Policy().ShouldUseRealtime(room) {
		c.startPolling(room)
		return
	}
	c.joinRealtime(room)
}

// joinRealtime registers the room's feed callbacks, then joins. Registration
// comes first so no event slips between subscribe and callback attachment.
func (c *client) joinRealtime(room string) {
	st := &roomState{}
	st.unregister = []func(){
		c.manager.OnMessage(room, func(ev realtime.MessageEvent) {
			msg := ev.Message
			c.sendFrame(serverFrame{Type: frameMessage, Room: room, Message: &msg})
		}),
		c.manager.OnTyping(room, func(users []string) {
			c.sendFrame(serverFrame{Type: frameTyping, Room: room, Users: users})
		}),
		c.manager.OnPresence(room, func(users []string) {
			c.sendFrame(serverFrame{Type: framePresence, Room: room, Users: users})
		}),
		c.manager.OnParticipantChange(room, func(ev realtime.ParticipantEvent) {
			action := "join"
			if ev.Kind == realtime.ChangeDelete {
				action = "leave"
			}
			c.sendFrame(serverFrame{Type: frameParticipant, Room: room, User: ev.UserID, Action: action})
		}),
	}

	c.mu.Lock()
	if _, ok := c.rooms[room]; ok {
		c.mu.Unlock()
		st.stop()
		c.sendFrame(serverFrame{Type: frameJoined, Room: room})
		return
	}
	c.rooms[room] = st
	c.mu.Unlock()

	if err := c.manager.JoinRoom(c.ctx, room, c.user); err != nil {
		c.dropRoom(room)
		var authErr *realtime.AuthenticationError
		if errors.As(err, &authErr) {
			c.sendFrame(serverFrame{Type: frameError, Room: room, Error: "not authenticated"})
			return
		}
		slog.Warn("Room join failed", "user", c.user, "room", room, "error", err)
		if !c.manager.Policy().ShouldUseRealtime(room) {
			c.startPolling(room)
			return
		}
		c.sendFrame(serverFrame{Type: frameError, Room: room, Error: "join failed"})
		return
	}

	c.sendFrame(serverFrame{Type: frameJoined, Room: room})
	c.sendFrame(serverFrame{Type: frameStatus, Room: room, Mode: "realtime"})
}

func (c *client) handleLeave(room string) {
	if room == "" {
		c.sendFrame(serverFrame{Type: frameError, Error: "leave needs a room"})
		return
	}
	c.dropRoom(room)
	c.manager.LeaveRoom(c.ctx, room)
	c.sendFrame(serverFrame{Type: frameLeft, Room: room})
}

// dropRoom forgets a room and stops whichever mode was serving it.
func (c *client) dropRoom(room string) {
	c.mu.Lock()
	st := c.rooms[room]
	delete(c.rooms, room)
	c.mu.Unlock()
	if st != nil {
		st.stop()
	}
}

// startPolling serves a room by periodic history fetches. The loop watches
// the policy and upgrades to a real join once realtime is allowed again.
func (c *client) startPolling(room string) {
	pollCtx, cancel := context.WithCancel(c.ctx)
	st := &roomState{pollCancel: cancel}

	c.mu.Lock()
	if _, ok := c.rooms[room]; ok {
		c.mu.Unlock()
		cancel()
		return
	}
	c.rooms[room] = st
	c.mu.Unlock()

	c.sendFrame(serverFrame{Type: frameJoined, Room: room})
	c.sendFrame(serverFrame{Type: frameStatus, Room: room, Mode: "polling"})
	go c.pollLoop(pollCtx, room, st)
}

func (c *client) pollLoop(ctx context.Context, room string, st *roomState) {
	ticker := time.NewTicker(c.srv.cfg.PollInterval)
	defer ticker.Stop()

	// The baseline fetch doubles as the initial paint.
	delivered := c.pollOnce(ctx, room, nil, true)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.manager.Policy().ShouldUseRealtime(room) {
			c.upgradeToRealtime(room, st)
			return
		}
		delivered = c.pollOnce(ctx, room, delivered, false)
	}
}

// pollOnce fetches the newest history page. The first round sends it whole as
// a history frame; later rounds send only messages absent from the previous
// round. Returns this round's message IDs.
func (c *client) pollOnce(ctx context.Context, room string, prev map[string]struct{}, first bool) map[string]struct{} {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	msgs, hasMore, err := c.srv.store.FetchHistory(fetchCtx, room, 0, historyPageSize)
	cancel()
	if err != nil {
		slog.Warn("History poll failed", "user", c.user, "room", room, "error", err)
		return prev
	}

	page := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		page[m.ID] = struct{}{}
	}
	if first {
		c.sendFrame(serverFrame{Type: frameHistory, Room: room, Messages: msgs, HasMore: hasMore})
		return page
	}
	for _, m := range msgs {
		if _, seen := prev[m.ID]; seen {
			continue
		}
		msg := m
		c.sendFrame(serverFrame{Type: frameMessage, Room: room, Message: &msg})
	}
	return page
}

// upgradeToRealtime swaps a polling room over to a live channel.
func (c *client) upgradeToRealtime(room string, st *roomState) {
	c.mu.Lock()
	if c.rooms[room] != st {
		c.mu.Unlock()
		return
	}
	delete(c.rooms, room)
	c.mu.Unlock()
	st.pollCancel()

	slog.Info("Polling fallback recovered, rejoining realtime", "user", c.user, "room", room)
	c.joinRealtime(room)
}

// handleHistory pages messages older than the Before cursor.
func (c *client) handleHistory(frame clientFrame) {
	if frame.Room == "" {
		c.sendFrame(serverFrame{Type: frameError, Error: "history needs a room"})
		return
	}
	limit := frame.Limit
	if limit <= 0 || limit > historyPageSize {
		limit = historyPageSize
	}

	fetchCtx, cancel := context.WithTimeout(c.ctx, fetchTimeout)
	defer cancel()
	msgs, hasMore, err := c.srv.store.FetchHistory(fetchCtx, frame.Room, frame.Before, limit)
	if err != nil {
		slog.Warn("History fetch failed", "user", c.user, "room", frame.Room, "error", err)
		c.sendFrame(serverFrame{Type: frameError, Room: frame.Room, Error: "history unavailable"})
		return
	}
	c.sendFrame(serverFrame{Type: frameHistory, Room: frame.Room, Messages: msgs, HasMore: hasMore})
}

// shutdown runs after the socket dies: stop room serving, tear down the
// realtime session, and announce the disconnect to presence.
func (c *client) shutdown() {
	c.close()

	c.mu.Lock()
	states := make([]*roomState, 0, len(c.rooms))
	for _, st := range c.rooms {
		states = append(states, st)
	}
	c.rooms = make(map[string]*roomState)
	c.mu.Unlock()
	for _, st := range states {
		st.stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.manager.Cleanup(ctx); err != nil {
		slog.Warn("Session cleanup incomplete", "user", c.user, "error", err)
	}
	if err := c.transport.Disconnect(ctx, c.user); err != nil {
		slog.Warn("Disconnect announce failed", "user", c.user, "error", err)
	}
}
