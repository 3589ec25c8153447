package natsrt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/example/axis-chat/pkg/otelhelper"
	"github.com/example/axis-chat/pkg/realtime"
)

var _ realtime.MessageStore = (*Store)(nil)

// Store persists messages and reactions through the backend: message inserts
// go to the room's JetStream-captured subject with an acknowledged publish,
// reaction changes are request/reply calls to the reaction service.
type Store struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// NewStore builds a Store over the connection.
func NewStore(conn *Conn) (*Store, error) {
	js, err := jetstream.New(conn.nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Store{nc: conn.nc, js: js}, nil
}

// InsertMessage assigns the message an id and timestamp and publishes it to
// the room subject. The publish waits for the stream acknowledgment, so a nil
// return means the message is stored and will reach the room feed.
func (s *Store) InsertMessage(ctx context.Context, msg realtime.NewMessage) error {
	if !validToken(msg.RoomID) {
		return fmt.Errorf("invalid room name %q", msg.RoomID)
	}
	if msg.UserID == "" {
		return fmt.Errorf("message has no sender")
	}

	wire := realtime.Message{
		ID:          uuid.NewString(),
		RoomID:      msg.RoomID,
		UserID:      msg.UserID,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		Metadata:    msg.Metadata,
		Timestamp:   time.Now().UnixMilli(),
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	m := &nats.Msg{
		Subject: roomMessages(msg.RoomID),
		Data:    data,
		Header:  otelhelper.InjectContext(ctx),
	}
	if _, err := s.js.PublishMsg(ctx, m); err != nil {
		return fmt.Errorf("publish message to %s: %w", m.Subject, err)
	}
	return nil
}

// AddReaction upserts a reaction through the reaction service.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	return s.reactionCall(ctx, subjReactionAdd, messageID, userID, emoji)
}

// RemoveReaction deletes a reaction through the reaction service.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	return s.reactionCall(ctx, subjReactionRemove, messageID, userID, emoji)
}

func (s *Store) reactionCall(ctx context.Context, subject, messageID, userID, emoji string) error {
	if messageID == "" || userID == "" || emoji == "" {
		return fmt.Errorf("reaction needs message, user, and emoji")
	}
	data, err := json.Marshal(reactionRequest{MessageId: messageID, UserId: userID, Emoji: emoji})
	if err != nil {
		return err
	}

	reply, err := otelhelper.TracedRequest(ctx, s.nc, subject, data)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	var resp okResponse
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", subject, err)
	}
	if !resp.Ok {
		return fmt.Errorf("%s rejected: %s", subject, resp.Error)
	}
	return nil
}

// FetchHistory requests one page of the room's messages older than before
// (unix milliseconds; zero means the latest page). Pages come back in
// chronological order. It backs the polling fallback as well as scrollback.
func (s *Store) FetchHistory(ctx context.Context, roomID string, before int64, limit int) ([]realtime.Message, bool, error) {
	if !validToken(roomID) {
		return nil, false, fmt.Errorf("invalid room name %q", roomID)
	}
	data, err := json.Marshal(historyRequest{Before: before, Limit: limit})
	if err != nil {
		return nil, false, err
	}

	reply, err := otelhelper.TracedRequest(ctx, s.nc, historySubject(roomID), data)
	if err != nil {
		return nil, false, fmt.Errorf("request history for %s: %w", roomID, err)
	}
	var resp historyResponse
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, false, fmt.Errorf("decode history reply: %w", err)
	}
	return resp.Messages, resp.HasMore, nil
}

// Disconnect announces that one client connection is gone for good, letting
// the presence service drop it without waiting for the heartbeat TTL.
func (t *Transport) Disconnect(ctx context.Context, userID string) error {
	data, err := json.Marshal(disconnectPayload{UserId: userID, ConnId: t.connID})
	if err != nil {
		return err
	}
	return otelhelper.TracedPublish(ctx, t.conn.nc, subjPresenceDisconnect, data)
}
