// Package realtime implements the client-side session layer of the chat
// subsystem: connection health policy, authenticated channel creation, and
// per-room session management (presence, typing indicators, message and
// participant feeds, heartbeat).
//
// The package is transport-agnostic. A Manager talks to the outside world
// through the Transport, AuthProvider, and MessageStore interfaces; the NATS
// implementations live in pkg/natsrt. Everything is constructed explicitly and
// shut down explicitly; there is no package-level state.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ErrNoSession is returned by AuthProvider implementations when the user is
// signed out.
var ErrNoSession = errors.New("no active session")

// Session identifies an authenticated user.
type Session struct {
	UserID      string
	AccessToken string
	ExpiresAt   time.Time
}

// AuthProvider exposes the current authentication state. Session returns
// ErrNoSession when nobody is signed in.
type AuthProvider interface {
	Session(ctx context.Context) (*Session, error)
}

// ChannelConfig scopes a channel at creation time.
type ChannelConfig struct {
	// PresenceKey identifies this client in the channel's presence table.
	PresenceKey string
}

// Transport creates and tears down channels. One channel serves one room.
type Transport interface {
	Channel(topic string, cfg ChannelConfig) (Channel, error)
	Remove(ch Channel) error
}

// Channel is a logical pub/sub endpoint multiplexing the four event feeds of a
// room: message changes, participant changes, presence snapshots, and named
// broadcasts. Listeners must be registered before Subscribe; events delivered
// before registration are lost, not buffered.
type Channel interface {
	OnMessage(fn func(MessageEvent))
	OnParticipant(fn func(ParticipantEvent))
	OnPresenceSync(fn func(PresenceState))
	OnBroadcast(event string, fn func(payload []byte))

	// Subscribe activates the channel. The status function receives the
	// initial outcome and every later transition; it may be called from
	// transport goroutines.
	Subscribe(ctx context.Context, status func(ChannelStatus, error)) error

	// Track announces this client's presence on the channel.
	Track(ctx context.Context, meta PresenceMeta) error

	// SendBroadcast publishes an ephemeral event to current subscribers.
	SendBroadcast(ctx context.Context, event string, payload any) error

	Unsubscribe(ctx context.Context) error
}

// NewMessage is the input to MessageStore.InsertMessage. The store assigns the
// message its identifier and timestamp.
type NewMessage struct {
	RoomID      string
	UserID      string
	Content     string
	MessageType string
	Metadata    map[string]any
}

// MessageStore is the persistence collaborator. Both reaction operations are
// idempotent at the store: a duplicate add updates nothing, a duplicate remove
// deletes nothing, and neither reports that as an error.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg NewMessage) error
	AddReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) error
}

// ErrorContext describes where a recovered error came from and what the user
// should be told.
type ErrorContext struct {
	Operation   string
	Component   string
	UserMessage string
}

// ErrorReporter receives errors that were handled locally instead of being
// returned to the caller.
type ErrorReporter interface {
	Report(err error, ec ErrorContext)
}

// LogReporter routes recovered errors to slog. It is the default reporter.
type LogReporter struct{}

func (LogReporter) Report(err error, ec ErrorContext) {
	slog.Warn("Recovered error",
		"operation", ec.Operation,
		"component", ec.Component,
		"user_message", ec.UserMessage,
		"error", err,
	)
}
