package realtime

import "time"

// ChannelStatus reports the outcome of a subscribe attempt and later
// transitions of an active channel.
type ChannelStatus int

const (
	StatusSubscribed ChannelStatus = iota
	StatusChannelError
	StatusTimedOut
	StatusClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusChannelError:
		return "channel_error"
	case StatusTimedOut:
		return "timed_out"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChangeKind distinguishes row-change feed events.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Message is a chat message as carried by the message feed and history pages.
// Timestamp is unix milliseconds. Reactions maps emoji to the users who added
// it, in add order.
type Message struct {
	ID          string              `json:"id"`
	RoomID      string              `json:"room"`
	UserID      string              `json:"user"`
	Content     string              `json:"text"`
	MessageType string              `json:"messageType,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Timestamp   int64               `json:"timestamp"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
}

// MessageEvent is one row-change event on a room's message feed. Inserts are
// new messages; updates carry refreshed state (reaction changes, edits).
type MessageEvent struct {
	Kind    ChangeKind
	Message Message
}

// ParticipantEvent is one membership change in a room.
type ParticipantEvent struct {
	Kind   ChangeKind
	RoomID string
	UserID string
}

// TypingEvent is the ephemeral broadcast payload for typing indicators.
type TypingEvent struct {
	UserID string `json:"userId"`
	Typing bool   `json:"isTyping"`
}

// PresenceMeta describes one tracked connection of a client.
type PresenceMeta struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status,omitempty"`
	OnlineAt time.Time `json:"onlineAt"`
}

// PresenceState is a full presence table for a channel: presence key to the
// connections currently tracked under it. Each sync event carries the whole
// table, never a delta.
type PresenceState map[string][]PresenceMeta
