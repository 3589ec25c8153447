package natsrt

import (
	"encoding/json"

	"github.com/example/axis-chat/pkg/realtime"
)

// membershipEvent is the payload for room.join.* and room.leave.* publishes.
type membershipEvent struct {
	UserId string `json:"userId"`
}

// roomChangedEvent is the delta the room service publishes to
// room.changed.{room} after membership actually changed.
type roomChangedEvent struct {
	Room   string `json:"room"`
	Action string `json:"action"` // "join" or "leave"
	UserId string `json:"userId"`
	Type   string `json:"type,omitempty"`
}

// presenceMember is one member's status inside a presence event.
type presenceMember struct {
	UserId string `json:"userId"`
	Status string `json:"status"`
}

// presenceEventPayload is the full snapshot the presence service publishes to
// presence.event.{room} on every change.
type presenceEventPayload struct {
	Type    string           `json:"type"`
	UserId  string           `json:"userId"`
	Room    string           `json:"room"`
	Members []presenceMember `json:"members"`
}

// presenceUpdate announces a user's status to presence.update.
type presenceUpdate struct {
	UserId string `json:"userId"`
	Status string `json:"status"`
}

// heartbeatPayload keeps one client connection alive in presence tracking.
type heartbeatPayload struct {
	UserId string `json:"userId"`
	ConnId string `json:"connId"`
}

// disconnectPayload announces a client connection going away for good.
type disconnectPayload struct {
	UserId string `json:"userId"`
	ConnId string `json:"connId"`
}

// reactionRequest is the request payload for reaction.add and reaction.remove.
type reactionRequest struct {
	MessageId string `json:"messageId"`
	UserId    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// okResponse is the generic request/reply envelope used by the backend
// services.
type okResponse struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// reactionEventPayload carries a message's full reaction state after a change.
type reactionEventPayload struct {
	MessageId string              `json:"messageId"`
	Room      string              `json:"room"`
	Reactions map[string][]string `json:"reactions"`
}

// historyRequest asks the history service for a page of messages older than
// Before (unix milliseconds; zero means the latest page).
type historyRequest struct {
	Before int64 `json:"before,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

// historyResponse is one page of history, in chronological order.
type historyResponse struct {
	Messages []realtime.Message `json:"messages"`
	HasMore  bool               `json:"hasMore"`
}

// decodeMessageEvent turns a chat.room.{room} payload into a message insert
// event. Payloads that do not decode, or carry no id, are dropped.
func decodeMessageEvent(data []byte) (realtime.MessageEvent, bool) {
	var msg realtime.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		return realtime.MessageEvent{}, false
	}
	return realtime.MessageEvent{Kind: realtime.ChangeInsert, Message: msg}, true
}

// decodeParticipantEvent turns a room.changed.{room} delta into a participant
// event. Unknown actions are dropped.
func decodeParticipantEvent(data []byte) (realtime.ParticipantEvent, bool) {
	var evt roomChangedEvent
	if err := json.Unmarshal(data, &evt); err != nil || evt.UserId == "" {
		return realtime.ParticipantEvent{}, false
	}
	var kind realtime.ChangeKind
	switch evt.Action {
	case "join":
		kind = realtime.ChangeInsert
	case "leave":
		kind = realtime.ChangeDelete
	default:
		return realtime.ParticipantEvent{}, false
	}
	return realtime.ParticipantEvent{Kind: kind, RoomID: evt.Room, UserID: evt.UserId}, true
}

// decodePresenceState turns a presence.event.{room} snapshot into the channel
// presence table. Offline members keep their key with no tracked connections,
// so consumers replacing their online set drop them.
func decodePresenceState(data []byte) (realtime.PresenceState, bool) {
	var evt presenceEventPayload
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, false
	}
	state := make(realtime.PresenceState, len(evt.Members))
	for _, m := range evt.Members {
		if m.UserId == "" {
			continue
		}
		if m.Status == "offline" {
			state[m.UserId] = nil
			continue
		}
		state[m.UserId] = []realtime.PresenceMeta{{UserID: m.UserId, Status: m.Status}}
	}
	return state, true
}

// decodeReactionEvent turns a reaction.event.{room} payload into a message
// update carrying the refreshed reaction map.
func decodeReactionEvent(data []byte) (realtime.MessageEvent, bool) {
	var evt reactionEventPayload
	if err := json.Unmarshal(data, &evt); err != nil || evt.MessageId == "" {
		return realtime.MessageEvent{}, false
	}
	reactions := evt.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	return realtime.MessageEvent{
		Kind: realtime.ChangeUpdate,
		Message: realtime.Message{
			ID:        evt.MessageId,
			RoomID:    evt.Room,
			Reactions: reactions,
		},
	}, true
}
