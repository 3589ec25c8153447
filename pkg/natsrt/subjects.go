package natsrt

import "strings"

// Fixed subjects. Room-scoped ones are built by the helpers below; room and
// user names become subject tokens, so neither may contain dots or wildcards.
const (
	subjPresenceUpdate     = "presence.update"
	subjPresenceHeartbeat  = "presence.heartbeat"
	subjPresenceDisconnect = "presence.disconnect"
	subjReactionAdd        = "reaction.add"
	subjReactionRemove     = "reaction.remove"
)

func roomMessages(room string) string { return "chat.room." + room }

func roomJoin(room string) string { return "room.join." + room }

func roomLeave(room string) string { return "room.leave." + room }

func roomChanged(room string) string { return "room.changed." + room }

func presenceEvent(room string) string { return "presence.event." + room }

func reactionEvent(room string) string { return "reaction.event." + room }

func historySubject(room string) string { return "chat.history." + room }

func broadcastSubject(event, room string) string { return event + "." + room }

// deliver addresses a subject to one user's fanout feed.
func deliver(user, subject string) string { return "deliver." + user + "." + subject }

// validToken reports whether s is usable as a single NATS subject token.
func validToken(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ".*> \t\r\n")
}
