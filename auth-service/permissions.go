package main

import (
	"fmt"

	"github.com/nats-io/jwt/v2"
)

// mapPermissions converts Keycloak realm roles into NATS permissions.
// username scopes the deliver.{username}.> subscription; deniedRooms lists
// private rooms the user may not touch, and is expanded into explicit deny
// entries on both sides.
func mapPermissions(roles []string, username string, deniedRooms []string) jwt.Permissions {
	perms := jwt.Permissions{
		Pub: jwt.Permission{},
		Sub: jwt.Permission{},
	}

	roleSet := make(map[string]bool)
	for _, r := range roles {
		roleSet[r] = true
	}

	deliverSubject := fmt.Sprintf("deliver.%s.>", username)

	switch {
	case roleSet["admin"]:
		// Admins reach the whole chat tree and are not subject to
		// private-room denies.
		perms.Pub.Allow = jwt.StringList{
			"chat.>",
			"typing.*",
			"room.join.*",
			"room.leave.*",
			"room.create",
			"room.invite",
			"room.list",
			"room.members.*",
			"presence.update",
			"presence.heartbeat",
			"presence.disconnect",
			"reaction.add",
			"reaction.remove",
			"_INBOX.>",
		}
		perms.Sub.Allow = jwt.StringList{
			deliverSubject,
			"_INBOX.>",
		}

	case roleSet["user"]:
		perms.Pub.Allow = jwt.StringList{
			"chat.room.*",
			"chat.history.*",
			"typing.*",
			"room.join.*",
			"room.leave.*",
			"room.create",
			"room.invite",
			"room.list",
			"room.members.*",
			"presence.update",
			"presence.heartbeat",
			"presence.disconnect",
			"reaction.add",
			"reaction.remove",
			"_INBOX.>",
		}
		perms.Sub.Allow = jwt.StringList{
			deliverSubject,
			"_INBOX.>",
		}
		addRoomDenies(&perms, username, deniedRooms)

	default:
		// No recognized role: lurk only. History, room listing, and
		// presence liveness, but no sends.
		perms.Pub.Allow = jwt.StringList{
			"chat.history.*",
			"room.list",
			"room.members.*",
			"presence.update",
			"presence.heartbeat",
			"presence.disconnect",
			"_INBOX.>",
		}
		perms.Sub.Allow = jwt.StringList{
			deliverSubject,
			"_INBOX.>",
		}
		addRoomDenies(&perms, username, deniedRooms)
	}

	// Allow replies for request/reply flows (history, room ops, reactions).
	perms.Resp = &jwt.ResponsePermission{
		MaxMsgs: 1,
		Expires: 5 * 60 * 1000000000, // 5 minutes in nanoseconds
	}

	return perms
}

// addRoomDenies blocks every subject that could leak a private room the user
// is not a member of: direct publishes into the room and the fanned-out
// per-user deliveries of its events.
func addRoomDenies(perms *jwt.Permissions, username string, deniedRooms []string) {
	for _, room := range deniedRooms {
		perms.Pub.Deny.Add(
			"chat.room."+room,
			"chat.history."+room,
			"typing."+room,
			"room.join."+room,
			"room.members."+room,
		)
		prefix := "deliver." + username + "."
		perms.Sub.Deny.Add(
			prefix+"chat.room."+room,
			prefix+"typing."+room,
			prefix+"presence.event."+room,
			prefix+"reaction.event."+room,
			prefix+"room.changed."+room,
		)
	}
}

// servicePermissions returns broad permissions for backend service accounts.
// All services run in the chat account and need full pub/sub access.
func servicePermissions() jwt.Permissions {
	return jwt.Permissions{
		Pub: jwt.Permission{Allow: jwt.StringList{">"}},
		Sub: jwt.Permission{Allow: jwt.StringList{">"}},
		Resp: &jwt.ResponsePermission{
			MaxMsgs: -1,
			Expires: 5 * 60 * 1000000000, // 5 minutes in nanoseconds
		},
	}
}
