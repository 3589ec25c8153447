package main

import "sync"

// roomIndex mirrors room membership with forward and reverse maps, so room
// snapshots and per-user cleanup both touch only the affected entries.
type roomIndex struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]struct{}
	byUser map[string]map[string]struct{}
}

func newRoomIndex() *roomIndex {
	return &roomIndex{
		byRoom: make(map[string]map[string]struct{}),
		byUser: make(map[string]map[string]struct{}),
	}
}

func (ix *roomIndex) add(room, user string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.byRoom[room] == nil {
		ix.byRoom[room] = make(map[string]struct{})
	}
	ix.byRoom[room][user] = struct{}{}
	if ix.byUser[user] == nil {
		ix.byUser[user] = make(map[string]struct{})
	}
	ix.byUser[user][room] = struct{}{}
}

func (ix *roomIndex) remove(room, user string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if members, ok := ix.byRoom[room]; ok {
		delete(members, user)
		if len(members) == 0 {
			delete(ix.byRoom, room)
		}
	}
	if rooms, ok := ix.byUser[user]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(ix.byUser, user)
		}
	}
}

func (ix *roomIndex) members(room string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	members := ix.byRoom[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for user := range members {
		out = append(out, user)
	}
	return out
}

func (ix *roomIndex) roomsOf(user string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rooms := ix.byUser[user]
	if len(rooms) == 0 {
		return nil
	}
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	return out
}

// dropUser removes the user everywhere and returns the rooms they were in.
func (ix *roomIndex) dropUser(user string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	rooms, ok := ix.byUser[user]
	if !ok {
		return nil
	}
	affected := make([]string, 0, len(rooms))
	for room := range rooms {
		affected = append(affected, room)
		if members, ok := ix.byRoom[room]; ok {
			delete(members, user)
			if len(members) == 0 {
				delete(ix.byRoom, room)
			}
		}
	}
	delete(ix.byUser, user)
	return affected
}

func (ix *roomIndex) reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.byRoom = make(map[string]map[string]struct{})
	ix.byUser = make(map[string]map[string]struct{})
}

// replaceWith adopts another index's maps in one step, so readers never see a
// half-built mirror during hydration.
func (ix *roomIndex) replaceWith(fresh *roomIndex) {
	fresh.mu.RLock()
	byRoom := fresh.byRoom
	byUser := fresh.byUser
	fresh.mu.RUnlock()

	ix.mu.Lock()
	ix.byRoom = byRoom
	ix.byUser = byUser
	ix.mu.Unlock()
}

// connTable tracks which client connections are alive per user. It shadows
// the connection bucket so liveness checks stay off the KV hot path.
type connTable struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
}

func newConnTable() *connTable {
	return &connTable{byUser: make(map[string]map[string]struct{})}
}

// add records one connection and reports whether it was previously unknown.
func (ct *connTable) add(user, connID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.byUser[user] == nil {
		ct.byUser[user] = make(map[string]struct{})
	}
	if _, ok := ct.byUser[user][connID]; ok {
		return false
	}
	ct.byUser[user][connID] = struct{}{}
	return true
}

// drop removes one connection and reports whether it was the user's last.
func (ct *connTable) drop(user, connID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	conns, ok := ct.byUser[user]
	if !ok {
		return false
	}
	if _, ok := conns[connID]; !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(ct.byUser, user)
		return true
	}
	return false
}

func (ct *connTable) alive(user string) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.byUser[user]) > 0
}

// snapshot copies the table for iteration outside the lock.
func (ct *connTable) snapshot() map[string][]string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	out := make(map[string][]string, len(ct.byUser))
	for user, conns := range ct.byUser {
		ids := make([]string, 0, len(conns))
		for id := range conns {
			ids = append(ids, id)
		}
		out[user] = ids
	}
	return out
}

// totals reports tracked users and connections for the gauges.
func (ct *connTable) totals() (users, conns int) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	users = len(ct.byUser)
	for _, c := range ct.byUser {
		conns += len(c)
	}
	return users, conns
}

func (ct *connTable) reset() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.byUser = make(map[string]map[string]struct{})
}
