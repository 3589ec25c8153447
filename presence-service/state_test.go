package main

import (
	"sort"
	"testing"
)

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func TestRoomIndex_AddAndMembers(t *testing.T) {
	ix := newRoomIndex()
	ix.add("mindfulness", "ana")
	ix.add("mindfulness", "ben")
	ix.add("physical", "ana")

	got := sorted(ix.members("mindfulness"))
	if len(got) != 2 || got[0] != "ana" || got[1] != "ben" {
		t.Errorf("Expected [ana ben], got %v", got)
	}
	if members := ix.members("social"); members != nil {
		t.Errorf("Expected nil for unknown room, got %v", members)
	}
}

func TestRoomIndex_RoomsOf(t *testing.T) {
	ix := newRoomIndex()
	ix.add("mindfulness", "ana")
	ix.add("physical", "ana")

	got := sorted(ix.roomsOf("ana"))
	if len(got) != 2 || got[0] != "mindfulness" || got[1] != "physical" {
		t.Errorf("Expected [mindfulness physical], got %v", got)
	}
	if rooms := ix.roomsOf("ben"); rooms != nil {
		t.Errorf("Expected nil for unknown user, got %v", rooms)
	}
}

func TestRoomIndex_RemoveDropsEmptyRoom(t *testing.T) {
	ix := newRoomIndex()
	ix.add("mindfulness", "ana")
	ix.remove("mindfulness", "ana")

	if members := ix.members("mindfulness"); members != nil {
		t.Errorf("Expected empty room after remove, got %v", members)
	}
	if rooms := ix.roomsOf("ana"); rooms != nil {
		t.Errorf("Expected user gone after remove, got %v", rooms)
	}

	// Removing again must be a no-op.
	ix.remove("mindfulness", "ana")
}

func TestRoomIndex_DropUser(t *testing.T) {
	ix := newRoomIndex()
	ix.add("mindfulness", "ana")
	ix.add("physical", "ana")
	ix.add("physical", "ben")

	affected := sorted(ix.dropUser("ana"))
	if len(affected) != 2 || affected[0] != "mindfulness" || affected[1] != "physical" {
		t.Errorf("Expected [mindfulness physical], got %v", affected)
	}
	if got := ix.members("physical"); len(got) != 1 || got[0] != "ben" {
		t.Errorf("Expected ben to remain in physical, got %v", got)
	}
	if got := ix.dropUser("ana"); got != nil {
		t.Errorf("Expected nil on second drop, got %v", got)
	}
}

func TestRoomIndex_ReplaceWith(t *testing.T) {
	ix := newRoomIndex()
	ix.add("stale", "ana")

	fresh := newRoomIndex()
	fresh.add("mindfulness", "ben")
	ix.replaceWith(fresh)

	if members := ix.members("stale"); members != nil {
		t.Errorf("Expected stale room gone after replace, got %v", members)
	}
	if got := ix.members("mindfulness"); len(got) != 1 || got[0] != "ben" {
		t.Errorf("Expected [ben] after replace, got %v", got)
	}
}

func TestConnTable_DropReportsLast(t *testing.T) {
	ct := newConnTable()
	ct.add("ana", "c1")
	ct.add("ana", "c2")

	if ct.drop("ana", "c1") {
		t.Error("Expected drop of first connection to report false")
	}
	if !ct.alive("ana") {
		t.Error("Expected ana alive with one connection left")
	}
	if !ct.drop("ana", "c2") {
		t.Error("Expected drop of last connection to report true")
	}
	if ct.alive("ana") {
		t.Error("Expected ana gone after last drop")
	}
}

func TestConnTable_DropUnknown(t *testing.T) {
	ct := newConnTable()
	if ct.drop("ana", "c1") {
		t.Error("Expected drop of unknown connection to report false")
	}
	ct.add("ana", "c1")
	if ct.drop("ana", "other") {
		t.Error("Expected drop of wrong connId to report false")
	}
	if !ct.alive("ana") {
		t.Error("Expected ana still alive")
	}
}

func TestConnTable_DuplicateAddCountsOnce(t *testing.T) {
	ct := newConnTable()
	if !ct.add("ana", "c1") {
		t.Error("Expected first add to report a fresh connection")
	}
	if ct.add("ana", "c1") {
		t.Error("Expected repeated add to report a known connection")
	}

	users, conns := ct.totals()
	if users != 1 || conns != 1 {
		t.Errorf("Expected 1 user / 1 conn, got %d / %d", users, conns)
	}
	if !ct.drop("ana", "c1") {
		t.Error("Expected single drop to be the last")
	}
}

func TestConnTable_SnapshotIsCopy(t *testing.T) {
	ct := newConnTable()
	ct.add("ana", "c1")

	snap := ct.snapshot()
	ct.add("ana", "c2")

	if len(snap["ana"]) != 1 {
		t.Errorf("Expected snapshot to keep 1 conn, got %v", snap["ana"])
	}
	users, conns := ct.totals()
	if users != 1 || conns != 2 {
		t.Errorf("Expected 1 user / 2 conns after snapshot, got %d / %d", users, conns)
	}
}

func TestConnTable_Totals(t *testing.T) {
	ct := newConnTable()
	ct.add("ana", "c1")
	ct.add("ana", "c2")
	ct.add("ben", "c3")

	users, conns := ct.totals()
	if users != 2 || conns != 3 {
		t.Errorf("Expected 2 users / 3 conns, got %d / %d", users, conns)
	}

	ct.reset()
	users, conns = ct.totals()
	if users != 0 || conns != 0 {
		t.Errorf("Expected empty table after reset, got %d / %d", users, conns)
	}
}
