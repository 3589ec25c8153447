package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// categoryRooms are the six wellness dimensions every deployment starts with.
// The room name doubles as the category tag.
var categoryRooms = []struct{ Name, Description string }{
	{"physical", "Movement, training, sleep and everything your body needs"},
	{"mental", "Focus, learning and a clear head"},
	{"emotional", "Mood, stress and emotional balance"},
	{"social", "Relationships, community and connection"},
	{"spiritual", "Mindfulness, meaning and inner life"},
	{"material", "Finances, work and your environment"},
}

var errRoomExists = errors.New("room already exists")

// roomStore is the Postgres side of the room catalog. The rooms and
// room_members tables are the system of record; the KV mirror and the local
// index are rebuilt from here.
type roomStore struct {
	db *sql.DB
}

// membershipRow is one row of room_members, used for mirror rebuilds.
type membershipRow struct {
	Room string
	User string
}

// roomRow is one catalog entry with its member count.
type roomRow struct {
	Name        string
	Category    string
	Description string
	Private     bool
	CreatedAt   time.Time
	MemberCount int
}

func (s *roomStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rooms (
			name TEXT PRIMARY KEY,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			is_private BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("ensure rooms: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS room_members (
			room_name TEXT NOT NULL,
			username TEXT NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_name, username)
		)`); err != nil {
		return fmt.Errorf("ensure room_members: %w", err)
	}
	return nil
}

// SeedCategoryRooms inserts the category rooms. Existing rows are left alone,
// so operators can reword descriptions without fighting the seeder.
func (s *roomStore) SeedCategoryRooms(ctx context.Context) error {
	for _, room := range categoryRooms {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO rooms (name, category, description)
			VALUES ($1, $1, $2)
			ON CONFLICT (name) DO NOTHING`, room.Name, room.Description); err != nil {
			return fmt.Errorf("seed room %s: %w", room.Name, err)
		}
	}
	return nil
}

// Visibility reports whether a room row exists and whether it is private.
func (s *roomStore) Visibility(ctx context.Context, room string) (exists, private bool, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT is_private FROM rooms WHERE name = $1", room).Scan(&private)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, private, nil
}

func (s *roomStore) IsMember(ctx context.Context, room, user string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM room_members WHERE room_name = $1 AND username = $2",
		room, user).Scan(&n)
	return n > 0, err
}

// AddMember registers the room row if it is missing and inserts the
// membership. Returns true when the membership is new.
func (s *roomStore) AddMember(ctx context.Context, room, user string) (bool, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING`, room); err != nil {
		return false, fmt.Errorf("register room: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_name, username)
		VALUES ($1, $2)
		ON CONFLICT (room_name, username) DO NOTHING`, room, user)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveMember deletes the membership row. Returns true when a row was there.
func (s *roomStore) RemoveMember(ctx context.Context, room, user string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_name = $1 AND username = $2", room, user)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreatePrivateRoom inserts the room and its first member in one transaction.
// Returns errRoomExists when the name is taken.
func (s *roomStore) CreatePrivateRoom(ctx context.Context, name, description, creator string) (time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback()

	// ON CONFLICT DO NOTHING yields no row on a name collision, which
	// surfaces here as ErrNoRows.
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO rooms (name, description, is_private)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (name) DO NOTHING
		RETURNING created_at`, name, description).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, errRoomExists
	}
	if err != nil {
		return time.Time{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO room_members (room_name, username)
		VALUES ($1, $2)`, name, creator); err != nil {
		return time.Time{}, err
	}
	return createdAt, tx.Commit()
}

// ListVisible returns every public room plus the private rooms the user
// belongs to. Public rooms sort first, grouped by category.
func (s *roomStore) ListVisible(ctx context.Context, user string) ([]roomRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name, r.category, r.description, r.is_private, r.created_at,
		       (SELECT COUNT(*) FROM room_members m WHERE m.room_name = r.name)
		FROM rooms r
		WHERE NOT r.is_private
		   OR EXISTS (
		        SELECT 1 FROM room_members m2
		        WHERE m2.room_name = r.name AND m2.username = $1)
		ORDER BY r.is_private, r.category, r.name`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []roomRow
	for rows.Next() {
		var r roomRow
		if err := rows.Scan(&r.Name, &r.Category, &r.Description, &r.Private,
			&r.CreatedAt, &r.MemberCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Memberships returns every membership row for mirror rebuilds.
func (s *roomStore) Memberships(ctx context.Context) ([]membershipRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT room_name, username FROM room_members")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []membershipRow
	for rows.Next() {
		var r membershipRow
		if err := rows.Scan(&r.Room, &r.User); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PrivateRoomNames loads the private room set used for delta typing.
func (s *roomStore) PrivateRoomNames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM rooms WHERE is_private")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = struct{}{}
	}
	return names, rows.Err()
}
