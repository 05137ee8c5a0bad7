package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/e2b-dev/collab-core/internal/apperr"
	"github.com/e2b-dev/collab-core/internal/domain"
)

// RoomStore is the durable record of rooms, participants and snapshots
// (spec §4.6).
type RoomStore struct {
	pool *pgxpool.Pool
}

// NewRoomStore constructs a RoomStore over an existing pool.
func NewRoomStore(pool *pgxpool.Pool) *RoomStore {
	return &RoomStore{pool: pool}
}

const joinKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateJoinKey returns a uniformly-random 12-char uppercase-alphanumeric
// string using crypto/rand — the one deliberate stdlib choice in the
// identifier path (see DESIGN.md): no short-code generator library exists
// anywhere in the retrieved corpus, and a user-facing join key needs
// cryptographically uniform randomness rather than a convenience wrapper.
func generateJoinKey() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 12)
	for i, b := range buf {
		out[i] = joinKeyAlphabet[int(b)%len(joinKeyAlphabet)]
	}
	return string(out), nil
}

const maxJoinKeyRetries = 10

// CreateRoom creates a room with a fresh, collision-free join key, retrying
// generation up to 10 times before surfacing a Conflict error without
// persisting a partial row (spec §4.6, §8 boundary behavior).
func (s *RoomStore) CreateRoom(ctx context.Context) (*domain.Room, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	for attempt := 0; attempt < maxJoinKeyRetries; attempt++ {
		key, err := generateJoinKey()
		if err != nil {
			return nil, fmt.Errorf("generating join key: %w", err)
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO rooms (id, join_key, created_at, last_activity, is_archived, participant_count, code_snapshot)
			VALUES ($1, $2, $3, $3, false, 0, '')`, id, key, now)
		if err == nil {
			return &domain.Room{
				ID: id, JoinKey: key, CreatedAt: now, LastActivity: now,
			}, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			continue
		}
		return nil, fmt.Errorf("inserting room: %w", err)
	}

	return nil, apperr.New(apperr.KindConflict, "exhausted join key generation retries")
}

func scanRoom(row pgx.Row) (*domain.Room, error) {
	var r domain.Room
	err := row.Scan(&r.ID, &r.JoinKey, &r.CreatedAt, &r.LastActivity, &r.IsArchived,
		&r.ParticipantCount, &r.CodeSnapshot, &r.CRDTState)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const roomColumns = `id, join_key, created_at, last_activity, is_archived, participant_count, code_snapshot, crdt_state`

// FindByID returns a room by id.
func (s *RoomStore) FindByID(ctx context.Context, id string) (*domain.Room, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id)
	r, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "room not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning room: %w", err)
	}
	return r, nil
}

// FindByJoinKey returns a room by its externally-visible join key.
func (s *RoomStore) FindByJoinKey(ctx context.Context, key string) (*domain.Room, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE join_key = $1`, key)
	r, err := scanRoom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "room not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning room: %w", err)
	}
	return r, nil
}

// IncrementParticipantCount atomically increments participant_count and
// bumps last_activity.
func (s *RoomStore) IncrementParticipantCount(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE rooms SET participant_count = participant_count + 1,
		last_activity = now() WHERE id = $1`, roomID)
	return err
}

// DecrementParticipantCount atomically decrements participant_count, floored at 0.
func (s *RoomStore) DecrementParticipantCount(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE rooms SET participant_count = GREATEST(participant_count - 1, 0)
		WHERE id = $1`, roomID)
	return err
}

// Archive marks a room archived; archived rooms reject joins and updates.
func (s *RoomStore) Archive(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE rooms SET is_archived = true WHERE id = $1`, roomID)
	return err
}

// FindInactiveRooms returns non-archived rooms whose last_activity is older
// than the given inactivity threshold.
func (s *RoomStore) FindInactiveRooms(ctx context.Context, hours int) ([]*domain.Room, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roomColumns+` FROM rooms
		WHERE is_archived = false AND last_activity < now() - ($1 || ' hours')::interval`, hours)
	if err != nil {
		return nil, fmt.Errorf("querying inactive rooms: %w", err)
	}
	defer rows.Close()

	var out []*domain.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateSnapshot writes the room's live code/CRDT snapshot and bumps
// last_activity, rejecting archived rooms (spec §3 Room invariant).
func (s *RoomStore) UpdateSnapshot(ctx context.Context, roomID, content string, crdtState []byte) error {
	tag, err := s.pool.Exec(ctx, `UPDATE rooms SET code_snapshot = $1, crdt_state = $2, last_activity = now()
		WHERE id = $3 AND is_archived = false`, content, crdtState, roomID)
	if err != nil {
		return fmt.Errorf("updating room snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindArchived, "room is archived or does not exist")
	}
	return nil
}

// --- Participants ---

// MarkActive upserts a participant as active, assigning a color
// deterministically from the fixed palette on first creation.
func (s *RoomStore) MarkActive(ctx context.Context, roomID, userID string) (*domain.Participant, error) {
	var existingCount int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM participants WHERE room_id = $1`, roomID).Scan(&existingCount); err != nil {
		return nil, fmt.Errorf("counting participants: %w", err)
	}
	color := domain.ParticipantColorPalette[existingCount%len(domain.ParticipantColorPalette)]

	id := uuid.NewString()
	now := time.Now().UTC()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO participants (id, room_id, user_id, joined_at, last_seen, is_active, color)
		VALUES ($1, $2, $3, $4, $4, true, $5)
		ON CONFLICT (room_id, user_id) DO UPDATE SET
			is_active = true, last_seen = $4
		RETURNING id, room_id, user_id, joined_at, last_seen, is_active, cursor_line, cursor_col, color`,
		id, roomID, userID, now, color)

	return scanParticipant(row)
}

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	var (
		p                    domain.Participant
		cursorLine, cursorCol *int
	)
	err := row.Scan(&p.ID, &p.RoomID, &p.UserID, &p.JoinedAt, &p.LastSeen, &p.IsActive, &cursorLine, &cursorCol, &p.Color)
	if err != nil {
		return nil, err
	}
	if cursorLine != nil && cursorCol != nil {
		p.Cursor = &domain.Cursor{Line: *cursorLine, Column: *cursorCol}
	}
	return &p, nil
}

// MarkInactive marks a participant inactive on disconnect.
func (s *RoomStore) MarkInactive(ctx context.Context, roomID, userID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE participants SET is_active = false, last_seen = now()
		WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	return err
}

// UpdateCursor records a participant's cursor position.
func (s *RoomStore) UpdateCursor(ctx context.Context, roomID, userID string, cursor domain.Cursor) error {
	_, err := s.pool.Exec(ctx, `UPDATE participants SET cursor_line = $1, cursor_col = $2, last_seen = now()
		WHERE room_id = $3 AND user_id = $4`, cursor.Line, cursor.Column, roomID, userID)
	return err
}

// UpdatePresence refreshes last_seen/is_active for a participant.
func (s *RoomStore) UpdatePresence(ctx context.Context, roomID, userID string, active bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE participants SET is_active = $1, last_seen = now()
		WHERE room_id = $2 AND user_id = $3`, active, roomID, userID)
	return err
}

// FindParticipants returns every participant of a room.
func (s *RoomStore) FindParticipants(ctx context.Context, roomID string) ([]*domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, room_id, user_id, joined_at, last_seen, is_active, cursor_line, cursor_col, color
		FROM participants WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CleanupInactive marks participants inactive after minutes since last_seen
// without deleting them (spec §4.8: "sweeps do not delete, so rejoin
// preserves color").
func (s *RoomStore) CleanupInactive(ctx context.Context, minutes int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE participants SET is_active = false
		WHERE is_active = true AND last_seen < now() - ($1 || ' minutes')::interval`, minutes)
	if err != nil {
		return 0, fmt.Errorf("cleaning up inactive participants: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Snapshots ---

const maxSnapshotsPerRoom = 20

// CreateSnapshot writes a snapshot row and prunes older snapshots beyond
// the per-room cap (spec §4.7 snapshot policy).
func (s *RoomStore) CreateSnapshot(ctx context.Context, roomID, content string, crdtState []byte, kind domain.SnapshotKind) (*domain.Snapshot, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_snapshots (id, room_id, content, crdt_state, created_at, kind)
		VALUES ($1, $2, $3, $4, $5, $6)`, id, roomID, content, crdtState, now, kind)
	if err != nil {
		return nil, fmt.Errorf("inserting snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		DELETE FROM room_snapshots WHERE room_id = $1 AND id NOT IN (
			SELECT id FROM room_snapshots WHERE room_id = $1 ORDER BY created_at DESC LIMIT $2
		)`, roomID, maxSnapshotsPerRoom)
	if err != nil {
		return nil, fmt.Errorf("pruning snapshots: %w", err)
	}

	return &domain.Snapshot{ID: id, RoomID: roomID, Content: content, CRDTState: crdtState, CreatedAt: now, Kind: kind}, nil
}

// LatestSnapshot returns the most recent snapshot for a room, or
// apperr.KindNotFound if none exists.
func (s *RoomStore) LatestSnapshot(ctx context.Context, roomID string) (*domain.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, room_id, content, crdt_state, created_at, kind
		FROM room_snapshots WHERE room_id = $1 ORDER BY created_at DESC LIMIT 1`, roomID)

	var snap domain.Snapshot
	err := row.Scan(&snap.ID, &snap.RoomID, &snap.Content, &snap.CRDTState, &snap.CreatedAt, &snap.Kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "no snapshot for room")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning latest snapshot: %w", err)
	}
	return &snap, nil
}
