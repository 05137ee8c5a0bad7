// Package domain holds the entity types and enums from spec §3, shared by
// the store, CRDT session manager and Control Surface layers.
package domain

import (
	"regexp"
	"time"
)

var joinKeyPattern = regexp.MustCompile(`^[A-Z0-9]{12}$`)

// ValidJoinKey reports whether key matches the required join-key shape.
func ValidJoinKey(key string) bool {
	return joinKeyPattern.MatchString(key)
}

// Room is a collaboration room (spec §3 "Room").
type Room struct {
	ID               string
	JoinKey          string
	CreatedAt        time.Time
	LastActivity     time.Time
	IsArchived       bool
	ParticipantCount int
	CodeSnapshot     string
	CRDTState        []byte
}

// Cursor is a zero/one-based line/column position (spec: cursor).
type Cursor struct {
	Line   int `json:"lineNumber"`
	Column int `json:"column"`
}

// Valid reports whether the cursor satisfies line>=1, column>=0.
func (c Cursor) Valid() bool {
	return c.Line >= 1 && c.Column >= 0
}

// ParticipantColorPalette is the fixed 10-color palette participants are
// assigned from, deterministically, on first join.
var ParticipantColorPalette = [10]string{
	"#EF4444", "#F97316", "#F59E0B", "#84CC16", "#22C55E",
	"#14B8A6", "#3B82F6", "#6366F1", "#A855F7", "#EC4899",
}

// Participant is one row per (room, user) (spec §3 "Participant").
type Participant struct {
	ID       string
	RoomID   string
	UserID   string
	JoinedAt time.Time
	LastSeen time.Time
	IsActive bool
	Cursor   *Cursor
	Color    string
}

// SnapshotKind enumerates why a Snapshot was taken.
type SnapshotKind string

const (
	SnapshotAuto   SnapshotKind = "Auto"
	SnapshotManual SnapshotKind = "Manual"
	SnapshotBackup SnapshotKind = "Backup"
)

// Snapshot is one row per room snapshot event (spec §3 "Snapshot").
type Snapshot struct {
	ID        string
	RoomID    string
	Content   string
	CRDTState []byte
	CreatedAt time.Time
	Kind      SnapshotKind
}
