// Package store implements the Job Store and Room Store (spec §4.3, §4.6)
// against Postgres via jackc/pgx/v5, following the teacher's pattern of a
// thin pgxpool.Pool wrapped by per-entity query files. The teacher
// generates its queries with sqlc/ent through a code-generation step this
// exercise cannot run, so queries here are hand-written SQL over pgx — the
// justified stdlib-adjacent choice documented in DESIGN.md.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open establishes a pgx connection pool against the given DSN.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return pool, nil
}

// Schema is the DDL for the four relational tables named in spec §6.3
// (the durable queue itself lives in Redis), applied by
// deployment tooling (out of scope per spec §1) before the service starts;
// kept here as the authoritative column/index definition the hand-written
// queries below assume.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id                 UUID PRIMARY KEY,
	join_key           TEXT NOT NULL UNIQUE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity      TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_archived        BOOLEAN NOT NULL DEFAULT false,
	participant_count  INTEGER NOT NULL DEFAULT 0,
	code_snapshot      TEXT NOT NULL DEFAULT '',
	crdt_state         BYTEA
);
CREATE INDEX IF NOT EXISTS rooms_join_key_idx ON rooms (join_key);
CREATE INDEX IF NOT EXISTS rooms_last_activity_idx ON rooms (last_activity);

CREATE TABLE IF NOT EXISTS participants (
	id          UUID PRIMARY KEY,
	room_id     UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id     TEXT NOT NULL,
	joined_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen   TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_active   BOOLEAN NOT NULL DEFAULT true,
	cursor_line INTEGER,
	cursor_col  INTEGER,
	color       TEXT NOT NULL,
	UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS participants_room_id_idx ON participants (room_id);
CREATE INDEX IF NOT EXISTS participants_user_id_idx ON participants (user_id);

CREATE TABLE IF NOT EXISTS compile_jobs (
	id                 UUID PRIMARY KEY,
	room_id            UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id            TEXT NOT NULL,
	code               TEXT NOT NULL,
	options            JSONB NOT NULL,
	state              TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	stdout             TEXT,
	stderr             TEXT,
	exit_code          INTEGER,
	execution_time_ms  BIGINT,
	memory_bytes       BIGINT,
	error_kind         TEXT
);
CREATE INDEX IF NOT EXISTS compile_jobs_room_id_idx ON compile_jobs (room_id);
CREATE INDEX IF NOT EXISTS compile_jobs_state_idx ON compile_jobs (state);
CREATE INDEX IF NOT EXISTS compile_jobs_created_at_idx ON compile_jobs (created_at);
CREATE INDEX IF NOT EXISTS compile_jobs_user_id_idx ON compile_jobs (user_id);

CREATE TABLE IF NOT EXISTS room_snapshots (
	id          UUID PRIMARY KEY,
	room_id     UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	content     TEXT NOT NULL,
	crdt_state  BYTEA,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	kind        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS room_snapshots_room_id_idx ON room_snapshots (room_id);
CREATE INDEX IF NOT EXISTS room_snapshots_created_at_idx ON room_snapshots (created_at);
`
