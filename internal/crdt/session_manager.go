package crdt

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/collab-core/internal/domain"
	"github.com/e2b-dev/collab-core/internal/logger"
)

// RoomStore is the subset of store.RoomStore the session manager depends
// on, kept narrow so tests can substitute an in-memory fake (the teacher's
// internal/testhacks discipline of small interfaces over concrete stores).
type RoomStore interface {
	FindByID(ctx context.Context, id string) (*domain.Room, error)
	UpdateSnapshot(ctx context.Context, roomID, content string, crdtState []byte) error
	CreateSnapshot(ctx context.Context, roomID, content string, crdtState []byte, kind domain.SnapshotKind) (*domain.Snapshot, error)
	LatestSnapshot(ctx context.Context, roomID string) (*domain.Snapshot, error)
}

// Broadcaster fans an encoded update out to every other connection
// subscribed to a room (spec §4.7 "Fan-out and ordering"). Implemented by
// the WebSocket layer; the session manager only calls it from within the
// room's own apply lane, so delivery order matches apply order.
type Broadcaster interface {
	Broadcast(roomID string, excludeConnID string, update []byte)
	NotifyConflictResolved(roomID string, connID string, resolvedState []byte)
	NotifyConflictFailed(roomID string, connID string, message string)
	NotifyWarning(roomID string, connID string, warnings []string)
}

const (
	autoSnapshotOpThreshold = 100
	periodicSnapshotEvery   = 30 * time.Second
	debouncePersistEvery    = 1 * time.Second
)

// room bundles a single room's document with its snapshot-policy state.
// All access is serialized through the room's own mutex, playing the role
// of the spec's "per-room apply lane".
type room struct {
	mu sync.Mutex

	doc *Document

	opsSinceSnapshot int
	lastDebounce     time.Time
	periodicTicker   *time.Ticker
	stopPeriodic     chan struct{}
}

// SessionManager owns every in-memory room document (spec §4.7).
type SessionManager struct {
	rooms RoomStore
	bcast Broadcaster

	mu       sync.Mutex
	byRoomID map[string]*room

	serverAuthorID uint32
}

// NewSessionManager constructs a SessionManager backed by the given stores.
func NewSessionManager(rooms RoomStore, bcast Broadcaster) *SessionManager {
	return &SessionManager{
		rooms:          rooms,
		bcast:          bcast,
		byRoomID:       make(map[string]*room),
		serverAuthorID: 0,
	}
}

// getOrInit returns the in-memory room, constructing it via
// InitializeDocument if absent.
func (sm *SessionManager) getOrInit(ctx context.Context, roomID string) (*room, error) {
	sm.mu.Lock()
	r, ok := sm.byRoomID[roomID]
	sm.mu.Unlock()
	if ok {
		return r, nil
	}
	return sm.InitializeDocument(ctx, roomID)
}

// InitializeDocument returns the in-memory document for roomID, or
// constructs one via the restoration order in spec §4.7: (a) the room's
// persisted crdtState if it decodes and validates; else (b) the latest
// Snapshot's crdtState; else (c) seed from Snapshot/room codeSnapshot text;
// else empty.
func (sm *SessionManager) InitializeDocument(ctx context.Context, roomID string) (*room, error) {
	sm.mu.Lock()
	if r, ok := sm.byRoomID[roomID]; ok {
		sm.mu.Unlock()
		return r, nil
	}
	sm.mu.Unlock()

	doc := NewDocument(sm.serverAuthorID)

	rm, err := sm.rooms.FindByID(ctx, roomID)
	if err != nil {
		return nil, err
	}

	restored := false

	if len(rm.CRDTState) > 0 {
		candidate := NewDocument(sm.serverAuthorID)
		if applyErr := candidate.ApplyUpdate(rm.CRDTState); applyErr == nil {
			if errs, _ := sm.validate(candidate, roomID); len(errs) == 0 {
				doc = candidate
				restored = true
			}
		}
	}

	if !restored {
		if snap, err := sm.rooms.LatestSnapshot(ctx, roomID); err == nil {
			if len(snap.CRDTState) > 0 {
				candidate := NewDocument(sm.serverAuthorID)
				if applyErr := candidate.ApplyUpdate(snap.CRDTState); applyErr == nil {
					doc = candidate
					restored = true
				}
			}
			if !restored && snap.Content != "" {
				doc.SeedText(snap.Content)
				restored = true
			}
		}
	}

	if !restored && rm.CodeSnapshot != "" {
		doc.SeedText(rm.CodeSnapshot)
	}

	r := &room{doc: doc, lastDebounce: time.Now(), stopPeriodic: make(chan struct{})}
	sm.installPeriodicSnapshot(roomID, r)

	sm.mu.Lock()
	sm.byRoomID[roomID] = r
	sm.mu.Unlock()

	return r, nil
}

func (sm *SessionManager) installPeriodicSnapshot(roomID string, r *room) {
	r.periodicTicker = time.NewTicker(periodicSnapshotEvery)
	go func() {
		for {
			select {
			case <-r.stopPeriodic:
				return
			case <-r.periodicTicker.C:
				r.mu.Lock()
				content := r.doc.Text()
				r.mu.Unlock()
				if content == "" {
					continue
				}
				if _, err := sm.rooms.CreateSnapshot(context.Background(), roomID, content, r.doc.EncodeState(), domain.SnapshotAuto); err != nil {
					logger.L().Warn(context.Background(), "periodic snapshot failed", zap.String("room_id", roomID), zap.Error(err))
				}
			}
		}
	}()
}

// DocumentContent returns the current "code" text for a room.
func (sm *SessionManager) DocumentContent(ctx context.Context, roomID string) (string, error) {
	r, err := sm.getOrInit(ctx, roomID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Text(), nil
}

// StateVector returns the room document's current state vector.
func (sm *SessionManager) StateVector(ctx context.Context, roomID string) ([]byte, error) {
	r, err := sm.getOrInit(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.StateVector(), nil
}

// EncodeUpdateSince returns the minimal delta since the peer's state vector.
func (sm *SessionManager) EncodeUpdateSince(ctx context.Context, roomID string, peerStateVector []byte) ([]byte, error) {
	r, err := sm.getOrInit(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeUpdateSince(peerStateVector), nil
}

// ApplyClientUpdate validates, applies, snapshots-if-due and broadcasts a
// client-submitted update (spec §4.7 "Fan-out and ordering" + conflict
// resolution). connID identifies the originating connection so it is
// excluded from the broadcast and can be individually notified of
// conflict-resolution outcomes.
func (sm *SessionManager) ApplyClientUpdate(ctx context.Context, roomID, connID string, update []byte) error {
	if len(update) == 0 {
		return ErrMalformedUpdate
	}

	r, err := sm.getOrInit(ctx, roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	applyErr := r.doc.ApplyUpdate(update)
	r.mu.Unlock()

	if applyErr != nil {
		// A non-empty but undecodable payload is rejected outright: it is
		// never a legitimate causal conflict, and running it through
		// resolveConflict would waste a Backup snapshot write and mask
		// the INVALID_UPDATE code behind conflict-resolution plumbing.
		if errors.Is(applyErr, ErrMalformedUpdate) {
			return applyErr
		}
		return sm.resolveConflict(ctx, roomID, connID, r, update, applyErr)
	}

	sm.bcast.Broadcast(roomID, connID, update)

	sm.afterApply(ctx, roomID, r)

	if warnings := sm.integrityWarnings(r); len(warnings) > 0 {
		sm.bcast.NotifyWarning(roomID, connID, warnings)
	}

	return nil
}

// afterApply advances the operation counter and runs the snapshot policy:
// an Auto snapshot at the 100-op threshold, and a throttled (<=1/s)
// debounce-write of the latest state into Room.crdtState.
func (sm *SessionManager) afterApply(ctx context.Context, roomID string, r *room) {
	r.mu.Lock()
	r.opsSinceSnapshot++
	due := r.opsSinceSnapshot >= autoSnapshotOpThreshold
	if due {
		r.opsSinceSnapshot = 0
	}
	canDebounce := time.Since(r.lastDebounce) >= debouncePersistEvery
	var content string
	var state []byte
	if due || canDebounce {
		content = r.doc.Text()
		state = r.doc.EncodeState()
		if canDebounce {
			r.lastDebounce = time.Now()
		}
	}
	r.mu.Unlock()

	if due {
		if _, err := sm.rooms.CreateSnapshot(ctx, roomID, content, state, domain.SnapshotAuto); err != nil {
			logger.L().Warn(ctx, "auto snapshot failed", zap.String("room_id", roomID), zap.Error(err))
		}
		return
	}

	if canDebounce {
		if err := sm.rooms.UpdateSnapshot(ctx, roomID, content, state); err != nil {
			logger.L().Warn(ctx, "debounce persist failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// CreateSnapshot creates an explicit snapshot of the given kind.
func (sm *SessionManager) CreateSnapshot(ctx context.Context, roomID string, kind domain.SnapshotKind) (*domain.Snapshot, error) {
	r, err := sm.getOrInit(ctx, roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	content := r.doc.Text()
	state := r.doc.EncodeState()
	r.mu.Unlock()

	return sm.rooms.CreateSnapshot(ctx, roomID, content, state, kind)
}

// ValidateIntegrity encodes the document to bytes, decodes into a fresh
// document, and checks the decoded text equals the original (spec §4.7,
// §8 invariant). errors are fatal; warnings are soft.
func (sm *SessionManager) ValidateIntegrity(ctx context.Context, roomID string) (errs []string, warnings []string, err error) {
	r, err := sm.getOrInit(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, w := sm.validate(r.doc, roomID)
	return e, w, nil
}

func (sm *SessionManager) validate(doc *Document, roomID string) (errs []string, warnings []string) {
	encoded := doc.EncodeState()
	fresh := NewDocument(sm.serverAuthorID)
	if err := fresh.ApplyUpdate(encoded); err != nil && len(encoded) > 0 {
		errs = append(errs, "failed to decode encoded state: "+err.Error())
		return errs, warnings
	}
	if fresh.Text() != doc.Text() {
		errs = append(errs, "round-trip text mismatch")
	}
	if len(encoded) > 1<<20 {
		warnings = append(warnings, "encoded document state exceeds 1MB")
	}
	return errs, warnings
}

func (sm *SessionManager) integrityWarnings(r *room) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, warnings := sm.validate(r.doc, "")
	return warnings
}

// resolveConflict implements spec §4.7's conflict-resolution procedure.
// cause is the error ApplyUpdate originally failed with (always
// ErrUnknownParent by the time this is called, since ApplyClientUpdate
// rejects ErrMalformedUpdate before reaching here); it is returned, not
// masked, if recovery does not succeed.
func (sm *SessionManager) resolveConflict(ctx context.Context, roomID, connID string, r *room, failingUpdate []byte, cause error) error {
	r.mu.Lock()
	knownGoodContent := r.doc.Text()
	knownGoodState := r.doc.EncodeState()
	r.mu.Unlock()

	if _, err := sm.rooms.CreateSnapshot(ctx, roomID, knownGoodContent, knownGoodState, domain.SnapshotBackup); err != nil {
		logger.L().Warn(ctx, "backup snapshot before conflict resolution failed", zap.String("room_id", roomID), zap.Error(err))
	}

	scratch := NewDocument(sm.serverAuthorID)
	if err := scratch.ApplyUpdate(knownGoodState); err == nil {
		if err := scratch.ApplyUpdate(failingUpdate); err == nil {
			r.mu.Lock()
			r.doc = scratch
			r.mu.Unlock()

			resolvedState := scratch.EncodeState()
			if err := sm.rooms.UpdateSnapshot(ctx, roomID, scratch.Text(), resolvedState); err != nil {
				logger.L().Warn(ctx, "persisting resolved state failed", zap.String("room_id", roomID), zap.Error(err))
			}
			sm.bcast.NotifyConflictResolved(roomID, connID, resolvedState)
			return nil
		}
	}

	if snap, err := sm.rooms.LatestSnapshot(ctx, roomID); err == nil {
		restored := NewDocument(sm.serverAuthorID)
		if len(snap.CRDTState) > 0 {
			_ = restored.ApplyUpdate(snap.CRDTState)
		} else {
			restored.SeedText(snap.Content)
		}
		r.mu.Lock()
		r.doc = restored
		r.mu.Unlock()
	}

	sm.bcast.NotifyConflictFailed(roomID, connID, "could not apply or recover from the failing update")
	return cause
}

// CleanupRoom cancels timers, destroys the document and removes the room
// from the registry.
func (sm *SessionManager) CleanupRoom(roomID string) {
	sm.mu.Lock()
	r, ok := sm.byRoomID[roomID]
	if ok {
		delete(sm.byRoomID, roomID)
	}
	sm.mu.Unlock()

	if !ok {
		return
	}
	if r.periodicTicker != nil {
		r.periodicTicker.Stop()
	}
	close(r.stopPeriodic)
}

// ArchiveRoom takes a Backup snapshot before archival, as required by
// spec §4.7.
func (sm *SessionManager) ArchiveRoom(ctx context.Context, roomID string) error {
	if _, err := sm.CreateSnapshot(ctx, roomID, domain.SnapshotBackup); err != nil {
		return err
	}
	return nil
}

// InsertLocal applies a server-originated local edit (used by HTTP PUT
// /rooms/{roomId} when a caller pushes plain content without a CRDT
// update) and broadcasts the resulting delta to all connections.
func (sm *SessionManager) InsertLocal(ctx context.Context, roomID string, text string) error {
	r, err := sm.getOrInit(ctx, roomID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	current := r.doc.Text()
	r.mu.Unlock()

	if current == text {
		return nil
	}

	// Rebuild wholesale: delete everything then re-insert, which keeps the
	// op log simple for the server-authored "replace whole content" path
	// the HTTP surface exposes (distinct from the incremental WS path).
	r.mu.Lock()
	n := len([]rune(current))
	var ops []op
	for i := n - 1; i >= 0; i-- {
		o, err := r.doc.deleteOp(i)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		ops = append(ops, o)
	}
	idx := 0
	for _, ch := range text {
		o, err := r.doc.insertOp(idx, ch)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		ops = append(ops, o)
		idx++
	}
	combined := encodeUpdate(ops)
	r.mu.Unlock()

	sm.bcast.Broadcast(roomID, "", combined)
	sm.afterApply(ctx, roomID, r)
	return nil
}
