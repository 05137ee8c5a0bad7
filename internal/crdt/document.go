// Package crdt implements the opaque-update text CRDT contract from spec
// §4.7: a causally-consistent replicated text document exposing only
// ApplyUpdate/EncodeState/EncodeUpdateSince/StateVector, never its
// internal structure. It is a hand-rolled Replicated Growable Array (RGA)
// because no CRDT library appears anywhere in the retrieved corpus (see
// DESIGN.md) — built directly on the standard library rather than a
// third-party dependency, and documented as such.
package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
)

// ID identifies a single character insertion: the author that created it
// and a per-author monotonic counter (Lamport-style).
type ID struct {
	Author  uint32
	Counter uint64
}

func (id ID) less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Author < other.Author
}

// node is one character (or tombstone) in the RGA's causal list.
type node struct {
	id      ID
	left    ID // zero ID means "head"
	hasLeft bool
	ch      rune
	deleted bool

	// tombstoneID is the causal id of the delete event itself, distinct
	// from id (the insertion's own id). Deletions need their own clock
	// tick so that a delete of an already-synced character still shows
	// up in a later EncodeUpdateSince delta; reusing id would mean the
	// tombstone never advances the state vector. Valid only when deleted.
	tombstoneID ID
}

// ErrMalformedUpdate is returned when ApplyUpdate receives an undecodable
// or empty payload (spec §4.7: "rejecting empty or undecodable payloads").
var ErrMalformedUpdate = errors.New("crdt: malformed update")

// ErrUnknownParent is returned when an operation references a left-neighbor
// id the document has never seen — the "impossible causal parent" case
// conflict resolution must recover from.
var ErrUnknownParent = errors.New("crdt: operation references unknown causal parent")

// Document is a single room's collaborative text CRDT. All mutating
// methods are safe to call only under the caller's own external
// serialization (the per-room apply lane in SessionManager); Document
// itself is not internally synchronized, the way a teacher-style
// single-writer-owned structure is documented rather than locked.
type Document struct {
	authorID uint32
	nextSeq  uint64

	nodes   []*node       // causal-insertion order (append-only authorship log)
	byID    map[ID]*node
	clock   map[uint32]uint64 // state vector: highest counter seen per author
}

// NewDocument constructs an empty document owned by authorID (the server's
// own author slot, distinct from client author ids carried in updates).
func NewDocument(authorID uint32) *Document {
	return &Document{
		authorID: authorID,
		byID:     make(map[ID]*node),
		clock:    make(map[uint32]uint64),
	}
}

// Text returns the document's current visible content, in causal/position order.
func (d *Document) Text() string {
	ordered := d.visibleOrder()
	var buf bytes.Buffer
	for _, n := range ordered {
		buf.WriteRune(n.ch)
	}
	return buf.String()
}

// visibleOrder returns non-deleted nodes in left-to-right document order,
// recomputed from the causal graph (RGA's "insert after left, break ties by id desc").
func (d *Document) visibleOrder() []*node {
	children := make(map[ID][]*node) // left id -> nodes inserted right after it
	var heads []*node

	for _, n := range d.nodes {
		if n.hasLeft {
			children[n.left] = append(children[n.left], n)
		} else {
			heads = append(heads, n)
		}
	}
	for k := range children {
		sortSiblings(children[k])
	}
	sortSiblings(heads)

	var out []*node
	var walk func(list []*node)
	walk = func(list []*node) {
		for _, n := range list {
			if !n.deleted {
				out = append(out, n)
			}
			if kids, ok := children[n.id]; ok {
				walk(kids)
			}
		}
	}
	walk(heads)
	return out
}

// sortSiblings orders nodes inserted at the same position by id descending
// (higher counter, then higher author wins position), the standard RGA
// tie-break that guarantees convergence regardless of application order.
func sortSiblings(nodes []*node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[j].id.less(nodes[i].id)
	})
}

// insertOp applies a single local insertion and returns the resulting op,
// without encoding it — used internally so multi-op edits (InsertLocal's
// whole-content replace) encode to one well-formed update blob instead of
// concatenating several independently length-prefixed ones.
func (d *Document) insertOp(afterIdx int, ch rune) (op, error) {
	d.nextSeq++
	id := ID{Author: d.authorID, Counter: d.nextSeq}

	ordered := d.visibleOrder()
	var left ID
	hasLeft := false
	if afterIdx > 0 && afterIdx <= len(ordered) {
		left = ordered[afterIdx-1].id
		hasLeft = true
	} else if afterIdx > len(ordered) {
		return op{}, errors.New("crdt: insert index out of range")
	}

	o := op{kind: opInsert, id: id, left: left, hasLeft: hasLeft, ch: ch}
	d.applyOp(o)
	return o, nil
}

// deleteOp applies a single local tombstone and returns the resulting op.
// The tombstone gets its own id from the document's sequence, separate
// from the target's own id, so the deletion is itself a causal event that
// advances the clock.
func (d *Document) deleteOp(idx int) (op, error) {
	ordered := d.visibleOrder()
	if idx < 0 || idx >= len(ordered) {
		return op{}, errors.New("crdt: delete index out of range")
	}
	target := ordered[idx]
	d.nextSeq++
	delID := ID{Author: d.authorID, Counter: d.nextSeq}
	o := op{kind: opDelete, id: target.id, delID: delID}
	d.applyOp(o)
	return o, nil
}

// Insert inserts ch immediately after the visible character at 1-based
// position `afterIdx` (0 meaning "at the start") in the server's own author slot,
// returning the encoded update to apply locally and broadcast.
func (d *Document) Insert(afterIdx int, ch rune) ([]byte, error) {
	o, err := d.insertOp(afterIdx, ch)
	if err != nil {
		return nil, err
	}
	return encodeUpdate([]op{o}), nil
}

// Delete tombstones the visible character at index idx (0-based), returning
// the encoded update.
func (d *Document) Delete(idx int) ([]byte, error) {
	o, err := d.deleteOp(idx)
	if err != nil {
		return nil, err
	}
	return encodeUpdate([]op{o}), nil
}

// ApplyUpdate decodes and applies an opaque update byte string. Applying
// the same update twice is a no-op (RGA operations are naturally
// idempotent: re-inserting an id that already exists, or re-deleting an
// already-tombstoned id, changes nothing).
func (d *Document) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrMalformedUpdate
	}

	ops, err := decodeUpdate(update)
	if err != nil {
		return ErrMalformedUpdate
	}

	for _, o := range ops {
		if o.kind == opInsert && o.hasLeft {
			if _, ok := d.byID[o.left]; !ok {
				return ErrUnknownParent
			}
		}
		d.applyOp(o)
	}
	return nil
}

func (d *Document) applyOp(o op) {
	switch o.kind {
	case opInsert:
		if _, exists := d.byID[o.id]; exists {
			return // idempotent re-application
		}
		n := &node{id: o.id, left: o.left, hasLeft: o.hasLeft, ch: o.ch}
		d.nodes = append(d.nodes, n)
		d.byID[o.id] = n
		if o.id.Counter > d.clock[o.id.Author] {
			d.clock[o.id.Author] = o.id.Counter
		}
		if o.id.Counter > d.nextSeq {
			d.nextSeq = o.id.Counter
		}
	case opDelete:
		if n, ok := d.byID[o.id]; ok && !n.deleted {
			n.deleted = true
			n.tombstoneID = o.delID
		}
		if o.delID.Counter > d.clock[o.delID.Author] {
			d.clock[o.delID.Author] = o.delID.Counter
		}
		if o.delID.Counter > d.nextSeq {
			d.nextSeq = o.delID.Counter
		}
	}
}

// StateVector returns the document's current per-author version summary,
// encoded as an opaque blob.
func (d *Document) StateVector() []byte {
	return encodeClock(d.clock)
}

// EncodeState returns the full document state as a single opaque update
// blob, suitable for ApplyUpdate on a fresh document.
func (d *Document) EncodeState() []byte {
	ops := make([]op, 0, len(d.nodes))
	for _, n := range d.nodes {
		ops = append(ops, op{kind: opInsert, id: n.id, left: n.left, hasLeft: n.hasLeft, ch: n.ch})
		if n.deleted {
			ops = append(ops, op{kind: opDelete, id: n.id, delID: n.tombstoneID})
		}
	}
	return encodeUpdate(ops)
}

// EncodeUpdateSince returns the minimal delta a peer at the given state
// vector needs to catch up to this document (spec §4.7, §8 "State-vector
// delta" law). A nil/empty stateVector yields this document's full history.
func (d *Document) EncodeUpdateSince(stateVector []byte) []byte {
	peerClock := map[uint32]uint64{}
	if len(stateVector) > 0 {
		if c, err := decodeClock(stateVector); err == nil {
			peerClock = c
		}
	}

	var ops []op
	for _, n := range d.nodes {
		if n.id.Counter > peerClock[n.id.Author] {
			ops = append(ops, op{kind: opInsert, id: n.id, left: n.left, hasLeft: n.hasLeft, ch: n.ch})
		}
		// The delete is its own causal event and is included whenever the
		// peer hasn't seen it yet, independent of whether the insertion
		// itself was included above (the peer may already have the
		// character from an earlier sync).
		if n.deleted && n.tombstoneID.Counter > peerClock[n.tombstoneID.Author] {
			ops = append(ops, op{kind: opDelete, id: n.id, delID: n.tombstoneID})
		}
	}
	return encodeUpdate(ops)
}

// --- wire format ---

type opKind uint8

const (
	opInsert opKind = 1
	opDelete opKind = 2
)

type op struct {
	kind    opKind
	id      ID
	left    ID
	hasLeft bool
	ch      rune

	// delID is the tombstone's own causal id, set only for opDelete.
	delID ID
}

// encodeUpdate serializes ops into the opaque binary update format: a
// small fixed-width record stream (no external schema/codegen available,
// see DESIGN.md), deterministic byte-for-byte given the same ops slice.
func encodeUpdate(ops []op) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ops)))
	for _, o := range ops {
		buf.WriteByte(byte(o.kind))
		_ = binary.Write(&buf, binary.BigEndian, o.id.Author)
		_ = binary.Write(&buf, binary.BigEndian, o.id.Counter)
		switch o.kind {
		case opInsert:
			if o.hasLeft {
				buf.WriteByte(1)
				_ = binary.Write(&buf, binary.BigEndian, o.left.Author)
				_ = binary.Write(&buf, binary.BigEndian, o.left.Counter)
			} else {
				buf.WriteByte(0)
			}
			_ = binary.Write(&buf, binary.BigEndian, int32(o.ch))
		case opDelete:
			_ = binary.Write(&buf, binary.BigEndian, o.delID.Author)
			_ = binary.Write(&buf, binary.BigEndian, o.delID.Counter)
		}
	}
	return buf.Bytes()
}

func decodeUpdate(data []byte) ([]op, error) {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	ops := make([]op, 0, n)
	for i := uint32(0); i < n; i++ {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		o := op{kind: opKind(kindByte)}
		if err := binary.Read(r, binary.BigEndian, &o.id.Author); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &o.id.Counter); err != nil {
			return nil, err
		}
		switch o.kind {
		case opInsert:
			hasLeftByte, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if hasLeftByte == 1 {
				o.hasLeft = true
				if err := binary.Read(r, binary.BigEndian, &o.left.Author); err != nil {
					return nil, err
				}
				if err := binary.Read(r, binary.BigEndian, &o.left.Counter); err != nil {
					return nil, err
				}
			}
			var ch int32
			if err := binary.Read(r, binary.BigEndian, &ch); err != nil {
				return nil, err
			}
			o.ch = rune(ch)
		case opDelete:
			if err := binary.Read(r, binary.BigEndian, &o.delID.Author); err != nil {
				return nil, err
			}
			if err := binary.Read(r, binary.BigEndian, &o.delID.Counter); err != nil {
				return nil, err
			}
		default:
			return nil, ErrMalformedUpdate
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func encodeClock(clock map[uint32]uint64) []byte {
	authors := make([]uint32, 0, len(clock))
	for a := range clock {
		authors = append(authors, a)
	}
	sort.Slice(authors, func(i, j int) bool { return authors[i] < authors[j] })

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(authors)))
	for _, a := range authors {
		_ = binary.Write(&buf, binary.BigEndian, a)
		_ = binary.Write(&buf, binary.BigEndian, clock[a])
	}
	return buf.Bytes()
}

func decodeClock(data []byte) (map[uint32]uint64, error) {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	out := make(map[uint32]uint64, n)
	for i := uint32(0); i < n; i++ {
		var author uint32
		var counter uint64
		if err := binary.Read(r, binary.BigEndian, &author); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &counter); err != nil {
			return nil, err
		}
		out[author] = counter
	}
	return out, nil
}

// SeedText seeds an empty document with initial plain text, used when
// restoring from a Snapshot's `content` rather than its `crdtState` (spec
// §4.7 restoration order, step (c)).
func (d *Document) SeedText(text string) {
	var left ID
	hasLeft := false
	for _, ch := range text {
		d.nextSeq++
		id := ID{Author: d.authorID, Counter: d.nextSeq}
		n := &node{id: id, left: left, hasLeft: hasLeft, ch: ch}
		d.nodes = append(d.nodes, n)
		d.byID[id] = n
		d.clock[d.authorID] = d.nextSeq
		left = id
		hasLeft = true
	}
}
