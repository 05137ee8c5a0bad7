package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndText(t *testing.T) {
	doc := NewDocument(1)

	_, err := doc.Insert(0, 'h')
	require.NoError(t, err)
	_, err = doc.Insert(1, 'i')
	require.NoError(t, err)

	assert.Equal(t, "hi", doc.Text())
}

func TestIdempotentUpdateApplication(t *testing.T) {
	a := NewDocument(1)
	update, err := a.Insert(0, 'x')
	require.NoError(t, err)

	b := NewDocument(2)
	require.NoError(t, b.ApplyUpdate(update))
	before := b.Text()

	require.NoError(t, b.ApplyUpdate(update))
	after := b.Text()

	assert.Equal(t, before, after, "applying the same update twice must be a no-op")
}

func TestRoundTripRestoration(t *testing.T) {
	a := NewDocument(1)
	for i, ch := range "hello" {
		_, err := a.Insert(i, ch)
		require.NoError(t, err)
	}

	state := a.EncodeState()

	b := NewDocument(2)
	require.NoError(t, b.ApplyUpdate(state))

	assert.Equal(t, a.Text(), b.Text())
}

func TestStateVectorDelta(t *testing.T) {
	a := NewDocument(1)
	for i, ch := range "ab" {
		_, err := a.Insert(i, ch)
		require.NoError(t, err)
	}

	b := NewDocument(2)
	require.NoError(t, b.ApplyUpdate(a.EncodeState()))

	// A advances further.
	_, err := a.Insert(2, 'c')
	require.NoError(t, err)

	delta := a.EncodeUpdateSince(b.StateVector())
	require.NoError(t, b.ApplyUpdate(delta))

	assert.Equal(t, a.Text(), b.Text())
}

func TestApplyUpdateRejectsMalformedPayloads(t *testing.T) {
	doc := NewDocument(1)

	err := doc.ApplyUpdate(nil)
	assert.ErrorIs(t, err, ErrMalformedUpdate)

	err = doc.ApplyUpdate([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestApplyUpdateRejectsUnknownParent(t *testing.T) {
	producer := NewDocument(1)
	_, err := producer.Insert(0, 'a')
	require.NoError(t, err)
	update, err := producer.Insert(1, 'b')
	require.NoError(t, err)

	fresh := NewDocument(2)
	err = fresh.ApplyUpdate(update)
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestDeleteTombstonesCharacter(t *testing.T) {
	doc := NewDocument(1)
	for i, ch := range "abc" {
		_, err := doc.Insert(i, ch)
		require.NoError(t, err)
	}

	_, err := doc.Delete(1)
	require.NoError(t, err)

	assert.Equal(t, "ac", doc.Text())
}

func TestSeedText(t *testing.T) {
	doc := NewDocument(1)
	doc.SeedText("seed")
	assert.Equal(t, "seed", doc.Text())

	encoded := doc.EncodeState()
	fresh := NewDocument(2)
	require.NoError(t, fresh.ApplyUpdate(encoded))
	assert.Equal(t, "seed", fresh.Text())
}

func TestDeleteAfterSyncStillAppearsInLaterDelta(t *testing.T) {
	a := NewDocument(1)
	_, err := a.Insert(0, 'x')
	require.NoError(t, err)

	p := NewDocument(2)
	require.NoError(t, p.ApplyUpdate(a.EncodeState()))
	require.Equal(t, "x", p.Text())

	_, err = a.Delete(0)
	require.NoError(t, err)

	delta := a.EncodeUpdateSince(p.StateVector())
	require.NotEmpty(t, delta, "a delete of an already-synced character must still produce a non-empty delta")
	require.NoError(t, p.ApplyUpdate(delta))

	assert.Equal(t, a.Text(), p.Text())
	assert.Equal(t, "", p.Text())
}

func TestConcurrentInsertsConverge(t *testing.T) {
	base := NewDocument(1)
	for i, ch := range "ac" {
		_, err := base.Insert(i, ch)
		require.NoError(t, err)
	}
	baseState := base.EncodeState()

	replicaA := NewDocument(10)
	require.NoError(t, replicaA.ApplyUpdate(baseState))
	replicaB := NewDocument(20)
	require.NoError(t, replicaB.ApplyUpdate(baseState))

	// Both replicas concurrently insert 'b' between 'a' and 'c'.
	updA, err := replicaA.Insert(1, 'b')
	require.NoError(t, err)
	updB, err := replicaB.Insert(1, 'b')
	require.NoError(t, err)

	require.NoError(t, replicaA.ApplyUpdate(updB))
	require.NoError(t, replicaB.ApplyUpdate(updA))

	assert.Equal(t, replicaA.Text(), replicaB.Text(), "concurrent inserts must converge to the same text")
	assert.Len(t, replicaA.Text(), 4)
}
