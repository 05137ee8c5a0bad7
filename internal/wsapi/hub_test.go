package wsapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(connID string) *Client {
	return newClient(nil, connID)
}

func drainEnvelope(t *testing.T, c *Client) envelope {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "client's send channel was closed instead of receiving a message")
		var env envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	default:
		t.Fatal("expected a message on the client's send channel, got none")
		return envelope{}
	}
}

func TestHubAddGetRemove(t *testing.T) {
	t.Parallel()

	h := NewHub()
	c := newTestClient("conn-1")

	h.add("room-1", c)
	got, ok := h.get("room-1", "conn-1")
	assert.True(t, ok)
	assert.Same(t, c, got)

	h.remove("room-1", "conn-1")
	_, ok = h.get("room-1", "conn-1")
	assert.False(t, ok)
}

func TestHubEachVisitsEveryClientInRoomOnly(t *testing.T) {
	t.Parallel()

	h := NewHub()
	a := newTestClient("a")
	b := newTestClient("b")
	other := newTestClient("other")

	h.add("room-1", a)
	h.add("room-1", b)
	h.add("room-2", other)

	visited := make(map[string]bool)
	h.each("room-1", func(c *Client) { visited[c.connID] = true })

	assert.True(t, visited["a"])
	assert.True(t, visited["b"])
	assert.False(t, visited["other"])
}

func TestBroadcastExcludesOneConnection(t *testing.T) {
	t.Parallel()

	h := NewHub()
	sender := newTestClient("sender")
	receiver := newTestClient("receiver")
	h.add("room-1", sender)
	h.add("room-1", receiver)

	h.Broadcast("room-1", "sender", []byte{1, 2, 3})

	env := drainEnvelope(t, receiver)
	assert.Equal(t, "crdt-update", env.Event)

	select {
	case <-sender.send:
		t.Fatal("excluded connection must not receive the broadcast")
	default:
	}
}

func TestNotifyConflictResolvedTargetsOnlyThatConnection(t *testing.T) {
	t.Parallel()

	h := NewHub()
	c := newTestClient("conn-1")
	h.add("room-1", c)

	h.NotifyConflictResolved("room-1", "conn-1", []byte{9})
	env := drainEnvelope(t, c)
	assert.Equal(t, "crdt-conflict-resolved", env.Event)
}

func TestNotifyConflictFailedIsNoOpForUnknownConnection(t *testing.T) {
	t.Parallel()

	h := NewHub()
	assert.NotPanics(t, func() { h.NotifyConflictFailed("room-1", "ghost", "boom") })
}

func TestNotifyWarningDeliversWarnings(t *testing.T) {
	t.Parallel()

	h := NewHub()
	c := newTestClient("conn-1")
	h.add("room-1", c)

	h.NotifyWarning("room-1", "conn-1", []string{"tombstone ratio high"})
	env := drainEnvelope(t, c)
	assert.Equal(t, "crdt-warning", env.Event)

	var payload crdtWarningMsg
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, []string{"tombstone ratio high"}, payload.Warnings)
}
