package wsapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteSeqMarshalsAsIntArray(t *testing.T) {
	t.Parallel()

	b := byteSeq{0x01, 0xff, 0x10}
	out, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, "[1,255,16]", string(out))
}

func TestByteSeqMarshalsEmptyAsEmptyArrayNotNull(t *testing.T) {
	t.Parallel()

	var b byteSeq
	out, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(out))
}

func TestByteSeqRoundTrip(t *testing.T) {
	t.Parallel()

	original := byteSeq{0, 1, 2, 253, 254, 255}
	out, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded byteSeq
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, original, decoded)
}

func TestByteSeqEmbeddedInEnvelopeIsNotBase64(t *testing.T) {
	t.Parallel()

	msg := crdtUpdateMsg{RoomID: "room-1", Update: byteSeq{1, 2, 3}}
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"roomId":"room-1","update":[1,2,3]}`, string(out))
}
