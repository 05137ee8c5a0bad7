package wsapi

import "encoding/json"

// byteSeq carries binary payloads the way spec §6.2 requires: as a JSON
// array of byte values rather than encoding/json's default base64 string,
// since the wire format here is dictated by the external contract, not by
// Go's own serialization convenience.
type byteSeq []byte

func (b byteSeq) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	if ints == nil {
		ints = []int{}
	}
	return json.Marshal(ints)
}

func (b *byteSeq) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}
