package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidJoinKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"valid 12-char uppercase+digits", "ABCDEF012345", true},
		{"too short", "ABCDEF", false},
		{"too long", "ABCDEF0123456", false},
		{"lowercase rejected", "abcdef012345", false},
		{"special characters rejected", "ABCDE-012345", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ValidJoinKey(tt.key))
		})
	}
}

func TestCursorValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cursor Cursor
		want   bool
	}{
		{"line 1 column 0 is the origin", Cursor{Line: 1, Column: 0}, true},
		{"positive line and column", Cursor{Line: 42, Column: 7}, true},
		{"line 0 invalid", Cursor{Line: 0, Column: 0}, false},
		{"negative line invalid", Cursor{Line: -1, Column: 0}, false},
		{"negative column invalid", Cursor{Line: 1, Column: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.cursor.Valid())
		})
	}
}

func TestParticipantColorPaletteSize(t *testing.T) {
	t.Parallel()
	assert.Len(t, ParticipantColorPalette, 10)

	seen := make(map[string]bool)
	for _, c := range ParticipantColorPalette {
		assert.False(t, seen[c], "palette must not repeat a color")
		seen[c] = true
	}
}
