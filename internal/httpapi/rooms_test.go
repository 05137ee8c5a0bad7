package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/e2b-dev/collab-core/internal/domain"
)

func TestToRoomDataFormatsTimestampsAndCopiesFields(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lastActivity := created.Add(time.Hour)

	r := &domain.Room{
		ID:               "room-1",
		JoinKey:          "ABCDEF123456",
		CreatedAt:        created,
		LastActivity:     lastActivity,
		IsArchived:       true,
		ParticipantCount: 3,
		CodeSnapshot:     "int main() {}",
	}

	got := toRoomData(r)

	assert.Equal(t, "room-1", got.RoomID)
	assert.Equal(t, "ABCDEF123456", got.RoomKey)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", got.CreatedAt)
	assert.Equal(t, "2026-01-02T04:04:05.000Z", got.LastActivity)
	assert.True(t, got.IsArchived)
	assert.Equal(t, 3, got.ParticipantCount)
	assert.Equal(t, "int main() {}", got.CodeSnapshot)
}
