package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeScoreOrdersByPriorityThenTime(t *testing.T) {
	t.Parallel()

	earlier := time.UnixMilli(1000)
	later := time.UnixMilli(2000)

	assert.Less(t, computeScore(PriorityNormal, earlier), computeScore(PriorityNormal, later),
		"within the same priority, an earlier enqueue time must score lower")
	assert.Less(t, computeScore(PriorityNormal, later), computeScore(PriorityNormal+1, earlier),
		"a higher priority must always outrank an earlier enqueue time at a lower priority")
}

func TestAttemptKeyIsPerJob(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "queue:attempt:job-1", attemptKey("job-1"))
	assert.NotEqual(t, attemptKey("job-1"), attemptKey("job-2"))
}

func TestDerefHelpersHandleNil(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", derefStr(nil))
	assert.Equal(t, 0, derefInt(nil))
	assert.Equal(t, int64(0), derefInt64(nil))

	s, n, n64 := "x", 7, int64(9)
	assert.Equal(t, "x", derefStr(&s))
	assert.Equal(t, 7, derefInt(&n))
	assert.Equal(t, int64(9), derefInt64(&n64))
}
