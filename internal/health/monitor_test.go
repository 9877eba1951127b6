package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCounter struct {
	count int
	err   error
}

func (f *fakeCounter) CountTasks() (int, error) {
	return f.count, f.err
}

func TestMonitor_CanSchedule_BelowMax(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeCounter{count: 5}, 10, 0)
	assert.True(t, m.CanSchedule())
}

func TestMonitor_CanSchedule_QueueFull(t *testing.T) {
	t.Parallel()

	c := &fakeCounter{count: 10}
	m := NewMonitor(c, 10, 0)
	assert.False(t, m.CanSchedule())

	// Recomputed on demand: a drained queue is seen immediately.
	c.count = 9
	assert.True(t, m.CanSchedule())
}

func TestMonitor_CanSchedule_CountFailure(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeCounter{err: errors.New("disk gone")}, 10, 0)
	assert.False(t, m.CanSchedule())
}

func TestMonitor_FailureStreakBlocksScheduling(t *testing.T) {
	t.Parallel()

	m := NewMonitor(&fakeCounter{count: 0}, 10, 3)

	m.RecordFailure()
	m.RecordFailure()
	assert.True(t, m.CanSchedule(), "below threshold")

	m.RecordFailure()
	assert.False(t, m.CanSchedule(), "streak reached threshold")

	m.RecordSuccess()
	assert.True(t, m.CanSchedule(), "streak is broken by any success")
}
