// Package health gates the offline path on the state of the task store.
package health

import (
	"log/slog"
	"sync"
)

// TaskCounter reports how many tasks the store currently holds.
type TaskCounter interface {
	CountTasks() (int, error)
}

// Monitor derives a binary healthy/unhealthy signal from the store: the
// queue must be below its configured maximum and persistence must not be
// failing in an unbroken streak. The signal is recomputed on every call,
// never cached, so a drained queue or recovered store is seen immediately.
type Monitor struct {
	counter          TaskCounter
	maxTasks         int
	failureThreshold int

	mu            sync.Mutex
	failureStreak int
}

// NewMonitor creates a Monitor. maxTasks bounds the queue; failureThreshold
// is the number of consecutive persistence failures after which scheduling
// is refused (0 disables streak tracking).
func NewMonitor(counter TaskCounter, maxTasks, failureThreshold int) *Monitor {
	if maxTasks < 1 {
		maxTasks = 1000
	}
	return &Monitor{
		counter:          counter,
		maxTasks:         maxTasks,
		failureThreshold: failureThreshold,
	}
}

// CanSchedule reports whether new work may be queued. When false the caller
// must fall back to the online path rather than enqueue.
func (m *Monitor) CanSchedule() bool {
	m.mu.Lock()
	streak := m.failureStreak
	m.mu.Unlock()

	if m.failureThreshold > 0 && streak >= m.failureThreshold {
		slog.Warn("store unhealthy, refusing to schedule", "failure_streak", streak)
		return false
	}

	n, err := m.counter.CountTasks()
	if err != nil {
		m.RecordFailure()
		slog.Warn("store unhealthy, count failed", "error", err)
		return false
	}
	if n >= m.maxTasks {
		slog.Warn("store unhealthy, queue full", "tasks", n, "max", m.maxTasks)
		return false
	}
	return true
}

// RecordFailure notes a persistence failure. Every failing store operation
// must be reported here, never swallowed.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	m.failureStreak++
	m.mu.Unlock()
}

// RecordSuccess resets the persistence failure streak.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	m.failureStreak = 0
	m.mu.Unlock()
}
