// Package sched turns outbound API calls into durable tasks.
package sched

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaykit/relay-go/internal/api"
	"github.com/relaykit/relay-go/internal/health"
	"github.com/relaykit/relay-go/internal/notify"
	"github.com/relaykit/relay-go/internal/pending"
	"github.com/relaykit/relay-go/internal/store"
	"github.com/relaykit/relay-go/internal/task"
)

// TaskError is a scheduling-time failure: the request never made it into
// the store.
type TaskError struct {
	Op  string
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("scheduling task: %s: %v", e.Op, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Scheduler persists outbound API calls as tasks for later execution.
type Scheduler struct {
	store  store.Store
	hub    *notify.Hub
	health *health.Monitor
	now    func() time.Time
}

// NewScheduler creates a Scheduler. now may be nil for the wall clock.
func NewScheduler(s store.Store, hub *notify.Hub, monitor *health.Monitor, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{store: s, hub: hub, health: monitor, now: now}
}

// Schedule serializes the request, persists exactly one task for it and
// emits a scheduled event. The returned handle resolves with the task id
// once persisted, or, when blocking is set, only once the task reaches a
// terminal outcome. Persistence failures fail the handle and are reported
// to the health monitor.
func (s *Scheduler) Schedule(req api.StoredRequest, blocking bool) *pending.Pending[string] {
	p := pending.New[string]()

	data, err := json.Marshal(req)
	if err != nil {
		p.Fail(&TaskError{Op: "serializing request", Err: err})
		return p
	}

	now := s.now()
	t := task.NewAPICall(req.Path, data, now)
	if !req.CreatedAt.IsZero() {
		t.RequestedAt = req.CreatedAt
	}

	// The runner reacts to the store, not to the scheduled event, so the
	// terminal waiter must exist before the commit makes the task visible
	// to a poll tick. The channel is buffered; forwarding can start later.
	var terminal <-chan notify.Event
	if blocking {
		terminal = s.hub.AwaitTerminal(t.ID)
	}

	err = s.store.Batch(func(tx store.TaskStore) error {
		_, err := tx.CreateTask(t)
		return err
	})
	if err != nil {
		if blocking {
			s.hub.CancelWait(t.ID, terminal)
		}
		s.health.RecordFailure()
		slog.Error("persisting task", "task_id", t.ID, "error", err)
		p.Fail(&TaskError{Op: "persisting task", Err: err})
		return p
	}
	s.health.RecordSuccess()

	slog.Debug("task scheduled", "task_id", t.ID, "name", t.Name)

	if blocking {
		// Resolve with the terminal outcome instead of the scheduling
		// outcome.
		go func() {
			ev := <-terminal
			if ev.Kind == notify.KindSucceeded {
				p.Resolve(t.ID)
				return
			}
			p.Fail(ev.Err)
		}()
	}

	s.hub.Notify(notify.Event{Kind: notify.KindScheduled, TaskID: t.ID})

	if !blocking {
		p.Resolve(t.ID)
	}
	return p
}
