// Package runner executes queued tasks: a polling loop claims the next
// eligible task, dispatches it to its processor and writes the outcome
// back, retrying with bounded backoff until the task resolves.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/relaykit/relay-go/internal/api"
	"github.com/relaykit/relay-go/internal/health"
	"github.com/relaykit/relay-go/internal/notify"
	"github.com/relaykit/relay-go/internal/store"
	"github.com/relaykit/relay-go/internal/task"
)

// Processor executes one task attempt. A nil error is a terminal success.
// Errors are classified through *api.Error: retryable ones re-queue the
// task, everything else is a terminal failure.
type Processor interface {
	Process(ctx context.Context, t task.Task) (any, error)
}

// Options tune the runner's polling and retry policy.
type Options struct {
	Interval    time.Duration // poll tick, default 100ms
	MaxAttempts int           // attempts before a retryable failure turns terminal
	MaxTaskAge  time.Duration // task age before a retryable failure turns terminal
	Now         func() time.Time
}

// Runner is the polling execution loop over the task store.
type Runner struct {
	store       store.Store
	hub         *notify.Hub
	health      *health.Monitor
	interval    time.Duration
	maxAttempts int
	maxTaskAge  time.Duration
	now         func() time.Time
	retry       *backoff.Backoff
	metrics     *Metrics

	mu         sync.Mutex
	processors map[string]Processor
	cancel     context.CancelFunc

	wg sync.WaitGroup
}

// NewRunner creates a stopped Runner.
func NewRunner(s store.Store, hub *notify.Hub, monitor *health.Monitor, metrics *Metrics, opts Options) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 10
	}
	if opts.MaxTaskAge <= 0 {
		opts.MaxTaskAge = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Runner{
		store:       s,
		hub:         hub,
		health:      monitor,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		maxTaskAge:  opts.MaxTaskAge,
		now:         opts.Now,
		metrics:     metrics,
		// No jitter: a single client queue gains nothing from it and
		// deterministic delays keep the retry cadence observable.
		retry:      &backoff.Backoff{Min: time.Second, Max: 10 * time.Minute, Factor: 2},
		processors: make(map[string]Processor),
	}
}

// Register binds a processor to its registry key.
func (r *Runner) Register(key string, p Processor) {
	r.mu.Lock()
	r.processors[key] = p
	r.mu.Unlock()
}

// Start begins polling. Calling Start on a running Runner is a no-op.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.poll(ctx)
	slog.Info("task runner started", "interval", r.interval)
}

// Stop halts future polling. It does not cancel an attempt already
// dispatched; in-flight work finishes and writes its outcome.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	r.wg.Wait()
	slog.Info("task runner stopped")
}

func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick performs one claim cycle. The whole claim runs inside a single
// store transaction; network execution happens outside it.
func (r *Runner) tick() {
	var claimed *task.Task

	err := r.store.Batch(func(tx store.TaskStore) error {
		t, err := tx.NextTask()
		if err != nil || t == nil {
			return err
		}
		if t.Processing {
			// Still mid-flight from a previous claim. Leaving it alone
			// is what prevents double dispatch.
			return nil
		}
		t.Processing = true
		t.Attempts++
		t.LastAttempt = r.now()
		updated, err := tx.UpdateTask(*t)
		if err != nil {
			return err
		}
		claimed = &updated
		return nil
	})
	if err != nil {
		r.health.RecordFailure()
		slog.Error("claiming task", "error", err)
		return
	}
	if claimed == nil {
		return
	}
	r.health.RecordSuccess()

	r.mu.Lock()
	proc, ok := r.processors[claimed.Processor]
	r.mu.Unlock()
	if !ok {
		// Nothing will ever be able to run this task.
		slog.Error("no processor registered", "task_id", claimed.ID, "processor", claimed.Processor)
		r.finish(*claimed, nil, fmt.Errorf("no processor registered for %q", claimed.Processor))
		return
	}

	r.wg.Add(1)
	go func(t task.Task) {
		defer r.wg.Done()
		// Not the poll context: Stop halts future polling only, so a
		// dispatched attempt must be able to finish and write its outcome.
		r.execute(context.Background(), proc, t)
	}(*claimed)
}

func (r *Runner) execute(ctx context.Context, proc Processor, t task.Task) {
	slog.Debug("dispatching task", "task_id", t.ID, "attempt", t.Attempts)

	start := r.now()
	value, err := proc.Process(ctx, t)
	r.metrics.duration.Observe(r.now().Sub(start).Seconds())

	if err == nil {
		r.finish(t, value, nil)
		return
	}

	if r.shouldRetry(t, err) {
		r.requeue(t, err)
		return
	}
	r.finish(t, nil, err)
}

// shouldRetry classifies a processor error against the retry policy.
func (r *Runner) shouldRetry(t task.Task, err error) bool {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && !apiErr.Retryable {
		return false
	}
	if t.Attempts >= r.maxAttempts {
		slog.Warn("task exceeded max attempts", "task_id", t.ID, "attempts", t.Attempts)
		r.metrics.dropped.Inc()
		return false
	}
	if t.Age(r.now()) >= r.maxTaskAge {
		slog.Warn("task exceeded max age", "task_id", t.ID, "age", t.Age(r.now()))
		r.metrics.dropped.Inc()
		return false
	}
	return true
}

// requeue releases the claim and pushes ScheduledAt forward for backoff.
// Retries never emit a notification; only terminal outcomes do.
func (r *Runner) requeue(t task.Task, cause error) {
	delay := r.retry.ForAttempt(float64(t.Attempts))
	t.Processing = false
	t.ScheduledAt = r.now().Add(delay)

	err := r.store.Batch(func(tx store.TaskStore) error {
		_, err := tx.UpdateTask(t)
		return err
	})
	if err != nil {
		r.health.RecordFailure()
		slog.Error("releasing task for retry", "task_id", t.ID, "error", err)
		return
	}
	r.health.RecordSuccess()
	r.metrics.processed.WithLabelValues("retried").Inc()

	slog.Info("task will retry", "task_id", t.ID, "attempt", t.Attempts, "delay", delay, "cause", cause)
}

// finish deletes the task and emits its single terminal notification.
// If the delete itself fails the notification is withheld: the task is
// still in the store and will produce its terminal event on a later
// attempt (or after restart recovery).
func (r *Runner) finish(t task.Task, value any, cause error) {
	err := r.store.Batch(func(tx store.TaskStore) error {
		return tx.DeleteTask(t.ID)
	})
	if err != nil {
		r.health.RecordFailure()
		slog.Error("deleting finished task", "task_id", t.ID, "error", err)
		return
	}
	r.health.RecordSuccess()

	if cause == nil {
		slog.Info("task succeeded", "task_id", t.ID, "attempts", t.Attempts)
		r.metrics.processed.WithLabelValues("success").Inc()
		r.hub.Notify(notify.Event{Kind: notify.KindSucceeded, TaskID: t.ID, Value: value})
		return
	}

	slog.Warn("task failed", "task_id", t.ID, "attempts", t.Attempts, "error", cause)
	r.metrics.processed.WithLabelValues("failure").Inc()
	r.hub.Notify(notify.Event{Kind: notify.KindFailed, TaskID: t.ID, Err: cause})
}
