package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay-go/internal/api"
	"github.com/relaykit/relay-go/internal/health"
	"github.com/relaykit/relay-go/internal/notify"
	"github.com/relaykit/relay-go/internal/store"
	"github.com/relaykit/relay-go/internal/task"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []task.Task
	fn    func(t task.Task) (any, error)
	gate  chan struct{} // when set, Process blocks until closed
}

func (f *fakeProcessor) Process(_ context.Context, t task.Task) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	fn, gate := f.fn, f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if fn != nil {
		return fn(t)
	}
	return map[string]any{"msg": "ok"}, nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type eventCollector struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *eventCollector) Notify(e notify.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *eventCollector) terminalFor(id string) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, e := range c.events {
		if e.TaskID == id && e.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

type rig struct {
	store     *store.SQLiteStore
	hub       *notify.Hub
	runner    *Runner
	processor *fakeProcessor
	collector *eventCollector
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	collector := &eventCollector{}
	hub := notify.NewHub(collector)
	monitor := health.NewMonitor(s, 1000, 0)

	if opts.Interval == 0 {
		opts.Interval = 10 * time.Millisecond
	}
	r := NewRunner(s, hub, monitor, nil, opts)
	// Short, deterministic backoff so retry tests stay fast.
	r.retry = &backoff.Backoff{Min: 20 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2}

	processor := &fakeProcessor{}
	r.Register(task.ProcessorAPICall, processor)
	t.Cleanup(r.Stop)

	return &rig{store: s, hub: hub, runner: r, processor: processor, collector: collector}
}

func (r *rig) enqueue(t *testing.T, name string) task.Task {
	t.Helper()
	created, err := r.store.CreateTask(task.NewAPICall(name, []byte(`{}`), time.Now()))
	require.NoError(t, err)
	return created
}

func TestRunner_SuccessDeletesTaskAndNotifies(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})

	created := r.enqueue(t, "track")
	done := r.hub.AwaitTerminal(created.ID)
	r.runner.Start()

	select {
	case ev := <-done:
		assert.Equal(t, notify.KindSucceeded, ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("task never completed")
	}

	n, err := r.store.CountTasks()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunner_RetryableFailureRequeuesThenSucceeds(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})

	var attempts int
	var mu sync.Mutex
	r.processor.fn = func(tk task.Task) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, &api.Error{StatusCode: 500, Retryable: true}
		}
		return map[string]any{}, nil
	}

	created := r.enqueue(t, "flaky")
	done := r.hub.AwaitTerminal(created.ID)
	r.runner.Start()

	select {
	case ev := <-done:
		assert.Equal(t, notify.KindSucceeded, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("task never completed")
	}

	// The successful attempt saw the incremented attempt count, and only
	// one terminal event was ever emitted.
	r.processor.mu.Lock()
	last := r.processor.calls[len(r.processor.calls)-1]
	r.processor.mu.Unlock()
	assert.Equal(t, 2, last.Attempts)

	// Broadcast delivery is asynchronous; give the collector a moment.
	assert.Eventually(t, func() bool {
		return len(r.collector.terminalFor(created.ID)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunner_NonRetryableFailureIsTerminal(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})

	r.processor.fn = func(task.Task) (any, error) {
		return nil, &api.Error{StatusCode: 400, Message: "bad payload"}
	}

	created := r.enqueue(t, "broken")
	done := r.hub.AwaitTerminal(created.ID)
	r.runner.Start()

	select {
	case ev := <-done:
		assert.Equal(t, notify.KindFailed, ev.Kind)
		assert.Error(t, ev.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("task never failed")
	}

	assert.Equal(t, 1, r.processor.callCount(), "non-retryable failures must not retry")
	n, err := r.store.CountTasks()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunner_MaxAttemptsDropsTask(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{MaxAttempts: 2})

	r.processor.fn = func(task.Task) (any, error) {
		return nil, &api.Error{StatusCode: 503, Retryable: true}
	}

	created := r.enqueue(t, "doomed")
	done := r.hub.AwaitTerminal(created.ID)
	r.runner.Start()

	select {
	case ev := <-done:
		assert.Equal(t, notify.KindFailed, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("task never gave up")
	}

	assert.Equal(t, 2, r.processor.callCount())
	assert.Eventually(t, func() bool {
		return len(r.collector.terminalFor(created.ID)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunner_UnknownProcessorIsFatal(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})

	in := task.NewAPICall("orphan", []byte(`{}`), time.Now())
	in.Processor = "nobody.home"
	created, err := r.store.CreateTask(in)
	require.NoError(t, err)

	done := r.hub.AwaitTerminal(created.ID)
	r.runner.Start()

	select {
	case ev := <-done:
		assert.Equal(t, notify.KindFailed, ev.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("orphan task never failed")
	}

	n, err := r.store.CountTasks()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// A task claimed and still mid-flight must not be dispatched a second time,
// no matter how many poll ticks pass.
func TestRunner_NoDoubleDispatchWhileInFlight(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})

	gate := make(chan struct{})
	r.processor.gate = gate

	created := r.enqueue(t, "slow")
	done := r.hub.AwaitTerminal(created.ID)
	r.runner.Start()

	// Plenty of ticks elapse while the processor is blocked.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, r.processor.callCount(), "in-flight task was claimed twice")

	close(gate)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task never completed after release")
	}
}

type ctxCheckProcessor struct {
	entered   chan struct{}
	release   chan struct{}
	cancelled atomic.Bool
}

func (p *ctxCheckProcessor) Process(ctx context.Context, _ task.Task) (any, error) {
	close(p.entered)
	select {
	case <-ctx.Done():
		p.cancelled.Store(true)
		return nil, ctx.Err()
	case <-p.release:
	}
	return map[string]any{}, nil
}

// Stop waits for a dispatched attempt and must not cancel its context:
// aborting a request that already reached the server would duplicate the
// delivery on the next start.
func TestRunner_StopDoesNotCancelInFlightAttempt(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})

	p := &ctxCheckProcessor{entered: make(chan struct{}), release: make(chan struct{})}
	r.runner.Register(task.ProcessorAPICall, p)

	created := r.enqueue(t, "mid-flight")
	done := r.hub.AwaitTerminal(created.ID)
	r.runner.Start()

	select {
	case <-p.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("attempt never dispatched")
	}

	stopped := make(chan struct{})
	go func() {
		r.runner.Stop()
		close(stopped)
	}()

	// Stop drains: while the attempt is in flight it must not return.
	select {
	case <-stopped:
		t.Fatal("Stop returned with an attempt still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(p.release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop never returned after the attempt finished")
	}

	assert.False(t, p.cancelled.Load(), "Stop cancelled a dispatched attempt")

	select {
	case ev := <-done:
		assert.Equal(t, notify.KindSucceeded, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("outcome of the in-flight attempt was never written")
	}

	n, err := r.store.CountTasks()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunner_ConcurrentSchedulingDeliversAll(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})

	const total = 10
	ids := make(chan string, total)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := r.store.CreateTask(task.NewAPICall(fmt.Sprintf("e%d", i), []byte(`{}`), time.Now()))
			assert.NoError(t, err)
			ids <- created.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	waiters := make(map[string]<-chan notify.Event, total)
	for id := range ids {
		waiters[id] = r.hub.AwaitTerminal(id)
	}

	r.runner.Start()

	succeeded := make(map[string]bool)
	for id, ch := range waiters {
		select {
		case ev := <-ch:
			assert.Equal(t, notify.KindSucceeded, ev.Kind)
			succeeded[id] = true
		case <-time.After(10 * time.Second):
			t.Fatalf("task %s never completed", id)
		}
	}
	assert.Len(t, succeeded, total)
}

func TestRunner_StartStopIdempotent(t *testing.T) {
	t.Parallel()
	r := newRig(t, Options{})

	r.runner.Start()
	r.runner.Start()
	r.runner.Stop()
	r.runner.Stop()
}
