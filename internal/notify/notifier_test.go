package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingNotifier) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestHub_BroadcastReachesAllNotifiers(t *testing.T) {
	t.Parallel()

	a, b := &recordingNotifier{}, &recordingNotifier{}
	h := NewHub(a)
	h.Register(b)

	h.Notify(Event{Kind: KindScheduled, TaskID: "t1"})

	assert.Eventually(t, func() bool {
		return len(a.snapshot()) == 1 && len(b.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHub_AwaitTerminal_DeliversExactlyOne(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.AwaitTerminal("t1")

	// A non-terminal event must not resolve the waiter.
	h.Notify(Event{Kind: KindScheduled, TaskID: "t1"})
	select {
	case <-ch:
		t.Fatal("scheduled event resolved a terminal waiter")
	case <-time.After(50 * time.Millisecond):
	}

	h.Notify(Event{Kind: KindSucceeded, TaskID: "t1"})

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, KindSucceeded, ev.Kind)

	// Channel is closed after its single delivery.
	_, ok = <-ch
	assert.False(t, ok)
}

func TestHub_AwaitTerminal_IgnoresOtherTasks(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.AwaitTerminal("t1")

	h.Notify(Event{Kind: KindFailed, TaskID: "other", Err: errors.New("nope")})

	select {
	case <-ch:
		t.Fatal("waiter resolved by another task's event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_AwaitTerminal_MultipleWaiters(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch1 := h.AwaitTerminal("t1")
	ch2 := h.AwaitTerminal("t1")

	want := errors.New("terminal failure")
	h.Notify(Event{Kind: KindFailed, TaskID: "t1", Err: want})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, KindFailed, ev.Kind)
		assert.Equal(t, want, ev.Err)
	}
}

func TestHub_CancelWait_RemovesOnlyThatWaiter(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch1 := h.AwaitTerminal("t1")
	ch2 := h.AwaitTerminal("t1")

	h.CancelWait("t1", ch1)
	h.Notify(Event{Kind: KindSucceeded, TaskID: "t1"})

	ev := <-ch2
	assert.Equal(t, KindSucceeded, ev.Kind)

	select {
	case ev, ok := <-ch1:
		if ok {
			t.Fatalf("cancelled waiter received %v", ev)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_CancelWait_AfterDeliveryIsHarmless(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.AwaitTerminal("t1")
	h.Notify(Event{Kind: KindFailed, TaskID: "t1", Err: errors.New("done")})

	<-ch
	h.CancelWait("t1", ch)
}
