// Package notify dispatches task lifecycle events to listeners.
package notify

import "sync"

// Kind identifies the lifecycle transition an event reports.
type Kind string

const (
	KindScheduled Kind = "task.scheduled"
	KindSucceeded Kind = "task.succeeded"
	KindFailed    Kind = "task.failed"
)

// Event represents a task lifecycle notification. Succeeded and failed are
// terminal: exactly one of them is emitted per task, ever.
type Event struct {
	Kind   Kind
	TaskID string
	Value  any   // response value on success
	Err    error // terminal error on failure
}

// Terminal reports whether the event ends the task's lifetime.
func (e Event) Terminal() bool {
	return e.Kind == KindSucceeded || e.Kind == KindFailed
}

// Notifier receives broadcast task lifecycle events.
type Notifier interface {
	Notify(event Event)
}

// Hub dispatches events to broadcast notifiers and, for terminal events,
// to single-use channels registered per task id. A per-id waiter receives
// exactly one event and is then forgotten.
type Hub struct {
	mu        sync.Mutex
	notifiers []Notifier
	waiters   map[string][]chan Event
}

// NewHub creates a Hub with the given broadcast notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{
		notifiers: notifiers,
		waiters:   make(map[string][]chan Event),
	}
}

// Register adds a broadcast notifier.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	h.notifiers = append(h.notifiers, n)
	h.mu.Unlock()
}

// AwaitTerminal returns a channel that delivers the single terminal event
// for the given task id and is then closed. Registration must happen
// before the task can complete, or the waiter never fires.
func (h *Hub) AwaitTerminal(taskID string) <-chan Event {
	ch := make(chan Event, 1)
	h.mu.Lock()
	h.waiters[taskID] = append(h.waiters[taskID], ch)
	h.mu.Unlock()
	return ch
}

// CancelWait removes a waiter obtained from AwaitTerminal whose event will
// never come, such as when the task it was registered for failed to persist.
// A no-op if the terminal event was already delivered.
func (h *Hub) CancelWait(taskID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	waiters := h.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			h.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(h.waiters[taskID]) == 0 {
		delete(h.waiters, taskID)
	}
}

// Notify sends an event to all broadcast notifiers and resolves any
// waiters registered for the task when the event is terminal.
func (h *Hub) Notify(event Event) {
	h.mu.Lock()
	notifiers := make([]Notifier, len(h.notifiers))
	copy(notifiers, h.notifiers)

	var waiters []chan Event
	if event.Terminal() {
		waiters = h.waiters[event.TaskID]
		delete(h.waiters, event.TaskID)
	}
	h.mu.Unlock()

	for _, n := range notifiers {
		go n.Notify(event)
	}
	for _, ch := range waiters {
		ch <- event
		close(ch)
	}
}
