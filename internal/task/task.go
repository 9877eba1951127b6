// Package task defines the persisted unit of deferred outbound work.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Type selects which processor family handles a task.
type Type string

const (
	// TypeAPICall is a serialized outbound API call.
	TypeAPICall Type = "apiCall"
)

// ProcessorAPICall is the registry key of the API-call processor.
// Persisted with the task so the record stays decoupled from code.
const ProcessorAPICall = "relay.apiCall"

// Task is a durable work item. Values are copies: the store owns the
// persisted record, and in-memory mutation of a fetched Task has no
// effect until written back with UpdateTask.
type Task struct {
	ID          string
	Name        string
	Type        Type
	Processor   string
	ScheduledAt time.Time // earliest eligible execution time
	RequestedAt time.Time // caller intent time, stamps Sent-At on every attempt
	CreatedAt   time.Time // store-managed
	ModifiedAt  time.Time // store-managed
	Data        []byte    // opaque serialized payload, decoded by the processor
	Attempts    int
	LastAttempt time.Time
	Processing  bool // claimed by a runner iteration, not yet resolved
}

// NewAPICall builds an unsaved API-call task scheduled for immediate pickup.
func NewAPICall(name string, data []byte, now time.Time) Task {
	return Task{
		ID:          uuid.NewString(),
		Name:        name,
		Type:        TypeAPICall,
		Processor:   ProcessorAPICall,
		ScheduledAt: now,
		RequestedAt: now,
		Data:        data,
	}
}

// Age returns how long the task has existed in the store.
func (t Task) Age(now time.Time) time.Duration {
	if t.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(t.CreatedAt)
}
