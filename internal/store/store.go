package store

import (
	"errors"

	"github.com/relaykit/relay-go/internal/task"
)

// Sentinel errors for errors.Is() checks.
var (
	// ErrTaskNotFound is returned when a lookup, update or delete names
	// a task id that is not in the store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned when creating a task whose id is already present.
	ErrTaskExists = errors.New("task already exists")
)

// TaskStore is the CRUD surface over persisted tasks. It is implemented
// both by the store itself and by the transactional view passed to Batch.
type TaskStore interface {
	// CreateTask inserts the task and returns the stored copy with
	// store-managed timestamps filled in. Fails if the id exists.
	CreateTask(t task.Task) (task.Task, error)

	// UpdateTask fully replaces the record with the same id and returns
	// the stored copy. Fails with ErrTaskNotFound if absent.
	UpdateTask(t task.Task) (task.Task, error)

	// DeleteTask removes the record. Absence is an error, not a no-op.
	DeleteTask(id string) error

	// GetTask is a point lookup by id.
	GetTask(id string) (*task.Task, error)

	// NextTask returns the oldest task whose ScheduledAt is due, in
	// creation (FIFO) order, or nil when none is eligible.
	NextTask() (*task.Task, error)

	// AllTasks returns every task in creation order.
	AllTasks() ([]task.Task, error)

	DeleteAllTasks() error
	CountTasks() (int, error)
}

// Store is the persistence interface for the delivery subsystem.
// Defined at the consumer side per Go conventions.
type Store interface {
	TaskStore

	// Batch runs fn against a transactional view of the store and commits
	// every write atomically when fn returns nil. When fn returns an
	// error the transaction rolls back and none of its writes are ever
	// visible to readers.
	Batch(fn func(tx TaskStore) error) error

	// Auth token persistence, so a refresh survives process restart.
	SaveToken(token string) error
	LoadToken() (string, error)
	ClearToken() error

	Close() error
}
