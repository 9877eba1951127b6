package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaykit/relay-go/internal/task"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		processor TEXT NOT NULL,
		scheduled_at INTEGER NOT NULL,
		requested_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL,
		data BLOB,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt INTEGER NOT NULL DEFAULT 0,
		processing INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(scheduled_at, created_at);`,

	`CREATE TABLE IF NOT EXISTS credentials (
		k TEXT PRIMARY KEY,
		v TEXT NOT NULL
	);`,
}

const tokenKey = "auth_token"

const taskColumns = "id, name, type, processor, scheduled_at, requested_at, created_at, modified_at, data, attempts, last_attempt, processing"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
	taskOps
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent
// directory with 0700. Tasks left claimed by a crashed process have their
// processing flag cleared so they become eligible again.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, taskOps: taskOps{q: db}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Tasks stuck mid-flight from a previous run would otherwise never be
	// picked up again.
	res, err := db.Exec("UPDATE tasks SET processing = 0 WHERE processing = 1")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("resetting claimed tasks: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("recovered tasks left claimed by a previous run", "count", n)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Batch runs fn inside a single transaction. All writes commit together
// when fn returns nil; any error rolls every write back.
func (s *SQLiteStore) Batch(fn func(tx TaskStore) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(taskOps{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// --- Auth token ---

func (s *SQLiteStore) SaveToken(token string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO credentials (k, v) VALUES (?, ?)", tokenKey, token)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadToken() (string, error) {
	var v string
	err := s.db.QueryRow("SELECT v FROM credentials WHERE k = ?", tokenKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading token: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ClearToken() error {
	if _, err := s.db.Exec("DELETE FROM credentials WHERE k = ?", tokenKey); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}
	return nil
}

// --- Task CRUD, shared between the store and its transactional view ---

type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

type taskOps struct {
	q querier
}

func (o taskOps) CreateTask(t task.Task) (task.Task, error) {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.ModifiedAt = now

	_, err := o.q.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(t.Type), t.Processor,
		toNanos(t.ScheduledAt), toNanos(t.RequestedAt),
		toNanos(t.CreatedAt), toNanos(t.ModifiedAt),
		t.Data, t.Attempts, toNanos(t.LastAttempt), boolToInt(t.Processing))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return task.Task{}, fmt.Errorf("inserting task %s: %w", t.ID, ErrTaskExists)
		}
		return task.Task{}, fmt.Errorf("inserting task: %w", err)
	}
	return t, nil
}

func (o taskOps) UpdateTask(t task.Task) (task.Task, error) {
	t.ModifiedAt = time.Now().UTC()

	res, err := o.q.Exec(`UPDATE tasks SET
		name = ?, type = ?, processor = ?, scheduled_at = ?, requested_at = ?,
		modified_at = ?, data = ?, attempts = ?, last_attempt = ?, processing = ?
		WHERE id = ?`,
		t.Name, string(t.Type), t.Processor,
		toNanos(t.ScheduledAt), toNanos(t.RequestedAt), toNanos(t.ModifiedAt),
		t.Data, t.Attempts, toNanos(t.LastAttempt), boolToInt(t.Processing),
		t.ID)
	if err != nil {
		return task.Task{}, fmt.Errorf("updating task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return task.Task{}, fmt.Errorf("updating task %s: %w", t.ID, ErrTaskNotFound)
	}
	return t, nil
}

func (o taskOps) DeleteTask(id string) error {
	res, err := o.q.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deleting task %s: %w", id, ErrTaskNotFound)
	}
	return nil
}

func (o taskOps) GetTask(id string) (*task.Task, error) {
	row := o.q.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("finding task %s: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (o taskOps) NextTask() (*task.Task, error) {
	// rowid breaks ties between tasks created in the same instant, keeping
	// dispatch order deterministic.
	row := o.q.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE scheduled_at <= ? ORDER BY created_at, rowid LIMIT 1",
		toNanos(time.Now().UTC()))
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (o taskOps) AllTasks() ([]task.Task, error) {
	rows, err := o.q.Query("SELECT " + taskColumns + " FROM tasks ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (o taskOps) DeleteAllTasks() error {
	if _, err := o.q.Exec("DELETE FROM tasks"); err != nil {
		return fmt.Errorf("deleting all tasks: %w", err)
	}
	return nil
}

func (o taskOps) CountTasks() (int, error) {
	var n int
	if err := o.q.QueryRow("SELECT COUNT(*) FROM tasks").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return n, nil
}

// --- Helpers ---

func scanTask(scan func(dest ...any) error) (*task.Task, error) {
	var t task.Task
	var typ string
	var scheduledAt, requestedAt, createdAt, modifiedAt, lastAttempt int64
	var processing int

	err := scan(&t.ID, &t.Name, &typ, &t.Processor,
		&scheduledAt, &requestedAt, &createdAt, &modifiedAt,
		&t.Data, &t.Attempts, &lastAttempt, &processing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	t.Type = task.Type(typ)
	t.ScheduledAt = fromNanos(scheduledAt)
	t.RequestedAt = fromNanos(requestedAt)
	t.CreatedAt = fromNanos(createdAt)
	t.ModifiedAt = fromNanos(modifiedAt)
	t.LastAttempt = fromNanos(lastAttempt)
	t.Processing = processing != 0

	return &t, nil
}

// Times are stored as integer Unix nanoseconds so ordering and eligibility
// comparisons happen in SQL without format round-trips. Zero means unset.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
