// Package store provides SQLite-backed persistence for CineFlow: room
// snapshots, generation task history and the task audit trail.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fentz26/cineflow/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SnapshotStore persists room snapshots. LoadSnapshot returns nil without an
// error when the room has never been saved.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, room string) (*models.Snapshot, error)
	SaveSnapshot(ctx context.Context, room string, snap models.Snapshot) error
}

// RoomLister is implemented by snapshot stores that can enumerate the rooms
// they hold.
type RoomLister interface {
	ListSnapshotRooms(ctx context.Context) ([]string, error)
}

// Store provides access to the CineFlow SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets readers proceed while the single writer commits.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		room TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		room TEXT NOT NULL,
		node_id TEXT NOT NULL,
		edge_id TEXT,
		model TEXT NOT NULL,
		provider_ref TEXT,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		room TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_room ON tasks(room);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_task_events_task_id ON task_events(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Snapshot Operations ---

// LoadSnapshot returns the stored snapshot of room, or nil.
func (s *Store) LoadSnapshot(ctx context.Context, room string) (*models.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE room = ?`, room).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var snap models.Snapshot
	if err := sonic.UnmarshalString(body, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot replaces the stored snapshot of room.
func (s *Store) SaveSnapshot(ctx context.Context, room string, snap models.Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	body, err := sonic.MarshalString(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (room, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(room) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		room, body, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// ListSnapshotRooms returns the rooms that have a stored snapshot.
func (s *Store) ListSnapshotRooms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT room FROM snapshots ORDER BY room`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// --- Task Operations ---

const taskColumns = `id, room, node_id, edge_id, model, provider_ref, status, progress, result, error, created_at, updated_at`

// SaveTask inserts or updates a task record.
func (s *Store) SaveTask(ctx context.Context, t models.GenerationTask) error {
	var result sql.NullString
	if t.Result != nil {
		body, err := sonic.MarshalString(t.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = sql.NullString{String: body, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			provider_ref = excluded.provider_ref,
			status = excluded.status,
			progress = excluded.progress,
			result = excluded.result,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		t.ID, t.RoomID, t.NodeID, t.EdgeID, t.Model, t.ProviderRef, t.Status, t.Progress,
		result, t.Error, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.GenerationTask, error) {
	var (
		t                             models.GenerationTask
		edgeID, ref, result, errorMsg sql.NullString
	)
	if err := row.Scan(&t.ID, &t.RoomID, &t.NodeID, &edgeID, &t.Model, &ref, &t.Status, &t.Progress,
		&result, &errorMsg, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.EdgeID = edgeID.String
	t.ProviderRef = ref.String
	t.Error = errorMsg.String
	if result.Valid && result.String != "" {
		var r models.TaskResult
		if err := sonic.UnmarshalString(result.String, &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		t.Result = &r
	}
	return &t, nil
}

// GetTask retrieves a task by ID. It returns nil when no task matches.
func (s *Store) GetTask(ctx context.Context, id string) (*models.GenerationTask, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks, newest first, optionally filtered by room and
// status.
func (s *Store) ListTasks(ctx context.Context, room, status string) ([]models.GenerationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if room != "" {
		query += ` AND room = ?`
		args = append(args, room)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.GenerationTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// --- Task Event Operations ---

// WriteTaskEvent appends an audit record.
func (s *Store) WriteTaskEvent(ctx context.Context, action, inputsHash, outcome, taskID, room, details string) (*models.TaskEvent, error) {
	ev := &models.TaskEvent{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		RoomID:     room,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (id, action, inputs_hash, outcome, task_id, room, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Action, ev.InputsHash, ev.Outcome, ev.TaskID, ev.RoomID, ev.Details, ev.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task event: %w", err)
	}
	return ev, nil
}

// ListTaskEvents returns the audit trail of a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, task_id, room, details, timestamp
		 FROM task_events WHERE task_id = ? ORDER BY timestamp, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var events []models.TaskEvent
	for rows.Next() {
		var (
			ev                  models.TaskEvent
			task, room, details sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Action, &ev.InputsHash, &ev.Outcome, &task, &room, &details, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.TaskID, ev.RoomID, ev.Details = task.String, room.String, details.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
