package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	_ Store   = (*SQLiteStore)(nil)
	_ Lister  = (*SQLiteStore)(nil)
	_ Clearer = (*SQLiteStore)(nil)
	_ Sweeper = (*SQLiteStore)(nil)
)

// SQLiteStore keeps paused tasks as rows with a JSON payload column.
// Expired rows are hidden from Load and removed by PurgeExpired.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	path := filepath.Clean(dbPath)
	if path == "" || path == "." {
		return nil, fmt.Errorf("invalid sqlite db path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir failed: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.ToSlash(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite failed: %w", err)
	}

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS paused_tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	task_json TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL,
	expires_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_paused_tasks_expires_at ON paused_tasks(expires_at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_paused_tasks_updated_at ON paused_tasks(updated_at_unix_ms DESC);`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("init paused_tasks schema failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, task Task) error {
	if s == nil || s.db == nil {
		return ErrStoreNotInitialized
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task failed: %w", err)
	}

	const upsert = `
INSERT INTO paused_tasks (
	id, status, task_json, created_at_unix_ms, updated_at_unix_ms, expires_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status=excluded.status,
	task_json=excluded.task_json,
	created_at_unix_ms=excluded.created_at_unix_ms,
	updated_at_unix_ms=excluded.updated_at_unix_ms,
	expires_at_unix_ms=excluded.expires_at_unix_ms;
`
	_, err = s.db.ExecContext(
		ctx,
		upsert,
		task.ID,
		string(task.Status),
		string(taskJSON),
		timeToUnixMS(task.CreatedAt),
		timeToUnixMS(task.UpdatedAt),
		timeToUnixMS(task.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert paused task failed: %w", err)
	}
	return nil
}

func scanTask(taskJSON string) (*Task, error) {
	var task Task
	if err := json.Unmarshal([]byte(taskJSON), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task failed: %w", err)
	}
	return &task, nil
}

func (s *SQLiteStore) Load(ctx context.Context, taskID string) (*Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreNotInitialized
	}

	const query = `
SELECT task_json, expires_at_unix_ms
FROM paused_tasks
WHERE id = ?;`

	var (
		taskJSON    string
		expiresAtMS int64
	)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(&taskJSON, &expiresAtMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query paused task failed: %w", err)
	}
	if expiresAtMS > 0 && s.now().UnixMilli() >= expiresAtMS {
		return nil, nil
	}
	return scanTask(taskJSON)
}

func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	if s == nil || s.db == nil {
		return ErrStoreNotInitialized
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM paused_tasks WHERE id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete paused task failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrStoreNotInitialized
	}

	const query = `
SELECT task_json
FROM paused_tasks
ORDER BY updated_at_unix_ms DESC, id ASC;`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query paused tasks failed: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		var taskJSON string
		if err := rows.Scan(&taskJSON); err != nil {
			return nil, fmt.Errorf("scan paused task row failed: %w", err)
		}
		task, err := scanTask(taskJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paused task rows failed: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrStoreNotInitialized
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM paused_tasks;`); err != nil {
		return fmt.Errorf("clear paused tasks failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrStoreNotInitialized
	}

	const purge = `
DELETE FROM paused_tasks
WHERE expires_at_unix_ms > 0 AND expires_at_unix_ms <= ?;`
	res, err := s.db.ExecContext(ctx, purge, now.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired tasks failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count purged tasks failed: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
