package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	finished_at INTEGER,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_state_idx ON tasks(state);
CREATE INDEX IF NOT EXISTS tasks_finished_idx ON tasks(finished_at);
`

// SQLiteStore persists tasks in an embedded SQLite file. A single
// connection serializes writers.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, dbError("open sqlite "+path, err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, dbError("init sqlite "+path, err)
		}
	}
	logger.Info("repository.sqlite.opened", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

func unixNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func (s *SQLiteStore) Create(ctx context.Context, task *entity.Task) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, state, created_at, finished_at, data) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		task.ID, string(task.State), task.CreatedAt.UnixNano(), unixNanos(task.FinishedAt), string(data))
	if err != nil {
		s.logger.Error("repository.sqlite.create.failed", "task_id", task.ID, "error", err)
		return dbError(fmt.Sprintf("insert task %s", task.ID), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alreadyExists(task.ID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*entity.Task, error) {
	return s.get(ctx, s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id), id)
}

func (s *SQLiteStore) get(_ context.Context, row *sql.Row, id string) (*entity.Task, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, dbError(fmt.Sprintf("select task %s", id), err)
	}
	return decodeTask([]byte(data))
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*entity.Task) error) (*entity.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := s.get(ctx, tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	data, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET state = ?, finished_at = ?, data = ? WHERE id = ?`,
		string(t.State), unixNanos(t.FinishedAt), string(data), id); err != nil {
		return nil, dbError(fmt.Sprintf("update task %s", id), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, dbError(fmt.Sprintf("commit task %s", id), err)
	}
	return t, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*entity.Task, error) {
	query := `SELECT data FROM tasks`
	var args []any
	if len(filter.States) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(`, ?`, len(filter.States)-1) + `)`
		for _, st := range stateStrings(filter.States) {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list tasks", err)
	}
	defer rows.Close()

	var out []*entity.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, dbError("scan task", err)
		}
		t, err := decodeTask([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Evict(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		append(terminalArgs(), before.UnixNano())...)
	if err != nil {
		return 0, dbError("evict tasks", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
