package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS invoice_tasks (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS invoice_tasks_state_idx ON invoice_tasks (state);
CREATE INDEX IF NOT EXISTS invoice_tasks_finished_idx ON invoice_tasks (finished_at);
`

// PostgresStore persists tasks in Postgres through a pgx pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates the schema if needed. The pool stays owned by the caller
// unless Close is called.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, dbError("init postgres schema", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func terminalArgs() []any {
	return []any{string(constants.TaskSuccess), string(constants.TaskFailure), string(constants.TaskCancelled)}
}

func (s *PostgresStore) Create(ctx context.Context, task *entity.Task) error {
	data, err := encodeTask(task)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO invoice_tasks (id, state, created_at, finished_at, data) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		task.ID, string(task.State), task.CreatedAt.UTC(), finishedAt(task), data)
	if err != nil {
		s.logger.Error("repository.postgres.create.failed", "task_id", task.ID, "error", err)
		return dbError(fmt.Sprintf("insert task %s", task.ID), err)
	}
	if tag.RowsAffected() == 0 {
		return alreadyExists(task.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*entity.Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT data FROM invoice_tasks WHERE id = $1`, id), id)
}

func scanTask(row pgx.Row, id string) (*entity.Task, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, dbError(fmt.Sprintf("select task %s", id), err)
	}
	return decodeTask(data)
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*entity.Task) error) (*entity.Task, error) {
	var out *entity.Task
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx, `SELECT data FROM invoice_tasks WHERE id = $1 FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		data, err := encodeTask(t)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE invoice_tasks SET state = $2, finished_at = $3, data = $4 WHERE id = $1`,
			id, string(t.State), finishedAt(t), data); err != nil {
			return dbError(fmt.Sprintf("update task %s", id), err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*entity.Task, error) {
	query := `SELECT data FROM invoice_tasks`
	args := []any{}
	if len(filter.States) > 0 {
		query += ` WHERE state = ANY($1)`
		args = append(args, stateStrings(filter.States))
	}
	query += ` ORDER BY created_at`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dbError("list tasks", err)
	}
	datas, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, dbError("list tasks", err)
	}
	out := make([]*entity.Task, 0, len(datas))
	for _, d := range datas {
		t, err := decodeTask(d)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *PostgresStore) Evict(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM invoice_tasks WHERE state IN ($1, $2, $3) AND finished_at IS NOT NULL AND finished_at < $4`,
		append(terminalArgs(), before.UTC())...)
	if err != nil {
		return 0, dbError("evict tasks", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
