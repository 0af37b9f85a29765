package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// Open builds the task store selected by configuration.
func Open(ctx context.Context, cfg *common.Config, logger *slog.Logger) (TaskStore, error) {
	switch cfg.TaskStore.Backend {
	case "", "memory":
		logger.Warn("repository.memory.selected", "note", "tasks are lost on restart")
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.TaskStore.DSN, logger)
	case "postgres":
		pool, err := OpenPool(ctx, cfg.TaskStore.DSN, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		if err := HealthCheck(ctx, pool, cfg.Database.DialTimeout, logger); err != nil {
			pool.Close()
			return nil, err
		}
		store, err := NewPostgresStore(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	case "firestore":
		return NewFirestoreStore(ctx, cfg.TaskStore.FirestoreProject, cfg.TaskStore.FirestoreCollection, logger)
	}
	return nil, fmt.Errorf("unknown task store %q", cfg.TaskStore.Backend)
}
