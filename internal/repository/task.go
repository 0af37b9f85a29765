package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// TaskStore owns processing tasks from submit until eviction. Update is an
// atomic read-modify-write: fn sees the current task and its changes are
// persisted only when it returns nil.
type TaskStore interface {
	Create(ctx context.Context, task *entity.Task) error
	Get(ctx context.Context, id string) (*entity.Task, error)
	Update(ctx context.Context, id string, fn func(*entity.Task) error) (*entity.Task, error)
	List(ctx context.Context, filter ListFilter) ([]*entity.Task, error)
	// Evict deletes terminal tasks that finished before the cutoff.
	Evict(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// ListFilter narrows List. Zero value lists everything.
type ListFilter struct {
	States []constants.TaskState
	Limit  int
}

func (f ListFilter) matches(t *entity.Task) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}

func stateStrings(states []constants.TaskState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// evictable reports whether a task is terminal and finished before the cutoff.
func evictable(t *entity.Task, before time.Time) bool {
	return t.State.IsTerminal() && t.FinishedAt != nil && t.FinishedAt.Before(before)
}

func notFound(id string) error {
	return common.NewAppError("TASK_NOT_FOUND", fmt.Sprintf("task %s not found", id), common.ErrNotFound)
}

// dbError tags a driver failure so callers can tell it from domain errors.
func dbError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, common.ErrDatabase, err)
}

func alreadyExists(id string) error {
	return common.NewAppError("TASK_EXISTS", fmt.Sprintf("task %s already exists", id), common.ErrInvalidInput)
}

func encodeTask(t *entity.Task) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return b, nil
}

func decodeTask(b []byte) (*entity.Task, error) {
	var t entity.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// cloneTask deep-copies a task so callers never share store memory.
func cloneTask(t *entity.Task) *entity.Task {
	cp := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		cp.FinishedAt = &ts
	}
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err == nil {
			var r entity.TaskResult
			if json.Unmarshal(b, &r) == nil {
				cp.Result = &r
			}
		}
	}
	return &cp
}

func sortAndLimit(tasks []*entity.Task, limit int) []*entity.Task {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks
}

func finishedAt(t *entity.Task) any {
	if t.FinishedAt == nil {
		return nil
	}
	return t.FinishedAt.UTC()
}
