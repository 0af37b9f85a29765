package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/core"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

// WorkDirPrefix names the per-task directories created under the temp dir.
const WorkDirPrefix = "invoice-task-"

// BatchProcessor extracts a batch of documents. core.Processor implements it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, docs []entity.Document, limit int, onDone func(done int)) []core.Outcome
}

// Settings are the orchestrator's tunables.
type Settings struct {
	Workers         int
	BatchSize       int
	QueueSize       int
	TempDir         string
	SoftLimitSingle time.Duration
	SoftLimitBatch  time.Duration
	HardLimitGrace  time.Duration
}

// SettingsFromConfig copies the pipeline section of the configuration.
func SettingsFromConfig(cfg common.PipelineConfig) Settings {
	return Settings{
		Workers:         cfg.MaxWorkers,
		BatchSize:       cfg.BatchSize,
		QueueSize:       cfg.QueueSize,
		TempDir:         cfg.TempDir,
		SoftLimitSingle: cfg.SoftLimitSingle,
		SoftLimitBatch:  cfg.SoftLimitBatch,
		HardLimitGrace:  cfg.HardLimitGrace,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Workers < 1 {
		s.Workers = 5
	}
	if s.BatchSize < 1 {
		s.BatchSize = 10
	}
	if s.TempDir == "" {
		s.TempDir = os.TempDir()
	}
	if s.SoftLimitSingle <= 0 {
		s.SoftLimitSingle = 7 * time.Minute
	}
	if s.SoftLimitBatch <= 0 {
		s.SoftLimitBatch = 2 * time.Hour
	}
	if s.HardLimitGrace <= 0 {
		s.HardLimitGrace = time.Minute
	}
	return s
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store     repository.TaskStore
	Loader    ingest.Loader
	Processor BatchProcessor
	Validator *validation.Validator
	Rules     []validation.Rule
	Exporter  *export.Service
	Output    export.Sink
	// Remote receives a copy of every artifact under "{task_id}/". Optional.
	Remote export.Sink
}

// Orchestrator owns the task state machine. Tasks run on a bounded worker
// pool; status is read back through the task store.
type Orchestrator struct {
	deps     Deps
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
	queue    async.Queue
}

type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithQueue replaces the default worker pool.
func WithQueue(q async.Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

func New(deps Deps, settings Settings, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Loader == nil || deps.Processor == nil || deps.Output == nil {
		return nil, common.NewAppError("ORCHESTRATOR_DEPS", "store, loader, processor and output sink are required", common.ErrInvalidInput)
	}
	if deps.Validator == nil {
		deps.Validator = validation.NewValidator()
	}
	if deps.Rules == nil {
		deps.Rules = validation.DefaultRules()
	}
	if deps.Exporter == nil {
		deps.Exporter = export.NewService(logger)
	}
	o := &Orchestrator{
		deps:     deps,
		settings: settings.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.queue == nil {
		o.queue = async.NewWorkerQueue(async.HandlerFunc(o.Handle), logger,
			async.WithWorkers(o.settings.Workers),
			async.WithQueueSize(o.settings.QueueSize),
			async.WithProcessTimeout(o.settings.SoftLimitBatch+o.settings.HardLimitGrace),
		)
	}
	return o, nil
}

// NewWorkDir creates a task-scoped directory under the temp dir.
func (o *Orchestrator) NewWorkDir(taskID string) (string, error) {
	if err := os.MkdirAll(o.settings.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	dir, err := os.MkdirTemp(o.settings.TempDir, WorkDirPrefix+taskID+"-")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return dir, nil
}

// Submit registers a task in QUEUED and hands it to the worker pool. An
// empty taskID gets a fresh UUID; an empty workDir gets a new task-scoped
// directory. The work dir is removed when the task ends.
func (o *Orchestrator) Submit(ctx context.Context, taskID string, paths []string, workDir string) (*entity.Task, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	v := common.NewValidator().
		Field("task_id", taskID, common.Required, common.TaskID, common.MaxLength(128)).
		Field("paths", paths, common.Required)
	if err := v.Error(); err != nil {
		return nil, err
	}
	ownDir := workDir == ""
	if ownDir {
		dir, err := o.NewWorkDir(taskID)
		if err != nil {
			return nil, err
		}
		workDir = dir
	}

	now := o.now()
	task := &entity.Task{
		ID:        taskID,
		State:     constants.TaskQueued,
		Message:   "Task queued",
		Documents: len(paths),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.deps.Store.Create(ctx, task); err != nil {
		if ownDir {
			o.cleanup(o.logger, workDir)
		}
		return nil, err
	}

	job := async.Job{
		TaskID:      taskID,
		Paths:       append([]string(nil), paths...),
		WorkDir:     workDir,
		SubmittedAt: now,
		Timeout:     o.softLimit(len(paths)) + o.settings.HardLimitGrace,
	}
	if err := o.queue.Enqueue(ctx, job); err != nil {
		o.fail(context.WithoutCancel(ctx), o.logger.With("task_id", taskID), taskID, fmt.Sprintf("Could not queue task: %v", err))
		o.cleanup(o.logger, workDir)
		return nil, common.WrapError(err, "enqueue task "+taskID)
	}
	o.logger.Info("orchestrator.task.submitted", "task_id", taskID, "paths", len(paths), "work_dir", workDir)
	return task, nil
}

// GetStatus returns the task's current state, progress and message.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (*entity.Task, error) {
	return o.deps.Store.Get(ctx, taskID)
}

// List returns tasks matching filter, oldest first.
func (o *Orchestrator) List(ctx context.Context, filter repository.ListFilter) ([]*entity.Task, error) {
	return o.deps.Store.List(ctx, filter)
}

// Cancel moves a non-terminal task to CANCELLED. Work already in flight is
// allowed to finish; its result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	_, err := o.deps.Store.Update(ctx, taskID, func(t *entity.Task) error {
		return t.Transition(constants.TaskCancelled, t.Progress, "Task cancelled", o.now())
	})
	if err != nil {
		return err
	}
	o.logger.Info("orchestrator.task.cancelled", "task_id", taskID)
	return nil
}

// GetResult returns the payload of a SUCCESS task.
func (o *Orchestrator) GetResult(ctx context.Context, taskID string) (*entity.TaskResult, error) {
	t, err := o.deps.Store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch {
	case t.State == constants.TaskSuccess && t.Result != nil:
		return t.Result, nil
	case t.State.IsTerminal():
		return nil, common.NewAppError("TASK_NO_RESULT",
			fmt.Sprintf("task %s ended in %s: %s", taskID, t.State, t.Message), common.ErrTaskTerminal)
	}
	return nil, common.NewAppError("TASK_NOT_FINISHED",
		fmt.Sprintf("task %s is %s (%d%%)", taskID, t.State, t.Progress), common.ErrTaskNotFinished)
}

// Await polls until the task reaches a terminal state or ctx ends.
func (o *Orchestrator) Await(ctx context.Context, taskID string, every time.Duration) (*entity.Task, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		t, err := o.deps.Store.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.State.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Recover fails tasks left non-terminal by a previous process. Their work
// dirs are gone with the old worker, so they cannot resume.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	stale, err := o.deps.Store.List(ctx, repository.ListFilter{
		States: []constants.TaskState{constants.TaskQueued, constants.TaskStarted, constants.TaskProcessing},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range stale {
		if o.fail(ctx, o.logger.With("task_id", t.ID), t.ID, "Task interrupted by service restart") {
			n++
		}
	}
	if n > 0 {
		o.logger.Warn("orchestrator.recover.failed_stale", "tasks", n)
	}
	return n, nil
}

// QueueStats reports the worker pool's occupancy when the queue exposes it.
func (o *Orchestrator) QueueStats() (async.Stats, bool) {
	sq, ok := o.queue.(interface{ Stats() async.Stats })
	if !ok {
		return async.Stats{}, false
	}
	return sq.Stats(), true
}

// Shutdown stops accepting tasks and waits for running ones.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.queue.Shutdown(ctx)
}

func (o *Orchestrator) softLimit(documents int) time.Duration {
	if documents <= 1 {
		return o.settings.SoftLimitSingle
	}
	return o.settings.SoftLimitBatch
}

// BatchSize partitions total documents across workers:
// max(1, min(configured, total/workers)).
func BatchSize(configured, total, workers int) int {
	if workers < 1 {
		workers = 1
	}
	size := min(configured, total/workers)
	return max(1, size)
}

// cleanup removes the task's work dir. Safe to call more than once.
func (o *Orchestrator) cleanup(logger *slog.Logger, workDir string) {
	if workDir == "" {
		return
	}
	if err := os.RemoveAll(workDir); err != nil {
		logger.Warn("orchestrator.cleanup.failed", "work_dir", workDir, "error", err)
		return
	}
	logger.Debug("orchestrator.cleanup.ok", "work_dir", filepath.Clean(workDir))
}
