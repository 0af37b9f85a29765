package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

// Purger drops expired entries from a cache.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// QueueMonitor exposes worker pool occupancy.
type QueueMonitor interface {
	QueueStats() (async.Stats, bool)
}

// Settings for the periodic jobs. Queue checks run every StatusInterval,
// everything else every Interval.
type Settings struct {
	Interval             time.Duration
	StatusInterval       time.Duration
	TaskRetention        time.Duration
	LongRunningThreshold time.Duration
	TempDir              string
	TempPrefix           string
	TempMaxAge           time.Duration
}

// SettingsFromConfig reads the maintenance and pipeline sections.
func SettingsFromConfig(cfg *common.Config, tempPrefix string) Settings {
	return Settings{
		Interval:             cfg.Maintenance.Interval,
		StatusInterval:       cfg.Maintenance.StatusInterval,
		TaskRetention:        cfg.Maintenance.TaskRetention,
		LongRunningThreshold: cfg.Maintenance.LongRunningThreshold,
		TempDir:              cfg.Pipeline.TempDir,
		TempPrefix:           tempPrefix,
		TempMaxAge:           cfg.Maintenance.TempMaxAge,
	}
}

// Report summarizes one maintenance pass.
type Report struct {
	TempDirsRemoved int
	TasksEvicted    int
	LongRunning     []string
	CachePurged     int
	Queue           *async.Stats
}

// Runner executes the housekeeping jobs.
type Runner struct {
	store    repository.TaskStore
	cache    Purger
	queue    QueueMonitor
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithCache enables expired-entry purging.
func WithCache(p Purger) Option {
	return func(r *Runner) { r.cache = p }
}

// WithQueueMonitor enables queue and worker status checks.
func WithQueueMonitor(m QueueMonitor) Option {
	return func(r *Runner) { r.queue = m }
}

func NewRunner(store repository.TaskStore, settings Settings, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.Interval <= 0 {
		settings.Interval = time.Hour
	}
	if settings.StatusInterval <= 0 {
		settings.StatusInterval = 15 * time.Minute
	}
	if settings.TaskRetention <= 0 {
		settings.TaskRetention = 30 * 24 * time.Hour
	}
	if settings.LongRunningThreshold <= 0 {
		settings.LongRunningThreshold = 420 * time.Second
	}
	if settings.TempMaxAge <= 0 {
		settings.TempMaxAge = 24 * time.Hour
	}
	r := &Runner{store: store, settings: settings, logger: logger, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RunOnce runs every job. A failing job is logged and does not stop the
// others; the joined error is returned.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	n, err := r.CleanTempDirs(ctx)
	rep.TempDirsRemoved = n
	errs = append(errs, err)

	n, err = r.EvictTasks(ctx)
	rep.TasksEvicted = n
	errs = append(errs, err)

	ids, err := r.LongRunning(ctx)
	rep.LongRunning = ids
	errs = append(errs, err)

	n, err = r.PurgeCache(ctx)
	rep.CachePurged = n
	errs = append(errs, err)

	if st, ok := r.CheckQueue(); ok {
		rep.Queue = &st
	}

	r.logger.Info("maintenance.run.ok",
		"temp_dirs_removed", rep.TempDirsRemoved,
		"tasks_evicted", rep.TasksEvicted,
		"long_running", len(rep.LongRunning),
		"cache_purged", rep.CachePurged,
	)
	return rep, errors.Join(errs...)
}

// Start runs RunOnce every Interval and CheckQueue every StatusInterval
// until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.settings.Interval)
	defer ticker.Stop()
	status := time.NewTicker(r.settings.StatusInterval)
	defer status.Stop()
	r.logger.Info("maintenance.scheduler.started",
		"interval", r.settings.Interval.String(),
		"status_interval", r.settings.StatusInterval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("maintenance.scheduler.stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("maintenance.run.failed", "error", err)
			}
		case <-status.C:
			r.CheckQueue()
		}
	}
}

// CheckQueue logs worker pool occupancy and warns about a backlog at 80%
// of capacity, saturated workers with work waiting, or workers that have
// stopped.
func (r *Runner) CheckQueue() (async.Stats, bool) {
	if r.queue == nil {
		return async.Stats{}, false
	}
	st, ok := r.queue.QueueStats()
	if !ok {
		return async.Stats{}, false
	}
	r.logger.Info("maintenance.queue.status",
		"workers", st.Workers,
		"busy", st.Busy,
		"queued", st.Queued,
		"capacity", st.Capacity,
		"completed", st.Completed,
		"failed", st.Failed,
	)
	if st.Capacity > 0 && st.Queued*5 >= st.Capacity*4 {
		r.logger.Warn("maintenance.queue.backlog", "queued", st.Queued, "capacity", st.Capacity)
	}
	if st.Workers > 0 && st.Busy >= st.Workers && st.Queued > 0 {
		r.logger.Warn("maintenance.workers.saturated", "busy", st.Busy, "queued", st.Queued)
	}
	if st.Workers < st.Size {
		r.logger.Warn("maintenance.workers.missing", "running", st.Workers, "configured", st.Size)
	}
	return st, true
}

// CleanTempDirs removes task work dirs older than TempMaxAge whose task is
// unknown or finished.
func (r *Runner) CleanTempDirs(ctx context.Context) (int, error) {
	if r.settings.TempDir == "" || r.settings.TempPrefix == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(r.settings.TempDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	cutoff := r.now().Add(-r.settings.TempMaxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), r.settings.TempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if r.taskActive(ctx, taskIDFromDir(e.Name(), r.settings.TempPrefix)) {
			continue
		}
		path := filepath.Join(r.settings.TempDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn("maintenance.temp.remove_failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info("maintenance.temp.cleaned", "removed", removed)
	}
	return removed, nil
}

// taskIDFromDir recovers the task id from "{prefix}{task_id}-{random}".
func taskIDFromDir(name, prefix string) string {
	rest := strings.TrimPrefix(name, prefix)
	if i := strings.LastIndex(rest, "-"); i > 0 {
		return rest[:i]
	}
	return rest
}

func (r *Runner) taskActive(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	t, err := r.store.Get(ctx, id)
	if err != nil {
		return false
	}
	return !t.State.IsTerminal()
}

// EvictTasks deletes finished tasks older than TaskRetention.
func (r *Runner) EvictTasks(ctx context.Context) (int, error) {
	n, err := r.store.Evict(ctx, r.now().Add(-r.settings.TaskRetention))
	if err != nil {
		return 0, fmt.Errorf("evict tasks: %w", err)
	}
	if n > 0 {
		r.logger.Info("maintenance.tasks.evicted", "count", n)
	}
	return n, nil
}

// LongRunning returns ids of tasks running longer than the threshold.
func (r *Runner) LongRunning(ctx context.Context) ([]string, error) {
	tasks, err := r.store.List(ctx, repository.ListFilter{
		States: []constants.TaskState{constants.TaskStarted, constants.TaskProcessing},
	})
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	now := r.now()
	var ids []string
	for _, t := range tasks {
		elapsed := now.Sub(runningSince(t))
		if elapsed > r.settings.LongRunningThreshold {
			r.logger.Warn("maintenance.task.long_running",
				"task_id", t.ID, "state", string(t.State), "progress", t.Progress,
				"elapsed_s", int(elapsed.Seconds()))
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

func runningSince(t *entity.Task) time.Time {
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return t.CreatedAt
}

// PurgeCache drops expired cache entries when a purger is configured.
func (r *Runner) PurgeCache(ctx context.Context) (int, error) {
	if r.cache == nil {
		return 0, nil
	}
	n, err := r.cache.Purge(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge cache: %w", err)
	}
	return n, nil
}
