package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/core"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ingest"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLoader struct {
	reject map[string]bool
}

func (f fakeLoader) Load(ctx context.Context, paths []string, _ string) ([]entity.Document, []ingest.Failure, error) {
	var docs []entity.Document
	var failures []ingest.Failure
	for _, p := range paths {
		if f.reject[p] {
			failures = append(failures, ingest.Failure{Path: p, Err: "unsupported file"})
			continue
		}
		docs = append(docs, entity.Document{Filename: filepath.Base(p), Content: []byte(p), ContentHash: p})
	}
	return docs, failures, ctx.Err()
}

type fakeProcessor struct {
	fn func(ctx context.Context, doc entity.Document) core.Outcome
}

func (f *fakeProcessor) ProcessBatch(ctx context.Context, docs []entity.Document, _ int, onDone func(int)) []core.Outcome {
	out := make([]core.Outcome, len(docs))
	for i, d := range docs {
		out[i] = f.fn(ctx, d)
		if onDone != nil {
			onDone(i + 1)
		}
	}
	return out
}

func money(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func cleanOutcome(_ context.Context, doc entity.Document) core.Outcome {
	d := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	return core.Outcome{Invoice: entity.Invoice{
		Filename:      doc.Filename,
		InvoiceNumber: "INV-" + strings.TrimSuffix(filepath.Base(doc.ContentHash), ".pdf"),
		Vendor:        entity.Vendor{Name: "Acme"},
		InvoiceDate:   &d,
		GrandTotal:    money("100.00"),
		Taxes:         money("8.00"),
		FinalTotal:    money("108.00"),
		Items: []entity.InvoiceItem{
			{Description: "Widget", Quantity: 2, UnitPrice: money("50.00"), Total: money("100.00")},
		},
		Pages: 1,
	}, Source: "heuristic"}
}

// recordingStore captures every committed progress value.
type recordingStore struct {
	*repository.MemoryStore
	mu       sync.Mutex
	progress []int
}

func (r *recordingStore) Update(ctx context.Context, id string, fn func(*entity.Task) error) (*entity.Task, error) {
	t, err := r.MemoryStore.Update(ctx, id, fn)
	if err == nil {
		r.mu.Lock()
		r.progress = append(r.progress, t.Progress)
		r.mu.Unlock()
	}
	return t, err
}

func (r *recordingStore) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...)
}

type memorySink struct {
	mu    sync.Mutex
	names []string
}

func (m *memorySink) Put(_ context.Context, name string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	return "mem://" + name, nil
}

type harness struct {
	orch   *Orchestrator
	store  *recordingStore
	outDir string
	remote *memorySink
}

func newHarness(t *testing.T, proc *fakeProcessor, loader fakeLoader, settings Settings) *harness {
	t.Helper()
	outDir := t.TempDir()
	sink, err := export.NewLocalSink(outDir)
	require.NoError(t, err)
	if settings.TempDir == "" {
		settings.TempDir = t.TempDir()
	}
	if settings.Workers == 0 {
		settings.Workers = 2
	}
	h := &harness{
		store:  &recordingStore{MemoryStore: repository.NewMemoryStore()},
		outDir: outDir,
		remote: &memorySink{},
	}
	h.orch, err = New(Deps{
		Store:     h.store,
		Loader:    loader,
		Processor: proc,
		Output:    sink,
		Remote:    h.remote,
	}, settings, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { h.orch.Shutdown(context.Background()) })
	return h
}

func (h *harness) await(t *testing.T, id string) *entity.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := h.orch.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return task
}

func TestBatchSize(t *testing.T) {
	tests := []struct {
		configured, total, workers, want int
	}{
		{10, 100, 5, 10},
		{10, 20, 5, 4},
		{10, 3, 5, 1},
		{2, 20, 5, 2},
		{10, 7, 0, 7},
		{10, 1, 1, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BatchSize(tt.configured, tt.total, tt.workers), "%+v", tt)
	}
}

func TestSubmitRunsToSuccess(t *testing.T) {
	h := newHarness(t, &fakeProcessor{fn: cleanOutcome}, fakeLoader{}, Settings{})

	task, err := h.orch.Submit(context.Background(), "", []string{"/in/a-00001.pdf", "/in/b-00002.pdf"}, "")
	require.NoError(t, err)
	assert.Equal(t, constants.TaskQueued, task.State)
	assert.Equal(t, "Task queued", task.Message)

	done := h.await(t, task.ID)
	assert.Equal(t, constants.TaskSuccess, done.State)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, "Export complete", done.Message)
	require.NotNil(t, done.FinishedAt)

	res, err := h.orch.GetResult(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalInvoices)
	assert.Equal(t, 0, res.FlaggedInvoices)
	assert.Empty(t, res.FailedDocuments)
	assert.Equal(t, filepath.Join(h.outDir, task.ID+"_invoices.csv"), res.CSVPath)
	assert.Equal(t, filepath.Join(h.outDir, task.ID+"_invoices.xlsx"), res.ExcelPath)
	assert.FileExists(t, res.CSVPath)
	assert.FileExists(t, res.ExcelPath)
	assert.Equal(t, []string{"mem://" + task.ID + "/" + task.ID + "_invoices.csv", "mem://" + task.ID + "/" + task.ID + "_invoices.xlsx"}, res.RemoteURIs)
	require.Len(t, res.Validation, 2)
	assert.Empty(t, res.Validation[0].Warnings)
}

func TestProgressIsMonotonicAndHitsMilestones(t *testing.T) {
	h := newHarness(t, &fakeProcessor{fn: cleanOutcome}, fakeLoader{}, Settings{BatchSize: 1, Workers: 1})

	paths := []string{"/in/a-00001.pdf", "/in/b-00002.pdf", "/in/c-00003.pdf"}
	task, err := h.orch.Submit(context.Background(), "progress-task", paths, "")
	require.NoError(t, err)
	h.await(t, task.ID)

	seen := h.store.seen()
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress went backwards: %v", seen)
	}
	assert.Equal(t, 100, seen[len(seen)-1])
	for _, milestone := range []int{20, 60, 80} {
		assert.Contains(t, seen, milestone)
	}
}

func TestFailedDocumentsAreReportedNotFatal(t *testing.T) {
	proc := &fakeProcessor{fn: func(ctx context.Context, doc entity.Document) core.Outcome {
		if doc.Filename == "bad-00002.pdf" {
			return core.Outcome{
				Invoice: entity.Invoice{Filename: doc.Filename, Pages: 1},
				Err:     errors.New("ocr unavailable"),
			}
		}
		return cleanOutcome(ctx, doc)
	}}
	loader := fakeLoader{reject: map[string]bool{"/in/notes.txt": true}}
	h := newHarness(t, proc, loader, Settings{})

	task, err := h.orch.Submit(context.Background(), "", []string{"/in/good-00001.pdf", "/in/bad-00002.pdf", "/in/notes.txt"}, "")
	require.NoError(t, err)
	done := h.await(t, task.ID)
	require.Equal(t, constants.TaskSuccess, done.State)

	res := done.Result
	require.NotNil(t, res)
	assert.Equal(t, 2, res.TotalInvoices)
	assert.ElementsMatch(t, []string{"notes.txt", "bad-00002.pdf"}, res.FailedDocuments)
	require.Len(t, res.Validation, 2)
	assert.Equal(t, "Extraction failed: ocr unavailable", res.Validation[1].Warnings[0])
	assert.Equal(t, 1, res.FlaggedInvoices)
}

func TestNoUsableDocumentsFails(t *testing.T) {
	loader := fakeLoader{reject: map[string]bool{"/in/a.txt": true}}
	h := newHarness(t, &fakeProcessor{fn: cleanOutcome}, loader, Settings{})

	task, err := h.orch.Submit(context.Background(), "", []string{"/in/a.txt"}, "")
	require.NoError(t, err)
	done := h.await(t, task.ID)
	assert.Equal(t, constants.TaskFailure, done.State)
	assert.Contains(t, done.Message, "no valid documents")

	_, err = h.orch.GetResult(context.Background(), task.ID)
	assert.True(t, errors.Is(err, common.ErrTaskTerminal))
}

func TestSoftTimeLimit(t *testing.T) {
	proc := &fakeProcessor{fn: func(ctx context.Context, doc entity.Document) core.Outcome {
		<-ctx.Done()
		return core.Outcome{Invoice: entity.Invoice{Filename: doc.Filename}, Err: ctx.Err()}
	}}
	h := newHarness(t, proc, fakeLoader{}, Settings{SoftLimitSingle: 30 * time.Millisecond})

	task, err := h.orch.Submit(context.Background(), "", []string{"/in/slow-00001.pdf"}, "")
	require.NoError(t, err)
	done := h.await(t, task.ID)
	assert.Equal(t, constants.TaskFailure, done.State)
	assert.Equal(t, "Task exceeded soft time limit of 30ms", done.Message)
}

func TestCancelWinsOverInFlightWork(t *testing.T) {
	release := make(chan struct{})
	proc := &fakeProcessor{fn: func(ctx context.Context, doc entity.Document) core.Outcome {
		<-release
		return cleanOutcome(ctx, doc)
	}}
	h := newHarness(t, proc, fakeLoader{}, Settings{})
	workDir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))

	task, err := h.orch.Submit(context.Background(), "cancel-me", []string{"/in/a-00001.pdf"}, workDir)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := h.orch.GetStatus(context.Background(), task.ID)
		return err == nil && st.State == constants.TaskProcessing
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Cancel(context.Background(), task.ID))
	close(release)

	done := h.await(t, task.ID)
	assert.Equal(t, constants.TaskCancelled, done.State)
	assert.Equal(t, "Task cancelled", done.Message)
	assert.Nil(t, done.Result)

	require.Eventually(t, func() bool {
		_, err := os.Stat(workDir)
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)

	err = h.orch.Cancel(context.Background(), task.ID)
	assert.True(t, errors.Is(err, common.ErrTaskTerminal))
}

func TestPanicFailsTask(t *testing.T) {
	proc := &fakeProcessor{fn: func(context.Context, entity.Document) core.Outcome {
		panic("boom")
	}}
	h := newHarness(t, proc, fakeLoader{}, Settings{})

	task, err := h.orch.Submit(context.Background(), "", []string{"/in/a-00001.pdf"}, "")
	require.NoError(t, err)
	done := h.await(t, task.ID)
	assert.Equal(t, constants.TaskFailure, done.State)
	assert.Equal(t, "Internal error: boom", done.Message)
}

func TestHandleReportsPanicAsInternal(t *testing.T) {
	proc := &fakeProcessor{fn: func(context.Context, entity.Document) core.Outcome {
		panic("boom")
	}}
	h := newHarness(t, proc, fakeLoader{}, Settings{})
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.store.Create(ctx, &entity.Task{ID: "direct", State: constants.TaskQueued, CreatedAt: now, UpdatedAt: now}))

	err := h.orch.Handle(ctx, async.Job{TaskID: "direct", Paths: []string{"/in/a-00001.pdf"}, WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, common.ErrInternal)

	got, err := h.orch.GetStatus(ctx, "direct")
	require.NoError(t, err)
	assert.Equal(t, constants.TaskFailure, got.State)
}

func TestQueueStats(t *testing.T) {
	h := newHarness(t, &fakeProcessor{fn: cleanOutcome}, fakeLoader{}, Settings{Workers: 3, QueueSize: 8})
	st, ok := h.orch.QueueStats()
	require.True(t, ok)
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, 8, st.Capacity)
}

func TestStatusAndResultErrors(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	proc := &fakeProcessor{fn: func(ctx context.Context, doc entity.Document) core.Outcome {
		<-release
		return cleanOutcome(ctx, doc)
	}}
	h := newHarness(t, proc, fakeLoader{}, Settings{})
	ctx := context.Background()

	_, err := h.orch.GetStatus(ctx, "unknown")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	_, err = h.orch.GetResult(ctx, "unknown")
	assert.True(t, errors.Is(err, common.ErrNotFound))
	assert.True(t, errors.Is(h.orch.Cancel(ctx, "unknown"), common.ErrNotFound))

	task, err := h.orch.Submit(ctx, "", []string{"/in/a-00001.pdf"}, "")
	require.NoError(t, err)
	_, err = h.orch.GetResult(ctx, task.ID)
	assert.True(t, errors.Is(err, common.ErrTaskNotFinished))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, &fakeProcessor{fn: cleanOutcome}, fakeLoader{}, Settings{})
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, "", nil, "")
	assert.True(t, errors.Is(err, common.ErrInvalidInput))

	_, err = h.orch.Submit(ctx, "bad id!", []string{"/in/a.pdf"}, "")
	assert.True(t, errors.Is(err, common.ErrInvalidInput))

	_, err = h.orch.Submit(ctx, "dup", []string{"/in/a-00001.pdf"}, "")
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, "dup", []string{"/in/a-00001.pdf"}, "")
	assert.True(t, errors.Is(err, common.ErrInvalidInput))
}

func TestRecoverFailsStaleTasks(t *testing.T) {
	h := newHarness(t, &fakeProcessor{fn: cleanOutcome}, fakeLoader{}, Settings{})
	ctx := context.Background()
	now := time.Now()
	stale := &entity.Task{ID: "stale", State: constants.TaskProcessing, Progress: 40, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.store.Create(ctx, stale))

	n, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.orch.GetStatus(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, constants.TaskFailure, got.State)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, "Task interrupted by service restart", got.Message)
}
