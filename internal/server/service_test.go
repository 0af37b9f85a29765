package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTasks struct {
	mu        sync.Mutex
	tasks     map[string]*entity.Task
	submitted []string
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: map[string]*entity.Task{}}
}

func (f *fakeTasks) Submit(_ context.Context, taskID string, paths []string, _ string) (*entity.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID == "" {
		taskID = "generated"
	}
	now := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)
	t := &entity.Task{ID: taskID, State: constants.TaskQueued, Message: "Task queued", Documents: len(paths), CreatedAt: now, UpdatedAt: now}
	f.tasks[taskID] = t
	f.submitted = append(f.submitted, paths...)
	return t, nil
}

func (f *fakeTasks) GetStatus(_ context.Context, taskID string) (*entity.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, common.NewAppError("TASK_NOT_FOUND", "task "+taskID+" not found", common.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTasks) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return common.NewAppError("TASK_NOT_FOUND", "task "+taskID+" not found", common.ErrNotFound)
	}
	return t.Transition(constants.TaskCancelled, t.Progress, "Task cancelled", t.CreatedAt.Add(time.Second))
}

func (f *fakeTasks) GetResult(ctx context.Context, taskID string) (*entity.TaskResult, error) {
	t, err := f.GetStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.State != constants.TaskSuccess {
		return nil, common.NewAppError("TASK_NOT_FINISHED", "not finished", common.ErrTaskNotFinished)
	}
	return t.Result, nil
}

func (f *fakeTasks) List(context.Context, repository.ListFilter) ([]*entity.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func dial(t *testing.T, tasks Tasks) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterTaskServer(srv, NewTaskService(tasks, quietLogger()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestSubmitAndStatus(t *testing.T) {
	tasks := newFakeTasks()
	c := dial(t, tasks)
	ctx := context.Background()

	out, err := c.Submit(ctx, mustStruct(t, map[string]any{
		"task_id": "batch-1",
		"paths":   []any{"/in/a.pdf", "/in/b.zip"},
	}))
	require.NoError(t, err)
	fields := out.AsMap()
	assert.Equal(t, "batch-1", fields["task_id"])
	assert.Equal(t, "QUEUED", fields["state"])
	assert.Equal(t, "Queued", fields["status"])
	assert.Equal(t, float64(2), fields["documents"])
	assert.Equal(t, []string{"/in/a.pdf", "/in/b.zip"}, tasks.submitted)

	st, err := c.GetStatus(ctx, mustStruct(t, map[string]any{"task_id": "batch-1"}))
	require.NoError(t, err)
	assert.Equal(t, "Task queued", st.AsMap()["message"])

	cancelled, err := c.Cancel(ctx, mustStruct(t, map[string]any{"task_id": "batch-1"}))
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", cancelled.AsMap()["status"])
	assert.Contains(t, cancelled.AsMap(), "finished_at")

	_, err = c.Cancel(ctx, mustStruct(t, map[string]any{"task_id": "batch-1"}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	list, err := c.ListTasks(ctx, mustStruct(t, map[string]any{}))
	require.NoError(t, err)
	assert.Len(t, list.AsMap()["tasks"], 1)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	c := dial(t, newFakeTasks())
	ctx := context.Background()

	tests := []map[string]any{
		{},
		{"paths": []any{"/in/notes.txt"}},
		{"paths": []any{"/in/a.pdf"}, "task_id": "bad id"},
	}
	for _, req := range tests {
		_, err := c.Submit(ctx, mustStruct(t, req))
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "%v", req)
	}
}

func TestStatusErrors(t *testing.T) {
	tasks := newFakeTasks()
	c := dial(t, tasks)
	ctx := context.Background()

	_, err := c.GetStatus(ctx, mustStruct(t, map[string]any{"task_id": "missing"}))
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.GetStatus(ctx, mustStruct(t, map[string]any{}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Submit(ctx, mustStruct(t, map[string]any{"task_id": "running", "paths": []any{"/in/a.pdf"}}))
	require.NoError(t, err)
	_, err = c.GetResult(ctx, mustStruct(t, map[string]any{"task_id": "running"}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGetResult(t *testing.T) {
	tasks := newFakeTasks()
	now := time.Now()
	tasks.tasks["done"] = &entity.Task{
		ID: "done", State: constants.TaskSuccess, Progress: 100, CreatedAt: now, UpdatedAt: now,
		Result: &entity.TaskResult{
			CSVPath:         "/out/done_invoices.csv",
			ExcelPath:       "/out/done_invoices.xlsx",
			TotalInvoices:   2,
			FlaggedInvoices: 1,
			FailedDocuments: []string{"bad.pdf"},
		},
	}
	c := dial(t, tasks)

	out, err := c.GetResult(context.Background(), mustStruct(t, map[string]any{"task_id": "done"}))
	require.NoError(t, err)
	m := out.AsMap()
	assert.Equal(t, "/out/done_invoices.csv", m["csv_path"])
	assert.Equal(t, float64(2), m["total_invoices"])
	assert.Equal(t, []any{"bad.pdf"}, m["failed_documents"])
}
