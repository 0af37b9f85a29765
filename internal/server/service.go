package server

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

// Tasks is the orchestrator surface the service exposes.
type Tasks interface {
	Submit(ctx context.Context, taskID string, paths []string, workDir string) (*entity.Task, error)
	GetStatus(ctx context.Context, taskID string) (*entity.Task, error)
	Cancel(ctx context.Context, taskID string) error
	GetResult(ctx context.Context, taskID string) (*entity.TaskResult, error)
	List(ctx context.Context, filter repository.ListFilter) ([]*entity.Task, error)
}

// TaskService serves the task API over gRPC with structpb messages.
type TaskService struct {
	tasks  Tasks
	logger *slog.Logger
}

func NewTaskService(tasks Tasks, logger *slog.Logger) *TaskService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskService{tasks: tasks, logger: logger}
}

// Submit expects {"paths": [...], "task_id"?: string, "work_dir"?: string}.
func (s *TaskService) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	taskID := strings.TrimSpace(stringField(req, "task_id"))
	paths := stringList(req, "paths")
	v := common.NewValidator().Field("paths", paths, common.Required, common.AllowedExtensions)
	if taskID != "" {
		v.Field("task_id", taskID, common.TaskID)
	}
	if err := v.Error(); err != nil {
		s.logger.Warn("server.submit.invalid", "error", err)
		return nil, common.ToStatus(err)
	}

	task, err := s.tasks.Submit(ctx, taskID, paths, strings.TrimSpace(stringField(req, "work_dir")))
	if err != nil {
		s.logger.Error("server.submit.failed", "task_id", taskID, "error", err)
		return nil, common.ToStatus(err)
	}
	return taskStruct(task)
}

// GetStatus expects {"task_id": string}.
func (s *TaskService) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	taskID, err := requireTaskID(req)
	if err != nil {
		return nil, err
	}
	task, err := s.tasks.GetStatus(ctx, taskID)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return taskStruct(task)
}

// Cancel expects {"task_id": string} and answers with the task's status.
func (s *TaskService) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	taskID, err := requireTaskID(req)
	if err != nil {
		return nil, err
	}
	if err := s.tasks.Cancel(ctx, taskID); err != nil {
		s.logger.Warn("server.cancel.failed", "task_id", taskID, "error", err)
		return nil, common.ToStatus(err)
	}
	task, err := s.tasks.GetStatus(ctx, taskID)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return taskStruct(task)
}

// GetResult expects {"task_id": string}.
func (s *TaskService) GetResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	taskID, err := requireTaskID(req)
	if err != nil {
		return nil, err
	}
	res, err := s.tasks.GetResult(ctx, taskID)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return toStruct(res)
}

// ListTasks accepts optional {"states": [...], "limit": n}.
func (s *TaskService) ListTasks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter := repository.ListFilter{Limit: int(numberField(req, "limit"))}
	for _, st := range stringList(req, "states") {
		filter.States = append(filter.States, constants.TaskState(strings.ToUpper(st)))
	}
	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		s.logger.Error("server.list.failed", "error", err)
		return nil, common.ToStatus(err)
	}
	items := make([]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskMap(t))
	}
	out, err := structpb.NewStruct(map[string]any{"tasks": items})
	if err != nil {
		return nil, common.ToStatus(common.WrapError(err, "encode tasks"))
	}
	return out, nil
}

func requireTaskID(req *structpb.Struct) (string, error) {
	taskID := strings.TrimSpace(stringField(req, "task_id"))
	if err := common.NewValidator().Field("task_id", taskID, common.Required, common.TaskID).Error(); err != nil {
		return "", common.ToStatus(err)
	}
	return taskID, nil
}
