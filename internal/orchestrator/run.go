package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/async"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/core"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/export"
	"github.com/joseph-ayodele/invoice-pipeline/internal/validation"
)

// Progress milestones.
const (
	progressPrepared  = 20
	progressExtracted = 60
	progressValidated = 80
	progressExported  = 100
)

// errAbandoned stops a run whose task was made terminal elsewhere.
var errAbandoned = errors.New("task no longer running")

// Handle runs one task end to end on a worker. It is the async.Handler the
// worker pool invokes; ctx carries the hard deadline.
func (o *Orchestrator) Handle(ctx context.Context, job async.Job) (err error) {
	logger := o.logger.With("task_id", job.TaskID)
	ctx = common.WithTaskID(ctx, job.TaskID)
	start := o.now()
	defer o.cleanup(logger, job.WorkDir)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("orchestrator.task.panic", "panic", r)
			o.fail(context.WithoutCancel(ctx), logger, job.TaskID, fmt.Sprintf("Internal error: %v", r))
			err = fmt.Errorf("%w: task %s panicked: %v", common.ErrInternal, job.TaskID, r)
		}
	}()

	limit := o.softLimit(len(job.Paths))
	softCtx, cancel := context.WithTimeoutCause(ctx, limit, common.ErrTimeLimit)
	defer cancel()

	if err := o.advance(ctx, job.TaskID, constants.TaskStarted, 0, "Starting processing"); err != nil {
		if errors.Is(err, errAbandoned) {
			logger.Info("orchestrator.task.skipped", "reason", "cancelled before start")
			return nil
		}
		return err
	}
	logger.Info("orchestrator.task.started", "paths", len(job.Paths))

	result, err := o.execute(softCtx, logger, job)
	switch {
	case errors.Is(err, errAbandoned):
		logger.Info("orchestrator.task.abandoned", "elapsed_ms", o.now().Sub(start).Milliseconds())
		return nil
	case err != nil && errors.Is(context.Cause(softCtx), common.ErrTimeLimit):
		msg := fmt.Sprintf("Task exceeded soft time limit of %s", limit)
		o.fail(context.WithoutCancel(ctx), logger, job.TaskID, msg)
		return fmt.Errorf("%w: %s", common.ErrTimeLimit, msg)
	case err != nil:
		o.fail(context.WithoutCancel(ctx), logger, job.TaskID, err.Error())
		return err
	}

	_, err = o.deps.Store.Update(context.WithoutCancel(ctx), job.TaskID, func(t *entity.Task) error {
		if err := t.Transition(constants.TaskSuccess, progressExported, "Export complete", o.now()); err != nil {
			return err
		}
		t.Result = result
		return nil
	})
	if errors.Is(err, common.ErrTaskTerminal) {
		logger.Info("orchestrator.result.discarded", "reason", "task already terminal")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record result for %s: %w", job.TaskID, err)
	}
	logger.Info("orchestrator.task.ok",
		"invoices", result.TotalInvoices,
		"flagged", result.FlaggedInvoices,
		"failed_documents", len(result.FailedDocuments),
		"elapsed_ms", o.now().Sub(start).Milliseconds(),
	)
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, logger *slog.Logger, job async.Job) (*entity.TaskResult, error) {
	docs, failures, err := o.deps.Loader.Load(ctx, job.Paths, job.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	var failed []string
	for _, f := range failures {
		logger.Warn("orchestrator.document.rejected", "path", f.Path, "error", f.Err)
		failed = append(failed, filepath.Base(f.Path))
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no valid documents to process (%d rejected)", len(failures))
	}
	if err := o.advance(ctx, job.TaskID, constants.TaskProcessing, progressPrepared,
		fmt.Sprintf("Prepared %d documents", len(docs))); err != nil {
		return nil, err
	}

	outcomes, err := o.extract(ctx, job.TaskID, docs)
	if err != nil {
		return nil, err
	}
	failed = append(failed, core.FailedDocuments(outcomes)...)
	if err := o.advance(ctx, job.TaskID, constants.TaskProcessing, progressExtracted, "Extraction complete"); err != nil {
		return nil, err
	}

	invoices := core.Invoices(outcomes)
	validated := o.deps.Validator.ValidateBatch(invoices)
	for i, out := range outcomes {
		if out.Degraded() {
			validated[i].Warnings = append([]string{"Extraction failed: " + out.Err.Error()}, validated[i].Warnings...)
		}
	}
	flags := validation.FlagAnomalies(invoices, o.deps.Rules...)
	if err := o.advance(ctx, job.TaskID, constants.TaskProcessing, progressValidated, "Validation complete"); err != nil {
		return nil, err
	}

	result := &entity.TaskResult{
		TotalInvoices:   len(invoices),
		FlaggedInvoices: validation.CountFlagged(flags),
		FailedDocuments: failed,
		Anomalies:       flags,
	}
	for _, v := range validated {
		result.Validation = append(result.Validation, entity.InvoiceReport{
			Filename:      v.Invoice.Filename,
			InvoiceNumber: v.Invoice.InvoiceNumber,
			Errors:        v.Errors,
			Warnings:      v.Warnings,
		})
	}
	if err := o.export(ctx, job.TaskID, export.Records(validated, flags), result); err != nil {
		return nil, err
	}
	return result, nil
}

// extract runs documents through the processor in sequential batches, each
// fanned out across the worker limit.
func (o *Orchestrator) extract(ctx context.Context, taskID string, docs []entity.Document) ([]core.Outcome, error) {
	total := len(docs)
	size := BatchSize(o.settings.BatchSize, total, o.settings.Workers)
	outcomes := make([]core.Outcome, 0, total)

	for startIdx := 0; startIdx < total; startIdx += size {
		if err := o.checkRunning(ctx, taskID); err != nil {
			return nil, err
		}
		end := min(startIdx+size, total)
		base := startIdx
		batch := o.deps.Processor.ProcessBatch(ctx, docs[startIdx:end], o.settings.Workers, func(done int) {
			o.reportProgress(ctx, taskID, base+done, total)
		})
		outcomes = append(outcomes, batch...)
		o.reportProgress(ctx, taskID, end, total)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return outcomes, nil
}

// reportProgress maps completed documents onto the extraction span
// between the prepared and extracted milestones.
func (o *Orchestrator) reportProgress(ctx context.Context, taskID string, done, total int) {
	pct := progressPrepared + (progressExtracted-progressPrepared)*done/total
	err := o.advance(ctx, taskID, constants.TaskProcessing, pct,
		fmt.Sprintf("Processed %d out of %d documents", done, total))
	if err != nil && !errors.Is(err, errAbandoned) {
		o.logger.Warn("orchestrator.progress.failed", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) export(ctx context.Context, taskID string, records []export.Record, result *entity.TaskResult) error {
	csvData, err := o.deps.Exporter.ExportCSV(records)
	if err != nil {
		return fmt.Errorf("export csv: %w", err)
	}
	xlsxData, err := o.deps.Exporter.ExportXLSX(records)
	if err != nil {
		return fmt.Errorf("export xlsx: %w", err)
	}

	artifacts := []struct {
		name string
		data []byte
		dst  *string
	}{
		{taskID + "_invoices.csv", csvData, &result.CSVPath},
		{taskID + "_invoices.xlsx", xlsxData, &result.ExcelPath},
	}
	for _, a := range artifacts {
		loc, err := o.deps.Output.Put(ctx, a.name, a.data)
		if err != nil {
			return fmt.Errorf("write %s: %w", a.name, err)
		}
		*a.dst = loc
		if o.deps.Remote == nil {
			continue
		}
		uri, err := o.deps.Remote.Put(ctx, taskID+"/"+a.name, a.data)
		if err != nil {
			o.logger.Warn("orchestrator.remote.failed", "task_id", taskID, "artifact", a.name, "error", err)
			continue
		}
		result.RemoteURIs = append(result.RemoteURIs, uri)
	}
	return nil
}

// advance applies a non-terminal transition. It returns errAbandoned when
// the task was already made terminal, e.g. by Cancel.
func (o *Orchestrator) advance(ctx context.Context, taskID string, to constants.TaskState, progress int, message string) error {
	_, err := o.deps.Store.Update(ctx, taskID, func(t *entity.Task) error {
		return t.Transition(to, progress, message, o.now())
	})
	if errors.Is(err, common.ErrTaskTerminal) {
		return errAbandoned
	}
	return err
}

func (o *Orchestrator) checkRunning(ctx context.Context, taskID string) error {
	t, err := o.deps.Store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State.IsTerminal() {
		return errAbandoned
	}
	return nil
}

// fail moves the task to FAILURE unless it is already terminal. It reports
// whether the transition happened.
func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, taskID, message string) bool {
	_, err := o.deps.Store.Update(ctx, taskID, func(t *entity.Task) error {
		return t.Transition(constants.TaskFailure, t.Progress, message, o.now())
	})
	if err != nil {
		if !errors.Is(err, common.ErrTaskTerminal) {
			logger.Error("orchestrator.fail.failed", "error", err)
		}
		return false
	}
	logger.Error("orchestrator.task.failed", "message", message)
	return true
}

