package entity

import (
	"fmt"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
)

// Task is a processing task as seen by status callers.
type Task struct {
	ID         string              `json:"id"`
	State      constants.TaskState `json:"state"`
	Progress   int                 `json:"progress"`
	Message    string              `json:"message"`
	Documents  int                 `json:"documents"`
	Result     *TaskResult         `json:"result,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

// InvoiceReport is the per-invoice validation summary kept with a result.
type InvoiceReport struct {
	Filename      string   `json:"filename"`
	InvoiceNumber string   `json:"invoice_number"`
	Errors        []string `json:"errors,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// TaskResult is the payload of a successful task.
type TaskResult struct {
	CSVPath         string          `json:"csv_path"`
	ExcelPath       string          `json:"excel_path"`
	TotalInvoices   int             `json:"total_invoices"`
	FlaggedInvoices int             `json:"flagged_invoices"`
	FailedDocuments []string        `json:"failed_documents,omitempty"`
	Validation      []InvoiceReport `json:"validation,omitempty"`
	Anomalies       []AnomalyFlag   `json:"anomalies,omitempty"`
	RemoteURIs      []string        `json:"remote_uris,omitempty"`
}

// Transition moves the task to state "to". Progress never decreases and
// terminal states are final, so a cancelled task rejects later writes.
func (t *Task) Transition(to constants.TaskState, progress int, message string, now time.Time) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", common.ErrTaskTerminal, t.ID, t.State)
	}
	if to == constants.TaskCancelled && !t.State.Cancellable() {
		return fmt.Errorf("%w: task %s cannot be cancelled from %s", common.ErrTaskTerminal, t.ID, t.State)
	}
	if progress > 100 {
		progress = 100
	}
	if to == constants.TaskSuccess {
		progress = 100
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	if to == constants.TaskStarted && t.StartedAt == nil {
		ts := now
		t.StartedAt = &ts
	}
	if to.IsTerminal() {
		ts := now
		t.FinishedAt = &ts
	}
	t.State = to
	t.Message = message
	t.UpdatedAt = now
	return nil
}
