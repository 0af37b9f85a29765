package constants

// TaskState is the canonical state of a processing task.
type TaskState string

// Stable values (persisted by the durable task stores).
const (
	TaskQueued     TaskState = "QUEUED"
	TaskStarted    TaskState = "STARTED"
	TaskProcessing TaskState = "PROCESSING"
	TaskSuccess    TaskState = "SUCCESS"
	TaskFailure    TaskState = "FAILURE"
	TaskCancelled  TaskState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request is legal from s.
func (s TaskState) Cancellable() bool {
	switch s {
	case TaskQueued, TaskStarted, TaskProcessing:
		return true
	}
	return false
}

// DisplayStatus maps a state to the label shown by the control surface.
func (s TaskState) DisplayStatus() string {
	switch s {
	case TaskQueued:
		return "Queued"
	case TaskStarted, TaskProcessing:
		return "Processing"
	case TaskSuccess:
		return "Completed"
	case TaskFailure:
		return "Failed"
	case TaskCancelled:
		return "Cancelled"
	}
	return "Unknown"
}
