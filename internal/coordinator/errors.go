package coordinator

import "errors"

var (
	// ErrWorkflowNotFound indicates no workflow exists with the given id.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrTaskNotFound indicates the workflow has no task with the given id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotQueued indicates the task exists but has already left the queue.
	ErrTaskNotQueued = errors.New("task is not queued")
	// ErrTaskNotActive indicates the task has not been dispatched.
	ErrTaskNotActive = errors.New("task is not active")
	// ErrInvalidTransition indicates the workflow status does not allow the
	// requested operation.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrWorkflowTerminal indicates the workflow is completed or failed.
	ErrWorkflowTerminal = errors.New("workflow is terminal")
	// ErrInvalidInput indicates malformed creation parameters.
	ErrInvalidInput = errors.New("invalid input")
)
