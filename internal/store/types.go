package store

import (
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Workflow is a stored workflow definition. The engine never mutates it.
type Workflow struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	Interval      int       `json:"interval,omitempty"` // seconds; 0 = not scheduled
	RawDefinition string    `json:"raw_definition"`
	Deleted       bool      `json:"is_deleted"`
}

// WorkflowFilter controls ListWorkflows.
type WorkflowFilter struct {
	TenantID       string
	Scheduled      bool // only workflows with Interval > 0
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	TenantID        string                 `json:"tenant_id"`
	Started         time.Time              `json:"started"`
	TriggeredBy     string                 `json:"triggered_by"`
	Status          schema.ExecutionStatus `json:"status"`
	ExecutionNumber int64                  `json:"execution_number"`
	Logs            string                 `json:"logs,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ExecutionTime   *int64                 `json:"execution_time,omitempty"` // milliseconds
}

// ExecutionUpdate holds the fields written when an execution settles.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status        *schema.ExecutionStatus
	Logs          *string
	Error         *string
	ExecutionTime *int64
}

// ExecutionFilter controls ListExecutions. Results are newest first.
type ExecutionFilter struct {
	WorkflowID string
	TenantID   string
	Status     *schema.ExecutionStatus
	Limit      int
}

// ExecutionLog is one captured log line of an execution.
type ExecutionLog struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
}
