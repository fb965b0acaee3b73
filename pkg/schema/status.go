package schema

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed
}

// ItemStatus is the outcome of one step iteration.
type ItemStatus string

const (
	ItemStatusRan       ItemStatus = "ran"
	ItemStatusSkipped   ItemStatus = "skipped"
	ItemStatusThrottled ItemStatus = "throttled"
	ItemStatusFailed    ItemStatus = "failed"
)

// Trigger sources recorded on executions.
const (
	TriggerManual    = "manual"
	TriggerScheduler = "scheduler"
	TriggerMCP       = "mcp"
)

// Size bounds for persisted text columns.
const (
	MaxRawDefinitionBytes = 65535
	MaxErrorTextBytes     = 10240
)
