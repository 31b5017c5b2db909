package schema

// Event type constants emitted to the event sink and written to the audit log.
const (
	EventBudgetExhausted = "orchestration.budget_exhausted"
	EventAuditLogged     = "audit.logged"

	EventRunCreated       = "run.created"
	EventRunStatusChanged = "run.status_changed"
	EventStepCreated      = "step.created"
	EventStepStatusChange = "step.status_changed"
	EventArtifactCreated  = "artifact.created"
	EventArtifactExpired  = "artifact.expired"

	EventExecutionPaused    = "execution.paused"
	EventExecutionResumed   = "execution.resumed"
	EventExecutionCancelled = "execution.cancelled"
)

// RunStatus represents the lifecycle state of a playbook run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are expected.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// IsTerminal reports whether no further transitions are expected.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}
