package controlplane

import (
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// Run is the governance record of one playbook execution.
type Run struct {
	ID            string           `json:"id"`
	PlaybookCode  string           `json:"playbook_code"`
	ExecutionID   string           `json:"execution_id,omitempty"`
	WorkspaceID   string           `json:"workspace_id,omitempty"`
	TenantID      string           `json:"tenant_id,omitempty"`
	ActorID       string           `json:"actor_id,omitempty"`
	Status        schema.RunStatus `json:"status"`
	InputRef      string           `json:"input_ref,omitempty"`
	OutputRef     string           `json:"output_ref,omitempty"`
	CheckpointRef string           `json:"checkpoint_ref,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	RetryCount    int              `json:"retry_count"`
	ParentRunID   string           `json:"parent_run_id,omitempty"`
	RuntimeName   string           `json:"runtime_name,omitempty"`
	StepRunIDs    []string         `json:"step_run_ids,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	EndedAt       *time.Time       `json:"ended_at,omitempty"`
}

// StepRun is the governance record of one step within a run.
type StepRun struct {
	ID           string            `json:"id"`
	RunID        string            `json:"run_id"`
	StepID       string            `json:"step_id"`
	StepIndex    int               `json:"step_index"`
	ToolRef      string            `json:"tool_ref"`
	AgentID      string            `json:"agent_id,omitempty"`
	Status       schema.StepStatus `json:"status"`
	InputRef     string            `json:"input_ref,omitempty"`
	OutputRef    string            `json:"output_ref,omitempty"`
	ErrorRef     string            `json:"error_ref,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
}

// Artifact is an immutable output of a run or step.
type Artifact struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	StepRunID       string         `json:"step_run_id,omitempty"`
	Kind            string         `json:"kind"`
	StorageURI      string         `json:"storage_uri"`
	Checksum        string         `json:"checksum,omitempty"`
	Size            int64          `json:"size"`
	RetentionPolicy string         `json:"retention_policy"`
	Managed         bool           `json:"managed,omitempty"` // content lives in the control plane store
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// MeteringEvent is one append-only consumption record.
type MeteringEvent struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id,omitempty"`
	StepRunID   string         `json:"step_run_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model,omitempty"`
	Quantity    float64        `json:"quantity"`
	Unit        string         `json:"unit"`
	Cost        float64        `json:"cost,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// AuditEntry is one append-only governance record.
type AuditEntry struct {
	ID           string         `json:"id"`
	ActorID      string         `json:"actor_id,omitempty"`
	Action       string         `json:"action"`
	Status       string         `json:"status"`
	RunID        string         `json:"run_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Audit statuses.
const (
	AuditSuccess = "success"
	AuditFailure = "failure"
)

// Audit actions written by the registry itself.
const (
	ActionRunCreated        = "run.created"
	ActionRunStatusChanged  = "run.status_changed"
	ActionStepStatusChanged = "step.status_changed"
	ActionArtifactCreated   = "artifact.created"
	ActionArtifactExpired   = "artifact.expired"
)

// CreateRunRequest describes a new run.
type CreateRunRequest struct {
	PlaybookCode string
	Context      schema.ExecutionContext
	Inputs       map[string]any
	ParentRunID  string
	RuntimeName  string
}

// RunStatusUpdate changes a run. Zero-valued optional fields leave the
// record untouched.
type RunStatusUpdate struct {
	Status        schema.RunStatus
	Outputs       map[string]any
	ErrorCode     string
	ErrorMessage  string
	CheckpointRef string
	RuntimeName   string
	// IncrementRetry counts one retry made by the caller.
	IncrementRetry bool
}

// CreateStepRunRequest describes a new step run.
type CreateStepRunRequest struct {
	RunID     string
	StepID    string
	StepIndex int
	ToolRef   string
	AgentID   string
	Inputs    map[string]any
	DependsOn []string
}

// StepStatusUpdate changes a step run.
type StepStatusUpdate struct {
	Status       schema.StepStatus
	Outputs      map[string]any
	ErrorCode    string
	ErrorMessage string
	// Inputs replaces the step input snapshot, e.g. with adapted parameters.
	Inputs map[string]any
}

// CreateArtifactRequest describes a new artifact. With Content set the
// registry stores the bytes and computes checksum and size itself.
type CreateArtifactRequest struct {
	RunID           string
	StepRunID       string
	Kind            string
	StorageURI      string
	Content         []byte
	Checksum        string
	Size            int64
	RetentionPolicy string
	Metadata        map[string]any
}

// RunFilter selects runs. Empty fields match everything.
type RunFilter struct {
	Status       schema.RunStatus
	PlaybookCode string
	TenantID     string
	WorkspaceID  string
	ParentRunID  string
	Limit        int
}

// ArtifactFilter selects artifacts.
type ArtifactFilter struct {
	RunID string
	Kind  string
	Limit int
}

// MeteringFilter selects metering events.
type MeteringFilter struct {
	RunID       string
	TenantID    string
	WorkspaceID string
	Provider    string
	Limit       int
}

// AuditFilter selects audit entries.
type AuditFilter struct {
	ActorID string
	Action  string
	Status  string
	RunID   string
	Limit   int
}

// DefaultQueryLimit caps list and query results when no limit is given.
const DefaultQueryLimit = 100

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultQueryLimit
	}
	return n
}
