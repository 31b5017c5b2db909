package store

import "path"

// Persisted file names.
const (
	RunFile            = "run.json"
	InputFile          = "input.json"
	OutputFile         = "output.json"
	StepFile           = "step.json"
	ErrorFile          = "error.json"
	ArtifactFile       = "artifact.json"
	ArtifactContent    = "content"
	RunsIndexFile      = "runs_index.json"
	ArtifactsIndexFile = "artifacts_index.json"
	MeteringLogFile    = "metering.ndjson"
	AuditLogFile       = "audit.ndjson"
)

// Layout allocates keys for runs, steps, artifacts and logs.
// The zero value roots everything at the store root.
type Layout struct {
	Root string
}

// RunPath returns the key prefix of a run.
func (l Layout) RunPath(runID string) string {
	return path.Join(l.Root, "runs", runID)
}

// StepPath returns the key prefix of a step run within its run.
func (l Layout) StepPath(runID, stepRunID string) string {
	return path.Join(l.RunPath(runID), "steps", stepRunID)
}

// ArtifactPath returns the key prefix of an artifact.
func (l Layout) ArtifactPath(artifactID string) string {
	return path.Join(l.Root, "artifacts", artifactID)
}

// CheckpointPath returns the key of a runtime checkpoint for one execution of a run.
func (l Layout) CheckpointPath(runID, executionID string) string {
	return path.Join(l.RunPath(runID), "checkpoints", executionID+".json")
}

// LogsPath returns the key prefix of the append-only logs.
func (l Layout) LogsPath() string {
	return path.Join(l.Root, "logs")
}

// IndexPath returns the key of a global listing index.
func (l Layout) IndexPath(name string) string {
	return path.Join(l.Root, "index", name)
}

// Key joins a prefix and a file name.
func Key(prefix, file string) string {
	return path.Join(prefix, file)
}
