package lineage

import (
	"encoding/json"
	"time"

	"coverforge/internal/fingerprint"
	"coverforge/internal/stage"
)

// Outcome records how a stage was satisfied within a run.
type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeFailed Outcome = "failed"
)

// RunStatus tracks a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Artifact is one indexed artifact.
type Artifact struct {
	Fingerprint fingerprint.Fingerprint
	StageKind   stage.Kind
	Upstream    []stage.FileMetaData
	Parameters  json.RawMessage
	Outputs     []stage.FileMetaData
	// Parents are the artifacts whose outputs were consumed, in input order.
	Parents    []fingerprint.Fingerprint
	SizeBytes  int64
	RunID      string
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Run is one invocation of the full pipeline.
type Run struct {
	ID         string
	Source     string
	Status     RunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// StageRun records one stage outcome within a run.
type StageRun struct {
	RunID       string
	StageKind   stage.Kind
	Fingerprint fingerprint.Fingerprint
	Outcome     Outcome
	Duration    time.Duration
	Error       string
	RecordedAt  time.Time
}
