package domain

import (
	"fmt"
	"strings"
	"time"
)

type Stage string

const (
	StageImport    Stage = "import"
	StageNormalize Stage = "normalize"
	StageCalculate Stage = "calculate"
	StageReport    Stage = "report"
)

// StageRef is the wire form of a stage attempt: "import", "normalize",
// "calculate:<engine>" or "report:<engine>".
type StageRef struct {
	Stage    Stage
	EngineID string
}

func (s StageRef) String() string {
	if s.EngineID == "" {
		return string(s.Stage)
	}
	return string(s.Stage) + ":" + s.EngineID
}

// EngineScoped reports whether this stage runs under a specific engine.
func (s StageRef) EngineScoped() bool {
	return s.Stage == StageCalculate || s.Stage == StageReport
}

func ParseStageRef(raw string) (StageRef, error) {
	name, engine, hasEngine := strings.Cut(raw, ":")
	switch Stage(name) {
	case StageImport, StageNormalize:
		if hasEngine {
			return StageRef{}, &InputError{Field: "stage", Msg: fmt.Sprintf("stage %q does not take an engine", name)}
		}
		return StageRef{Stage: Stage(name)}, nil
	case StageCalculate, StageReport:
		if !hasEngine || engine == "" {
			return StageRef{}, &InputError{Field: "stage", Msg: fmt.Sprintf("stage %q requires an engine id", name)}
		}
		return StageRef{Stage: Stage(name), EngineID: engine}, nil
	}
	return StageRef{}, &InputError{Field: "stage", Msg: fmt.Sprintf("unknown stage %q", raw)}
}

// Lifecycle subjects. Absence of a row means draft; a row means approved.
const (
	SubjectImport    = "import"
	SubjectNormalize = "normalize"
)

func SubjectCalculate(engineID string) string { return "calculate:" + engineID }

// ValidSubject checks the subject-id grammar: "import", "normalize" or
// "calculate:<engine>". Report has no lifecycle subject of its own.
func ValidSubject(subject string) bool {
	if subject == SubjectImport || subject == SubjectNormalize {
		return true
	}
	name, engine, ok := strings.Cut(subject, ":")
	return ok && name == string(StageCalculate) && engine != ""
}

const (
	StateApproved = "approved"
)

type LifecycleState struct {
	DatasetVersionID string    `json:"dataset_version_id"`
	SubjectID        string    `json:"subject_id"`
	State            string    `json:"state"`
	ApprovedBy       string    `json:"approved_by"`
	ApprovedAt       time.Time `json:"approved_at"`
}

type EvidenceRecord struct {
	ID               string         `json:"evidence_id"`
	DatasetVersionID string         `json:"dataset_version_id"`
	EngineID         string         `json:"engine_id"`
	Kind             string         `json:"kind"`
	StableKey        string         `json:"stable_key"`
	Payload          map[string]any `json:"payload"`
	CreatedAt        time.Time      `json:"created_at"`
}

type FindingRecord struct {
	ID               string         `json:"finding_id"`
	DatasetVersionID string         `json:"dataset_version_id"`
	EngineID         string         `json:"engine_id"`
	Category         string         `json:"category"`
	StableKey        string         `json:"stable_key"`
	SourceRecordID   string         `json:"source_record_id"`
	Details          map[string]any `json:"details"`
	CreatedAt        time.Time      `json:"created_at"`
}

type FindingEvidenceLink struct {
	ID         string    `json:"link_id"`
	FindingID  string    `json:"finding_id"`
	EvidenceID string    `json:"evidence_id"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	RunStarted  = "STARTED"
	RunFinished = "FINISHED"
	RunFailed   = "FAILED"
)

type CalculationRun struct {
	RunID            string     `json:"run_id"`
	DatasetVersionID string     `json:"dataset_version_id"`
	EngineID         string     `json:"engine_id"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

const (
	OutcomeDenied    = "DENIED"
	OutcomeCompleted = "COMPLETED"
)

type AuditLogEntry struct {
	EntryID          string         `json:"entry_id"`
	DatasetVersionID string         `json:"dataset_version_id"`
	Stage            string         `json:"stage"`
	Actor            string         `json:"actor"`
	Outcome          string         `json:"outcome"`
	Reason           string         `json:"reason"`
	Details          map[string]any `json:"details,omitempty"`
	At               time.Time      `json:"at"`
}

// NormalizeTime clamps a caller-supplied timestamp to the resolution the
// store can round-trip, so an idempotent replay across the wire compares
// equal to the stored row instead of raising a spurious conflict.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
