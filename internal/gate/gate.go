// Package gate authorizes stage attempts. It holds no business logic of its
// own: each check is a state read, and every denial is durably audited before
// the decision is returned, so a denied caller knows zero mutations happened.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
)

type State interface {
	GetLifecycleState(ctx context.Context, datasetVersionID, subjectID string) (string, bool, error)
}

type Datasets interface {
	DatasetVersionExists(ctx context.Context, id string) (bool, error)
}

type Runs interface {
	LatestCalculationRun(ctx context.Context, datasetVersionID, engineID string) (domain.CalculationRun, bool, error)
}

type KillSwitch interface {
	EngineEnabled(engineID string) bool
}

type Recorder interface {
	Append(ctx context.Context, e domain.AuditLogEntry) error
}

type Decision struct {
	Allowed          bool   `json:"allowed"`
	DatasetVersionID string `json:"dataset_version_id"`
	Stage            string `json:"stage"`
	Reason           string `json:"reason,omitempty"`
}

// Err converts a denied decision into a typed error for callers on the error
// path; allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.DenialError{DatasetVersionID: d.DatasetVersionID, Stage: d.Stage, Reason: d.Reason}
}

type Gate struct {
	state    State
	datasets Datasets
	runs     Runs
	engines  KillSwitch
	audit    Recorder
	now      func() time.Time
}

func New(state State, datasets Datasets, runs Runs, engines KillSwitch, audit Recorder) *Gate {
	return &Gate{state: state, datasets: datasets, runs: runs, engines: engines, audit: audit, now: time.Now}
}

// Authorize evaluates the checks in a fixed order, first failure wins:
// kill-switch, dataset existence, then the stage's prerequisite chain.
func (g *Gate) Authorize(ctx context.Context, datasetVersionID string, ref domain.StageRef, actor string) (Decision, error) {
	if datasetVersionID == "" {
		return Decision{}, &domain.InputError{Field: "dataset_version_id", Msg: "must not be empty"}
	}
	if ref.Stage == "" {
		return Decision{}, &domain.InputError{Field: "stage", Msg: "must not be empty"}
	}

	if ref.EngineScoped() && !g.engines.EngineEnabled(ref.EngineID) {
		return g.deny(ctx, datasetVersionID, ref, actor, domain.ReasonEngineDisabled)
	}

	exists, err := g.datasets.DatasetVersionExists(ctx, datasetVersionID)
	if err != nil {
		return Decision{}, fmt.Errorf("dataset lookup: %w", err)
	}
	if !exists {
		return g.deny(ctx, datasetVersionID, ref, actor, domain.ReasonDatasetMissing)
	}

	switch ref.Stage {
	case domain.StageImport:
		// First stage, no prerequisite.
	case domain.StageNormalize:
		ok, err := g.approved(ctx, datasetVersionID, domain.SubjectImport)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return g.deny(ctx, datasetVersionID, ref, actor, domain.ReasonImportNotComplete)
		}
	case domain.StageCalculate:
		ok, err := g.approved(ctx, datasetVersionID, domain.SubjectNormalize)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return g.deny(ctx, datasetVersionID, ref, actor, domain.ReasonNormalizeNotComplete)
		}
	case domain.StageReport:
		ok, err := g.approved(ctx, datasetVersionID, domain.SubjectCalculate(ref.EngineID))
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return g.deny(ctx, datasetVersionID, ref, actor, domain.ReasonCalculateNotComplete)
		}
		run, found, err := g.runs.LatestCalculationRun(ctx, datasetVersionID, ref.EngineID)
		if err != nil {
			return Decision{}, fmt.Errorf("calculation run lookup: %w", err)
		}
		if !found {
			return g.deny(ctx, datasetVersionID, ref, actor, domain.ReasonCalcRunMissing)
		}
		if run.Status != domain.RunFinished {
			return g.deny(ctx, datasetVersionID, ref, actor, domain.ReasonCalcRunUnfinished)
		}
	default:
		return Decision{}, &domain.InputError{Field: "stage", Msg: fmt.Sprintf("unknown stage %q", ref.Stage)}
	}

	return Decision{Allowed: true, DatasetVersionID: datasetVersionID, Stage: ref.String()}, nil
}

func (g *Gate) approved(ctx context.Context, datasetVersionID, subjectID string) (bool, error) {
	state, found, err := g.state.GetLifecycleState(ctx, datasetVersionID, subjectID)
	if err != nil {
		return false, fmt.Errorf("lifecycle lookup %s: %w", subjectID, err)
	}
	return found && state == domain.StateApproved, nil
}

func (g *Gate) deny(ctx context.Context, datasetVersionID string, ref domain.StageRef, actor, reason string) (Decision, error) {
	entry := domain.AuditLogEntry{
		EntryID:          "aud_" + uuid.NewString(),
		DatasetVersionID: datasetVersionID,
		Stage:            ref.String(),
		Actor:            actor,
		Outcome:          domain.OutcomeDenied,
		Reason:           reason,
		At:               domain.NormalizeTime(g.now()),
	}
	if err := g.audit.Append(ctx, entry); err != nil {
		return Decision{}, fmt.Errorf("append denial audit entry: %w", err)
	}
	return Decision{Allowed: false, DatasetVersionID: datasetVersionID, Stage: ref.String(), Reason: reason}, nil
}
