package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/galapoto/todiscope-v3-sub004/internal/gate"
	"github.com/galapoto/todiscope-v3-sub004/internal/ledger"
	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
)

// Engine is an opaque calculation module. Once authorized it records its
// outputs through the ledger; the core never interprets what it writes.
type Engine interface {
	Calculate(ctx context.Context, run domain.CalculationRun, led *ledger.Ledger) error
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, run domain.CalculationRun, led *ledger.Ledger) error

func (f Func) Calculate(ctx context.Context, run domain.CalculationRun, led *ledger.Ledger) error {
	return f(ctx, run, led)
}

type RunStore interface {
	StartCalculationRun(ctx context.Context, run domain.CalculationRun) error
	FinishCalculationRun(ctx context.Context, runID, status string, at time.Time) (bool, error)
}

type Completer interface {
	RecordCompletion(ctx context.Context, datasetVersionID, subjectID, actor string, evidenceRefs []string) (bool, error)
}

// Runner is the one sanctioned path from "please run engine E" to engine
// side effects. It asks the gate first, so no engine can skip or re-invent
// the prerequisite checks.
type Runner struct {
	gate      *gate.Gate
	registry  *Registry
	runs      RunStore
	lifecycle Completer
	ledger    *ledger.Ledger
	now       func() time.Time
}

func NewRunner(g *gate.Gate, reg *Registry, runs RunStore, lc Completer, led *ledger.Ledger) *Runner {
	return &Runner{gate: g, registry: reg, runs: runs, lifecycle: lc, ledger: led, now: time.Now}
}

// RunCalculation authorizes, executes and completes one calculation run.
// A denial comes back as *domain.DenialError with no side effects; an engine
// failure leaves a FAILED run behind and does not approve the subject, so a
// retry re-derives the same artifact ids and converges idempotently.
func (r *Runner) RunCalculation(ctx context.Context, datasetVersionID, engineID, actor string) (domain.CalculationRun, error) {
	ref := domain.StageRef{Stage: domain.StageCalculate, EngineID: engineID}
	decision, err := r.gate.Authorize(ctx, datasetVersionID, ref, actor)
	if err != nil {
		return domain.CalculationRun{}, err
	}
	if err := decision.Err(); err != nil {
		return domain.CalculationRun{}, err
	}

	impl, ok := r.registry.Lookup(engineID)
	if !ok {
		return domain.CalculationRun{}, &domain.InputError{Field: "engine_id", Msg: fmt.Sprintf("engine %q has no registered implementation", engineID)}
	}

	run := domain.CalculationRun{
		RunID:            "run_" + uuid.NewString(),
		DatasetVersionID: datasetVersionID,
		EngineID:         engineID,
		Status:           domain.RunStarted,
		StartedAt:        domain.NormalizeTime(r.now()),
	}
	if err := r.runs.StartCalculationRun(ctx, run); err != nil {
		return domain.CalculationRun{}, fmt.Errorf("start calculation run: %w", err)
	}

	if err := impl.Calculate(ctx, run, r.ledger); err != nil {
		finishedAt := domain.NormalizeTime(r.now())
		ok, ferr := r.runs.FinishCalculationRun(ctx, run.RunID, domain.RunFailed, finishedAt)
		if ferr != nil {
			return run, fmt.Errorf("engine %s failed (%v), and marking run failed: %w", engineID, err, ferr)
		}
		if !ok {
			return run, fmt.Errorf("engine %s failed (%v), and run %s was not in STARTED state", engineID, err, run.RunID)
		}
		run.Status = domain.RunFailed
		run.FinishedAt = &finishedAt
		return run, fmt.Errorf("engine %s: %w", engineID, err)
	}

	finishedAt := domain.NormalizeTime(r.now())
	finished, err := r.runs.FinishCalculationRun(ctx, run.RunID, domain.RunFinished, finishedAt)
	if err != nil {
		return run, fmt.Errorf("finish calculation run: %w", err)
	}
	if !finished {
		return run, fmt.Errorf("finish calculation run: run %s was not in STARTED state", run.RunID)
	}
	run.Status = domain.RunFinished
	run.FinishedAt = &finishedAt

	if _, err := r.lifecycle.RecordCompletion(ctx, datasetVersionID, domain.SubjectCalculate(engineID), actor, nil); err != nil {
		return run, err
	}
	return run, nil
}
