// Package lifecycle tracks per-(dataset, subject) stage completion as a
// one-way ratchet: absence of a row is draft, a row is approved, and approved
// never regresses.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
)

type Store interface {
	GetLifecycleState(ctx context.Context, datasetVersionID, subjectID string) (string, bool, error)
	InsertLifecycleState(ctx context.Context, st domain.LifecycleState) (bool, error)
}

type Recorder interface {
	Append(ctx context.Context, e domain.AuditLogEntry) error
}

type Machine struct {
	store Store
	audit Recorder
	now   func() time.Time
}

func New(store Store, audit Recorder) *Machine {
	return &Machine{store: store, audit: audit, now: time.Now}
}

// Get returns the current state for (dataset, subject); the bool is false for
// draft, i.e. no record.
func (m *Machine) Get(ctx context.Context, datasetVersionID, subjectID string) (string, bool, error) {
	if datasetVersionID == "" {
		return "", false, &domain.InputError{Field: "dataset_version_id", Msg: "must not be empty"}
	}
	if !domain.ValidSubject(subjectID) {
		return "", false, &domain.InputError{Field: "subject_id", Msg: fmt.Sprintf("unknown subject %q", subjectID)}
	}
	return m.store.GetLifecycleState(ctx, datasetVersionID, subjectID)
}

// RecordCompletion elevates (dataset, subject) to approved. The first caller
// performs the transition and writes exactly one completion audit entry;
// every later or concurrent caller observes a no-op. The returned bool
// reports whether this call transitioned.
func (m *Machine) RecordCompletion(ctx context.Context, datasetVersionID, subjectID, actor string, evidenceRefs []string) (bool, error) {
	if datasetVersionID == "" {
		return false, &domain.InputError{Field: "dataset_version_id", Msg: "must not be empty"}
	}
	if !domain.ValidSubject(subjectID) {
		return false, &domain.InputError{Field: "subject_id", Msg: fmt.Sprintf("unknown subject %q", subjectID)}
	}
	if actor == "" {
		return false, &domain.InputError{Field: "actor", Msg: "must not be empty"}
	}
	now := domain.NormalizeTime(m.now())
	transitioned, err := m.store.InsertLifecycleState(ctx, domain.LifecycleState{
		DatasetVersionID: datasetVersionID,
		SubjectID:        subjectID,
		State:            domain.StateApproved,
		ApprovedBy:       actor,
		ApprovedAt:       now,
	})
	if err != nil {
		return false, fmt.Errorf("record completion: %w", err)
	}
	if !transitioned {
		return false, nil
	}
	entry := domain.AuditLogEntry{
		EntryID:          "aud_" + uuid.NewString(),
		DatasetVersionID: datasetVersionID,
		Stage:            subjectID,
		Actor:            actor,
		Outcome:          domain.OutcomeCompleted,
		Reason:           "STAGE_COMPLETED",
		At:               now,
	}
	if len(evidenceRefs) > 0 {
		entry.Details = map[string]any{"evidence_refs": evidenceRefs}
	}
	if err := m.audit.Append(ctx, entry); err != nil {
		return true, fmt.Errorf("append completion audit entry: %w", err)
	}
	return true, nil
}
