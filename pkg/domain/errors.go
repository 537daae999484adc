package domain

import (
	"errors"
	"fmt"
)

// Denial reason codes returned by the enforcement gate.
const (
	ReasonEngineDisabled       = "ENGINE_DISABLED"
	ReasonDatasetMissing       = "DATASET_VERSION_MISSING"
	ReasonImportNotComplete    = "IMPORT_NOT_COMPLETE"
	ReasonNormalizeNotComplete = "NORMALIZE_NOT_COMPLETE"
	ReasonCalculateNotComplete = "CALCULATE_NOT_COMPLETE"
	ReasonCalcRunMissing       = "CALC_RUN_MISSING"
	ReasonCalcRunUnfinished    = "CALC_RUN_UNFINISHED"
)

// InputError marks a malformed request: missing identifiers, unknown stage or
// subject. Distinct from lifecycle denials, never written to the audit log.
type InputError struct {
	Field string
	Msg   string
}

func (e *InputError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg) }

func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// DenialError is the typed form of a gate denial for callers that want an
// error instead of inspecting a Decision.
type DenialError struct {
	DatasetVersionID string
	Stage            string
	Reason           string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("stage %s denied for dataset %s: %s", e.Stage, e.DatasetVersionID, e.Reason)
}

// ImmutableConflictError reports a strict-create collision: a row with the
// same deterministic identifier already exists with different content. The
// existing row is never touched.
type ImmutableConflictError struct {
	Table     string
	ID        string
	Field     string
	Existing  string
	Attempted string
}

func (e *ImmutableConflictError) Error() string {
	return fmt.Sprintf("immutable conflict on %s %s: %s is %q, attempted %q",
		e.Table, e.ID, e.Field, e.Existing, e.Attempted)
}

func AsConflict(err error) (*ImmutableConflictError, bool) {
	var ce *ImmutableConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
