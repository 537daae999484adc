// Package store is the Postgres persistence layer. Strict-create semantics
// ride on primary-key conflicts: INSERT ... ON CONFLICT DO NOTHING followed
// by a re-read gives row-level compare-and-set without advisory locks, so
// concurrent writers either converge or the later one surfaces a conflict.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schemaDDL)
	return err
}

func (s *Store) RegisterDatasetVersion(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO dataset_versions(dataset_version_id) VALUES($1)
ON CONFLICT (dataset_version_id) DO NOTHING`, id)
	return err
}

func (s *Store) DatasetVersionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM dataset_versions WHERE dataset_version_id=$1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) InsertEvidence(ctx context.Context, rec domain.EvidenceRecord) (bool, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return false, err
	}
	tag, err := s.DB.Exec(ctx, `INSERT INTO evidence(evidence_id,dataset_version_id,engine_id,kind,stable_key,payload,created_at)
VALUES($1,$2,$3,$4,$5,$6::jsonb,$7)
ON CONFLICT (evidence_id) DO NOTHING`,
		rec.ID, rec.DatasetVersionID, rec.EngineID, rec.Kind, rec.StableKey, string(payload), rec.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetEvidence(ctx context.Context, id string) (domain.EvidenceRecord, bool, error) {
	var rec domain.EvidenceRecord
	var payload []byte
	err := s.DB.QueryRow(ctx, `SELECT evidence_id,dataset_version_id,engine_id,kind,stable_key,payload,created_at
FROM evidence WHERE evidence_id=$1`, id).
		Scan(&rec.ID, &rec.DatasetVersionID, &rec.EngineID, &rec.Kind, &rec.StableKey, &payload, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *Store) InsertFinding(ctx context.Context, rec domain.FindingRecord) (bool, error) {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return false, err
	}
	tag, err := s.DB.Exec(ctx, `INSERT INTO findings(finding_id,dataset_version_id,engine_id,category,stable_key,source_record_id,details,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8)
ON CONFLICT (finding_id) DO NOTHING`,
		rec.ID, rec.DatasetVersionID, rec.EngineID, rec.Category, rec.StableKey, rec.SourceRecordID, string(details), rec.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetFinding(ctx context.Context, id string) (domain.FindingRecord, bool, error) {
	var rec domain.FindingRecord
	var details []byte
	err := s.DB.QueryRow(ctx, `SELECT finding_id,dataset_version_id,engine_id,category,stable_key,source_record_id,details,created_at
FROM findings WHERE finding_id=$1`, id).
		Scan(&rec.ID, &rec.DatasetVersionID, &rec.EngineID, &rec.Category, &rec.StableKey, &rec.SourceRecordID, &details, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if err := json.Unmarshal(details, &rec.Details); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *Store) InsertLink(ctx context.Context, rec domain.FindingEvidenceLink) (bool, error) {
	tag, err := s.DB.Exec(ctx, `INSERT INTO finding_evidence_links(link_id,finding_id,evidence_id,created_at)
VALUES($1,$2,$3,$4)
ON CONFLICT (link_id) DO NOTHING`, rec.ID, rec.FindingID, rec.EvidenceID, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetLink(ctx context.Context, id string) (domain.FindingEvidenceLink, bool, error) {
	var rec domain.FindingEvidenceLink
	err := s.DB.QueryRow(ctx, `SELECT link_id,finding_id,evidence_id,created_at
FROM finding_evidence_links WHERE link_id=$1`, id).
		Scan(&rec.ID, &rec.FindingID, &rec.EvidenceID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	return rec, err == nil, err
}

func (s *Store) GetLifecycleState(ctx context.Context, datasetVersionID, subjectID string) (string, bool, error) {
	var state string
	err := s.DB.QueryRow(ctx, `SELECT state FROM lifecycle_states WHERE dataset_version_id=$1 AND subject_id=$2`,
		datasetVersionID, subjectID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	return state, err == nil, err
}

// InsertLifecycleState ratchets (dataset, subject) to the given state. The
// returned bool reports whether this call performed the transition; a
// concurrent or repeated completion observes false and must not re-audit.
func (s *Store) InsertLifecycleState(ctx context.Context, st domain.LifecycleState) (bool, error) {
	tag, err := s.DB.Exec(ctx, `INSERT INTO lifecycle_states(dataset_version_id,subject_id,state,approved_by,approved_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (dataset_version_id,subject_id) DO NOTHING`,
		st.DatasetVersionID, st.SubjectID, st.State, st.ApprovedBy, st.ApprovedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) StartCalculationRun(ctx context.Context, run domain.CalculationRun) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO calculation_runs(run_id,dataset_version_id,engine_id,status,started_at)
VALUES($1,$2,$3,$4,$5)`, run.RunID, run.DatasetVersionID, run.EngineID, run.Status, run.StartedAt)
	return err
}

// FinishCalculationRun moves a STARTED run to its terminal status. The bool
// reports whether a row actually changed; false means the run is unknown or
// already terminal, which callers must surface rather than treat as success.
func (s *Store) FinishCalculationRun(ctx context.Context, runID, status string, at time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, `UPDATE calculation_runs SET status=$1, finished_at=$2 WHERE run_id=$3 AND status=$4`,
		status, at, runID, domain.RunStarted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetCalculationRun(ctx context.Context, runID string) (domain.CalculationRun, bool, error) {
	var run domain.CalculationRun
	err := s.DB.QueryRow(ctx, `SELECT run_id,dataset_version_id,engine_id,status,started_at,finished_at
FROM calculation_runs WHERE run_id=$1`, runID).
		Scan(&run.RunID, &run.DatasetVersionID, &run.EngineID, &run.Status, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return run, false, nil
	}
	return run, err == nil, err
}

func (s *Store) LatestCalculationRun(ctx context.Context, datasetVersionID, engineID string) (domain.CalculationRun, bool, error) {
	var run domain.CalculationRun
	err := s.DB.QueryRow(ctx, `SELECT run_id,dataset_version_id,engine_id,status,started_at,finished_at
FROM calculation_runs WHERE dataset_version_id=$1 AND engine_id=$2
ORDER BY started_at DESC LIMIT 1`, datasetVersionID, engineID).
		Scan(&run.RunID, &run.DatasetVersionID, &run.EngineID, &run.Status, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return run, false, nil
	}
	return run, err == nil, err
}

func (s *Store) AppendAuditEntry(ctx context.Context, e domain.AuditLogEntry) error {
	var details *string
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		str := string(b)
		details = &str
	}
	_, err := s.DB.Exec(ctx, `INSERT INTO audit_log(entry_id,dataset_version_id,stage,actor,outcome,reason,details,at)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8)`,
		e.EntryID, e.DatasetVersionID, e.Stage, e.Actor, e.Outcome, e.Reason, details, e.At)
	return err
}

// decodeAuditDetails rehydrates a stored details column. A row that cannot be
// decoded is a corrupted trail and must surface as an error, never as an
// entry with silently missing context.
func decodeAuditDetails(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("decode audit details: %w", err)
	}
	return details, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, datasetVersionID string) ([]domain.AuditLogEntry, error) {
	rows, err := s.DB.Query(ctx, `SELECT entry_id,dataset_version_id,stage,actor,outcome,reason,details,at
FROM audit_log WHERE dataset_version_id=$1 ORDER BY seq ASC`, datasetVersionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var details []byte
		if err := rows.Scan(&e.EntryID, &e.DatasetVersionID, &e.Stage, &e.Actor, &e.Outcome, &e.Reason, &details, &e.At); err != nil {
			return nil, err
		}
		if e.Details, err = decodeAuditDetails(details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
