// Package ledger implements strict create for evidence, findings and the
// finding-evidence link registry. Every create resolves to exactly one of
// three outcomes: a fresh insert, an idempotent replay that writes nothing,
// or a typed immutable conflict that leaves the stored row untouched.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
	"github.com/galapoto/todiscope-v3-sub004/pkg/ident"
)

type Store interface {
	InsertEvidence(ctx context.Context, rec domain.EvidenceRecord) (bool, error)
	GetEvidence(ctx context.Context, id string) (domain.EvidenceRecord, bool, error)
	InsertFinding(ctx context.Context, rec domain.FindingRecord) (bool, error)
	GetFinding(ctx context.Context, id string) (domain.FindingRecord, bool, error)
	InsertLink(ctx context.Context, rec domain.FindingEvidenceLink) (bool, error)
	GetLink(ctx context.Context, id string) (domain.FindingEvidenceLink, bool, error)
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger { return &Ledger{store: store, now: time.Now} }

type EvidenceParams struct {
	DatasetVersionID string
	EngineID         string
	Kind             string
	StableKey        string
	Payload          map[string]any
	CreatedAt        time.Time
}

type FindingParams struct {
	DatasetVersionID string
	EngineID         string
	Category         string
	StableKey        string
	SourceRecordID   string
	Details          map[string]any
	CreatedAt        time.Time
}

// CreateEvidence derives the deterministic id from the stable tuple and
// attempts the insert first: on a primary-key conflict no write happens, the
// existing row is read back and compared field by field.
func (l *Ledger) CreateEvidence(ctx context.Context, p EvidenceParams) (domain.EvidenceRecord, error) {
	if err := requireFields(map[string]string{
		"dataset_version_id": p.DatasetVersionID,
		"engine_id":          p.EngineID,
		"kind":               p.Kind,
		"stable_key":         p.StableKey,
	}); err != nil {
		return domain.EvidenceRecord{}, err
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.now()
	}
	rec := domain.EvidenceRecord{
		ID:               ident.EvidenceID(p.DatasetVersionID, p.EngineID, p.Kind, p.StableKey),
		DatasetVersionID: p.DatasetVersionID,
		EngineID:         p.EngineID,
		Kind:             p.Kind,
		StableKey:        p.StableKey,
		Payload:          p.Payload,
		CreatedAt:        domain.NormalizeTime(createdAt),
	}
	inserted, err := l.store.InsertEvidence(ctx, rec)
	if err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("insert evidence: %w", err)
	}
	if inserted {
		return rec, nil
	}
	existing, found, err := l.store.GetEvidence(ctx, rec.ID)
	if err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("read existing evidence: %w", err)
	}
	if !found {
		return domain.EvidenceRecord{}, fmt.Errorf("evidence %s vanished between insert and read", rec.ID)
	}
	if err := compareEvidence(existing, rec); err != nil {
		return domain.EvidenceRecord{}, err
	}
	return existing, nil
}

func (l *Ledger) CreateFinding(ctx context.Context, p FindingParams) (domain.FindingRecord, error) {
	if err := requireFields(map[string]string{
		"dataset_version_id": p.DatasetVersionID,
		"engine_id":          p.EngineID,
		"category":           p.Category,
		"stable_key":         p.StableKey,
		"source_record_id":   p.SourceRecordID,
	}); err != nil {
		return domain.FindingRecord{}, err
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = l.now()
	}
	rec := domain.FindingRecord{
		ID:               ident.FindingID(p.DatasetVersionID, p.EngineID, p.Category, p.StableKey),
		DatasetVersionID: p.DatasetVersionID,
		EngineID:         p.EngineID,
		Category:         p.Category,
		StableKey:        p.StableKey,
		SourceRecordID:   p.SourceRecordID,
		Details:          p.Details,
		CreatedAt:        domain.NormalizeTime(createdAt),
	}
	inserted, err := l.store.InsertFinding(ctx, rec)
	if err != nil {
		return domain.FindingRecord{}, fmt.Errorf("insert finding: %w", err)
	}
	if inserted {
		return rec, nil
	}
	existing, found, err := l.store.GetFinding(ctx, rec.ID)
	if err != nil {
		return domain.FindingRecord{}, fmt.Errorf("read existing finding: %w", err)
	}
	if !found {
		return domain.FindingRecord{}, fmt.Errorf("finding %s vanished between insert and read", rec.ID)
	}
	if err := compareFinding(existing, rec); err != nil {
		return domain.FindingRecord{}, err
	}
	return existing, nil
}

// LinkFindingEvidence follows the same decision tree keyed by the
// (finding_id, evidence_id) pair.
func (l *Ledger) LinkFindingEvidence(ctx context.Context, findingID, evidenceID string, createdAt time.Time) (domain.FindingEvidenceLink, error) {
	if err := requireFields(map[string]string{
		"finding_id":  findingID,
		"evidence_id": evidenceID,
	}); err != nil {
		return domain.FindingEvidenceLink{}, err
	}
	if createdAt.IsZero() {
		createdAt = l.now()
	}
	rec := domain.FindingEvidenceLink{
		ID:         ident.LinkID(findingID, evidenceID),
		FindingID:  findingID,
		EvidenceID: evidenceID,
		CreatedAt:  domain.NormalizeTime(createdAt),
	}
	inserted, err := l.store.InsertLink(ctx, rec)
	if err != nil {
		return domain.FindingEvidenceLink{}, fmt.Errorf("insert link: %w", err)
	}
	if inserted {
		return rec, nil
	}
	existing, found, err := l.store.GetLink(ctx, rec.ID)
	if err != nil {
		return domain.FindingEvidenceLink{}, fmt.Errorf("read existing link: %w", err)
	}
	if !found {
		return domain.FindingEvidenceLink{}, fmt.Errorf("link %s vanished between insert and read", rec.ID)
	}
	if existing.FindingID != rec.FindingID {
		return domain.FindingEvidenceLink{}, conflict("finding_evidence_links", rec.ID, "finding_id", existing.FindingID, rec.FindingID)
	}
	if existing.EvidenceID != rec.EvidenceID {
		return domain.FindingEvidenceLink{}, conflict("finding_evidence_links", rec.ID, "evidence_id", existing.EvidenceID, rec.EvidenceID)
	}
	if !existing.CreatedAt.Equal(rec.CreatedAt) {
		return domain.FindingEvidenceLink{}, conflict("finding_evidence_links", rec.ID, "created_at",
			existing.CreatedAt.Format(time.RFC3339Nano), rec.CreatedAt.Format(time.RFC3339Nano))
	}
	return existing, nil
}

func compareEvidence(existing, attempted domain.EvidenceRecord) error {
	if existing.DatasetVersionID != attempted.DatasetVersionID {
		return conflict("evidence", attempted.ID, "dataset_version_id", existing.DatasetVersionID, attempted.DatasetVersionID)
	}
	if existing.EngineID != attempted.EngineID {
		return conflict("evidence", attempted.ID, "engine_id", existing.EngineID, attempted.EngineID)
	}
	if existing.Kind != attempted.Kind {
		return conflict("evidence", attempted.ID, "kind", existing.Kind, attempted.Kind)
	}
	if !existing.CreatedAt.Equal(attempted.CreatedAt) {
		return conflict("evidence", attempted.ID, "created_at",
			existing.CreatedAt.Format(time.RFC3339Nano), attempted.CreatedAt.Format(time.RFC3339Nano))
	}
	return comparePayload("evidence", attempted.ID, existing.Payload, attempted.Payload)
}

func compareFinding(existing, attempted domain.FindingRecord) error {
	if existing.DatasetVersionID != attempted.DatasetVersionID {
		return conflict("findings", attempted.ID, "dataset_version_id", existing.DatasetVersionID, attempted.DatasetVersionID)
	}
	if existing.EngineID != attempted.EngineID {
		return conflict("findings", attempted.ID, "engine_id", existing.EngineID, attempted.EngineID)
	}
	if existing.Category != attempted.Category {
		return conflict("findings", attempted.ID, "category", existing.Category, attempted.Category)
	}
	if existing.SourceRecordID != attempted.SourceRecordID {
		return conflict("findings", attempted.ID, "source_record_id", existing.SourceRecordID, attempted.SourceRecordID)
	}
	if !existing.CreatedAt.Equal(attempted.CreatedAt) {
		return conflict("findings", attempted.ID, "created_at",
			existing.CreatedAt.Format(time.RFC3339Nano), attempted.CreatedAt.Format(time.RFC3339Nano))
	}
	return comparePayload("findings", attempted.ID, existing.Details, attempted.Details)
}

func comparePayload(table, id string, existing, attempted map[string]any) error {
	he, err := ident.PayloadHash(existing)
	if err != nil {
		return fmt.Errorf("hash existing payload: %w", err)
	}
	ha, err := ident.PayloadHash(attempted)
	if err != nil {
		return fmt.Errorf("hash attempted payload: %w", err)
	}
	if he != ha {
		return conflict(table, id, "payload", he, ha)
	}
	return nil
}

func conflict(table, id, field, existing, attempted string) error {
	return &domain.ImmutableConflictError{Table: table, ID: id, Field: field, Existing: existing, Attempted: attempted}
}

func requireFields(fields map[string]string) error {
	for name, v := range fields {
		if v == "" {
			return &domain.InputError{Field: name, Msg: "must not be empty"}
		}
	}
	return nil
}
