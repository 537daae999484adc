package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/galapoto/todiscope-v3-sub004/internal/audit"
	"github.com/galapoto/todiscope-v3-sub004/internal/engine"
	"github.com/galapoto/todiscope-v3-sub004/internal/gate"
	"github.com/galapoto/todiscope-v3-sub004/internal/ledger"
	"github.com/galapoto/todiscope-v3-sub004/internal/lifecycle"
	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
)

// memStore is an in-memory stand-in for the persistent store, wide enough to
// back every component the router wires together.
type memStore struct {
	datasets map[string]bool
	states   map[string]domain.LifecycleState
	evidence map[string]domain.EvidenceRecord
	findings map[string]domain.FindingRecord
	links    map[string]domain.FindingEvidenceLink
	runs     map[string]domain.CalculationRun
	entries  []domain.AuditLogEntry
}

func newMemStore() *memStore {
	return &memStore{
		datasets: map[string]bool{},
		states:   map[string]domain.LifecycleState{},
		evidence: map[string]domain.EvidenceRecord{},
		findings: map[string]domain.FindingRecord{},
		links:    map[string]domain.FindingEvidenceLink{},
		runs:     map[string]domain.CalculationRun{},
	}
}

func (m *memStore) RegisterDatasetVersion(ctx context.Context, id string) error {
	m.datasets[id] = true
	return nil
}

func (m *memStore) DatasetVersionExists(ctx context.Context, id string) (bool, error) {
	return m.datasets[id], nil
}

func (m *memStore) GetLifecycleState(ctx context.Context, dsv, subject string) (string, bool, error) {
	st, ok := m.states[dsv+"|"+subject]
	return st.State, ok, nil
}

func (m *memStore) InsertLifecycleState(ctx context.Context, st domain.LifecycleState) (bool, error) {
	key := st.DatasetVersionID + "|" + st.SubjectID
	if _, ok := m.states[key]; ok {
		return false, nil
	}
	m.states[key] = st
	return true, nil
}

func (m *memStore) InsertEvidence(ctx context.Context, rec domain.EvidenceRecord) (bool, error) {
	if _, ok := m.evidence[rec.ID]; ok {
		return false, nil
	}
	m.evidence[rec.ID] = rec
	return true, nil
}

func (m *memStore) GetEvidence(ctx context.Context, id string) (domain.EvidenceRecord, bool, error) {
	rec, ok := m.evidence[id]
	return rec, ok, nil
}

func (m *memStore) InsertFinding(ctx context.Context, rec domain.FindingRecord) (bool, error) {
	if _, ok := m.findings[rec.ID]; ok {
		return false, nil
	}
	m.findings[rec.ID] = rec
	return true, nil
}

func (m *memStore) GetFinding(ctx context.Context, id string) (domain.FindingRecord, bool, error) {
	rec, ok := m.findings[id]
	return rec, ok, nil
}

func (m *memStore) InsertLink(ctx context.Context, rec domain.FindingEvidenceLink) (bool, error) {
	if _, ok := m.links[rec.ID]; ok {
		return false, nil
	}
	m.links[rec.ID] = rec
	return true, nil
}

func (m *memStore) GetLink(ctx context.Context, id string) (domain.FindingEvidenceLink, bool, error) {
	rec, ok := m.links[id]
	return rec, ok, nil
}

func (m *memStore) StartCalculationRun(ctx context.Context, run domain.CalculationRun) error {
	m.runs[run.RunID] = run
	return nil
}

func (m *memStore) FinishCalculationRun(ctx context.Context, runID, status string, at time.Time) (bool, error) {
	run, ok := m.runs[runID]
	if !ok || run.Status != domain.RunStarted {
		return false, nil
	}
	run.Status = status
	run.FinishedAt = &at
	m.runs[runID] = run
	return true, nil
}

func (m *memStore) GetCalculationRun(ctx context.Context, runID string) (domain.CalculationRun, bool, error) {
	run, ok := m.runs[runID]
	return run, ok, nil
}

func (m *memStore) LatestCalculationRun(ctx context.Context, dsv, engineID string) (domain.CalculationRun, bool, error) {
	for _, run := range m.runs {
		if run.DatasetVersionID == dsv && run.EngineID == engineID {
			return run, true, nil
		}
	}
	return domain.CalculationRun{}, false, nil
}

func (m *memStore) AppendAuditEntry(ctx context.Context, e domain.AuditLogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) ListAuditEntries(ctx context.Context, dsv string) ([]domain.AuditLogEntry, error) {
	var out []domain.AuditLogEntry
	for _, e := range m.entries {
		if e.DatasetVersionID == dsv {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, m *memStore) *httptest.Server {
	t.Helper()
	registry := engine.NewRegistry()
	registry.SetEnabled("ratio", true)
	recorder := audit.New(m)
	led := ledger.New(m)
	machine := lifecycle.New(m, recorder)
	g := gate.New(m, m, m, registry, recorder)
	srv := httptest.NewServer(newRouter(m, led, machine, g, recorder, registry))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp, out
}

func TestAuthorizeDeniedThenAllowed(t *testing.T) {
	m := newMemStore()
	m.datasets["dsv_1"] = true
	srv := newTestServer(t, m)

	resp, out := postJSON(t, srv.URL+"/v1/datasets/dsv_1/stages:authorize",
		map[string]any{"stage": "normalize", "actor": "act_ci"})
	if resp.StatusCode != 200 || out["status"] != "DENIED" {
		t.Fatalf("expected DENIED, got %d %v", resp.StatusCode, out)
	}
	decision := out["decision"].(map[string]any)
	if decision["reason"] != domain.ReasonImportNotComplete {
		t.Fatalf("expected IMPORT_NOT_COMPLETE, got %v", decision["reason"])
	}
	if len(m.entries) != 1 || m.entries[0].Outcome != domain.OutcomeDenied {
		t.Fatalf("expected one denial audit entry, got %v", m.entries)
	}

	resp, out = postJSON(t, srv.URL+"/v1/datasets/dsv_1/subjects:complete",
		map[string]any{"subject_id": "import", "actor": "act_ci"})
	if resp.StatusCode != 200 || out["transitioned"] != true {
		t.Fatalf("expected import completion, got %d %v", resp.StatusCode, out)
	}

	resp, out = postJSON(t, srv.URL+"/v1/datasets/dsv_1/stages:authorize",
		map[string]any{"stage": "normalize", "actor": "act_ci"})
	if resp.StatusCode != 200 || out["status"] != "OK" {
		t.Fatalf("expected OK after import approved, got %d %v", resp.StatusCode, out)
	}
}

func TestCompleteIsIdempotentOverHTTP(t *testing.T) {
	m := newMemStore()
	m.datasets["dsv_1"] = true
	srv := newTestServer(t, m)

	_, out := postJSON(t, srv.URL+"/v1/datasets/dsv_1/subjects:complete",
		map[string]any{"subject_id": "import", "actor": "act_ci"})
	if out["transitioned"] != true {
		t.Fatalf("first completion must transition, got %v", out)
	}
	_, out = postJSON(t, srv.URL+"/v1/datasets/dsv_1/subjects:complete",
		map[string]any{"subject_id": "import", "actor": "act_ci"})
	if out["transitioned"] != false {
		t.Fatalf("replayed completion must not transition, got %v", out)
	}
	if len(m.entries) != 1 {
		t.Fatalf("expected exactly one completion audit entry, got %d", len(m.entries))
	}
}

func TestEvidenceReplayAndConflictOverHTTP(t *testing.T) {
	m := newMemStore()
	srv := newTestServer(t, m)

	body := map[string]any{
		"dataset_version_id": "dsv_1",
		"engine_id":          "ratio",
		"kind":               "worksheet",
		"stable_key":         "main",
		"payload":            map[string]any{"current_ratio": 1.8},
		"created_at":         "2026-08-31T10:00:00Z",
	}
	resp, out := postJSON(t, srv.URL+"/v1/evidence", body)
	if resp.StatusCode != 201 {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, out)
	}
	firstID := out["evidence"].(map[string]any)["evidence_id"]

	resp, out = postJSON(t, srv.URL+"/v1/evidence", body)
	if resp.StatusCode != 201 {
		t.Fatalf("replay must succeed, got %d %v", resp.StatusCode, out)
	}
	if out["evidence"].(map[string]any)["evidence_id"] != firstID {
		t.Fatalf("replay must return the same evidence id")
	}
	if len(m.evidence) != 1 {
		t.Fatalf("replay must not create a second record, got %d", len(m.evidence))
	}

	body["payload"] = map[string]any{"current_ratio": 9.9}
	resp, out = postJSON(t, srv.URL+"/v1/evidence", body)
	if resp.StatusCode != 409 {
		t.Fatalf("mutated payload must conflict, got %d %v", resp.StatusCode, out)
	}
	errObj := out["error"].(map[string]any)
	if errObj["code"] != "IMMUTABLE_CONFLICT" {
		t.Fatalf("expected IMMUTABLE_CONFLICT, got %v", errObj["code"])
	}
}

func TestFinishRunUnknownAndAlreadyFinished(t *testing.T) {
	m := newMemStore()
	srv := newTestServer(t, m)

	resp, out := postJSON(t, srv.URL+"/v1/runs/run_missing:finish",
		map[string]any{"status": domain.RunFinished})
	if resp.StatusCode != 404 {
		t.Fatalf("unknown run must 404, got %d %v", resp.StatusCode, out)
	}

	started := domain.NormalizeTime(time.Now())
	m.runs["run_1"] = domain.CalculationRun{
		RunID: "run_1", DatasetVersionID: "dsv_1", EngineID: "ratio",
		Status: domain.RunStarted, StartedAt: started,
	}
	resp, _ = postJSON(t, srv.URL+"/v1/runs/run_1:finish",
		map[string]any{"status": domain.RunFinished})
	if resp.StatusCode != 200 {
		t.Fatalf("started run must finish, got %d", resp.StatusCode)
	}
	resp, out = postJSON(t, srv.URL+"/v1/runs/run_1:finish",
		map[string]any{"status": domain.RunFailed})
	if resp.StatusCode != 409 {
		t.Fatalf("second finish must 409, got %d %v", resp.StatusCode, out)
	}
	if m.runs["run_1"].Status != domain.RunFinished {
		t.Fatalf("terminal status must not be overwritten, got %s", m.runs["run_1"].Status)
	}
}

func TestRegisterDatasetValidation(t *testing.T) {
	m := newMemStore()
	srv := newTestServer(t, m)

	resp, out := postJSON(t, srv.URL+"/v1/datasets", map[string]any{})
	if resp.StatusCode != 400 {
		t.Fatalf("missing id must 400, got %d %v", resp.StatusCode, out)
	}
}
