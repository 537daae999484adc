package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/galapoto/todiscope-v3-sub004/internal/audit"
	"github.com/galapoto/todiscope-v3-sub004/internal/engine"
	"github.com/galapoto/todiscope-v3-sub004/internal/gate"
	"github.com/galapoto/todiscope-v3-sub004/internal/ledger"
	"github.com/galapoto/todiscope-v3-sub004/internal/lifecycle"
	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
	"github.com/galapoto/todiscope-v3-sub004/pkg/httpx"
)

// serverStore is the slice of the store the handlers touch directly. The
// ledger, lifecycle machine, gate and recorder carry their own store
// interfaces, so this covers only dataset registration and run bookkeeping.
type serverStore interface {
	RegisterDatasetVersion(ctx context.Context, id string) error
	StartCalculationRun(ctx context.Context, run domain.CalculationRun) error
	FinishCalculationRun(ctx context.Context, runID, status string, at time.Time) (bool, error)
	GetCalculationRun(ctx context.Context, runID string) (domain.CalculationRun, bool, error)
}

func newRouter(st serverStore, led *ledger.Ledger, machine *lifecycle.Machine, g *gate.Gate, recorder *audit.Recorder, registry *engine.Registry) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/v1", func(api chi.Router) {

		api.Post("/datasets", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				DatasetVersionID string `json:"dataset_version_id"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if req.DatasetVersionID == "" {
				httpx.WriteError(w, 400, "BAD_INPUT", "dataset_version_id is required", nil)
				return
			}
			if err := st.RegisterDatasetVersion(r.Context(), req.DatasetVersionID); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "dataset_version_id": req.DatasetVersionID})
		})

		api.Post("/datasets/{dataset_version_id}/stages:authorize", func(w http.ResponseWriter, r *http.Request) {
			dsv := chi.URLParam(r, "dataset_version_id")
			var req struct {
				Stage string `json:"stage"`
				Actor string `json:"actor"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			ref, err := domain.ParseStageRef(req.Stage)
			if err != nil {
				writeCoreError(w, err)
				return
			}
			decision, err := g.Authorize(r.Context(), dsv, ref, req.Actor)
			if err != nil {
				writeCoreError(w, err)
				return
			}
			status := "OK"
			if !decision.Allowed {
				status = "DENIED"
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "status": status, "decision": decision})
		})

		api.Post("/datasets/{dataset_version_id}/subjects:complete", func(w http.ResponseWriter, r *http.Request) {
			dsv := chi.URLParam(r, "dataset_version_id")
			var req struct {
				SubjectID    string   `json:"subject_id"`
				Actor        string   `json:"actor"`
				EvidenceRefs []string `json:"evidence_refs"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			transitioned, err := machine.RecordCompletion(r.Context(), dsv, req.SubjectID, req.Actor, req.EvidenceRefs)
			if err != nil {
				writeCoreError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(), "dataset_version_id": dsv,
				"subject_id": req.SubjectID, "state": domain.StateApproved, "transitioned": transitioned,
			})
		})

		api.Post("/evidence", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				DatasetVersionID string         `json:"dataset_version_id"`
				EngineID         string         `json:"engine_id"`
				Kind             string         `json:"kind"`
				StableKey        string         `json:"stable_key"`
				Payload          map[string]any `json:"payload"`
				CreatedAt        time.Time      `json:"created_at"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			rec, err := led.CreateEvidence(r.Context(), ledger.EvidenceParams{
				DatasetVersionID: req.DatasetVersionID,
				EngineID:         req.EngineID,
				Kind:             req.Kind,
				StableKey:        req.StableKey,
				Payload:          req.Payload,
				CreatedAt:        req.CreatedAt,
			})
			if err != nil {
				writeCoreError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "evidence": rec})
		})

		api.Post("/findings", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				DatasetVersionID string         `json:"dataset_version_id"`
				EngineID         string         `json:"engine_id"`
				Category         string         `json:"category"`
				StableKey        string         `json:"stable_key"`
				SourceRecordID   string         `json:"source_record_id"`
				Details          map[string]any `json:"details"`
				CreatedAt        time.Time      `json:"created_at"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			rec, err := led.CreateFinding(r.Context(), ledger.FindingParams{
				DatasetVersionID: req.DatasetVersionID,
				EngineID:         req.EngineID,
				Category:         req.Category,
				StableKey:        req.StableKey,
				SourceRecordID:   req.SourceRecordID,
				Details:          req.Details,
				CreatedAt:        req.CreatedAt,
			})
			if err != nil {
				writeCoreError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "finding": rec})
		})

		api.Post("/links", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				FindingID  string    `json:"finding_id"`
				EvidenceID string    `json:"evidence_id"`
				CreatedAt  time.Time `json:"created_at"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			rec, err := led.LinkFindingEvidence(r.Context(), req.FindingID, req.EvidenceID, req.CreatedAt)
			if err != nil {
				writeCoreError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "link": rec})
		})

		api.Post("/runs", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				DatasetVersionID string `json:"dataset_version_id"`
				EngineID         string `json:"engine_id"`
				Actor            string `json:"actor"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			ref := domain.StageRef{Stage: domain.StageCalculate, EngineID: req.EngineID}
			decision, err := g.Authorize(r.Context(), req.DatasetVersionID, ref, req.Actor)
			if err != nil {
				writeCoreError(w, err)
				return
			}
			if !decision.Allowed {
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "status": "DENIED", "decision": decision})
				return
			}
			run := domain.CalculationRun{
				RunID:            "run_" + uuid.NewString(),
				DatasetVersionID: req.DatasetVersionID,
				EngineID:         req.EngineID,
				Status:           domain.RunStarted,
				StartedAt:        domain.NormalizeTime(time.Now()),
			}
			if err := st.StartCalculationRun(r.Context(), run); err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "status": "OK", "run": run})
		})

		api.Post("/runs/{run_id}:finish", func(w http.ResponseWriter, r *http.Request) {
			runID := chi.URLParam(r, "run_id")
			var req struct {
				Status string `json:"status"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if req.Status != domain.RunFinished && req.Status != domain.RunFailed {
				httpx.WriteError(w, 400, "BAD_INPUT", "status must be FINISHED or FAILED", nil)
				return
			}
			finished, err := st.FinishCalculationRun(r.Context(), runID, req.Status, domain.NormalizeTime(time.Now()))
			if err != nil {
				httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
				return
			}
			if !finished {
				run, exists, err := st.GetCalculationRun(r.Context(), runID)
				if err != nil {
					httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
					return
				}
				if !exists {
					httpx.WriteError(w, 404, "RUN_NOT_FOUND", "no such calculation run", map[string]any{"run_id": runID})
					return
				}
				httpx.WriteError(w, 409, "RUN_ALREADY_FINISHED", "run is already in a terminal state", map[string]any{
					"run_id": runID, "status": run.Status,
				})
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "run_id": runID, "status": req.Status})
		})

		api.Get("/datasets/{dataset_version_id}/audit", func(w http.ResponseWriter, r *http.Request) {
			dsv := chi.URLParam(r, "dataset_version_id")
			entries, err := recorder.ListByDataset(r.Context(), dsv)
			if err != nil {
				writeCoreError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "dataset_version_id": dsv, "entries": entries})
		})

		api.Get("/engines", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "engines": registry.List()})
		})
	})

	return r
}

// writeCoreError maps typed core errors onto the wire. Lifecycle denials are
// not routed here: they come back as decisions, not errors.
func writeCoreError(w http.ResponseWriter, err error) {
	if domain.IsInputError(err) {
		httpx.WriteError(w, 400, "BAD_INPUT", err.Error(), nil)
		return
	}
	if ce, ok := domain.AsConflict(err); ok {
		httpx.WriteError(w, 409, "IMMUTABLE_CONFLICT", ce.Error(), map[string]any{
			"table": ce.Table, "id": ce.ID, "field": ce.Field,
			"existing": ce.Existing, "attempted": ce.Attempted,
		})
		return
	}
	httpx.WriteError(w, 500, "DB_ERROR", err.Error(), nil)
}
