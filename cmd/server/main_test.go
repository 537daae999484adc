package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	return errObj
}

func TestWriteCoreErrorInputError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCoreError(rec, &domain.InputError{Field: "stage", Msg: "unknown stage"})
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if decodeError(t, rec)["code"] != "BAD_INPUT" {
		t.Fatalf("expected BAD_INPUT code")
	}
}

func TestWriteCoreErrorConflictCarriesField(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCoreError(rec, &domain.ImmutableConflictError{
		Table: "evidence", ID: "evd_1", Field: "payload", Existing: "aaa", Attempted: "bbb",
	})
	if rec.Code != 409 {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	errObj := decodeError(t, rec)
	if errObj["code"] != "IMMUTABLE_CONFLICT" {
		t.Fatalf("expected IMMUTABLE_CONFLICT code")
	}
	details, ok := errObj["details"].(map[string]any)
	if !ok || details["field"] != "payload" {
		t.Fatalf("expected mismatched field in details, got %v", errObj["details"])
	}
}

func TestWriteCoreErrorStorage(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCoreError(rec, json.Unmarshal([]byte("{"), &struct{}{}))
	if rec.Code != 500 {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
