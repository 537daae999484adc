package audit

import (
	"context"
	"testing"
	"time"

	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
)

type fakeStore struct {
	entries map[string][]domain.AuditLogEntry
	lists   int
}

func newFakeStore() *fakeStore { return &fakeStore{entries: map[string][]domain.AuditLogEntry{}} }

func (f *fakeStore) AppendAuditEntry(ctx context.Context, e domain.AuditLogEntry) error {
	f.entries[e.DatasetVersionID] = append(f.entries[e.DatasetVersionID], e)
	return nil
}

func (f *fakeStore) ListAuditEntries(ctx context.Context, dsv string) ([]domain.AuditLogEntry, error) {
	f.lists++
	return f.entries[dsv], nil
}

type fakeCache struct {
	data map[string][]byte
	dels int
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok := f.data[key]
	return b, ok, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	f.data[key] = val
	return nil
}

func (f *fakeCache) Del(ctx context.Context, key string) error {
	delete(f.data, key)
	f.dels++
	return nil
}

func entry(dsv, reason string) domain.AuditLogEntry {
	return domain.AuditLogEntry{
		EntryID:          "aud_" + reason,
		DatasetVersionID: dsv,
		Stage:            "normalize",
		Actor:            "act_test",
		Outcome:          domain.OutcomeDenied,
		Reason:           reason,
		At:               time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestAppendThenList(t *testing.T) {
	r := New(newFakeStore())
	if err := r.Append(context.Background(), entry("dsv_1", "IMPORT_NOT_COMPLETE")); err != nil {
		t.Fatalf("append err: %v", err)
	}
	out, err := r.ListByDataset(context.Background(), "dsv_1")
	if err != nil {
		t.Fatalf("list err: %v", err)
	}
	if len(out) != 1 || out[0].Reason != "IMPORT_NOT_COMPLETE" {
		t.Fatalf("unexpected entries %+v", out)
	}
}

func TestListServedFromCacheUntilWrite(t *testing.T) {
	st := newFakeStore()
	cache := newFakeCache()
	r := NewWithCache(st, cache)

	if err := r.Append(context.Background(), entry("dsv_1", "IMPORT_NOT_COMPLETE")); err != nil {
		t.Fatalf("append err: %v", err)
	}
	if _, err := r.ListByDataset(context.Background(), "dsv_1"); err != nil {
		t.Fatalf("list err: %v", err)
	}
	if _, err := r.ListByDataset(context.Background(), "dsv_1"); err != nil {
		t.Fatalf("second list err: %v", err)
	}
	if st.lists != 1 {
		t.Fatalf("expected second list from cache, store lists=%d", st.lists)
	}

	// A write invalidates the projection; the next read goes to the store.
	if err := r.Append(context.Background(), entry("dsv_1", "NORMALIZE_NOT_COMPLETE")); err != nil {
		t.Fatalf("append err: %v", err)
	}
	out, err := r.ListByDataset(context.Background(), "dsv_1")
	if err != nil {
		t.Fatalf("list after write err: %v", err)
	}
	if st.lists != 2 {
		t.Fatalf("expected store read after invalidation, lists=%d", st.lists)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
}

func TestCorruptCacheFallsBackToStore(t *testing.T) {
	st := newFakeStore()
	cache := newFakeCache()
	r := NewWithCache(st, cache)
	_ = st.AppendAuditEntry(context.Background(), entry("dsv_1", "ENGINE_DISABLED"))
	cache.data["audit:dsv_1"] = []byte("{not json")

	out, err := r.ListByDataset(context.Background(), "dsv_1")
	if err != nil {
		t.Fatalf("list err: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected store fallback, got %d entries", len(out))
	}
}

func TestAppendRequiresDataset(t *testing.T) {
	r := New(newFakeStore())
	if err := r.Append(context.Background(), domain.AuditLogEntry{}); !domain.IsInputError(err) {
		t.Fatalf("expected input error, got %v", err)
	}
}
