// Package audit is the append-only sink for lifecycle transitions and gate
// denials, plus the dataset-scoped query surface consumed by external
// dashboards. The durable store is the single source of truth; the optional
// cache is a read-through projection invalidated on every append.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/galapoto/todiscope-v3-sub004/pkg/domain"
)

type Store interface {
	AppendAuditEntry(ctx context.Context, e domain.AuditLogEntry) error
	ListAuditEntries(ctx context.Context, datasetVersionID string) ([]domain.AuditLogEntry, error)
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

const cacheTTL = 30 * time.Second

type Recorder struct {
	store Store
	cache Cache
}

func New(store Store) *Recorder { return &Recorder{store: store} }

func NewWithCache(store Store, cache Cache) *Recorder {
	return &Recorder{store: store, cache: cache}
}

// Append durably writes the entry, then drops the dataset's cached
// projection. Cache errors are swallowed: the TTL bounds staleness and the
// store already holds the truth.
func (r *Recorder) Append(ctx context.Context, e domain.AuditLogEntry) error {
	if e.DatasetVersionID == "" {
		return &domain.InputError{Field: "dataset_version_id", Msg: "must not be empty"}
	}
	if err := r.store.AppendAuditEntry(ctx, e); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if r.cache != nil {
		_ = r.cache.Del(ctx, cacheKey(e.DatasetVersionID))
	}
	return nil
}

// ListByDataset is a pure reader: cache hit if present, otherwise the store,
// repopulating the projection on the way out.
func (r *Recorder) ListByDataset(ctx context.Context, datasetVersionID string) ([]domain.AuditLogEntry, error) {
	if datasetVersionID == "" {
		return nil, &domain.InputError{Field: "dataset_version_id", Msg: "must not be empty"}
	}
	key := cacheKey(datasetVersionID)
	if r.cache != nil {
		if b, ok, err := r.cache.Get(ctx, key); err == nil && ok {
			var out []domain.AuditLogEntry
			if json.Unmarshal(b, &out) == nil {
				return out, nil
			}
			// Corrupt projection: drop it and fall through to the store.
			_ = r.cache.Del(ctx, key)
		}
	}
	out, err := r.store.ListAuditEntries(ctx, datasetVersionID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	if r.cache != nil {
		if b, err := json.Marshal(out); err == nil {
			_ = r.cache.Set(ctx, key, b, cacheTTL)
		}
	}
	return out, nil
}

func cacheKey(datasetVersionID string) string { return "audit:" + datasetVersionID }
