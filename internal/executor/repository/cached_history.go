package repository

import (
	"context"
	"time"

	"execbox/internal/common/cache"
	"execbox/internal/executor/result"
	appErr "execbox/pkg/errors"
	pkgrepo "execbox/pkg/repository"
)

const historyKeyPrefix = "execbox:history:"

// HistoryBackend is the durable store behind CachedHistory.
type HistoryBackend interface {
	Record(ctx context.Context, report result.Report) error
	Get(ctx context.Context, id string) (result.Report, error)
	List(ctx context.Context, opts pkgrepo.ListOptions) (pkgrepo.Page[result.Report], error)
}

// CachedHistory puts a cache-aside layer in front of history lookups by id.
// Unknown ids are cached as absent for emptyTTL so polling them stays off the database.
type CachedHistory struct {
	backend  HistoryBackend
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewCachedHistory wraps backend.
func NewCachedHistory(backend HistoryBackend, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *CachedHistory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if emptyTTL <= 0 {
		emptyTTL = 30 * time.Second
	}
	return &CachedHistory{backend: backend, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

// Record writes through and drops any cached absence for the id.
func (h *CachedHistory) Record(ctx context.Context, report result.Report) error {
	if err := h.backend.Record(ctx, report); err != nil {
		return err
	}
	_ = h.cache.Del(ctx, historyKeyPrefix+report.ID)
	return nil
}

func (h *CachedHistory) Get(ctx context.Context, id string) (result.Report, error) {
	aside := cache.Aside[result.Report]{
		TTL:      h.ttl,
		EmptyTTL: h.emptyTTL,
		IsEmpty:  func(r result.Report) bool { return r.ID == "" },
	}
	report, err := aside.Get(ctx, h.cache, historyKeyPrefix+id, func(ctx context.Context) (result.Report, error) {
		r, err := h.backend.Get(ctx, id)
		if appErr.Is(err, appErr.ExecutionNotFound) {
			return result.Report{}, nil
		}
		return r, err
	})
	if err != nil {
		return result.Report{}, err
	}
	if report.ID == "" {
		return result.Report{}, appErr.Newf(appErr.ExecutionNotFound, "execution %s not found", id)
	}
	return report, nil
}

func (h *CachedHistory) List(ctx context.Context, opts pkgrepo.ListOptions) (pkgrepo.Page[result.Report], error) {
	return h.backend.List(ctx, opts)
}
