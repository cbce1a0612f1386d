// Package repository persists execution reports.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"execbox/internal/common/cache"
	"execbox/internal/executor/result"
	appErr "execbox/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

const (
	resultKeyPrefix  = "execution:result:"
	pendingKeyPrefix = "execution:pending:"
	lockKeyPrefix    = "execution:lock:"

	defaultResultTTL = 24 * time.Hour
)

// ResultRepository stores zstd-compressed reports in the cache with a TTL.
type ResultRepository struct {
	cache   cache.Cache
	ttl     time.Duration
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewResultRepository creates a repository. ttl <= 0 uses 24h.
func NewResultRepository(cacheClient cache.Cache, ttl time.Duration) (*ResultRepository, error) {
	if cacheClient == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder failed: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder failed: %w", err)
	}
	return &ResultRepository{cache: cacheClient, ttl: ttl, encoder: encoder, decoder: decoder}, nil
}

// TTL returns how long reports are kept.
func (r *ResultRepository) TTL() time.Duration {
	return r.ttl
}

// MarkPending records an accepted async request. It fails with
// InvalidParams when the id is already known.
func (r *ResultRepository) MarkPending(ctx context.Context, id, language string) error {
	if id == "" {
		return appErr.ValidationError("id", "required")
	}
	ok, err := r.cache.SetNX(ctx, pendingKeyPrefix+id, language, r.ttl)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "mark execution pending failed")
	}
	if !ok {
		return appErr.Newf(appErr.InvalidParams, "execution %s already exists", id)
	}
	return nil
}

// Save stores the final report and clears the pending marker.
func (r *ResultRepository) Save(ctx context.Context, report result.Report) error {
	if report.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	compressed := r.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	err = r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Set(resultKeyPrefix+report.ID, string(compressed), cache.JitterTTL(r.ttl)); err != nil {
			return err
		}
		return pipe.Del(pendingKeyPrefix + report.ID)
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store report failed")
	}
	return nil
}

// Get returns the stored report, a pending placeholder, or ExecutionNotFound.
func (r *ResultRepository) Get(ctx context.Context, id string) (result.Report, error) {
	if id == "" {
		return result.Report{}, appErr.ValidationError("id", "required")
	}
	val, err := r.cache.Get(ctx, resultKeyPrefix+id)
	if err != nil {
		return result.Report{}, appErr.Wrapf(err, appErr.CacheError, "load report failed")
	}
	if val != "" {
		return r.decode(val)
	}

	language, err := r.cache.Get(ctx, pendingKeyPrefix+id)
	if err != nil {
		return result.Report{}, appErr.Wrapf(err, appErr.CacheError, "load pending marker failed")
	}
	if language != "" {
		return result.Report{ID: id, Language: language, Status: result.StatusPending}, nil
	}
	return result.Report{}, appErr.Newf(appErr.ExecutionNotFound, "execution %s not found", id)
}

// Claim takes the processing lock for id so a redelivered job runs once.
// release must be called when processing ends.
func (r *ResultRepository) Claim(ctx context.Context, id string, hold time.Duration) (release func(), ok bool, err error) {
	key := lockKeyPrefix + id
	token, ok, err := r.cache.TryLock(ctx, key, hold)
	if err != nil {
		return nil, false, appErr.Wrapf(err, appErr.CacheError, "claim execution failed")
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		_ = r.cache.Unlock(context.WithoutCancel(ctx), key, token)
	}, true, nil
}

// Done reports whether a final report exists for id.
func (r *ResultRepository) Done(ctx context.Context, id string) (bool, error) {
	n, err := r.cache.Exists(ctx, resultKeyPrefix+id)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "check report failed")
	}
	return n > 0, nil
}

func (r *ResultRepository) decode(val string) (result.Report, error) {
	data, err := r.decoder.DecodeAll([]byte(val), nil)
	if err != nil {
		return result.Report{}, appErr.Wrapf(err, appErr.CacheError, "decompress report failed")
	}
	var report result.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return result.Report{}, appErr.Wrapf(err, appErr.CacheError, "decode report failed")
	}
	return report, nil
}
