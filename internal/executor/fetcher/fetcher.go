// Package fetcher materializes submitted source bytes from a URL, an inline
// blob or an object-store key. It never retries; that is the caller's call.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"execbox/internal/common/storage"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxBytes int64 = 1 << 20
	defaultTimeout        = 10 * time.Second
	userAgent             = "execbox-fetcher/1.0"
)

// Kind classifies fetch failures.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindHTTPStatus Kind = "http_status"
	KindTooLarge   Kind = "too_large"
)

// FetchError describes why source bytes could not be obtained.
type FetchError struct {
	Kind   Kind
	Status int
	Cause  error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("fetch source: unexpected status %d", e.Status)
	case KindTooLarge:
		return "fetch source: body exceeds size limit"
	default:
		if e.Cause != nil {
			return fmt.Sprintf("fetch source: %v", e.Cause)
		}
		return "fetch source: network failure"
	}
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// ObjectRef addresses a source stored in the object store.
type ObjectRef struct {
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key"`
}

// SourceRef names where a submission's source lives. Exactly one field is set.
type SourceRef struct {
	URL    string     `json:"url,omitempty"`
	Inline string     `json:"inline,omitempty"`
	Object *ObjectRef `json:"object,omitempty"`
}

// Validate checks that exactly one location is given.
func (r SourceRef) Validate() error {
	n := 0
	if r.URL != "" {
		n++
	}
	if r.Inline != "" {
		n++
	}
	if r.Object != nil {
		n++
	}
	if n != 1 {
		return appErr.ValidationError("source", "exactly one of url, inline or object is required")
	}
	if r.Object != nil && r.Object.Key == "" {
		return appErr.ValidationError("source.object.key", "required")
	}
	if r.URL != "" {
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return appErr.ValidationError("source.url", "must be an absolute http(s) URL")
		}
	}
	return nil
}

// Config controls fetch limits.
type Config struct {
	MaxBytes      int64         `yaml:"maxBytes"`
	Timeout       time.Duration `yaml:"timeout"`
	DefaultBucket string        `yaml:"defaultBucket"`
}

// Fetcher retrieves source bytes.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	objects storage.ObjectStorage
}

// New creates a Fetcher. client and objects may be nil; object refs then fail.
func New(cfg Config, client *http.Client, objects storage.ObjectStorage) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{cfg: cfg, client: client, objects: objects}
}

// MaxBytes returns the configured body ceiling.
func (f *Fetcher) MaxBytes() int64 {
	return f.cfg.MaxBytes
}

// Fetch returns the source bytes named by ref.
func (f *Fetcher) Fetch(ctx context.Context, ref SourceRef) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	switch {
	case ref.Inline != "":
		if int64(len(ref.Inline)) > f.cfg.MaxBytes {
			return nil, fetchFailure(&FetchError{Kind: KindTooLarge})
		}
		return []byte(ref.Inline), nil
	case ref.URL != "":
		return f.fetchURL(ctx, ref.URL)
	default:
		return f.fetchObject(ctx, *ref.Object)
	}
}

func (f *Fetcher) fetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "build fetch request failed")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		logger.Warn(ctx, "fetch source failed", zap.String("url", rawURL), zap.Error(err))
		return nil, fetchFailure(&FetchError{Kind: KindNetwork, Cause: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fetchFailure(&FetchError{Kind: KindHTTPStatus, Status: resp.StatusCode})
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, fetchFailure(&FetchError{Kind: KindTooLarge, Status: resp.StatusCode})
	}
	return f.readLimited(resp.Body)
}

func (f *Fetcher) fetchObject(ctx context.Context, ref ObjectRef) ([]byte, error) {
	if f.objects == nil {
		return nil, fetchFailure(&FetchError{Kind: KindNetwork, Cause: errors.New("object storage is not configured")})
	}
	bucket := ref.Bucket
	if bucket == "" {
		bucket = f.cfg.DefaultBucket
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, appErr.ValidationError("source.object.bucket", "required")
	}

	stat, err := f.objects.StatObject(ctx, bucket, ref.Key)
	if err != nil {
		return nil, objectFailure(err)
	}
	if stat.SizeBytes > f.cfg.MaxBytes {
		return nil, fetchFailure(&FetchError{Kind: KindTooLarge})
	}
	reader, err := f.objects.GetObject(ctx, bucket, ref.Key)
	if err != nil {
		return nil, objectFailure(err)
	}
	defer reader.Close()
	return f.readLimited(reader)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fetchFailure(&FetchError{Kind: KindNetwork, Cause: err})
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fetchFailure(&FetchError{Kind: KindTooLarge})
	}
	return body, nil
}

func objectFailure(err error) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return fetchFailure(&FetchError{Kind: KindHTTPStatus, Status: http.StatusNotFound, Cause: err})
	}
	return fetchFailure(&FetchError{Kind: KindNetwork, Cause: err})
}

func fetchFailure(fe *FetchError) error {
	code := appErr.FetchFailed
	if fe.Kind == KindTooLarge {
		code = appErr.CodeTooLarge
	}
	e := appErr.Wrap(fe, code).WithDetail("kind", string(fe.Kind))
	if fe.Status != 0 {
		e = e.WithDetail("status", fe.Status)
	}
	return e
}
