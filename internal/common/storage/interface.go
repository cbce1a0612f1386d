package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound wraps missing bucket and missing key responses.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage reads submitted sources and parks large inline sources for queued jobs.
type ObjectStorage interface {
	// GetObject returns a reader the caller must close.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error
}

type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
