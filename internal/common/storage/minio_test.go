package storage

import (
	"errors"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestClassifyNotFound(t *testing.T) {
	for _, code := range []string{"NoSuchKey", "NoSuchBucket"} {
		err := classify(minio.ErrorResponse{Code: code, StatusCode: 404})
		if !errors.Is(err, ErrObjectNotFound) {
			t.Fatalf("%s should map to ErrObjectNotFound, got %v", code, err)
		}
	}
	other := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	if errors.Is(classify(other), ErrObjectNotFound) {
		t.Fatalf("access denied is not a missing object")
	}
}

func TestNewMinIOStorageValidates(t *testing.T) {
	if _, err := NewMinIOStorage(MinIOConfig{AccessKey: "a", SecretKey: "b"}); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
	if _, err := NewMinIOStorage(MinIOConfig{Endpoint: "127.0.0.1:9000", AccessKey: "a"}); err == nil {
		t.Fatalf("expected missing secret error")
	}
	s, err := NewMinIOStorage(MinIOConfig{Endpoint: "127.0.0.1:9000", AccessKey: "a", SecretKey: "b"})
	if err != nil || s == nil {
		t.Fatalf("construction should not dial: %v", err)
	}
}

func TestMinIOConfigValidateListsMissing(t *testing.T) {
	err := MinIOConfig{Endpoint: "h:9000"}.validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, field := range []string{"accessKey", "secretKey"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error %q should name %s", err, field)
		}
	}
}
