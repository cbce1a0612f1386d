package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "execbox/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{LanguageNotSupported, "Programming language not supported"},
		{FetchFailed, "Failed to fetch source"},
		{ErrorCode(19999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{LanguageNotSupported, 400},
		{ValidationFailed, 400},
		{TokenInvalid, 401},
		{ExecutionNotFound, 404},
		{CodeTooLarge, 413},
		{TooManyRequests, 429},
		{FetchFailed, 502},
		{ExecutorQueueFull, 503},
		{WorkspaceFailed, 500},
		{ErrorCode(19999), 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrap(originalErr, FetchFailed)

	if wrappedErr.Code != FetchFailed {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, FetchFailed)
	}
	if wrappedErr.Unwrap() != originalErr {
		t.Error("Unwrap() should return original error")
	}
	if Wrap(nil, FetchFailed) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(WorkspaceFailed), want: WorkspaceFailed},
		{name: "wrapped by fmt", err: fmt.Errorf("outer: %w", New(WorkspaceFailed)), want: WorkspaceFailed},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIs(t *testing.T) {
	err := New(LanguageNotSupported)

	if !Is(err, LanguageNotSupported) {
		t.Error("Is() should return true for matching code")
	}
	if Is(err, FetchFailed) {
		t.Error("Is() should return false for non-matching code")
	}
	if Is(nil, LanguageNotSupported) {
		t.Error("Is() should return false for nil error")
	}
}

func TestDetail(t *testing.T) {
	err := fmt.Errorf("fetch: %w", New(FetchFailed).WithDetail("kind", "too_large"))

	v, ok := Detail(err, "kind")
	if !ok || v != "too_large" {
		t.Fatalf("Detail() = %v, %v", v, ok)
	}
	if _, ok := Detail(err, "missing"); ok {
		t.Fatalf("expected missing detail")
	}
	if _, ok := Detail(errors.New("plain"), "kind"); ok {
		t.Fatalf("expected no detail on plain error")
	}
}

func TestWrapCopiesCustomError(t *testing.T) {
	orig := New(FetchFailed).WithDetail("kind", "network")
	wrapped := Wrap(orig, ExecutorSystemError)
	if wrapped.Code != ExecutorSystemError || orig.Code != FetchFailed {
		t.Fatalf("wrap should not mutate the original: %v %v", orig.Code, wrapped.Code)
	}
	if wrapped.Details["kind"] != "network" {
		t.Fatalf("details should be carried over: %v", wrapped.Details)
	}
}

func TestGetError(t *testing.T) {
	if GetError(nil) != nil {
		t.Fatalf("GetError(nil) should be nil")
	}
	if got := GetError(errors.New("disk full")); got.Code != InternalServerError || got.Error() != "disk full" {
		t.Fatalf("GetError = %+v", got)
	}
	custom := New(ExecutionNotFound)
	if got := GetError(fmt.Errorf("load: %w", custom)); got != custom {
		t.Fatalf("GetError should return the wrapped *Error")
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("language", "is required")
	if err.Code != ValidationFailed || err.Details["field"] != "language" || err.Details["reason"] != "is required" {
		t.Errorf("ValidationError = %+v", err)
	}
	if err.Stack == "" {
		t.Errorf("stack should be captured")
	}
}
