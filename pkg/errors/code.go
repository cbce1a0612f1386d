package errors

import "net/http"

// ErrorCode is the stable numeric code returned in the response envelope.
//
//	10000-10999 system and common
//	11000-11999 authentication
//	13000-13999 execution
type ErrorCode int

const (
	Success ErrorCode = 10000

	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007

	DatabaseError      ErrorCode = 10100
	CacheError         ErrorCode = 10200
	ValidationFailed   ErrorCode = 10300
	QueuePublishFailed ErrorCode = 10400

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// request and source
	ExecutionNotFound    ErrorCode = 13000
	CodeTooLarge         ErrorCode = 13002
	LanguageNotSupported ErrorCode = 13003
	FetchFailed          ErrorCode = 13010
	WorkspaceFailed      ErrorCode = 13011

	// runner
	ExecutorQueueFull   ErrorCode = 13100
	ExecutorSystemError ErrorCode = 13101
	TimeLimitExceeded   ErrorCode = 13104
	MemoryLimitExceeded ErrorCode = 13105
)

type codeInfo struct {
	message string
	status  int
}

var codes = map[ErrorCode]codeInfo{
	Success:             {"Success", http.StatusOK},
	InternalServerError: {"Internal server error", http.StatusInternalServerError},
	InvalidParams:       {"Invalid parameters", http.StatusBadRequest},
	TooManyRequests:     {"Too many requests, please try again later", http.StatusTooManyRequests},
	ServiceUnavailable:  {"Service temporarily unavailable", http.StatusServiceUnavailable},

	DatabaseError:      {"Database operation failed", http.StatusInternalServerError},
	CacheError:         {"Cache operation failed", http.StatusInternalServerError},
	ValidationFailed:   {"Validation failed", http.StatusBadRequest},
	QueuePublishFailed: {"Failed to publish message", http.StatusInternalServerError},

	TokenExpired: {"Token has expired", http.StatusUnauthorized},
	TokenInvalid: {"Invalid token", http.StatusUnauthorized},

	ExecutionNotFound:    {"Execution not found", http.StatusNotFound},
	CodeTooLarge:         {"Code is too large", http.StatusRequestEntityTooLarge},
	LanguageNotSupported: {"Programming language not supported", http.StatusBadRequest},
	FetchFailed:          {"Failed to fetch source", http.StatusBadGateway},
	WorkspaceFailed:      {"Failed to prepare workspace", http.StatusInternalServerError},

	ExecutorQueueFull:   {"Executor is busy, please try again later", http.StatusServiceUnavailable},
	ExecutorSystemError: {"Executor system error", http.StatusInternalServerError},
	TimeLimitExceeded:   {"Time limit exceeded", http.StatusInternalServerError},
	MemoryLimitExceeded: {"Memory limit exceeded", http.StatusInternalServerError},
}

func (c ErrorCode) Message() string {
	if info, ok := codes[c]; ok {
		return info.message
	}
	return "Unknown error"
}

// HTTPStatus is 500 for unknown codes.
func (c ErrorCode) HTTPStatus() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}
