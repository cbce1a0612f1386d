package controller

import (
	"context"
	"strings"
	"time"

	"execbox/internal/executor/registry"
	"execbox/internal/executor/result"
	"execbox/internal/executor/service"
	"execbox/internal/executor/spec"
	pkgrepo "execbox/pkg/repository"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ExecutionService is the part of the service the HTTP layer uses.
type ExecutionService interface {
	Execute(ctx context.Context, req service.ExecutionRequest) result.Report
	Submit(ctx context.Context, req service.ExecutionRequest) (string, error)
	GetResult(ctx context.Context, id string) (result.Report, error)
	ListHistory(ctx context.Context, q service.HistoryQuery) (pkgrepo.Page[result.Report], error)
	Languages() []registry.Profile
}

// ExecutionController handles execution HTTP endpoints.
type ExecutionController struct {
	svc         ExecutionService
	runDeadline time.Duration
}

// Option configures an ExecutionController.
type Option func(*ExecutionController)

// WithRunDeadline caps a synchronous run, slot wait and test cases included,
// so the report is written before the server's write deadline. Zero disables
// the cap.
func WithRunDeadline(d time.Duration) Option {
	return func(h *ExecutionController) {
		h.runDeadline = d
	}
}

// NewExecutionController creates a new ExecutionController.
func NewExecutionController(svc ExecutionService, opts ...Option) *ExecutionController {
	h := &ExecutionController{svc: svc}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunDeadline derives the synchronous run cap from the HTTP write timeout,
// leaving a tenth of it (at most five seconds) to persist and write the report.
func RunDeadline(writeTimeout time.Duration) time.Duration {
	if writeTimeout <= 0 {
		return 0
	}
	return writeTimeout - min(writeTimeout/10, 5*time.Second)
}

// SubmitResponse is returned for accepted async executions.
type SubmitResponse struct {
	ID string `json:"id"`
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Version       string      `json:"version,omitempty"`
	SourceFile    string      `json:"sourceFile"`
	DefaultLimits spec.Limits `json:"defaultLimits"`
	HardLimits    spec.Limits `json:"hardLimits"`
}

// Run executes the request synchronously. Outcomes, including unknown
// languages and fetch failures, are carried by the report status.
func (h *ExecutionController) Run(c *gin.Context) {
	req, ok := bindRequest(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if h.runDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runDeadline)
		defer cancel()
	}
	response.Success(c, h.svc.Execute(ctx, req))
}

// Submit queues the request for asynchronous execution.
func (h *ExecutionController) Submit(c *gin.Context) {
	req, ok := bindRequest(c)
	if !ok {
		return
	}
	id, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, SubmitResponse{ID: id})
}

// Get returns the stored report for one execution.
func (h *ExecutionController) Get(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		response.BadRequest(c, "Invalid execution id")
		return
	}
	report, err := h.svc.GetResult(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

// List pages through the execution history.
func (h *ExecutionController) List(c *gin.Context) {
	var q service.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}
	page, err := h.svc.ListHistory(c.Request.Context(), q)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, page)
}

// Languages lists the registered language profiles.
func (h *ExecutionController) Languages(c *gin.Context) {
	profiles := h.svc.Languages()
	out := make([]LanguageInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, LanguageInfo{
			ID:            p.ID,
			Name:          p.Name,
			Version:       p.Version,
			SourceFile:    p.SourceFile,
			DefaultLimits: p.DefaultLimits,
			HardLimits:    p.HardLimits,
		})
	}
	response.Success(c, out)
}

func bindRequest(c *gin.Context) (service.ExecutionRequest, bool) {
	var req service.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return req, false
	}
	req.ID = ""
	if err := req.Validate(); err != nil {
		response.Error(c, err)
		return req, false
	}
	return req, true
}
