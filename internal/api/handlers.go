// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api contains the HTTP surface of the ad quality rater: the service
// descriptor, the health check, the JSON analysis endpoint and the streaming
// (Server-Sent Events) analysis endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/workflow"
)

// Crew is one analysis run. *workflow.AdQualityCrew implements it.
type Crew interface {
	Kickoff(ctx context.Context) workflow.CrewResult
	Report(ctx context.Context) (*model.AdQualityReport, error)
}

// CrewFactory builds the crew for one request. The logger receives the log
// output of the run.
type CrewFactory func(request model.AnalysisRequest, logger *slog.Logger) (Crew, error)

// WorkflowFactory returns a CrewFactory backed by the service clients.
func WorkflowFactory(config *cloud.Config, clients *cloud.ServiceClients) CrewFactory {
	return func(request model.AnalysisRequest, logger *slog.Logger) (Crew, error) {
		if clients == nil {
			return nil, cloud.ErrMissingAPIKey
		}
		return workflow.NewAdQualityCrew(workflow.ClientDependencies(config, clients, logger), request)
	}
}

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// AnalysisResponse is the body of POST /api/v1/analyze.
type AnalysisResponse struct {
	AnalysisID string                 `json:"analysis_id"`
	Status     string                 `json:"status"`
	Report     *model.AdQualityReport `json:"report,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Handler serves the API.
type Handler struct {
	config  *cloud.Config
	factory CrewFactory
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates the API handler.
//
// Inputs:
//   - config: service descriptor, credential state and Gateway settings.
//   - factory: builds one crew per analysis request. It is called after the
//     request is validated, never for rejected input.
//   - logger: server log. Streaming runs also relay it to the client.
//
// Outputs:
//   - *Handler: call Register to mount its routes.
func NewHandler(config *cloud.Config, factory CrewFactory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{config: config, factory: factory, logger: logger, now: time.Now}
}

// Register adds the routes to r.
//
// Routes:
//   - GET /: service name, version and docs path.
//   - GET /health: healthy, or degraded without a model credential.
//   - POST /api/v1/analyze: JSON request, JSON report.
//   - POST /api/v1/analyze/stream: multipart form, Server-Sent Events.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/analyze", h.Analyze)
		apiV1.POST("/analyze/stream", h.AnalyzeStream)
	}
}

// Root describes the service.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    h.config.Application.Name,
		"version": h.config.Application.Version,
		"docs":    h.config.Application.DocsPath,
	})
}

// Health reports whether analyses can run. A missing model credential
// degrades the service, a failing check makes it unhealthy.
func (h *Handler) Health(c *gin.Context) {
	// A panicking check still answers, as unhealthy.
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(c.Request.Context(), "health check failed", "error", r)
			c.JSON(http.StatusOK, HealthResponse{Status: StatusUnhealthy, Timestamp: h.now().UTC(), Error: fmt.Sprint(r)})
		}
	}()

	vision := StatusUnhealthy
	if h.config.HasAPIKey() {
		vision = StatusHealthy
	}
	status := StatusHealthy
	if vision != StatusHealthy {
		status = StatusDegraded
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: h.now().UTC(),
		Services:  map[string]string{"vision_model": vision},
	})
}

// Analyze runs a complete analysis and returns the structured report.
//
// Inputs:
//   - c: a POST with a JSON model.AnalysisRequest body. Uploads are only
//     accepted by the streaming endpoint, so any AdFile is ignored.
//
// Outputs:
//   - 422 with {"detail": ...} for malformed JSON or invalid URLs.
//   - 500 when the crew cannot be built, for example without an API key.
//   - 200 with an AnalysisResponse otherwise. A run that failed midway still
//     answers 200, with status "failed" and the fallback report.
func (h *Handler) Analyze(c *gin.Context) {
	var request model.AnalysisRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	request.AdFile, request.TempAdFile = "", false
	if err := request.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	h.logger.InfoContext(ctx, "analysis started", "ad_url", request.AdSource(), "landing_page_url", request.LandingPageURL)

	crew, err := h.factory(request, h.logger)
	if err != nil {
		h.fail(c, err)
		return
	}
	report, err := crew.Report(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	response := AnalysisResponse{AnalysisID: report.ReportID, Status: string(workflow.StateCompleted), Report: report}
	if !report.Success {
		response.Status = string(workflow.StateFailed)
		response.Error = strings.Join(report.Errors, "; ")
	}
	h.logger.InfoContext(ctx, "analysis completed",
		"analysis_id", report.ReportID,
		"status", response.Status,
		"overall_score", float64(report.OverallScore),
		"processing_time", report.ProcessingTimeSeconds)
	c.JSON(http.StatusOK, response)
}

// fail answers 500 with the error in the detail field.
func (h *Handler) fail(c *gin.Context, err error) {
	h.logger.ErrorContext(c.Request.Context(), "analysis failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"detail": fmt.Sprintf("Analysis failed: %v", err)})
}

// badRequest is a validation failure of the streaming endpoint.
type badRequest struct {
	message string
}

func (b *badRequest) Error() string {
	return b.message
}

func badRequestf(format string, args ...any) error {
	return &badRequest{message: fmt.Sprintf(format, args...)}
}

func isBadRequest(err error) bool {
	var b *badRequest
	return errors.As(err, &b)
}
