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

// Package api contains the HTTP surface of the ad quality rater. This file
// holds the streaming endpoint, which runs an analysis in a background worker
// and relays its log lines as Server-Sent Events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/h2non/filetype"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/workflow"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/telemetry"
)

// Event types of the analysis stream.
const (
	EventLog       = "log"
	EventHeartbeat = "heartbeat"
	EventResult    = "result"
	EventError     = "error"
)

// Event is one Server-Sent Event payload.
type Event struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

// outcome is what the worker hands back once the run is over.
type outcome struct {
	text string
	err  error
}

// parseStreamForm validates the multipart form and builds the request. An
// uploaded file is written to a temp file marked as owned by the run.
func (h *Handler) parseStreamForm(c *gin.Context) (model.AnalysisRequest, error) {
	request := model.AnalysisRequest{
		AdURL:          strings.TrimSpace(c.PostForm("ad_url")),
		LandingPageURL: strings.TrimSpace(c.PostForm("landing_page_url")),
		TargetAudience: c.PostForm("target_audience"),
		CampaignGoal:   c.PostForm("campaign_goal"),
	}

	file, fileErr := c.FormFile("ad_file")
	if fileErr != nil {
		file = nil
	}
	if request.AdURL == "" && file == nil {
		return request, badRequestf("Either ad_url or ad_file must be provided")
	}
	if err := model.ValidateLandingPageURL(request.LandingPageURL); err != nil {
		return request, badRequestf("%s", err.Error())
	}
	if file == nil {
		if err := model.ValidateAdURL(request.AdURL); err != nil {
			return request, badRequestf("%s", err.Error())
		}
	}
	if raw := strings.TrimSpace(c.PostForm("brand_guidelines")); raw != "" {
		var guidelines map[string]any
		if err := json.Unmarshal([]byte(raw), &guidelines); err != nil {
			return request, badRequestf("brand_guidelines must be valid JSON")
		}
		request.BrandGuidelines = guidelines
	}
	if file != nil {
		path, err := h.saveUpload(file)
		if err != nil {
			return request, err
		}
		request.AdFile = path
		request.TempAdFile = true
	}
	return request, nil
}

// saveUpload checks size and type of the upload and writes it to a temp file.
//
// Inputs:
//   - file: the ad_file part. Its declared size, declared content type and
//     sniffed content must all pass.
//
// Outputs:
//   - string: the temp file path, named with Gateway.TempFilePrefix and the
//     upload's extension (.jpg when it has none).
//   - error: a badRequest for rejected uploads, any other error for I/O failures.
func (h *Handler) saveUpload(file *multipart.FileHeader) (string, error) {
	const mb = 1024 * 1024
	limit := h.config.Gateway.MaxUploadBytes
	if limit > 0 && file.Size > limit {
		return "", badRequestf("File too large. Maximum size is %dMB, got %.1fMB", limit/mb, float64(file.Size)/mb)
	}
	contentType := file.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return "", badRequestf("File must be an image, got %s", contentType)
	}

	// The declared size can lie, so the limit is checked again after reading.
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()
	content, err := io.ReadAll(src)
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if limit > 0 && int64(len(content)) > limit {
		return "", badRequestf("File too large. Maximum size is %dMB, got %.1fMB", limit/mb, float64(len(content))/mb)
	}
	// The declared type can lie too; the magic bytes must say image.
	if !filetype.IsImage(content) {
		return "", badRequestf("File must be an image, got %s", contentType)
	}

	ext := filepath.Ext(file.Filename)
	if ext == "" {
		ext = ".jpg"
	}
	tmp, err := os.CreateTemp("", h.config.Gateway.TempFilePrefix+"*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return tmp.Name(), nil
}

// AnalyzeStream runs an analysis in a background worker and streams its log
// lines as events, followed by exactly one result or error event.
//
// Inputs:
//   - c: a multipart POST with ad_url or ad_file, landing_page_url and the
//     optional target_audience, campaign_goal and brand_guidelines (JSON).
//
// Outputs:
//   - 400 with {"detail": ...} when the form is invalid. No worker is started.
//   - 200 text/event-stream otherwise. Each event is a "data: <json>" line
//     holding an Event. Log events carry the run's log lines in order,
//     heartbeat events are sent after every PollInterval without output, and
//     the stream ends with one result event (the formatted report) or one
//     error event.
//
// The worker is detached from the request context. A client that goes away
// stops the stream but not the run, which stays bounded by the crew deadline.
func (h *Handler) AnalyzeStream(c *gin.Context) {
	request, err := h.parseStreamForm(c)
	if err != nil {
		if isBadRequest(err) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		h.fail(c, err)
		return
	}

	buffer := h.config.Gateway.EventBuffer
	if buffer < 1 {
		buffer = 1
	}
	// Log lines are handed over through a bounded channel. Once the handler
	// returns, abandoned unblocks the relay so the worker never stalls on it.
	logs := make(chan Event, buffer)
	done := make(chan outcome, 1)
	abandoned := make(chan struct{})
	defer close(abandoned)

	sink := func(line string) {
		select {
		case logs <- Event{Type: EventLog, Data: line}:
		case <-abandoned:
		}
	}
	logger := slog.New(telemetry.NewRelayHandler(h.logger.Handler(), sink, slog.LevelInfo))

	// The run is not tied to the client connection; the crew deadline bounds it.
	workerCtx := context.WithoutCancel(c.Request.Context())
	go h.runWorker(workerCtx, request, logger, done)

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	poll := h.config.Gateway.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		select {
		case event := <-logs:
			if !writeEvent(c, event) {
				return
			}
		case result := <-done:
			// Flush the lines logged before the outcome, then end the stream.
			for drained := false; !drained; {
				select {
				case event := <-logs:
					if !writeEvent(c, event) {
						return
					}
				default:
					drained = true
				}
			}
			writeEvent(c, terminalEvent(result))
			return
		case <-timer.C:
			if !writeEvent(c, Event{Type: EventHeartbeat}) {
				return
			}
		case <-c.Request.Context().Done():
			h.logger.InfoContext(workerCtx, "client disconnected, analysis continues in background")
			return
		}
		// Any write restarts the heartbeat interval.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)
	}
}

// terminalEvent turns the worker outcome into the closing event.
func terminalEvent(result outcome) Event {
	if result.err != nil {
		return Event{Type: EventError, Data: result.err.Error()}
	}
	return Event{Type: EventResult, Data: result.text}
}

// runWorker builds and runs the crew. It always sends exactly one outcome.
// An upload is removed by the crew run; runWorker removes it only when no crew
// was built to own it.
func (h *Handler) runWorker(ctx context.Context, request model.AnalysisRequest, logger *slog.Logger, done chan<- outcome) {
	var result outcome
	owned := false
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "analysis worker panicked", "error", r)
			result = outcome{err: fmt.Errorf("internal error: %v", r)}
		}
		if request.AdFile != "" && !owned {
			if err := os.Remove(request.AdFile); err != nil && !os.IsNotExist(err) {
				h.logger.DebugContext(ctx, "failed to remove upload", "file", request.AdFile, "error", err)
			}
		}
		done <- result
	}()

	logger.InfoContext(ctx, "analysis started", "ad", request.AdSource(), "landing_page_url", request.LandingPageURL)
	crew, err := h.factory(request, logger)
	if err != nil {
		logger.ErrorContext(ctx, "analysis could not start", "error", err)
		result = outcome{err: fmt.Errorf("analysis failed: %w", err)}
		return
	}
	owned = true
	run := crew.Kickoff(ctx)
	if run.Err != nil {
		result = outcome{err: fmt.Errorf("analysis failed after %.1f seconds: %w", run.Elapsed.Seconds(), run.Err)}
		return
	}
	result = outcome{text: workflow.FormatResult(run)}
}

// writeEvent writes one event and reports whether the client is still there.
func writeEvent(c *gin.Context, event Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", payload); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
