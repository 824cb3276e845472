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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/api"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/tools"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/workflow"
	test "github.com/jaycherian/gcp-go-ad-quality-rater/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCrew struct {
	logger *slog.Logger
	result workflow.CrewResult
	panics bool
	wait   time.Duration
}

func (f *fakeCrew) Kickoff(ctx context.Context) workflow.CrewResult {
	if f.panics {
		panic("boom")
	}
	if f.wait > 0 {
		time.Sleep(f.wait)
	}
	f.logger.InfoContext(ctx, "task started", "task", model.TaskAnalyzeAd)
	f.logger.InfoContext(ctx, "task completed", "task", model.TaskAnalyzeAd)
	return f.result
}

func (f *fakeCrew) Report(context.Context) (*model.AdQualityReport, error) {
	return nil, errors.New("not used")
}

type server struct {
	router *gin.Engine
	config *cloud.Config
	calls  atomic.Int32
}

func newServer(t *testing.T, factory api.CrewFactory) *server {
	t.Helper()
	s := &server{config: test.GetConfig()}
	s.config.Gateway.PollInterval = 5 * time.Millisecond
	wrapped := func(request model.AnalysisRequest, logger *slog.Logger) (api.Crew, error) {
		s.calls.Add(1)
		return factory(request, logger)
	}
	s.router = gin.New()
	api.NewHandler(s.config, wrapped, test.Logger(t.Name())).Register(s.router)
	return s
}

func (s *server) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func parseEvents(t *testing.T, body string) []api.Event {
	t.Helper()
	var events []api.Event
	for _, chunk := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), chunk)
		var event api.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func assertSingleTerminal(t *testing.T, events []api.Event) api.Event {
	t.Helper()
	require.NotEmpty(t, events)
	terminal := 0
	for _, e := range events {
		if e.Type == api.EventResult || e.Type == api.EventError {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	last := events[len(events)-1]
	assert.Contains(t, []string{api.EventResult, api.EventError}, last.Type)
	return last
}

type formFile struct {
	name        string
	contentType string
	content     []byte
}

func multipartRequest(t *testing.T, fields map[string]string, file *formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	if file != nil {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="ad_file"; filename="%s"`, file.name))
		header.Set("Content-Type", file.contentType)
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze/stream", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func okFactory(request model.AnalysisRequest, logger *slog.Logger) (api.Crew, error) {
	return &fakeCrew{logger: logger, result: workflow.CrewResult{Output: "# Report", Elapsed: 1500 * time.Millisecond}}, nil
}

func TestRootAndHealth(t *testing.T) {
	s := newServer(t, okFactory)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"ad-quality-rater","version":"1.0.0","docs":"/docs"}`, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	var health api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, api.StatusHealthy, health.Status)
	assert.Equal(t, api.StatusHealthy, health.Services["vision_model"])

	s.config.Credentials.GeminiAPIKey = ""
	rec = s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, api.StatusDegraded, health.Status)
	assert.Equal(t, api.StatusUnhealthy, health.Services["vision_model"])
}

func TestAnalyzeValidation(t *testing.T) {
	s := newServer(t, okFactory)
	for name, body := range map[string]string{
		"bad ad url":     `{"ad_url":"ftp://x/a.png","landing_page_url":"https://x/lp"}`,
		"missing page":   `{"ad_url":"https://x/a.png"}`,
		"relative page":  `{"ad_url":"https://x/a.png","landing_page_url":"/lp"}`,
		"malformed body": `{"ad_url":`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec := s.do(req)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}
	assert.Zero(t, s.calls.Load())
}

func TestAnalyzeConstructionFailureIs500(t *testing.T) {
	s := newServer(t, func(model.AnalysisRequest, *slog.Logger) (api.Crew, error) {
		return nil, cloud.ErrMissingAPIKey
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(`{"ad_url":"https://x/a.png","landing_page_url":"https://x/lp"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := s.do(req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "GEMINI_API_KEY is not set")
}

// stubWorkflowFactory builds real crews against stubbed models and extractor.
func stubWorkflowFactory(config *cloud.Config, structured string) api.CrewFactory {
	return func(request model.AnalysisRequest, logger *slog.Logger) (api.Crew, error) {
		deps := workflow.Dependencies{
			Config: config,
			Resolve: func(key, _ string) (cloud.ContentGenerator, error) {
				switch key {
				case cloud.ModelStructurer:
					return &test.StubGenerator{Script: []test.Reply{{Text: structured}}}, nil
				case cloud.ModelVision:
					return &test.StubGenerator{Script: []test.Reply{{Text: "Colors #0A66C2"}}}, nil
				default:
					return &test.StubGenerator{Script: []test.Reply{{Text: "fixed analysis"}}}, nil
				}
			},
			Extractor: &tools.FallbackExtractor{Secondary: extractorFunc(func(pageURL string) tools.ExtractionResult {
				return tools.ExtractionResult{Success: true, URL: pageURL, Text: "Landing page", TextLength: 12, Method: tools.MethodStatic}
			}), Bypass: true},
			Logger: logger,
		}
		return workflow.NewAdQualityCrew(deps, request)
	}
}

func analyzeRequest(t *testing.T) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]string{"ad_url": test.PNGDataURL(), "landing_page_url": "https://x/lp"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type extractorFunc func(pageURL string) tools.ExtractionResult

func (f extractorFunc) Extract(_ context.Context, pageURL string) tools.ExtractionResult {
	return f(pageURL)
}

func TestAnalyzeEndToEnd(t *testing.T) {
	config := test.GetConfig()
	s := newServer(t, stubWorkflowFactory(config, model.GetExampleReportJSON()))
	rec := s.do(analyzeRequest(t))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var response api.AnalysisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "completed", response.Status)
	require.NotNil(t, response.Report)
	assert.Equal(t, response.AnalysisID, response.Report.ReportID)
	assert.InDelta(t, 0.25*85+0.35*78+0.40*92, float64(response.Report.OverallScore), 0.1)
	assert.Equal(t, model.LevelHigh, response.Report.ConfidenceLevel)
}

func TestAnalyzeFailedRunIsReported(t *testing.T) {
	s := newServer(t, stubWorkflowFactory(test.GetConfig(), "not json"))
	rec := s.do(analyzeRequest(t))

	require.Equal(t, http.StatusOK, rec.Code)
	var response api.AnalysisResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, "failed", response.Status)
	assert.NotEmpty(t, response.Error)
	assert.False(t, response.Report.Success)
}

func TestStreamValidation(t *testing.T) {
	s := newServer(t, okFactory)
	png := test.PNGBytes()
	cases := map[string]struct {
		fields map[string]string
		file   *formFile
		detail string
	}{
		"no ad": {
			fields: map[string]string{"landing_page_url": "https://x/lp"},
			detail: "Either ad_url or ad_file must be provided",
		},
		"bad landing page": {
			fields: map[string]string{"ad_url": "https://x/a.png", "landing_page_url": "x/lp"},
			detail: "landing_page_url must be a valid HTTP/HTTPS URL",
		},
		"bad guidelines": {
			fields: map[string]string{"ad_url": "https://x/a.png", "landing_page_url": "https://x/lp", "brand_guidelines": "{tone:"},
			detail: "brand_guidelines must be valid JSON",
		},
		"not an image": {
			fields: map[string]string{"landing_page_url": "https://x/lp"},
			file:   &formFile{name: "ad.txt", contentType: "text/plain", content: []byte("hello")},
			detail: "File must be an image, got text/plain",
		},
		"lying content type": {
			fields: map[string]string{"landing_page_url": "https://x/lp"},
			file:   &formFile{name: "ad.png", contentType: "image/png", content: []byte("not really a png")},
			detail: "File must be an image, got image/png",
		},
		"too large": {
			fields: map[string]string{"landing_page_url": "https://x/lp"},
			file:   &formFile{name: "ad.png", contentType: "image/png", content: append(append([]byte{}, png...), make([]byte, 11*1024*1024)...)},
			detail: "File too large. Maximum size is 10MB",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(multipartRequest(t, tc.fields, tc.file))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.detail)
			assert.NotContains(t, rec.Header().Get("Content-Type"), "text/event-stream")
		})
	}
	assert.Zero(t, s.calls.Load())
}

func TestStreamEmitsLogsThenResult(t *testing.T) {
	s := newServer(t, okFactory)

	rec := s.do(multipartRequest(t, map[string]string{"ad_url": "https://x/a.png", "landing_page_url": "https://x/lp"}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	events := parseEvents(t, rec.Body.String())
	last := assertSingleTerminal(t, events)
	assert.Equal(t, api.EventResult, last.Type)
	assert.Equal(t, "# Report\n\n---\n\n**Processing time:** 1.5 seconds", last.Data)

	var logs []string
	for _, e := range events {
		if e.Type == api.EventLog {
			logs = append(logs, e.Data)
		}
	}
	require.Len(t, logs, 3)
	assert.Contains(t, logs[0], "analysis started")
	assert.Contains(t, logs[1], "task started")
	assert.Contains(t, logs[2], "task completed")
}

func TestStreamReportsFailures(t *testing.T) {
	t.Run("construction", func(t *testing.T) {
		s := newServer(t, func(model.AnalysisRequest, *slog.Logger) (api.Crew, error) {
			return nil, cloud.ErrMissingAPIKey
		})
		rec := s.do(multipartRequest(t, map[string]string{"ad_url": "https://x/a.png", "landing_page_url": "https://x/lp"}, nil))
		last := assertSingleTerminal(t, parseEvents(t, rec.Body.String()))
		assert.Equal(t, api.EventError, last.Type)
		assert.Contains(t, last.Data, "GEMINI_API_KEY is not set")
	})

	t.Run("run", func(t *testing.T) {
		s := newServer(t, func(request model.AnalysisRequest, logger *slog.Logger) (api.Crew, error) {
			return &fakeCrew{logger: logger, result: workflow.CrewResult{Err: errors.New("timeout: deadline exceeded")}}, nil
		})
		rec := s.do(multipartRequest(t, map[string]string{"ad_url": "https://x/a.png", "landing_page_url": "https://x/lp"}, nil))
		last := assertSingleTerminal(t, parseEvents(t, rec.Body.String()))
		assert.Equal(t, api.EventError, last.Type)
		assert.Contains(t, last.Data, "timeout")
	})

	t.Run("panic", func(t *testing.T) {
		s := newServer(t, func(request model.AnalysisRequest, logger *slog.Logger) (api.Crew, error) {
			return &fakeCrew{logger: logger, panics: true}, nil
		})
		rec := s.do(multipartRequest(t, map[string]string{"ad_url": "https://x/a.png", "landing_page_url": "https://x/lp"}, nil))
		last := assertSingleTerminal(t, parseEvents(t, rec.Body.String()))
		assert.Equal(t, api.EventError, last.Type)
		assert.Contains(t, last.Data, "boom")
	})
}

func TestStreamUploadLifecycle(t *testing.T) {
	var uploaded string
	var existed, temporary bool
	config := test.GetConfig()
	build := stubWorkflowFactory(config, model.GetExampleReportJSON())
	s := newServer(t, func(request model.AnalysisRequest, logger *slog.Logger) (api.Crew, error) {
		uploaded = request.AdFile
		temporary = request.TempAdFile
		_, err := os.Stat(request.AdFile)
		existed = err == nil
		return build(request, logger)
	})

	rec := s.do(multipartRequest(t,
		map[string]string{"landing_page_url": "https://x/lp", "brand_guidelines": `{"tone":"friendly"}`},
		&formFile{name: "ad.png", contentType: "image/png", content: test.PNGBytes()}))

	last := assertSingleTerminal(t, parseEvents(t, rec.Body.String()))
	assert.Equal(t, api.EventResult, last.Type, last.Data)
	require.NotEmpty(t, uploaded)
	assert.True(t, existed)
	assert.True(t, temporary)
	assert.True(t, strings.HasSuffix(uploaded, ".png"))
	_, err := os.Stat(uploaded)
	assert.True(t, os.IsNotExist(err))
}

func TestStreamRemovesUploadWhenNoCrewIsBuilt(t *testing.T) {
	var uploaded string
	s := newServer(t, func(request model.AnalysisRequest, _ *slog.Logger) (api.Crew, error) {
		uploaded = request.AdFile
		return nil, cloud.ErrMissingAPIKey
	})

	rec := s.do(multipartRequest(t,
		map[string]string{"landing_page_url": "https://x/lp"},
		&formFile{name: "ad.png", contentType: "image/png", content: test.PNGBytes()}))

	last := assertSingleTerminal(t, parseEvents(t, rec.Body.String()))
	assert.Equal(t, api.EventError, last.Type)
	require.NotEmpty(t, uploaded)
	_, err := os.Stat(uploaded)
	assert.True(t, os.IsNotExist(err))
}

func TestStreamSendsHeartbeatsWhileCrewRuns(t *testing.T) {
	s := newServer(t, func(request model.AnalysisRequest, logger *slog.Logger) (api.Crew, error) {
		return &fakeCrew{logger: logger, wait: 60 * time.Millisecond, result: workflow.CrewResult{Output: "# Report"}}, nil
	})

	rec := s.do(multipartRequest(t, map[string]string{"ad_url": "https://x/a.png", "landing_page_url": "https://x/lp"}, nil))

	events := parseEvents(t, rec.Body.String())
	last := assertSingleTerminal(t, events)
	assert.Equal(t, api.EventResult, last.Type)
	heartbeats := 0
	for _, e := range events[:len(events)-1] {
		if e.Type == api.EventHeartbeat {
			heartbeats++
		}
	}
	assert.GreaterOrEqual(t, heartbeats, 1)
}
