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

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/api"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/workflow"
	test "github.com/jaycherian/gcp-go-ad-quality-rater/internal/testutil"
)

type cliCrew struct {
	logger *slog.Logger
	result workflow.CrewResult
}

func (c *cliCrew) Kickoff(ctx context.Context) workflow.CrewResult {
	c.logger.InfoContext(ctx, "task started", "task", model.TaskAnalyzeAd)
	return c.result
}

func (c *cliCrew) Report(context.Context) (*model.AdQualityReport, error) {
	return &model.AdQualityReport{ReportID: "r-1", Success: true}, nil
}

type harness struct {
	requests []model.AnalysisRequest
	config   *cloud.Config
	result   workflow.CrewResult
}

func (h *harness) env() environment {
	return environment{
		loadConfig: func() (*cloud.Config, error) {
			h.config = test.GetConfig()
			return h.config, nil
		},
		newFactory: func(context.Context, *cloud.Config) (api.CrewFactory, func(), error) {
			return func(request model.AnalysisRequest, logger *slog.Logger) (api.Crew, error) {
				h.requests = append(h.requests, request)
				return &cliCrew{logger: logger, result: h.result}, nil
			}, nil, nil
		},
	}
}

func execute(t *testing.T, h *harness, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(h.env())
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"analyze"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestAnalyzePrintsReport(t *testing.T) {
	h := &harness{result: workflow.CrewResult{Output: "# Report", Elapsed: 2 * time.Second}}

	stdout, _, err := execute(t, h,
		"--ad-url", "https://cdn.example.com/ad.png",
		"--landing-page-url", "https://example.com/offer",
		"--guidelines", `{"tone":"friendly"}`,
		"--timeout", "90s")

	require.NoError(t, err)
	assert.Equal(t, "# Report\n\n---\n\n**Processing time:** 2.0 seconds\n", stdout)
	require.Len(t, h.requests, 1)
	assert.Equal(t, "friendly", h.requests[0].BrandGuidelines["tone"])
	assert.Equal(t, 90*time.Second, h.config.Crew.Deadline)
}

func TestAnalyzeStreamsLogLines(t *testing.T) {
	h := &harness{result: workflow.CrewResult{Output: "# Report"}}

	stdout, stderr, err := execute(t, h,
		"--ad-url", "https://cdn.example.com/ad.png",
		"--landing-page-url", "https://example.com/offer",
		"--stream")

	require.NoError(t, err)
	assert.Contains(t, stderr, "task started")
	assert.Contains(t, stderr, "task=analyze_ad")
	assert.Contains(t, stdout, "# Report")
}

func TestAnalyzeFailureExitsNonZero(t *testing.T) {
	h := &harness{result: workflow.CrewResult{Err: errors.New("Visual Analyst failed"), Elapsed: time.Second}}

	stdout, _, err := execute(t, h,
		"--ad-url", "https://cdn.example.com/ad.png",
		"--landing-page-url", "https://example.com/offer")

	require.Error(t, err)
	assert.Contains(t, stdout, "# Analysis Failed")
	assert.Contains(t, stdout, "Visual Analyst failed")
}

func TestAnalyzeJSON(t *testing.T) {
	h := &harness{}

	stdout, _, err := execute(t, h,
		"--ad-url", "gs://bucket/ad.png",
		"--landing-page-url", "https://example.com/offer",
		"--json")

	require.NoError(t, err)
	assert.Contains(t, stdout, `"report_id": "r-1"`)
	assert.Contains(t, stdout, `"success": true`)
}

func TestAnalyzeValidatesInput(t *testing.T) {
	for name, args := range map[string][]string{
		"no ad":            {"--landing-page-url", "https://example.com/offer"},
		"bad ad url":       {"--ad-url", "ftp://x", "--landing-page-url", "https://example.com/offer"},
		"missing file":     {"--ad-file", "/does/not/exist.png", "--landing-page-url", "https://example.com/offer"},
		"bad landing page": {"--ad-url", "https://cdn.example.com/ad.png", "--landing-page-url", "example.com"},
		"bad guidelines":   {"--ad-url", "https://cdn.example.com/ad.png", "--landing-page-url", "https://example.com/offer", "--guidelines", "[1,"},
		"stream and json":  {"--ad-url", "https://cdn.example.com/ad.png", "--landing-page-url", "https://example.com/offer", "--stream", "--json"},
		"no landing page":  {"--ad-url", "https://cdn.example.com/ad.png"},
	} {
		t.Run(name, func(t *testing.T) {
			h := &harness{}
			_, _, err := execute(t, h, args...)
			assert.Error(t, err)
			assert.Empty(t, h.requests)
		})
	}
}
