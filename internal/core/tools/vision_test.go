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

package tools_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/tools"
	test "github.com/jaycherian/gcp-go-ad-quality-rater/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
	"pgregory.net/rapid"
)

func visionConfig() cloud.VisionConfig {
	cfg := test.GetConfig().Vision
	cfg.BaseBackoff = time.Millisecond
	return cfg
}

func TestVisionRejectsOversizedImageWithoutModelCall(t *testing.T) {
	stub := &test.StubGenerator{}
	cfg := visionConfig()
	cfg.MaxImageBytes = 10 * 1024 * 1024
	analyzer := tools.NewVisionAnalyzer(stub, cfg, nil, test.Logger(t.Name()))

	big := make([]byte, 11*1024*1024)
	result := analyzer.AnalyzeBytes(context.Background(), big, "image/png", "")

	assert.False(t, result.Success)
	assert.Equal(t, tools.VisionSize, result.Failure)
	assert.Equal(t, "Image too large for analysis. Maximum size is 10MB, got 11.0MB", result.Error)
	assert.Equal(t, model.UploadedSource, result.ImageSource)
	assert.Zero(t, stub.CallCount())
}

func TestVisionAnalyzesDataURL(t *testing.T) {
	stub := &test.StubGenerator{Script: []test.Reply{{Text: "Dominant colors: #0A66C2"}}}
	analyzer := tools.NewVisionAnalyzer(stub, visionConfig(), nil, test.Logger(t.Name()))

	result := analyzer.Analyze(context.Background(), test.PNGDataURL(), "")

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "Dominant colors: #0A66C2", result.Analysis)
	assert.Equal(t, model.DataURLSource, result.ImageSource)
	assert.Contains(t, stub.Prompts[0], "Dominant colors")
}

func TestVisionReadsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ad.png")
	require.NoError(t, os.WriteFile(path, test.PNGBytes(), 0o600))
	stub := &test.StubGenerator{Script: []test.Reply{{Text: "clean composition"}}}
	analyzer := tools.NewVisionAnalyzer(stub, visionConfig(), nil, test.Logger(t.Name()))

	result := analyzer.Analyze(context.Background(), path, "Describe the ad")

	require.True(t, result.Success, result.Error)
	assert.Equal(t, path, result.ImageSource)
	assert.Equal(t, "Describe the ad", stub.Prompts[0])
}

func TestVisionMissingLocalFile(t *testing.T) {
	stub := &test.StubGenerator{}
	analyzer := tools.NewVisionAnalyzer(stub, visionConfig(), nil, test.Logger(t.Name()))

	result := analyzer.Analyze(context.Background(), filepath.Join(t.TempDir(), "missing.png"), "")

	assert.False(t, result.Success)
	assert.Equal(t, tools.VisionInput, result.Failure)
	assert.Zero(t, stub.CallCount())
}

func TestVisionFetchesRemoteImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ad.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(test.PNGBytes())
	}))
	defer server.Close()

	stub := &test.StubGenerator{Script: []test.Reply{{Text: "strong CTA"}}}
	analyzer := tools.NewVisionAnalyzer(stub, visionConfig(), nil, test.Logger(t.Name()))

	ok := analyzer.Analyze(context.Background(), server.URL+"/ad.png", "")
	require.True(t, ok.Success, ok.Error)
	assert.Equal(t, server.URL+"/ad.png", ok.ImageSource)

	missing := analyzer.Analyze(context.Background(), server.URL+"/gone.png", "")
	assert.False(t, missing.Success)
	assert.Equal(t, tools.VisionFetch, missing.Failure)
	assert.Equal(t, "Failed to fetch image: HTTP 404", missing.Error)
	assert.Equal(t, 1, stub.CallCount())
}

func TestVisionStopsReadingOversizedRemoteImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(make([]byte, 1024*1024+1))
	}))
	defer server.Close()

	stub := &test.StubGenerator{}
	cfg := visionConfig()
	cfg.MaxImageBytes = 1024 * 1024
	analyzer := tools.NewVisionAnalyzer(stub, cfg, nil, test.Logger(t.Name()))

	result := analyzer.Analyze(context.Background(), server.URL+"/huge.png", "")

	assert.False(t, result.Success)
	assert.Equal(t, tools.VisionSize, result.Failure)
	assert.Equal(t, "Image too large for analysis. Maximum size is 1MB", result.Error)
	assert.Zero(t, stub.CallCount())
}

func TestVisionAnalyzesUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ad-upload-7.png")
	require.NoError(t, os.WriteFile(path, test.PNGBytes(), 0o600))
	stub := &test.StubGenerator{Script: []test.Reply{{Text: "bold headline"}}}
	analyzer := tools.NewVisionAnalyzer(stub, visionConfig(), nil, test.Logger(t.Name()))

	result := analyzer.AnalyzeUpload(context.Background(), path, "")

	require.True(t, result.Success, result.Error)
	assert.Equal(t, model.UploadedSource, result.ImageSource)
	assert.Equal(t, "bold headline", result.Analysis)
}

func TestVisionUploadFailuresHideThePath(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "ad-upload-big.png")
	require.NoError(t, os.WriteFile(big, make([]byte, 2*1024*1024), 0o600))
	stub := &test.StubGenerator{}
	cfg := visionConfig()
	cfg.MaxImageBytes = 1024 * 1024
	analyzer := tools.NewVisionAnalyzer(stub, cfg, nil, test.Logger(t.Name()))

	tooBig := analyzer.AnalyzeUpload(context.Background(), big, "")
	assert.Equal(t, tools.VisionSize, tooBig.Failure)
	assert.Equal(t, "Image too large for analysis. Maximum size is 1MB, got 2.0MB", tooBig.Error)

	missing := analyzer.AnalyzeUpload(context.Background(), filepath.Join(dir, "gone.png"), "")
	assert.Equal(t, tools.VisionInput, missing.Failure)

	for _, r := range []tools.VisionResult{tooBig, missing} {
		assert.Equal(t, model.UploadedSource, r.ImageSource)
		assert.NotContains(t, r.Observation(), dir)
	}
	assert.Zero(t, stub.CallCount())
}

func TestVisionRetriesTransportErrors(t *testing.T) {
	stub := &test.StubGenerator{Script: []test.Reply{{Err: test.ErrUnavailable}, {Err: test.ErrUnavailable}, {Text: "third time"}}}
	analyzer := tools.NewVisionAnalyzer(stub, visionConfig(), nil, test.Logger(t.Name()))

	result := analyzer.AnalyzeBytes(context.Background(), test.PNGBytes(), "", "")

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "third time", result.Analysis)
	assert.Equal(t, 3, stub.CallCount())
}

func TestVisionGivesUpAfterMaxAttempts(t *testing.T) {
	stub := &test.StubGenerator{Script: []test.Reply{{Err: test.ErrUnavailable}}}
	analyzer := tools.NewVisionAnalyzer(stub, visionConfig(), nil, test.Logger(t.Name()))

	result := analyzer.AnalyzeBytes(context.Background(), test.PNGBytes(), "image/png", "")

	assert.False(t, result.Success)
	assert.Equal(t, tools.VisionModel, result.Failure)
	assert.True(t, strings.HasPrefix(result.Error, "Analysis failed after 3 attempts"), result.Error)
	assert.Equal(t, 3, stub.CallCount())
}

func TestVisionDoesNotRetryBlockedOrEmptyAnswers(t *testing.T) {
	blocked := &test.StubGenerator{Script: []test.Reply{{Response: test.BlockedResponse()}}}
	result := tools.NewVisionAnalyzer(blocked, visionConfig(), nil, test.Logger(t.Name())).
		AnalyzeBytes(context.Background(), test.PNGBytes(), "image/png", "")
	assert.False(t, result.Success)
	assert.Equal(t, tools.VisionBlocked, result.Failure)
	assert.Contains(t, result.Error, "SAFETY")
	assert.Equal(t, 1, blocked.CallCount())

	empty := &test.StubGenerator{Script: []test.Reply{{Response: &genai.GenerateContentResponse{}}}}
	result = tools.NewVisionAnalyzer(empty, visionConfig(), nil, test.Logger(t.Name())).
		AnalyzeBytes(context.Background(), test.PNGBytes(), "image/png", "")
	assert.False(t, result.Success)
	assert.Equal(t, tools.VisionEmpty, result.Failure)
	assert.Equal(t, 1, empty.CallCount())
}

func TestVisionBudgetLimitsCalls(t *testing.T) {
	stub := &test.StubGenerator{Script: []test.Reply{{Text: "analysis"}}}
	analyzer := tools.NewVisionAnalyzer(stub, visionConfig(), nil, test.Logger(t.Name())).
		WithBudget(tools.NewCallBudget(1))

	first := analyzer.AnalyzeBytes(context.Background(), test.PNGBytes(), "image/png", "")
	second := analyzer.AnalyzeBytes(context.Background(), test.PNGBytes(), "image/png", "")

	assert.True(t, first.Success)
	assert.False(t, second.Success)
	assert.Equal(t, tools.VisionBudget, second.Failure)
	assert.Equal(t, 1, stub.CallCount())
}

func TestVisionResultNeverSucceedsEmpty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.SampledFrom([]string{"", " ", "\n\t", "ok", "colors #FFFFFF"}).Draw(rt, "text")
		fail := rapid.Bool().Draw(rt, "fail")
		reply := test.Reply{Text: text}
		if fail {
			reply = test.Reply{Err: test.ErrUnavailable}
		}
		stub := &test.StubGenerator{Script: []test.Reply{reply}}
		result := tools.NewVisionAnalyzer(stub, visionConfig(), nil, nil).
			AnalyzeBytes(context.Background(), test.PNGBytes(), "image/png", "")

		if result.Success {
			if strings.TrimSpace(result.Analysis) == "" {
				rt.Fatalf("success with empty analysis")
			}
		} else if result.Error == "" {
			rt.Fatalf("failure without error message")
		}
	})
}
