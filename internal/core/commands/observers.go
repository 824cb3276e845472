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

package commands

import (
	"context"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/tools"
)

// Context keys shared by the commands of an analysis run.
const (
	KeyRequest = "request"      // *model.AnalysisRequest
	KeyDraft   = "report_draft" // *model.ReportDraft
)

// Observer runs an agent's tool for a request and returns the observation the
// agent reasons over. Tool failures are part of the observation.
type Observer interface {
	Observe(ctx context.Context, request *model.AnalysisRequest) string
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, request *model.AnalysisRequest) string

func (f ObserverFunc) Observe(ctx context.Context, request *model.AnalysisRequest) string {
	return f(ctx, request)
}

// VisionObserver analyzes the ad creative of the request: the uploaded file
// when there is one, otherwise the ad URL.
type VisionObserver struct {
	Analyzer *tools.VisionAnalyzer
	Prompt   string
}

func (v VisionObserver) Observe(ctx context.Context, request *model.AnalysisRequest) string {
	if request.AdFile != "" {
		return v.Analyzer.AnalyzeUpload(ctx, request.AdFile, v.Prompt).Observation()
	}
	return v.Analyzer.Analyze(ctx, request.AdURL, v.Prompt).Observation()
}

// LandingPageObserver extracts the text of the request's landing page.
type LandingPageObserver struct {
	Extractor tools.Extractor
}

func (l LandingPageObserver) Observe(ctx context.Context, request *model.AnalysisRequest) string {
	result := l.Extractor.Extract(ctx, request.LandingPageURL)
	if result.Success {
		return result.Text
	}
	return result.Observation()
}
