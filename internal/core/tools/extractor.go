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

// Package tools implements the helpers the agents work with. This file defines
// the landing page extraction result and the fallback between the browser and
// the static extractor.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// ExtractionFailure tags why a landing page could not be extracted.
type ExtractionFailure string

const (
	ExtractDownload ExtractionFailure = "download" // The page could not be fetched.
	ExtractEmpty    ExtractionFailure = "empty"    // The page had no extractable text.
	ExtractTimeout  ExtractionFailure = "timeout"  // Navigation or download exceeded its timeout.
	ExtractScrape   ExtractionFailure = "scrape"   // Any other browser or parsing failure.
	ExtractLaunch   ExtractionFailure = "launch"   // The browser could not be started.
)

// Extraction methods.
const (
	MethodBrowser = "browser"
	MethodStatic  = "static"
)

// ExtractionResult is the outcome of one extraction. Success implies a non-empty Text.
type ExtractionResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	// Text is the normalized page text, one block per line, cut to MaxTextChars.
	Text string `json:"text,omitempty"`
	// TextLength counts the runes of Text after truncation.
	TextLength int               `json:"text_length,omitempty"`
	Error      string            `json:"error,omitempty"`
	Failure    ExtractionFailure `json:"failure,omitempty"`
	Method     string            `json:"method"`
}

// Observation renders the result as agent input.
func (r ExtractionResult) Observation() string {
	if r.Success {
		return fmt.Sprintf("Extracted %d characters from %s:\n\n%s", r.TextLength, r.URL, r.Text)
	}
	return fmt.Sprintf("Landing page extraction for %s failed (%s): %s", r.URL, r.Failure, r.Error)
}

// Extractor turns a landing page URL into text.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) ExtractionResult
}

// extracted is a successful result, truncated to maxChars runes when maxChars is positive.
func extracted(method, pageURL, text string, maxChars int) ExtractionResult {
	text = truncateRunes(text, maxChars)
	return ExtractionResult{Success: true, URL: pageURL, Text: text, TextLength: utf8.RuneCountInString(text), Method: method}
}

func extractionFailure(method, pageURL string, kind ExtractionFailure, format string, args ...any) ExtractionResult {
	return ExtractionResult{URL: pageURL, Failure: kind, Error: fmt.Sprintf(format, args...), Method: method}
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// FallbackExtractor tries the browser first and uses the static extractor when
// the browser is bypassed or cannot be launched. Other browser failures, a
// navigation timeout included, are returned unchanged.
type FallbackExtractor struct {
	Primary   Extractor
	Secondary Extractor
	Bypass    bool
	Logger    *slog.Logger
}

// Extract runs the primary extractor and switches to the secondary one only
// for launch failures.
//
// Inputs:
//   - ctx: passed to both extractors.
//   - pageURL: the landing page.
//
// Outputs:
//   - ExtractionResult of whichever extractor answered last. Its Method tells
//     the caller which one that was.
func (f *FallbackExtractor) Extract(ctx context.Context, pageURL string) ExtractionResult {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if f.Bypass || f.Primary == nil {
		logger.InfoContext(ctx, "using static extraction", "url", pageURL)
		return f.Secondary.Extract(ctx, pageURL)
	}
	result := f.Primary.Extract(ctx, pageURL)
	if !result.Success && result.Failure == ExtractLaunch && f.Secondary != nil {
		logger.WarnContext(ctx, "browser unavailable, falling back to static extraction", "error", result.Error)
		return f.Secondary.Extract(ctx, pageURL)
	}
	return result
}
