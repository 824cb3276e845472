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

package tools

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/go-resty/resty/v2"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
)

// StaticExtractor downloads raw HTML and extracts its text without running scripts.
type StaticExtractor struct {
	client *resty.Client
	config cloud.ScraperConfig
	logger *slog.Logger
}

// NewStaticExtractor creates a static extractor. NavigationTimeout bounds each
// download and UserAgent, when set, is sent with every request.
func NewStaticExtractor(config cloud.ScraperConfig, logger *slog.Logger) *StaticExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetTimeout(config.NavigationTimeout).
		SetHeader("Accept", "text/html,application/xhtml+xml")
	if config.UserAgent != "" {
		client.SetHeader("User-Agent", config.UserAgent)
	}
	return &StaticExtractor{client: client, config: config, logger: logger}
}

// Extract downloads pageURL and returns its readable text.
//
// Inputs:
//   - ctx: cancels the download.
//   - pageURL: an absolute http(s) URL.
//
// Outputs:
//   - ExtractionResult with Method "static". Failures are values, never
//     errors: ExtractTimeout when the download exceeds NavigationTimeout,
//     ExtractDownload for transport errors, HTTP errors and empty bodies,
//     ExtractEmpty when the page has no readable text.
func (s *StaticExtractor) Extract(ctx context.Context, pageURL string) ExtractionResult {
	s.logger.InfoContext(ctx, "downloading landing page", "url", pageURL)
	resp, err := s.client.R().SetContext(ctx).Get(pageURL)
	if err != nil {
		if isTimeout(err) {
			return extractionFailure(MethodStatic, pageURL, ExtractTimeout, "Download timeout (%dms)", s.config.NavigationTimeout.Milliseconds())
		}
		return extractionFailure(MethodStatic, pageURL, ExtractDownload, "Download failed: %v", err)
	}
	if resp.IsError() {
		return extractionFailure(MethodStatic, pageURL, ExtractDownload, "Download failed: HTTP %d", resp.StatusCode())
	}
	// A 200 with only whitespace is reported as a download failure, not an empty page.
	body := resp.Body()
	if len(bytes.TrimSpace(body)) == 0 {
		return extractionFailure(MethodStatic, pageURL, ExtractDownload, "Download failed: empty response body")
	}

	text, err := ExtractText(bytes.NewReader(body))
	if err != nil {
		return extractionFailure(MethodStatic, pageURL, ExtractScrape, "Parsing failed: %v", err)
	}
	if text == "" {
		return extractionFailure(MethodStatic, pageURL, ExtractEmpty, "No text content found on page")
	}
	return extracted(MethodStatic, pageURL, text, s.config.MaxTextChars)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
