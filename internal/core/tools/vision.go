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

// Package tools implements the helpers the agents work with. This file holds
// the vision analyzer, which sends an ad creative to a multimodal model.
//
// Logic Flow:
//  1. The image reference is resolved to bytes: a data URL is decoded, an
//     http(s) URL is downloaded, a gs:// reference is read from Cloud Storage,
//     anything else is read from disk.
//  2. Images above the size limit are rejected before any model call.
//  3. The prompt and the image go to the model as one user turn. Transport
//     errors are retried with exponential backoff; safety blocks and empty
//     answers are reported at once.
//  4. Every outcome is a VisionResult. Failures are turned into observation
//     text so the visual analyst can still report what went wrong.
package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/h2non/filetype"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"
)

// VisionFailure tags why a vision analysis did not succeed.
type VisionFailure string

const (
	VisionInput   VisionFailure = "input"   // Missing or undecodable image reference.
	VisionFetch   VisionFailure = "fetch"   // Remote or object storage download failed.
	VisionSize    VisionFailure = "size"    // Image above the size limit.
	VisionBudget  VisionFailure = "budget"  // Call budget of the run exhausted.
	VisionBlocked VisionFailure = "blocked" // Model refused the image for safety reasons.
	VisionEmpty   VisionFailure = "empty"   // Model answered without text.
	VisionModel   VisionFailure = "model"   // Transport or API failure after every attempt.
)

const defaultMIMEType = "image/jpeg"

// blockingFinishReasons are the finish reasons that mean the content was filtered.
var blockingFinishReasons = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
	"IMAGE_SAFETY":       true,
}

// VisionResult is the outcome of one analysis. Success implies a non-empty Analysis.
type VisionResult struct {
	Success     bool          `json:"success"`
	Analysis    string        `json:"analysis,omitempty"`
	Error       string        `json:"error,omitempty"`
	ImageSource string        `json:"image_source"`
	Failure     VisionFailure `json:"-"`
}

// Observation renders the result as agent input.
func (r VisionResult) Observation() string {
	if r.Success {
		return r.Analysis
	}
	return fmt.Sprintf("Vision analysis of %s failed: %s", r.ImageSource, r.Error)
}

func visionFailure(kind VisionFailure, source, format string, args ...any) VisionResult {
	return VisionResult{Failure: kind, ImageSource: source, Error: fmt.Sprintf(format, args...)}
}

// ObjectReader reads gs:// references. *cloud.GCSObjectReader implements it.
type ObjectReader interface {
	ReadObject(ctx context.Context, uri string, limit int64) ([]byte, cloud.GCSObject, error)
}

// VisionAnalyzer sends ad creatives to a multimodal model.
type VisionAnalyzer struct {
	model    cloud.ContentGenerator
	client   *resty.Client
	objects  ObjectReader
	config   cloud.VisionConfig
	budget   *CallBudget
	counters cloud.ModelCounters
	attempts metric.Int64Counter
	logger   *slog.Logger
}

// NewVisionAnalyzer creates an analyzer.
//
// Inputs:
//   - generator: the multimodal model.
//   - config: size limit, fetch timeout, attempts and backoff. The HTTP client
//     stops reading remote images at MaxImageBytes.
//   - objects: reads gs:// references. It may be nil, in which case gs://
//     references are treated as local paths and fail to open.
//   - logger: nil uses slog.Default.
//
// Outputs:
//   - *VisionAnalyzer without a call budget. Use WithBudget to scope one.
func NewVisionAnalyzer(generator cloud.ContentGenerator, config cloud.VisionConfig, objects ObjectReader, logger *slog.Logger) *VisionAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/jaycherian/gcp-go-ad-quality-rater")
	attempts, _ := meter.Int64Counter("vision.attempts")
	return &VisionAnalyzer{
		model:    generator,
		client:   resty.New().SetTimeout(config.FetchTimeout).SetResponseBodyLimit(int(config.MaxImageBytes)),
		objects:  objects,
		config:   config,
		counters: cloud.NewModelCounters(meter, "vision"),
		attempts: attempts,
		logger:   logger,
	}
}

// WithBudget returns a copy of the analyzer that draws from budget.
func (v *VisionAnalyzer) WithBudget(budget *CallBudget) *VisionAnalyzer {
	cp := *v
	cp.budget = budget
	return &cp
}

// WithLogger returns a copy of the analyzer that logs to logger.
func (v *VisionAnalyzer) WithLogger(logger *slog.Logger) *VisionAnalyzer {
	cp := *v
	cp.logger = logger
	return &cp
}

// Analyze resolves ref (data URL, http(s) URL, gs:// reference or local path)
// and analyzes the image with prompt, or the default prompt when empty.
//
// Inputs:
//   - ctx: bounds the download and every model attempt.
//   - ref: the image reference. Data URLs are reported as a placeholder so
//     base64 payloads never reach logs or reports.
//   - prompt: the vision prompt.
//
// Outputs:
//   - VisionResult: Success with the model's analysis, or a Failure kind and
//     a message meant for the agent. Transport errors are retried up to
//     MaxAttempts with exponential backoff; blocked and empty answers are not.
func (v *VisionAnalyzer) Analyze(ctx context.Context, ref, prompt string) VisionResult {
	source := model.DisplaySource(ref)
	if strings.TrimSpace(ref) == "" {
		return visionFailure(VisionInput, "[Image]", "either an image reference or image bytes must be provided")
	}
	// The budget is taken before any download so an exhausted run costs nothing.
	if !v.budget.Take() {
		return visionFailure(VisionBudget, source, "vision call budget of %d exhausted for this run", v.budget.Limit())
	}

	data, mimeType, failed := v.resolve(ctx, ref, source)
	if failed != nil {
		return *failed
	}
	return v.analyze(ctx, data, mimeType, source, prompt)
}

// AnalyzeBytes analyzes image bytes that are already in memory.
//
// Inputs:
//   - data: the image. Above MaxImageBytes it fails with VisionSize.
//   - mimeType: the image type; empty sniffs it from data.
//   - prompt: the vision prompt; empty selects the default prompt.
//
// Outputs:
//   - VisionResult with ImageSource set to the uploaded image placeholder.
func (v *VisionAnalyzer) AnalyzeBytes(ctx context.Context, data []byte, mimeType, prompt string) VisionResult {
	if len(data) == 0 {
		return visionFailure(VisionInput, model.UploadedSource, "either an image reference or image bytes must be provided")
	}
	if !v.budget.Take() {
		return visionFailure(VisionBudget, model.UploadedSource, "vision call budget of %d exhausted for this run", v.budget.Limit())
	}
	if mimeType == "" {
		mimeType = sniffMIME(data)
	}
	return v.analyze(ctx, data, mimeType, model.UploadedSource, prompt)
}

// AnalyzeUpload analyzes an image uploaded to path. Results name the source
// as an uploaded image so the temporary path never reaches a report.
//
// Inputs:
//   - path: a local file written by the upload handler or named by the CLI.
//   - prompt: the vision prompt; empty selects the default prompt.
//
// Outputs:
//   - VisionResult with Failure VisionSize when the file is above the limit,
//     VisionInput when it cannot be read, otherwise as for AnalyzeBytes.
func (v *VisionAnalyzer) AnalyzeUpload(ctx context.Context, path, prompt string) VisionResult {
	if info, err := os.Stat(path); err == nil && v.config.MaxImageBytes > 0 && info.Size() > v.config.MaxImageBytes {
		return visionFailure(VisionSize, model.UploadedSource, "%s", tooLarge(info.Size(), v.config.MaxImageBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			err = pathErr.Err
		}
		return visionFailure(VisionInput, model.UploadedSource, "Failed to read image: %v", err)
	}
	return v.AnalyzeBytes(ctx, data, mimeFor(path, data), prompt)
}

// resolve loads the bytes and MIME type behind ref. A non-nil result is the failure to report.
func (v *VisionAnalyzer) resolve(ctx context.Context, ref, source string) ([]byte, string, *VisionResult) {
	fail := func(kind VisionFailure, format string, args ...any) ([]byte, string, *VisionResult) {
		r := visionFailure(kind, source, format, args...)
		return nil, "", &r
	}

	switch {
	// Inline base64 image.
	case strings.HasPrefix(ref, "data:image"):
		mimeType, payload, ok := model.ParseDataURL(ref)
		if !ok {
			return fail(VisionInput, "malformed image data URL")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return fail(VisionInput, "failed to decode image data URL: %v", err)
		}
		return data, mimeType, nil

	// Remote image. The client stops reading at MaxImageBytes.
	case model.IsHTTPURL(ref):
		resp, err := v.client.R().SetContext(ctx).Get(ref)
		if errors.Is(err, resty.ErrResponseBodyTooLarge) {
			return fail(VisionSize, "Image too large for analysis. Maximum size is %dMB", v.config.MaxImageBytes/megabyte)
		}
		if err != nil {
			return fail(VisionFetch, "Failed to fetch image: %v", err)
		}
		if resp.IsError() {
			return fail(VisionFetch, "Failed to fetch image: HTTP %d", resp.StatusCode())
		}
		// The URL path decides the type before the bytes do; query strings are ignored.
		data := resp.Body()
		return data, mimeFor(urlPath(ref), data), nil

	// Cloud Storage object, read up to one byte past the limit.
	case strings.HasPrefix(ref, cloud.GCSScheme) && v.objects != nil:
		data, obj, err := v.objects.ReadObject(ctx, ref, v.config.MaxImageBytes)
		if err != nil {
			return fail(VisionFetch, "Failed to fetch image: %v", err)
		}
		mimeType := obj.MIMEType
		if !strings.HasPrefix(mimeType, "image/") {
			mimeType = mimeFor(obj.Name, data)
		}
		return data, mimeType, nil

	// Anything else is a local path; the size is checked before reading.
	default:
		if info, err := os.Stat(ref); err == nil && v.config.MaxImageBytes > 0 && info.Size() > v.config.MaxImageBytes {
			return fail(VisionSize, "%s", tooLarge(info.Size(), v.config.MaxImageBytes))
		}
		data, err := os.ReadFile(ref)
		if err != nil {
			return fail(VisionInput, "Failed to read image: %v", err)
		}
		return data, mimeFor(ref, data), nil
	}
}

// analyze sends one image to the model, retrying transport errors only.
func (v *VisionAnalyzer) analyze(ctx context.Context, data []byte, mimeType, source, prompt string) VisionResult {
	if v.config.MaxImageBytes > 0 && int64(len(data)) > v.config.MaxImageBytes {
		return visionFailure(VisionSize, source, "%s", tooLarge(int64(len(data)), v.config.MaxImageBytes))
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = v.config.DefaultPrompt
	}

	// One user turn: the prompt followed by the image.
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			cloud.NewTextPart(prompt),
			cloud.NewBlobPart(data, mimeType),
		}, genai.RoleUser),
	}

	maxAttempts := v.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := v.config.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if v.attempts != nil {
			v.attempts.Add(ctx, 1)
		}
		resp, err := v.model.GenerateContent(ctx, contents)
		if err != nil {
			lastErr = err
			v.logger.WarnContext(ctx, "vision attempt failed", "attempt", attempt, "error", err)
			if attempt == maxAttempts || ctx.Err() != nil {
				break
			}
			if v.counters.Retries != nil {
				v.counters.Retries.Add(ctx, 1)
			}
			v.logger.InfoContext(ctx, "retrying vision analysis", "wait", backoff.String())
			if err := cloud.Sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
			continue
		}

		if resp != nil && resp.UsageMetadata != nil {
			if v.counters.InputTokens != nil {
				v.counters.InputTokens.Add(ctx, int64(resp.UsageMetadata.PromptTokenCount))
			}
			if v.counters.OutputTokens != nil {
				v.counters.OutputTokens.Add(ctx, int64(resp.UsageMetadata.CandidatesTokenCount))
			}
		}

		// An answer without text is either filtered or empty. Neither is retried.
		text := strings.TrimSpace(cloud.ResponseText(resp))
		if text != "" {
			v.logger.InfoContext(ctx, "vision analysis complete", "source", source, "chars", len(text))
			return VisionResult{Success: true, Analysis: text, ImageSource: source}
		}
		if reason := blockReason(resp); reason != "" {
			return visionFailure(VisionBlocked, source,
				"The model could not analyze the image (reason: %s). The image was probably blocked by a safety filter. Please try another image.", reason)
		}
		return visionFailure(VisionEmpty, source,
			"The model produced no analysis. The image may be too small, unclear or filtered. Please try another image.")
	}

	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled) {
		return visionFailure(VisionModel, source, "Analysis failed: %v", lastErr)
	}
	return visionFailure(VisionModel, source, "Analysis failed after %d attempts: %v", maxAttempts, lastErr)
}

// blockReason returns the reason a response carries no text because of filtering.
func blockReason(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if resp.PromptFeedback != nil {
		if reason := string(resp.PromptFeedback.BlockReason); reason != "" && reason != "BLOCKED_REASON_UNSPECIFIED" {
			return reason
		}
	}
	for _, candidate := range resp.Candidates {
		if candidate != nil && blockingFinishReasons[string(candidate.FinishReason)] {
			return string(candidate.FinishReason)
		}
	}
	return ""
}

const megabyte = 1024 * 1024

func tooLarge(size, limit int64) string {
	return fmt.Sprintf("Image too large for analysis. Maximum size is %dMB, got %.1fMB", limit/megabyte, float64(size)/megabyte)
}

func urlPath(ref string) string {
	if u, err := url.Parse(ref); err == nil {
		return u.Path
	}
	return ref
}

// mimeFor derives the MIME type from the extension of name, then from the
// content, and falls back to JPEG.
func mimeFor(name string, data []byte) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return sniffMIME(data)
}

func sniffMIME(data []byte) string {
	if filetype.IsImage(data) {
		if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
			return kind.MIME.Value
		}
	}
	return defaultMIMEType
}
