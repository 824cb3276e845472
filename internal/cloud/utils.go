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

// Package cloud provides components for interacting with Google Cloud services.
// This file contains general-purpose utility functions that support the cloud package.
// These helpers cover hierarchical configuration loading, environment overrides
// and resilient interaction with the Generative AI API.
//
// Functions:
//   - fileExists: A simple helper to check if a file exists.
//   - LoadConfig: Implements a hierarchical configuration loader. It decodes the embedded
//     defaults, then a base file and an environment-specific file (e.g., .env.local.toml),
//     and finally applies the process environment.
//   - GenerateMultiModalResponse: A wrapper for making calls to the GenAI model. It includes
//     an optional retry mechanism for transient errors and integrates with OpenTelemetry to
//     record metrics for token usage and retries.
//   - ResponseText, StripCodeFence: Helpers for reading model output.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"
)

// Cloud Constants define key strings and values used throughout the package,
// primarily for configuration loading and API interaction policies.
const (
	ConfigFileBaseName  = ".env"              // The base name for configuration files (e.g., ".env.toml").
	ConfigFileExtension = ".toml"             // The file extension for configuration files.
	ConfigSeparator     = "."                 // The separator used in config file names (e.g., ".env.local.toml").
	EnvConfigFilePrefix = "GCP_CONFIG_PREFIX" // The environment variable for specifying the config directory.
	EnvConfigRuntime    = "GCP_RUNTIME"       // The environment variable for specifying the runtime context (e.g., "local", "test", "prod").
)

// Environment variables layered over the TOML configuration.
const (
	EnvGeminiAPIKey       = "GEMINI_API_KEY"
	EnvGeminiModel        = "GEMINI_MODEL"
	EnvModel              = "MODEL"
	EnvLogLevel           = "LOG_LEVEL"
	EnvRateLimit          = "RATE_LIMIT"
	EnvDatabaseURL        = "DATABASE_URL"
	EnvRedisURL           = "REDIS_URL"
	EnvGoogleCloudProject = "GOOGLE_CLOUD_PROJECT"
	EnvPort               = "PORT"
	EnvEnvironment        = "ENVIRONMENT"
)

// RetryBackoff is the wait before the second attempt of a model call. It doubles
// on every further attempt.
var RetryBackoff = time.Second

// fileExists checks if a file or directory exists at the given path.
func fileExists(in string) bool {
	_, err := os.Stat(in)
	return !errors.Is(err, os.ErrNotExist)
}

// LoadConfig provides a hierarchical configuration loading mechanism. The embedded
// defaults are decoded first, then the base configuration file, then the
// environment-specific file, and finally the environment variables. Later layers
// overwrite the keys they set and leave the others untouched.
//
// Inputs:
//   - config: The target configuration, normally created with NewConfig.
//
// Outputs:
//   - error: A decoding error naming the offending layer, or an invalid environment value.
func LoadConfig(config *Config) error {
	if _, err := toml.Decode(defaultConfiguration, config); err != nil {
		return fmt.Errorf("failed to decode built-in configuration: %w", err)
	}

	// Read the directory path for config files from an environment variable.
	configurationFilePrefix := os.Getenv(EnvConfigFilePrefix)
	if len(configurationFilePrefix) > 0 && !strings.HasSuffix(configurationFilePrefix, string(os.PathSeparator)) {
		configurationFilePrefix = configurationFilePrefix + string(os.PathSeparator)
	}

	runtimeEnvironment := os.Getenv(EnvConfigRuntime)
	if runtimeEnvironment == "" {
		runtimeEnvironment = "local"
	}

	baseConfigFileName := configurationFilePrefix + ConfigFileBaseName + ConfigFileExtension
	envConfigFileName := configurationFilePrefix + ConfigFileBaseName + ConfigSeparator + runtimeEnvironment + ConfigFileExtension

	for _, fileName := range []string{baseConfigFileName, envConfigFileName} {
		if !fileExists(fileName) {
			continue
		}
		if _, err := toml.DecodeFile(fileName, config); err != nil {
			return fmt.Errorf("failed to decode configuration file %s: %w", fileName, err)
		}
		slog.Debug("configuration file loaded", "file", fileName)
	}

	return ApplyEnvironment(config)
}

// ApplyEnvironment overwrites configuration values with the process environment.
// Unset or empty variables leave the configuration unchanged.
func ApplyEnvironment(config *Config) error {
	setString := func(name string, target *string) {
		if v, ok := os.LookupEnv(name); ok && len(v) > 0 {
			*target = v
		}
	}
	setInt := func(name string, target *int) error {
		v, ok := os.LookupEnv(name)
		if !ok || len(v) == 0 {
			return nil
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
		*target = parsed
		return nil
	}

	setString(EnvGeminiAPIKey, &config.Credentials.GeminiAPIKey)
	setString(EnvDatabaseURL, &config.Credentials.DatabaseURL)
	setString(EnvRedisURL, &config.Credentials.RedisURL)
	setString(EnvLogLevel, &config.Application.LogLevel)
	setString(EnvGoogleCloudProject, &config.Application.GoogleProjectId)
	setString(EnvEnvironment, &config.Application.Environment)
	if err := setInt(EnvRateLimit, &config.Credentials.RateLimit); err != nil {
		return err
	}
	if err := setInt(EnvPort, &config.Application.Port); err != nil {
		return err
	}

	// GEMINI_MODEL wins over the shorter MODEL when both are set.
	modelOverride := os.Getenv(EnvGeminiModel)
	if modelOverride == "" {
		modelOverride = os.Getenv(EnvModel)
	}
	if modelOverride != "" {
		for key, values := range config.AgentModels {
			values.Model = modelOverride
			config.AgentModels[key] = values
		}
	}
	return nil
}

// ModelCounters groups the metrics recorded for every model call.
type ModelCounters struct {
	InputTokens  metric.Int64Counter
	OutputTokens metric.Int64Counter
	Retries      metric.Int64Counter
}

// NewModelCounters creates the token and retry counters under the given prefix.
func NewModelCounters(meter metric.Meter, prefix string) ModelCounters {
	in, _ := meter.Int64Counter(prefix + ".token.input")
	out, _ := meter.Int64Counter(prefix + ".token.output")
	retries, _ := meter.Int64Counter(prefix + ".retry")
	return ModelCounters{InputTokens: in, OutputTokens: out, Retries: retries}
}

// recordUsage adds the token counts of resp. Responses without usage metadata are skipped.
func (m ModelCounters) recordUsage(ctx context.Context, resp *genai.GenerateContentResponse) {
	if resp == nil || resp.UsageMetadata == nil {
		return
	}
	if m.InputTokens != nil {
		m.InputTokens.Add(ctx, int64(resp.UsageMetadata.PromptTokenCount))
	}
	if m.OutputTokens != nil {
		m.OutputTokens.Add(ctx, int64(resp.UsageMetadata.CandidatesTokenCount))
	}
}

// GenerateMultiModalResponse executes a request against a generative model with
// up to attempts tries and exponential backoff between them. The context
// bounds the whole exchange, including the backoff waits.
//
// Inputs:
//   - ctx: The context for the request, which controls cancellation and tracing.
//   - counters: Token and retry counters.
//   - model: The rate-limited model to use.
//   - attempts: Total tries on transport errors, at least one.
//   - content: The prompt contents.
//
// Outputs:
//   - string: The concatenated text content from the model's response.
//   - error: An error if the request fails after all retries or yields no text.
func GenerateMultiModalResponse(
	ctx context.Context,
	counters ModelCounters,
	model ContentGenerator,
	attempts int,
	content []*genai.Content) (value string, err error) {

	if attempts < 1 {
		attempts = 1
	}
	backoff := RetryBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		var resp *genai.GenerateContentResponse
		resp, err = model.GenerateContent(ctx, content)
		// A transport success with no text is final; only errors are retried.
		if err == nil {
			counters.recordUsage(ctx, resp)
			value = ResponseText(resp)
			if strings.TrimSpace(value) == "" {
				return "", errors.New("model returned an empty response")
			}
			return value, nil
		}
		// Out of attempts, or the caller gave up: report the last error.
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		if counters.Retries != nil {
			counters.Retries.Add(ctx, 1)
		}
		if waitErr := Sleep(ctx, backoff); waitErr != nil {
			return "", waitErr
		}
		backoff *= 2
	}
	if attempts == 1 {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	return "", fmt.Errorf("model call failed after %d attempts: %w", attempts, err)
}

// Sleep waits for the given duration or until the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ResponseText concatenates the text parts of every candidate, skipping thoughts.
func ResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// StripCodeFence removes a surrounding Markdown code fence from model output.
func StripCodeFence(in string) string {
	out := strings.TrimSpace(in)
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(out, "```")
	return strings.TrimSpace(out)
}

// NewTextPart is a simple factory function for creating a text part.
func NewTextPart(in string) *genai.Part {
	return &genai.Part{Text: in}
}

// NewBlobPart creates an inline data part from raw bytes.
func NewBlobPart(data []byte, mimeType string) *genai.Part {
	return &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}}
}
