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

// Package test provides helpers and fixtures shared by the test suites: a
// cached configuration, a scripted model stub and small image fixtures.
package test

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"google.golang.org/genai"
)

// StateManager caches the configuration for the duration of a test run.
type StateManager struct {
	once   sync.Once
	config *cloud.Config
}

var state = &StateManager{}

// HandleErr fails the test when err is not nil.
func HandleErr(err error, t *testing.T) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// SetupOS points the configuration loader at the test overrides in configs/.
func SetupOS() error {
	if err := os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
		return err
	}
	return os.Setenv(cloud.EnvConfigRuntime, "test")
}

// GetConfig returns a copy of the test configuration. Only the embedded
// defaults are used when the test override files are absent.
func GetConfig() *cloud.Config {
	state.once.Do(func() {
		if err := SetupOS(); err != nil {
			log.Fatalf("failed to setup environment for test: %v\n", err)
		}
		config := cloud.NewConfig()
		if err := cloud.LoadConfig(config); err != nil {
			log.Fatalf("failed to load test configuration: %v\n", err)
		}
		// Tests never reach the real API, but crews refuse to build without a key.
		config.Credentials.GeminiAPIKey = "test-key"
		// Keep retry waits short so retry tests stay fast.
		config.Vision.BaseBackoff = time.Millisecond
		cloud.RetryBackoff = time.Millisecond
		state.config = config
	})
	// Copy the maps too, so a test changing its config cannot affect another.
	cp := *state.config
	cp.AgentModels = make(map[string]cloud.VertexAiLLMModel, len(state.config.AgentModels))
	for k, v := range state.config.AgentModels {
		cp.AgentModels[k] = v
	}
	cp.Agents = make(map[string]cloud.AgentProfile, len(state.config.Agents))
	for k, v := range state.config.Agents {
		cp.Agents[k] = v
	}
	return &cp
}

// Logger returns a logger bridged into OpenTelemetry for the named test.
func Logger(name string) *slog.Logger {
	return otelslog.NewLogger(name)
}

// Reply is one scripted answer of a StubGenerator.
type Reply struct {
	Text     string
	Err      error
	Response *genai.GenerateContentResponse
}

// StubGenerator answers GenerateContent from a script and records every prompt.
// When the script runs out the last reply is repeated. A nil Respond uses the script.
type StubGenerator struct {
	mu      sync.Mutex
	Script  []Reply
	Respond func(prompt string) (string, error)
	Prompts []string
	Calls   int
}

// ErrUnavailable is a transport error used by scripts.
var ErrUnavailable = errors.New("503 service unavailable")

// GenerateContent records the prompt and answers with Respond when set,
// otherwise from the script, or "ok" without one. A done context fails before
// anything is recorded.
func (s *StubGenerator) GenerateContent(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt := PromptText(contents)
	s.Prompts = append(s.Prompts, prompt)
	s.Calls++

	if s.Respond != nil {
		text, err := s.Respond(prompt)
		if err != nil {
			return nil, err
		}
		return TextResponse(text), nil
	}
	if len(s.Script) == 0 {
		return TextResponse("ok"), nil
	}
	// Repeat the last reply once the script is exhausted.
	i := s.Calls - 1
	if i >= len(s.Script) {
		i = len(s.Script) - 1
	}
	reply := s.Script[i]
	switch {
	case reply.Err != nil:
		return nil, reply.Err
	case reply.Response != nil:
		return reply.Response, nil
	default:
		return TextResponse(reply.Text), nil
	}
}

// CallCount returns the number of calls made so far.
func (s *StubGenerator) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}

// PromptText joins the text parts of contents.
func PromptText(contents []*genai.Content) string {
	var out string
	for _, c := range contents {
		if c == nil {
			continue
		}
		for _, p := range c.Parts {
			if p != nil && p.Text != "" {
				out += p.Text
			}
		}
	}
	return out
}

// TextResponse wraps text in a single candidate response.
func TextResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

// BlockedResponse is an answer filtered by the safety settings.
func BlockedResponse() *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	}
}

// pngPixel is a valid 1x1 transparent PNG.
const pngPixel = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// PNGBytes returns a tiny valid PNG image.
func PNGBytes() []byte {
	data, _ := base64.StdEncoding.DecodeString(pngPixel)
	return data
}

// PNGDataURL returns PNGBytes as a data URL.
func PNGDataURL() string {
	return "data:image/png;base64," + pngPixel
}
