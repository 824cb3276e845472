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

// Package cloud defines the data structures for application configuration,
// loaded from TOML files and the process environment. It provides a structured
// way to manage settings for the hosted model, the vision and scraping tools,
// the crew orchestrator, the streaming gateway and the agent prompts.
//
// Every numeric contract of the analysis (score weights, retry counts,
// timeouts, size limits, the vision call budget) lives here so that the code
// consuming it never hard-codes a business rule.
//
// Structs:
//   - VertexAiLLMModel: Configuration for a generative model used by an agent.
//   - AgentProfile: Role, goal and backstory of one agent.
//   - TaskTemplate: Description and expected output templates of one task.
//   - PromptTemplates: The templates of all six tasks.
//   - Config: The top-level struct that aggregates all other configuration structs.
package cloud

import (
	"time"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"google.golang.org/genai"
)

// DefaultSafetySettings defines the content safety thresholds for the hosted model.
// Ad creatives are user supplied, so the model keeps its medium-and-above blocking
// for every category. A blocked creative surfaces as a non-retryable vision failure.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockMediumAndAbove,
	},
}

// Well known keys of the AgentModels and Agents maps.
const (
	ModelVision     = "vision"     // Low temperature model used by the vision tool.
	ModelAgent      = "agent"      // Default model used by the analysis agents.
	ModelStructurer = "structurer" // JSON output model used to assemble the structured report.

	AgentVisualAnalyst           = "visual_analyst"
	AgentLandingPageScraper      = "landing_page_scraper"
	AgentCopywritingExpert       = "copywriting_expert"
	AgentBrandConsistencyChecker = "brand_consistency_checker"
	AgentQualitySynthesizer      = "quality_synthesizer"
)

// VertexAiLLMModel represents the configuration for a large language model.
type VertexAiLLMModel struct {
	Model        string  `toml:"model"`         // The name of the hosted model.
	Temperature  float32 `toml:"temperature"`   // The temperature parameter for the LLM.
	TopP         float32 `toml:"top_p"`         // The top_p parameter for the LLM.
	TopK         float32 `toml:"top_k"`         // The top_k parameter for the LLM.
	MaxTokens    int32   `toml:"max_tokens"`    // The maximum number of tokens for the LLM output.
	OutputFormat string  `toml:"output_format"` // The desired output MIME type, empty for plain text.
	RateLimit    int     `toml:"rate_limit"`    // Burst size of the request limiter (requests per second refill).
}

// AgentProfile is the natural-language identity of one agent.
type AgentProfile struct {
	Role      string `toml:"role"`      // Short role title, also used in log lines.
	Goal      string `toml:"goal"`      // What the agent optimises for.
	Backstory string `toml:"backstory"` // Long-form system prompt.
	Model     string `toml:"model"`     // Key into Config.AgentModels, empty for tool-only agents.
}

// TaskTemplate holds the text/template sources of one task.
type TaskTemplate struct {
	Description    string `toml:"description"`
	ExpectedOutput string `toml:"expected_output"`
}

// PromptTemplates holds the templates of the five crew tasks plus the
// structuring step used by the JSON endpoint.
type PromptTemplates struct {
	VisualAnalysis  TaskTemplate `toml:"visual_analysis"`
	LandingPage     TaskTemplate `toml:"landing_page"`
	Copywriting     TaskTemplate `toml:"copywriting"`
	BrandCompliance TaskTemplate `toml:"brand_compliance"`
	Synthesis       TaskTemplate `toml:"synthesis"`
	ReportStructure TaskTemplate `toml:"report_structure"`
}

// VisionConfig holds the contracts of the vision analyzer tool.
type VisionConfig struct {
	MaxImageBytes int64         `toml:"max_image_bytes"` // Images above this size are rejected before any model call.
	FetchTimeout  time.Duration `toml:"fetch_timeout"`   // Timeout of the remote image download.
	MaxAttempts   int           `toml:"max_attempts"`    // Total model attempts on transport errors.
	BaseBackoff   time.Duration `toml:"base_backoff"`    // Backoff before the second attempt, doubled afterwards.
	CallBudget    int           `toml:"call_budget"`     // Vision calls allowed per crew run.
	DefaultPrompt string        `toml:"default_prompt"`  // Prompt used when the caller supplies none.
}

// ScraperConfig holds the contracts of the landing page extractors.
type ScraperConfig struct {
	UseBrowser        bool          `toml:"use_browser"`        // False bypasses the browser and goes straight to static HTML.
	NavigationTimeout time.Duration `toml:"navigation_timeout"` // Browser navigation and static fetch timeout.
	ConsentTimeout    time.Duration `toml:"consent_timeout"`    // Budget of the single consent banner click.
	SettleDelay       time.Duration `toml:"settle_delay"`       // Wait after scrolling to the bottom of the page.
	ConsentSelector   string        `toml:"consent_selector"`   // CSS selector list of consent accept buttons.
	UserAgent         string        `toml:"user_agent"`
	ViewportWidth     int           `toml:"viewport_width"`
	ViewportHeight    int           `toml:"viewport_height"`
	MaxTextChars      int           `toml:"max_text_chars"` // Extracted text is cut to this many characters.
}

// CrewConfig holds the contracts of the orchestrator.
type CrewConfig struct {
	Deadline        time.Duration      `toml:"deadline"`         // Overall deadline of the five-task chain.
	Weights         model.ScoreWeights `toml:"weights"`          // Overall score weights.
	DefaultAudience string             `toml:"default_audience"` // Used when the request carries no audience.
	DefaultGoal     string             `toml:"default_goal"`     // Used when the request carries no campaign goal.
}

// GatewayConfig holds the contracts of the HTTP and SSE layer.
type GatewayConfig struct {
	PollInterval   time.Duration `toml:"poll_interval"`    // Event queue poll interval, also the heartbeat cadence.
	MaxUploadBytes int64         `toml:"max_upload_bytes"` // Largest accepted ad upload.
	EventBuffer    int           `toml:"event_buffer"`     // Capacity of the log event channel.
	AllowedOrigins []string      `toml:"allowed_origins"`  // CORS origins.
	TempFilePrefix string        `toml:"temp_file_prefix"` // Prefix of uploaded ad temp files.
}

// StorageConfig enables gs:// ad references.
type StorageConfig struct {
	Enabled         bool   `toml:"enabled"`
	CredentialsFile string `toml:"credentials_file"`
}

// Credentials holds secrets and service URLs, normally supplied by the environment.
type Credentials struct {
	GeminiAPIKey string `toml:"gemini_api_key"`
	RateLimit    int    `toml:"rate_limit"`   // Requests per minute accepted by the API, recorded only.
	DatabaseURL  string `toml:"database_url"` // Recorded only, no component persists data.
	RedisURL     string `toml:"redis_url"`    // Recorded only, no component caches data.
}

// Config represents the overall configuration for the application.
// It acts as the root container for all other configuration structs.
type Config struct {
	// Application holds general application settings.
	Application struct {
		Name            string `toml:"name"`              // The name of the application.
		Version         string `toml:"version"`           // The version reported by the root endpoint.
		DocsPath        string `toml:"docs_path"`         // The documentation path reported by the root endpoint.
		GoogleProjectId string `toml:"google_project_id"` // The Google Cloud project ID, enables Cloud exporters.
		Environment     string `toml:"environment"`       // Deployment environment name.
		LogLevel        string `toml:"log_level"`         // debug, info, warn or error.
		Port            int    `toml:"port"`              // HTTP listen port.
	} `toml:"application"`
	Credentials     Credentials                 `toml:"credentials"`
	Vision          VisionConfig                `toml:"vision"`
	Scraper         ScraperConfig               `toml:"scraper"`
	Crew            CrewConfig                  `toml:"crew"`
	Gateway         GatewayConfig               `toml:"gateway"`
	Storage         StorageConfig               `toml:"storage"`
	AgentModels     map[string]VertexAiLLMModel `toml:"agent_models"`     // Keyed by a logical name (e.g., "vision").
	Agents          map[string]AgentProfile     `toml:"agents"`           // Keyed by agent name (e.g., "visual_analyst").
	PromptTemplates PromptTemplates             `toml:"prompt_templates"` // Task templates.
}

// NewConfig is a constructor function that creates a new, initialized Config instance.
// The maps are initialized so the decoder can merge several files into them.
func NewConfig() *Config {
	return &Config{
		AgentModels: make(map[string]VertexAiLLMModel),
		Agents:      make(map[string]AgentProfile),
	}
}

// HasAPIKey reports whether the model credential is present.
func (c *Config) HasAPIKey() bool {
	return len(c.Credentials.GeminiAPIKey) > 0
}
