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

package cloud_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/zeebo/assert"
)

// isolate points the loader at an empty directory and clears every override.
func isolate(t *testing.T) string {
	dir := t.TempDir()
	t.Setenv(cloud.EnvConfigFilePrefix, dir)
	t.Setenv(cloud.EnvConfigRuntime, "test")
	for _, name := range []string{
		cloud.EnvGeminiAPIKey, cloud.EnvGeminiModel, cloud.EnvModel, cloud.EnvLogLevel,
		cloud.EnvRateLimit, cloud.EnvDatabaseURL, cloud.EnvRedisURL,
		cloud.EnvGoogleCloudProject, cloud.EnvPort, cloud.EnvEnvironment,
	} {
		t.Setenv(name, "")
	}
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	isolate(t)

	config := cloud.NewConfig()
	assert.NoError(t, cloud.LoadConfig(config))

	assert.Equal(t, config.Application.Version, "1.0.0")
	assert.Equal(t, config.Application.DocsPath, "/docs")
	assert.Equal(t, config.Crew.Weights.Visual, 0.25)
	assert.Equal(t, config.Crew.Weights.Copywriting, 0.35)
	assert.Equal(t, config.Crew.Weights.Brand, 0.40)
	assert.Equal(t, config.Vision.MaxImageBytes, int64(10*1024*1024))
	assert.Equal(t, config.Vision.MaxAttempts, 3)
	assert.Equal(t, config.Vision.BaseBackoff, time.Second)
	assert.Equal(t, config.Vision.CallBudget, 1)
	assert.Equal(t, config.Scraper.NavigationTimeout, 20*time.Second)
	assert.Equal(t, config.Scraper.ConsentTimeout, time.Second)
	assert.Equal(t, config.Scraper.SettleDelay, 500*time.Millisecond)
	assert.Equal(t, config.Gateway.PollInterval, 100*time.Millisecond)
	assert.Equal(t, config.Gateway.MaxUploadBytes, int64(10*1024*1024))
	assert.Equal(t, config.AgentModels[cloud.ModelVision].Temperature, float32(0.1))
	assert.Equal(t, config.AgentModels[cloud.ModelVision].MaxTokens, int32(2048))
	assert.Equal(t, len(config.Agents), 5)
	assert.Equal(t, config.Agents[cloud.AgentLandingPageScraper].Model, "")
	assert.False(t, config.HasAPIKey())
}

func TestLoadConfigLayers(t *testing.T) {
	dir := isolate(t)

	base := "[application]\nport = 9000\nlog_level = \"warn\"\n"
	runtime := "[application]\nport = 9100\n\n[crew]\ndeadline = \"45s\"\n"
	assert.NoError(t, os.WriteFile(filepath.Join(dir, ".env.toml"), []byte(base), 0o600))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, ".env.test.toml"), []byte(runtime), 0o600))
	t.Setenv(cloud.EnvGeminiAPIKey, "test-key")
	t.Setenv(cloud.EnvLogLevel, "debug")

	config := cloud.NewConfig()
	assert.NoError(t, cloud.LoadConfig(config))

	assert.Equal(t, config.Application.Port, 9100)
	assert.Equal(t, config.Application.LogLevel, "debug")
	assert.Equal(t, config.Crew.Deadline, 45*time.Second)
	// Keys absent from the files keep their built-in values.
	assert.Equal(t, config.Crew.Weights.Brand, 0.40)
	assert.True(t, config.HasAPIKey())
}

func TestLoadConfigRejectsBrokenFile(t *testing.T) {
	dir := isolate(t)
	assert.NoError(t, os.WriteFile(filepath.Join(dir, ".env.toml"), []byte("[application\n"), 0o600))

	assert.Error(t, cloud.LoadConfig(cloud.NewConfig()))
}

func TestApplyEnvironmentModelOverride(t *testing.T) {
	isolate(t)
	config := cloud.NewConfig()
	assert.NoError(t, cloud.LoadConfig(config))

	t.Setenv(cloud.EnvModel, "model-from-model")
	assert.NoError(t, cloud.ApplyEnvironment(config))
	for _, values := range config.AgentModels {
		assert.Equal(t, values.Model, "model-from-model")
	}

	t.Setenv(cloud.EnvGeminiModel, "model-from-gemini-model")
	assert.NoError(t, cloud.ApplyEnvironment(config))
	for _, values := range config.AgentModels {
		assert.Equal(t, values.Model, "model-from-gemini-model")
	}
}

func TestApplyEnvironmentInvalidNumber(t *testing.T) {
	isolate(t)
	t.Setenv(cloud.EnvPort, "eighty")

	assert.Error(t, cloud.ApplyEnvironment(cloud.NewConfig()))
}

func TestParseGCSURI(t *testing.T) {
	obj, err := cloud.ParseGCSURI("gs://ads-bucket/campaigns/spring/banner.png")
	assert.NoError(t, err)
	assert.Equal(t, obj.Bucket, "ads-bucket")
	assert.Equal(t, obj.Name, "campaigns/spring/banner.png")

	for _, bad := range []string{"https://example.com/a.png", "gs://", "gs://bucket-only", "gs:///object"} {
		_, err := cloud.ParseGCSURI(bad)
		assert.Error(t, err)
	}
}
