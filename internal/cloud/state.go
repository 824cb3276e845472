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
// This file initializes and holds the clients needed to talk to external services.
// It acts as a dependency injection container: a single ServiceClients value is
// created at startup and handed to the API layer and the crew factory.
//
// Logic Flow:
//  1. NewCloudServiceClients is called with the loaded Config.
//  2. A missing model credential is reported as ErrMissingAPIKey before any client is built.
//  3. The GenAI client is created against the Gemini API backend.
//  4. Every entry of Config.AgentModels is turned into a rate-limited model.
//  5. A Cloud Storage client is created only when gs:// ad references are enabled.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
	"google.golang.org/genai"
)

// ErrMissingAPIKey is returned when no model credential is configured.
var ErrMissingAPIKey = errors.New("GEMINI_API_KEY is not set")

// ServiceClients is a central container for the clients that interact with
// external services.
type ServiceClients struct {
	GenAIClient   *genai.Client                           // Client for the Gemini API.
	StorageClient *storage.Client                         // Client for Cloud Storage, nil unless storage is enabled.
	GCSReader     *GCSObjectReader                        // Reader for gs:// ad references, nil unless storage is enabled.
	AgentModels   map[string]*QuotaAwareGenerativeAIModel // Rate-limited models keyed by logical name (e.g., "vision").
}

// Close releases the client connections. The GenAI client holds no connection of its own.
func (c *ServiceClients) Close() {
	if c.StorageClient != nil {
		_ = c.StorageClient.Close()
	}
}

// Model returns the model registered under key or an error naming the missing key.
func (c *ServiceClients) Model(key string) (*QuotaAwareGenerativeAIModel, error) {
	m, ok := c.AgentModels[key]
	if !ok {
		return nil, fmt.Errorf("no agent model configured for %q", key)
	}
	return m, nil
}

// NewCloudServiceClients initializes every client required by the configuration.
//
// Inputs:
//   - ctx: The root context of the application.
//   - config: The loaded application configuration.
//
// Outputs:
//   - *ServiceClients: The initialized clients.
//   - error: ErrMissingAPIKey, or an error if any client fails to initialize.
func NewCloudServiceClients(ctx context.Context, config *Config) (*ServiceClients, error) {
	if !config.HasAPIKey() {
		return nil, ErrMissingAPIKey
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.Credentials.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating genai client: %w", err)
	}

	agentModels := make(map[string]*QuotaAwareGenerativeAIModel)
	for key, values := range config.AgentModels {
		agentModels[key] = NewQuotaAwareModel(GenerateContentConfig(values), values.Model, gc.Models, values.RateLimit)
		slog.Debug("agent model configured", "key", key, "model", values.Model)
	}

	clients := &ServiceClients{
		GenAIClient: gc,
		AgentModels: agentModels,
	}

	if config.Storage.Enabled {
		var opts []option.ClientOption
		if config.Storage.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(config.Storage.CredentialsFile))
		}
		sc, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("error creating storage client: %w", err)
		}
		clients.StorageClient = sc
		clients.GCSReader = NewGCSObjectReader(sc)
	}

	return clients, nil
}

// GenerateContentConfig translates model settings into a request configuration.
func GenerateContentConfig(values VertexAiLLMModel) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](values.Temperature),
		TopP:             genai.Ptr[float32](values.TopP),
		TopK:             genai.Ptr[float32](values.TopK),
		MaxOutputTokens:  values.MaxTokens,
		SafetySettings:   DefaultSafetySettings,
		ResponseMIMEType: values.OutputFormat,
	}
}
