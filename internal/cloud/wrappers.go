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
// This file implements a wrapper around the Generative AI models service.
// The wrapper is a decorator that adds client-side rate limiting to every call,
// so that bursts of agent requests stay within the project quota.
//
// Structs:
//   - QuotaAwareGenerativeAIModel: Binds a model name and generation settings to the
//     models service and guards it with a token bucket limiter.
//
// Functions:
//   - NewQuotaAwareModel: A constructor to create a new instance of the wrapped model.
//   - GenerateContent: Waits for the limiter and forwards the call.
//   - WithSystemInstruction: Derives a model sharing the same limiter with a different system prompt.
package cloud

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// ContentGenerator is the single model operation used by the tools and agent tasks.
// Tests replace it with a stub.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error)
}

// ModelsService is the subset of *genai.Models the wrapper calls.
type ModelsService interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// QuotaAwareGenerativeAIModel is a decorator struct that binds the model name and
// generation settings to the models service and adds rate limiting.
type QuotaAwareGenerativeAIModel struct {
	GenerativeContentConfig *genai.GenerateContentConfig
	ModelName               string
	ModelHandle             ModelsService
	RateLimit               *rate.Limiter // Shared by every model derived with WithSystemInstruction.
}

// NewQuotaAwareModel creates a new QuotaAwareGenerativeAIModel. The limiter allows a
// burst of requestsPerSecond calls and refills at one call per second.
func NewQuotaAwareModel(wrapped *genai.GenerateContentConfig, name string, handle ModelsService, requestsPerSecond int) *QuotaAwareGenerativeAIModel {
	if requestsPerSecond < 1 {
		requestsPerSecond = 1
	}
	return &QuotaAwareGenerativeAIModel{
		GenerativeContentConfig: wrapped,
		ModelName:               name,
		ModelHandle:             handle,
		RateLimit:               rate.NewLimiter(rate.Every(time.Second), requestsPerSecond),
	}
}

// GenerateContent blocks until the limiter grants a token or the context is done,
// then calls the model exactly once. Retries belong to the caller.
func (q *QuotaAwareGenerativeAIModel) GenerateContent(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	if err := q.RateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait for %s: %w", q.ModelName, err)
	}
	return q.ModelHandle.GenerateContent(ctx, q.ModelName, contents, q.GenerativeContentConfig)
}

// WithSystemInstruction returns a copy of the model that sends the given system
// instruction. The copy shares the rate limiter of the original.
func (q *QuotaAwareGenerativeAIModel) WithSystemInstruction(instruction string) *QuotaAwareGenerativeAIModel {
	config := genai.GenerateContentConfig{}
	if q.GenerativeContentConfig != nil {
		config = *q.GenerativeContentConfig
	}
	if instruction != "" {
		config.SystemInstruction = genai.NewContentFromText(instruction, genai.RoleUser)
	}
	return &QuotaAwareGenerativeAIModel{
		GenerativeContentConfig: &config,
		ModelName:               q.ModelName,
		ModelHandle:             q.ModelHandle,
		RateLimit:               q.RateLimit,
	}
}
