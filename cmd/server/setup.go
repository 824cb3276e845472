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

// Package main is the HTTP entrypoint of the ad quality rater. This file holds
// the process wide state: the loaded configuration and the model clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
)

// StateManager holds the state shared by the route handlers.
type StateManager struct {
	config *cloud.Config
	cloud  *cloud.ServiceClients // Nil while the model credential is missing.
}

var state = &StateManager{}

// SetupOS points the configuration loader at ./configs unless the environment
// already names a location and runtime.
func SetupOS() (err error) {
	if _, ok := os.LookupEnv(cloud.EnvConfigFilePrefix); !ok {
		if err = os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
			return err
		}
	}
	if _, ok := os.LookupEnv(cloud.EnvConfigRuntime); !ok {
		err = os.Setenv(cloud.EnvConfigRuntime, "local")
	}
	return err
}

// GetConfig loads the layered configuration once.
func GetConfig() (*cloud.Config, error) {
	if state.config == nil {
		if err := SetupOS(); err != nil {
			return nil, fmt.Errorf("failed to setup os: %w", err)
		}
		config := cloud.NewConfig()
		if err := cloud.LoadConfig(config); err != nil {
			return nil, err
		}
		state.config = config
	}
	return state.config, nil
}

// InitState creates the model clients. A missing credential is not fatal: the
// server starts degraded, /health says so and analysis requests fail at
// construction time.
//
// Inputs:
//   - ctx: the root context of the server.
//   - config: the loaded configuration.
//
// Outputs:
//   - error: a client construction error other than the missing credential.
//     On success state.cloud is set, or left nil when running degraded.
func InitState(ctx context.Context, config *cloud.Config) error {
	clients, err := cloud.NewCloudServiceClients(ctx, config)
	if errors.Is(err, cloud.ErrMissingAPIKey) {
		slog.Warn("starting without model credentials", "env", cloud.EnvGeminiAPIKey)
		return nil
	}
	if err != nil {
		return err
	}
	state.cloud = clients
	return nil
}
