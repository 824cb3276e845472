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

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/api"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/telemetry"
)

// shutdownGrace bounds how long in-flight requests and telemetry exporters get
// to finish after a shutdown signal.
const shutdownGrace = 5 * time.Second

// main is the entry point of the ad quality rater API server.
func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run wires configuration, logging, telemetry and model clients, then serves
// the API until SIGINT or SIGTERM arrives.
//
// Inputs:
//   - none. Configuration comes from the TOML files selected by the
//     environment (see SetupOS) and from environment variable overrides.
//
// Outputs:
//   - error: nil after a clean shutdown, otherwise the first error from
//     configuration, telemetry setup or the listener.
//
// A missing Gemini API key does not stop the server. It starts degraded so
// /health can report the problem and analysis requests fail with a clear error.
func run() error {
	// Cancelled on the first SIGINT or SIGTERM; both server goroutines watch it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, err := GetConfig()
	if err != nil {
		return err
	}

	// Logging first so every later step reports through slog.
	telemetry.SetupLogging(config.Application.LogLevel)
	slog.Info("Logging initialized", "level", config.Application.LogLevel)

	// Traces and metrics. The returned handler serves the Prometheus registry.
	tel, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to setup OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	// Model clients. A nil state.cloud means the server runs degraded.
	if err := InitState(ctx, config); err != nil {
		return err
	}
	if state.cloud != nil {
		defer state.cloud.Close()
	}
	slog.Info("Initialized State", "environment", config.Application.Environment, "model_ready", state.cloud != nil)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Application.Port),
		Handler: newRouter(config, state.cloud, tel.MetricsHandler),
	}

	// One goroutine serves, the other waits for the signal and drains the server.
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server Ready", "port", config.Application.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutdown Server ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRouter builds the gin engine with middleware and every API route.
//
// Inputs:
//   - config: the loaded configuration; Gateway settings drive CORS and upload limits.
//   - clients: the model clients, or nil when the server runs degraded.
//   - metrics: the Prometheus handler mounted at /metrics, or nil to skip it.
//
// Outputs:
//   - *gin.Engine: ready to be used as an http.Handler.
func newRouter(config *cloud.Config, clients *cloud.ServiceClients, metrics http.Handler) *gin.Engine {
	if config.Application.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	// Request logging, panic recovery and a server span per request.
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(otelgin.Middleware(config.Application.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     config.Gateway.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	// Uploads above the limit are rejected by the handler; keep them in memory up to twice that.
	r.MaxMultipartMemory = 2 * config.Gateway.MaxUploadBytes

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	handler := api.NewHandler(config, api.WorkflowFactory(config, clients), slog.Default())
	handler.Register(r)
	return r
}
