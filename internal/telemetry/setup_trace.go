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

package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	mexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	telemetryexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/detectors/gcp"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// MeterName is the instrumentation scope of every application metric.
const MeterName = "github.com/jaycherian/gcp-go-ad-quality-rater"

// Telemetry is the result of SetupOpenTelemetry.
type Telemetry struct {
	// Shutdown flushes and stops every provider.
	Shutdown func(context.Context) error
	// MetricsHandler serves the Prometheus exposition format. It is nil when
	// metrics are exported to Cloud Monitoring.
	MetricsHandler http.Handler
}

// SetupOpenTelemetry installs the global tracer and meter providers and the
// text map propagator.
//
// With a Google Cloud project configured, traces go to Cloud Trace and metrics
// to Cloud Monitoring. Without one, spans stay in process and metrics are read
// by a Prometheus exporter whose handler the caller mounts at /metrics.
//
// Inputs:
//   - ctx: used for resource detection and for shutdown on a failed setup.
//   - config: Application.Name names the service, Application.GoogleProjectId
//     selects the Cloud exporters.
//
// Outputs:
//   - *Telemetry: call Shutdown before the process exits to flush spans and metrics.
//   - error: when resource detection or an exporter fails. Providers set up
//     before the failure are shut down.
func SetupOpenTelemetry(ctx context.Context, config *cloud.Config) (*Telemetry, error) {
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	// Describe this process. On GCP the detector adds project, zone and instance.
	res, err := resource.New(ctx,
		resource.WithDetectors(gcp.NewDetector()),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.Application.Name),
		),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		slog.Warn("partial resource detection", "error", err)
	} else if err != nil {
		slog.Error("resource.New failed", "error", err)
		return nil, err
	}

	// OTEL_PROPAGATORS selects the propagators; W3C trace context by default.
	otel.SetTextMapPropagator(autoprop.NewTextMapPropagator())

	result := &Telemetry{Shutdown: shutdown}
	projectID := config.Application.GoogleProjectId

	// Traces.
	traceOptions := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if projectID != "" {
		traceExporter, err := telemetryexporter.New(telemetryexporter.WithProjectID(projectID))
		if err != nil {
			slog.Error("unable to set up trace exporter", "error", err)
			return nil, err
		}
		traceOptions = append(traceOptions, sdktrace.WithBatcher(traceExporter))
	}
	tp := sdktrace.NewTracerProvider(traceOptions...)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	otel.SetTracerProvider(tp)

	// Metrics: pushed to Cloud Monitoring, or pulled by Prometheus.
	var reader metric.Reader
	if projectID != "" {
		mExporter, err := mexporter.New(mexporter.WithProjectID(projectID))
		if err != nil {
			slog.Error("unable to set up metric exporter", "error", err)
			_ = shutdown(ctx)
			return nil, err
		}
		reader = metric.NewPeriodicReader(mExporter)
	} else {
		registry := prometheus.NewRegistry()
		promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			slog.Error("unable to set up prometheus exporter", "error", err)
			_ = shutdown(ctx)
			return nil, err
		}
		reader = promExporter
		result.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	mProvider := metric.NewMeterProvider(
		metric.WithReader(reader),
		metric.WithResource(res),
	)
	shutdownFuncs = append(shutdownFuncs, mProvider.Shutdown)
	otel.SetMeterProvider(mProvider)

	return result, nil
}
