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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/api"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/workflow"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/telemetry"
)

// environment supplies the configuration and the crew factory of a run.
type environment struct {
	loadConfig func() (*cloud.Config, error)
	newFactory func(ctx context.Context, config *cloud.Config) (api.CrewFactory, func(), error)
}

// defaultEnvironment loads configuration from ./configs (or GCP_CONFIG_PREFIX)
// and builds crews backed by real Gemini clients.
func defaultEnvironment() environment {
	return environment{
		loadConfig: func() (*cloud.Config, error) {
			if _, ok := os.LookupEnv(cloud.EnvConfigFilePrefix); !ok {
				if err := os.Setenv(cloud.EnvConfigFilePrefix, "configs"); err != nil {
					return nil, err
				}
			}
			config := cloud.NewConfig()
			return config, cloud.LoadConfig(config)
		},
		newFactory: func(ctx context.Context, config *cloud.Config) (api.CrewFactory, func(), error) {
			clients, err := cloud.NewCloudServiceClients(ctx, config)
			if err != nil {
				return nil, nil, err
			}
			return api.WorkflowFactory(config, clients), clients.Close, nil
		},
	}
}

// analyzeOptions holds the flags of the analyze command.
type analyzeOptions struct {
	adURL          string
	adFile         string
	landingPageURL string
	audience       string
	goal           string
	guidelines     string
	stream         bool
	asJSON         bool
	timeout        time.Duration
	logLevel       string
}

// newAnalyzeCmd builds the analyze subcommand.
//
// Inputs:
//   - env: supplies configuration and the crew factory.
//
// Outputs:
//   - *cobra.Command: runs one analysis. Its RunE returns an error, and the
//     process exits non-zero, when the input is invalid or the analysis fails.
func newAnalyzeCmd(env environment) *cobra.Command {
	opts := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze one ad creative and its landing page",
		Example: `  # Analyze a hosted creative
  adrater analyze --ad-url https://cdn.example.com/ad.png --landing-page-url https://example.com/offer

  # Analyze a local file and follow the agents as they work
  adrater analyze --ad-file ./ad.jpg --landing-page-url https://example.com/offer --stream

  # Print the structured report
  adrater analyze --ad-url gs://bucket/ad.png --landing-page-url https://example.com/offer --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.logLevel, _ = cmd.Flags().GetString("log-level")
			request, err := opts.request()
			if err != nil {
				return err
			}
			config, err := env.loadConfig()
			if err != nil {
				return err
			}
			// --timeout replaces the crew deadline for this run only.
			if opts.timeout > 0 {
				config.Crew.Deadline = opts.timeout
			}
			factory, closeFn, err := env.newFactory(cmd.Context(), config)
			if err != nil {
				return err
			}
			if closeFn != nil {
				defer closeFn()
			}
			return runAnalyze(cmd.Context(), opts, config, factory, request, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.adURL, "ad-url", "", "URL, data URL or gs:// reference of the ad creative")
	flags.StringVar(&opts.adFile, "ad-file", "", "Local path of the ad creative, takes precedence over --ad-url")
	flags.StringVar(&opts.landingPageURL, "landing-page-url", "", "URL of the landing page")
	flags.StringVar(&opts.audience, "audience", "", "Target audience")
	flags.StringVar(&opts.goal, "goal", "", "Campaign goal")
	flags.StringVar(&opts.guidelines, "guidelines", "", "Brand guidelines as a JSON object")
	flags.BoolVar(&opts.stream, "stream", false, "Print agent log lines to stderr while the analysis runs")
	flags.BoolVar(&opts.asJSON, "json", false, "Print the structured JSON report instead of the text report")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Override the overall analysis deadline")
	_ = cmd.MarkFlagRequired("landing-page-url")
	cmd.MarkFlagsMutuallyExclusive("stream", "json")
	return cmd
}

// request validates the flags and turns them into an analysis request. Unlike
// the HTTP gateway the CLI also accepts gs:// references, and a local --ad-file
// stays owned by the user: it is read but never removed.
func (o *analyzeOptions) request() (model.AnalysisRequest, error) {
	request := model.AnalysisRequest{
		AdURL:          o.adURL,
		AdFile:         o.adFile,
		LandingPageURL: o.landingPageURL,
		TargetAudience: o.audience,
		CampaignGoal:   o.goal,
	}
	if o.adURL == "" && o.adFile == "" {
		return request, errors.New("either --ad-url or --ad-file must be provided")
	}
	if o.adFile != "" {
		if _, err := os.Stat(o.adFile); err != nil {
			return request, fmt.Errorf("cannot read ad file: %w", err)
		}
	} else if !isGCSReference(o.adURL) {
		if err := model.ValidateAdURL(o.adURL); err != nil {
			return request, err
		}
	}
	if err := model.ValidateLandingPageURL(o.landingPageURL); err != nil {
		return request, err
	}
	if o.guidelines != "" {
		var guidelines map[string]any
		if err := json.Unmarshal([]byte(o.guidelines), &guidelines); err != nil {
			return request, errors.New("--guidelines must be a valid JSON object")
		}
		request.BrandGuidelines = guidelines
	}
	return request, nil
}

// isGCSReference reports whether ref is a well formed gs://bucket/object URI.
func isGCSReference(ref string) bool {
	_, err := cloud.ParseGCSURI(ref)
	return err == nil
}

// runAnalyze builds a crew and runs it in one of three output modes.
//
// Inputs:
//   - ctx: cancelled on Ctrl-C; the crew deadline applies on top of it.
//   - opts: selects the mode. --json prints the structured report, --stream
//     relays agent log lines to stderr while running, the default prints the
//     text report when the run ends.
//   - config: Gateway.EventBuffer sizes the relay channel in stream mode.
//   - factory: builds the crew for request.
//   - stdout, stderr: report output and log output.
//
// Outputs:
//   - error: nil when the analysis succeeded and its output was written.
func runAnalyze(ctx context.Context, opts *analyzeOptions, config *cloud.Config, factory api.CrewFactory, request model.AnalysisRequest, stdout, stderr io.Writer) error {
	level := telemetry.ParseLevel(opts.logLevel)
	base := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})

	// Structured report: the run error is already part of the report.
	if opts.asJSON {
		crew, err := factory(request, slog.New(base))
		if err != nil {
			return err
		}
		report, err := crew.Report(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
		if !report.Success {
			return errors.New("analysis failed")
		}
		return nil
	}

	if !opts.stream {
		crew, err := factory(request, slog.New(base))
		if err != nil {
			return err
		}
		return printResult(stdout, crew.Kickoff(ctx))
	}

	// Stream mode: log lines flow through a bounded channel to a writer goroutine
	// so slow terminals apply back pressure instead of dropping lines.
	buffer := config.Gateway.EventBuffer
	if buffer < 1 {
		buffer = 1
	}
	lines := make(chan string, buffer)
	logger := slog.New(telemetry.NewRelayHandler(slog.NewTextHandler(io.Discard, nil), func(line string) {
		lines <- line
	}, slog.LevelInfo))

	var result workflow.CrewResult
	g := new(errgroup.Group)
	g.Go(func() error {
		// Keep draining after a write error so the relay never blocks the crew.
		var writeErr error
		for line := range lines {
			if writeErr == nil {
				_, writeErr = fmt.Fprintln(stderr, line)
			}
		}
		return writeErr
	})
	g.Go(func() error {
		defer close(lines)
		crew, err := factory(request, logger)
		if err != nil {
			return err
		}
		result = crew.Kickoff(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return printResult(stdout, result)
}

// printResult writes the formatted report, or the formatted failure, and
// returns the run error so the process exits non-zero on failure.
func printResult(w io.Writer, result workflow.CrewResult) error {
	if _, err := fmt.Fprintln(w, workflow.FormatResult(result)); err != nil {
		return err
	}
	return result.Err
}
