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

// Package main is the command line client of the ad quality rater. It runs one
// analysis in process, without the HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is reported by --version. Release builds override it with -ldflags.
var version = "1.0.0"

func main() {
	// Ctrl-C cancels the running analysis through the command context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(defaultEnvironment()).ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the adrater command tree.
//
// Inputs:
//   - env: how subcommands load configuration and build crews. Tests pass a
//     fake environment; main passes defaultEnvironment().
//
// Outputs:
//   - *cobra.Command: the root command with the analyze subcommand attached.
func newRootCmd(env environment) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "adrater",
		Short: "Rate the quality of a LinkedIn B2B ad against its landing page",
		Long: `adrater runs the five agent analysis crew on one ad creative and its
landing page and prints the final report.

Configuration is read from GCP_CONFIG_PREFIX/.env.toml, the runtime specific
file and the environment. GEMINI_API_KEY must be set.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("log-level", "l", "warn", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(newAnalyzeCmd(env))
	return rootCmd
}
