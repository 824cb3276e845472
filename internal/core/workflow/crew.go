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

// Package workflow orchestrates an ad quality analysis. This file holds the
// crew: one run of the five tasks for one request.
//
// Logic Flow:
//  1. NewAdQualityCrew builds the agents, the task graph, the vision tool and
//     the landing page extractor from the configuration.
//  2. Kickoff (or Run, or Report) starts the single run. The tasks become the
//     commands of a chain and execute strictly in order under the deadline.
//  3. The outputs of every task are collected, including those of a failed run.
//  4. Report adds a structuring step and assembles the validated report.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/agents"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/commands"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/cor"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/tools"
)

// State is the lifecycle of a crew run.
type State string

const (
	StateInit      State = "init"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ErrAlreadyStarted is returned when a crew is kicked off a second time.
var ErrAlreadyStarted = errors.New("crew run already started")

const (
	crewChainName          = "ad-quality-crew"
	structureReportCommand = "structure_report"
)

// Dependencies are the collaborators of a crew.
type Dependencies struct {
	Config  *cloud.Config
	Resolve agents.ModelResolver
	// Objects reads gs:// ad references. Nil disables them.
	Objects tools.ObjectReader
	// Extractor overrides the configured browser/static extractor.
	Extractor tools.Extractor
	Logger    *slog.Logger
}

// ClientDependencies wires a crew to the service clients.
func ClientDependencies(config *cloud.Config, clients *cloud.ServiceClients, logger *slog.Logger) Dependencies {
	deps := Dependencies{
		Config:  config,
		Resolve: agents.ClientResolver(clients),
		Logger:  logger,
	}
	if clients.GCSReader != nil {
		deps.Objects = clients.GCSReader
	}
	return deps
}

// CrewResult is the outcome of one run.
type CrewResult struct {
	Output  string        // Output of the final task, empty on failure.
	Outputs map[string]string
	Draft   *model.ReportDraft // Set when the run was structured.
	Err     error
	Elapsed time.Duration
}

// AdQualityCrew runs the five analysis tasks for one request, strictly in
// order, each exactly once. A crew is single use.
type AdQualityCrew struct {
	config     *cloud.Config
	request    model.AnalysisRequest
	crew       *agents.Crew
	tasks      []model.Task
	vision     *tools.VisionAnalyzer
	extractor  tools.Extractor
	structurer cloud.ContentGenerator
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	state State
}

// NewAdQualityCrew builds the agents and the task graph for request. Empty
// audience and goal are replaced with the configured defaults.
//
// Inputs:
//   - deps: configuration, the model resolver and optional collaborators. A
//     nil Extractor selects the configured browser and static chain, a nil
//     Objects store leaves gs:// references unsupported, a nil Logger uses
//     slog.Default.
//   - request: the validated analysis request. When TempAdFile is set the
//     crew takes ownership of AdFile and removes it when the run ends.
//
// Outputs:
//   - *AdQualityCrew: ready for a single Kickoff, Run or Report call.
//   - error: cloud.ErrMissingAPIKey without a model credential, otherwise an
//     error for invalid score weights, agents, prompt templates or models.
func NewAdQualityCrew(deps Dependencies, request model.AnalysisRequest) (*AdQualityCrew, error) {
	config := deps.Config
	if config == nil {
		return nil, errors.New("crew configuration is required")
	}
	if !config.HasAPIKey() {
		return nil, cloud.ErrMissingAPIKey
	}
	if err := config.Crew.Weights.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	crew, err := agents.NewCrew(config, deps.Resolve)
	if err != nil {
		return nil, err
	}
	tasks, err := BuildTaskGraph(config.PromptTemplates)
	if err != nil {
		return nil, err
	}
	visionModel, err := deps.Resolve(cloud.ModelVision, "")
	if err != nil {
		return nil, fmt.Errorf("vision tool: %w", err)
	}
	structurer, err := deps.Resolve(cloud.ModelStructurer, agents.SystemInstruction(config.Agents[cloud.AgentQualitySynthesizer]))
	if err != nil {
		return nil, fmt.Errorf("report structurer: %w", err)
	}
	extractor := deps.Extractor
	if extractor == nil {
		extractor = tools.NewExtractor(config.Scraper, logger)
	}

	return &AdQualityCrew{
		config:     config,
		request:    request.WithDefaults(config.Crew.DefaultAudience, config.Crew.DefaultGoal),
		crew:       crew,
		tasks:      tasks,
		vision:     tools.NewVisionAnalyzer(visionModel, config.Vision, deps.Objects, logger),
		extractor:  extractor,
		structurer: structurer,
		logger:     logger,
		now:        time.Now,
		state:      StateInit,
	}, nil
}

// State returns the lifecycle state of the crew.
func (c *AdQualityCrew) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Request returns the request with defaults applied.
func (c *AdQualityCrew) Request() model.AnalysisRequest {
	return c.request
}

// Tasks returns the task graph.
func (c *AdQualityCrew) Tasks() []model.Task {
	return c.tasks
}

// start moves the crew from init to running, once.
func (c *AdQualityCrew) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return ErrAlreadyStarted
	}
	c.state = StateRunning
	return nil
}

func (c *AdQualityCrew) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateFailed
	} else {
		c.state = StateCompleted
	}
}

// buildChain creates the commands of one run. The vision analyzer draws from
// a budget scoped to this run.
func (c *AdQualityCrew) buildChain(budget *tools.CallBudget, structured bool) (cor.Chain, error) {
	observers := map[string]commands.Observer{
		cloud.AgentVisualAnalyst:      commands.VisionObserver{Analyzer: c.vision.WithBudget(budget).WithLogger(c.logger)},
		cloud.AgentLandingPageScraper: commands.LandingPageObserver{Extractor: c.extractor},
	}

	chain := cor.NewBaseChain(crewChainName)
	for _, task := range c.tasks {
		agent, ok := c.crew.ByName(task.Agent)
		if !ok {
			return nil, fmt.Errorf("task %s: unknown agent %s", task.Name, task.Agent)
		}
		command, err := commands.NewAgentTask(task, agent, observers[agent.Name], c.logger)
		if err != nil {
			return nil, err
		}
		chain.AddCommand(command)
	}
	if structured {
		structurer, err := commands.NewReportStructurer(structureReportCommand, c.structurer, c.config.PromptTemplates.ReportStructure, c.logger)
		if err != nil {
			return nil, err
		}
		chain.AddCommand(structurer)
	}
	return chain, nil
}

// Kickoff runs the five tasks under the configured deadline.
//
// Inputs:
//   - ctx: the caller's context. Crew.Deadline, when positive, is applied on
//     top of it.
//
// Outputs:
//   - CrewResult: Output holds the synthesized report and Outputs every task
//     answer produced. Err is set when a task failed, the deadline passed,
//     the run panicked or the crew was already started. Elapsed is always set.
func (c *AdQualityCrew) Kickoff(ctx context.Context) CrewResult {
	return c.kickoff(ctx, false)
}

// kickoff runs the chain, adding the structuring step when structured is set.
func (c *AdQualityCrew) kickoff(ctx context.Context, structured bool) (result CrewResult) {
	started := c.now()
	defer func() {
		result.Elapsed = c.now().Sub(started)
		if result.Elapsed < 0 {
			result.Elapsed = 0
		}
	}()

	// A second run is refused without touching the first one's state.
	if err := c.start(); err != nil {
		return CrewResult{Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("crew run panicked: %v", r)
			result.Output = ""
		}
		c.finish(result.Err)
	}()

	// The deadline covers every task and the structuring step.
	runCtx := ctx
	if c.config.Crew.Deadline > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.config.Crew.Deadline)
		defer cancel()
	}

	// A temporary upload belongs to the run from here on and is removed with it.
	chCtx := cor.NewBaseContextWith(runCtx)
	defer chCtx.Close()
	if c.request.TempAdFile && c.request.AdFile != "" {
		chCtx.AddTempFile(c.request.AdFile)
	}

	chain, err := c.buildChain(tools.NewCallBudget(c.config.Vision.CallBudget), structured)
	if err != nil {
		result.Err = err
		return result
	}

	request := c.request
	chCtx.Add(commands.KeyRequest, &request)
	chCtx.Add(cor.CtxIn, &request)

	c.logger.InfoContext(runCtx, "crew run started",
		"ad", request.AdSource(),
		"landing_page", request.LandingPageURL,
		"tasks", len(c.tasks))
	chain.Execute(chCtx)

	// Partial outputs are kept even for failed runs; the fallback report uses them.
	result.Outputs = make(map[string]string, len(c.tasks))
	for _, task := range c.tasks {
		if out, ok := chCtx.Get(task.Name).(string); ok {
			result.Outputs[task.Name] = out
		}
	}
	result.Draft, _ = chCtx.Get(commands.KeyDraft).(*model.ReportDraft)

	// Deadline errors are tagged with ErrTimeout so callers can tell them apart.
	if err := chCtx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, cor.ErrTimeout) {
			err = fmt.Errorf("%w: analysis exceeded the %s deadline: %w", cor.ErrTimeout, c.config.Crew.Deadline, err)
		}
		result.Err = err
		c.logger.ErrorContext(runCtx, "crew run failed", "error", err)
		return result
	}
	result.Output = result.Outputs[model.TaskSynthesizeReport]
	c.logger.InfoContext(runCtx, "crew run completed", "chars", len(result.Output))
	return result
}

// Run returns the final report text with a processing time footer, or a
// formatted failure message. It never returns an error.
func (c *AdQualityCrew) Run(ctx context.Context) string {
	return FormatResult(c.Kickoff(ctx))
}

// FormatResult renders a crew result as Markdown.
func FormatResult(result CrewResult) string {
	if result.Err != nil {
		return FormatFailure(result.Err, result.Elapsed)
	}
	return fmt.Sprintf("%s\n\n---\n\n**Processing time:** %.1f seconds", result.Output, result.Elapsed.Seconds())
}

// FormatFailure renders a failed run.
func FormatFailure(err error, elapsed time.Duration) string {
	return fmt.Sprintf("# Analysis Failed\n\n**Error:** %v\n\n**Processing time:** %.1f seconds\n\nPlease try again or contact support.",
		err, elapsed.Seconds())
}

// Report runs the tasks plus the structuring step and assembles the validated
// report. A failed run still yields a report, without success and with the
// errors listed. Only an invalid configuration returns an error.
//
// Inputs:
//   - ctx: as for Kickoff.
//
// Outputs:
//   - *model.AdQualityReport: scores are weighted with Crew.Weights, the
//     report carries a fresh ID and the processing time.
//   - error: only for invalid configuration, never for a failed run.
func (c *AdQualityCrew) Report(ctx context.Context) (*model.AdQualityReport, error) {
	// The structuring step runs inside the same chain and deadline as the tasks.
	result := c.kickoff(ctx, true)
	var errs []string
	if result.Err != nil {
		errs = append(errs, result.Err.Error())
	}
	return model.AssembleReport(model.ReportInput{
		ReportID: uuid.NewString(),
		Request:  c.request,
		Draft:    result.Draft,
		Errors:   errs,
		Elapsed:  result.Elapsed,
		Weights:  c.config.Crew.Weights,
		Now:      c.now().UTC(),
	})
}
