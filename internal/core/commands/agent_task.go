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

// Package commands provides the concrete implementations of the Chain of
// Responsibility (COR) pattern's Command interface for an ad quality analysis.
//
// Logic Flow:
//  1. Every crew task is an AgentTask. It reads the request from the context,
//     runs the agent's tool (if any) and renders the task prompt with the
//     outputs of the upstream tasks it declares.
//  2. The agent's model answers the prompt. Tool-only agents answer with the
//     tool observation.
//  3. The answer is stored under the task name, where dependent tasks pick it
//     up, and under CtxOut.
//  4. The ReportStructurer turns the task outputs into a validated report draft.
package commands

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/agents"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/cor"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"google.golang.org/genai"
)

// Every task calls its model exactly once. A transport failure fails the task.
const taskAttempts = 1

// PromptData is the data prompt templates are rendered with.
type PromptData struct {
	AdSource        string
	LandingPageURL  string
	TargetAudience  string
	CampaignGoal    string
	BrandGuidelines string
	Observation     string
	// Context holds the outputs of the declared upstream tasks only, so a
	// template referencing any other task fails to render.
	Context map[string]string
	Example string
}

// NewPromptData fills the request fields of the template data.
func NewPromptData(request *model.AnalysisRequest) PromptData {
	return PromptData{
		AdSource:        request.AdSource(),
		LandingPageURL:  request.LandingPageURL,
		TargetAudience:  request.TargetAudience,
		CampaignGoal:    request.CampaignGoal,
		BrandGuidelines: request.BrandGuidelinesText(),
		Context:         map[string]string{},
	}
}

// ParseTemplate parses a prompt template that rejects unknown map keys.
func ParseTemplate(name, source string) (*template.Template, error) {
	return template.New(name).Option("missingkey=error").Parse(source)
}

// Render executes t with data. A template referencing an undeclared task
// output fails here because of missingkey=error.
func Render(t *template.Template, data PromptData) (string, error) {
	var buffer bytes.Buffer
	if err := t.Execute(&buffer, data); err != nil {
		return "", err
	}
	return buffer.String(), nil
}

// AgentTask is the command that performs one crew task.
type AgentTask struct {
	cor.BaseCommand
	task        model.Task
	agent       agents.Agent
	observer    Observer
	description *template.Template
	expected    *template.Template
	counters    cloud.ModelCounters
	logger      *slog.Logger
}

// NewAgentTask parses the task templates and binds the task to its agent.
//
// Inputs:
//   - task: the task definition. Its Description and ExpectedOutput are
//     text/template sources rendered with PromptData.
//   - agent: the agent performing the task.
//   - observer: the agent's tool. It may be nil for agents without tools, and
//     must be set for tool-only agents.
//   - logger: nil uses slog.Default. Every line carries the agent role and
//     the task name.
//
// Outputs:
//   - *AgentTask writing its answer under the task name.
//   - error when a template does not parse or a tool-only agent has no observer.
func NewAgentTask(task model.Task, agent agents.Agent, observer Observer, logger *slog.Logger) (*AgentTask, error) {
	if agent.ToolOnly() && observer == nil {
		return nil, fmt.Errorf("task %s: agent %s has neither a model nor a tool", task.Name, agent.Name)
	}
	description, err := ParseTemplate(task.Name, task.Description)
	if err != nil {
		return nil, fmt.Errorf("task %s: invalid description template: %w", task.Name, err)
	}
	expected, err := ParseTemplate(task.Name+".expected", task.ExpectedOutput)
	if err != nil {
		return nil, fmt.Errorf("task %s: invalid expected output template: %w", task.Name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := &AgentTask{
		BaseCommand: *cor.NewBaseCommand(task.Name),
		task:        task,
		agent:       agent,
		observer:    observer,
		description: description,
		expected:    expected,
		logger:      logger.With("agent", agent.Role, "task", task.Name),
	}
	out.OutputParamName = task.Name
	out.counters = cloud.NewModelCounters(out.GetMeter(), task.Name+".gemini")
	return out, nil
}

// Task returns the task definition.
func (t *AgentTask) Task() model.Task {
	return t.task
}

// IsExecutable requires the request. Upstream outputs are checked while rendering.
func (t *AgentTask) IsExecutable(context cor.Context) bool {
	if context == nil || context.GetContext() == nil {
		return false
	}
	_, ok := context.Get(KeyRequest).(*model.AnalysisRequest)
	return ok
}

// Execute performs the task: it collects the declared upstream outputs, runs
// the tool, renders the prompt and makes one model call. Any failure is
// recorded on the context and stops the task without writing an output.
func (t *AgentTask) Execute(context cor.Context) {
	ctx := context.GetContext()
	request := context.Get(KeyRequest).(*model.AnalysisRequest)
	started := time.Now()

	// Only declared upstream outputs are visible to the templates.
	data := NewPromptData(request)
	for _, upstream := range t.task.Context {
		value, ok := context.Get(upstream).(string)
		if !ok {
			t.Fail(context, fmt.Errorf("missing output of upstream task %s", upstream))
			return
		}
		data.Context[upstream] = value
	}

	t.logger.InfoContext(ctx, "task started")
	// Tool failures come back as observation text the agent can reason about.
	if t.observer != nil {
		t.logger.InfoContext(ctx, "using tool", "tool", strings.Join(t.agent.Tools, ","))
		data.Observation = t.observer.Observe(ctx, request)
	}

	prompt, err := Render(t.description, data)
	if err != nil {
		t.Fail(context, fmt.Errorf("failed to render prompt: %w", err))
		return
	}
	expected, err := Render(t.expected, data)
	if err != nil {
		t.Fail(context, fmt.Errorf("failed to render expected output: %w", err))
		return
	}

	// Tool-only agents hand the observation on unchanged.
	var answer string
	if t.agent.ToolOnly() {
		answer = data.Observation
	} else {
		contents := []*genai.Content{
			genai.NewContentFromText(fmt.Sprintf("%s\n\nExpected output:\n%s", prompt, expected), genai.RoleUser),
		}
		answer, err = cloud.GenerateMultiModalResponse(ctx, t.counters, t.agent.Model, taskAttempts, contents)
		if err != nil {
			t.Fail(context, fmt.Errorf("%s failed: %w", t.agent.Role, err))
			return
		}
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		t.Fail(context, errors.New("task produced no output"))
		return
	}

	t.logger.InfoContext(ctx, "task completed",
		"chars", len(answer),
		"seconds", fmt.Sprintf("%.1f", time.Since(started).Seconds()))
	// Stored under the task name for downstream tasks and under CtxOut for the chain.
	t.Succeed(context)
	context.Add(t.task.Name, answer)
	context.Add(cor.CtxOut, answer)
}
