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

package commands

import (
	"fmt"
	"log/slog"
	"text/template"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/cor"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
	"google.golang.org/genai"
)

// structuredTasks are the task outputs the structuring prompt reads.
var structuredTasks = []string{
	model.TaskAnalyzeAd,
	model.TaskCopywriting,
	model.TaskBrandCompliance,
	model.TaskSynthesizeReport,
}

// ReportStructurer converts the free-text task outputs into a report draft.
// The prompt carries an example report (few-shot) and the model answers with
// JSON, which is validated against the report schema.
type ReportStructurer struct {
	cor.BaseCommand
	generativeAIModel cloud.ContentGenerator
	template          *template.Template
	counters          cloud.ModelCounters
	logger            *slog.Logger
}

// NewReportStructurer creates the structuring command.
//
// Inputs:
//   - name: the command name, used for spans and metrics.
//   - generativeAIModel: the model that answers with the report JSON.
//   - prompt: the structuring template. It receives the request fields, the
//     example report and the outputs of the analysis tasks.
//   - logger: nil uses slog.Default.
//
// Outputs:
//   - *ReportStructurer writing a *model.ReportDraft under KeyDraft.
//   - error when the template does not parse.
func NewReportStructurer(name string, generativeAIModel cloud.ContentGenerator, prompt cloud.TaskTemplate, logger *slog.Logger) (*ReportStructurer, error) {
	t, err := ParseTemplate(name, prompt.Description+"\n\n"+prompt.ExpectedOutput)
	if err != nil {
		return nil, fmt.Errorf("invalid report structure template: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := &ReportStructurer{
		BaseCommand:       *cor.NewBaseCommand(name),
		generativeAIModel: generativeAIModel,
		template:          t,
		logger:            logger,
	}
	out.OutputParamName = KeyDraft
	out.counters = cloud.NewModelCounters(out.GetMeter(), name+".gemini")
	return out, nil
}

// IsExecutable requires a bound Go context and the analysis request.
func (s *ReportStructurer) IsExecutable(context cor.Context) bool {
	if context == nil || context.GetContext() == nil {
		return false
	}
	_, ok := context.Get(KeyRequest).(*model.AnalysisRequest)
	return ok
}

// Execute renders the prompt, makes one model call and validates the answer.
// A missing task output, a model error or an answer that does not match the
// report schema fails the command; nothing is written to KeyDraft then.
func (s *ReportStructurer) Execute(context cor.Context) {
	ctx := context.GetContext()
	request := context.Get(KeyRequest).(*model.AnalysisRequest)

	data := NewPromptData(request)
	data.Example = model.GetExampleReportJSON()
	for _, task := range structuredTasks {
		value, ok := context.Get(task).(string)
		if !ok {
			s.Fail(context, fmt.Errorf("missing output of task %s", task))
			return
		}
		data.Context[task] = value
	}

	prompt, err := Render(s.template, data)
	if err != nil {
		s.Fail(context, fmt.Errorf("failed to render prompt: %w", err))
		return
	}

	s.logger.InfoContext(ctx, "structuring report")
	out, err := cloud.GenerateMultiModalResponse(ctx, s.counters, s.generativeAIModel, taskAttempts,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)})
	if err != nil {
		s.Fail(context, fmt.Errorf("report structuring failed: %w", err))
		return
	}

	// Models often wrap JSON in a Markdown fence.
	draft, err := model.ParseReportDraft([]byte(cloud.StripCodeFence(out)))
	if err != nil {
		s.Fail(context, err)
		return
	}
	s.Succeed(context)
	context.Add(KeyDraft, draft)
	context.Add(cor.CtxOut, draft)
}
