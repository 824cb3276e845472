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

// Package workflow defines the high-level orchestration of an ad quality
// analysis: the five-task graph and the crew that runs it as a command chain.
package workflow

import (
	"errors"
	"fmt"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/model"
)

// ErrInvalidTaskGraph is returned for a graph whose dependencies are not
// satisfied by earlier tasks.
var ErrInvalidTaskGraph = errors.New("invalid task graph")

// BuildTaskGraph returns the five tasks in execution order. The first two tasks
// have no upstream context, copywriting and brand compliance read both of them
// and the synthesis reads all four.
func BuildTaskGraph(templates cloud.PromptTemplates) ([]model.Task, error) {
	tasks := []model.Task{
		// 1. Visual critique of the creative, through the vision tool.
		{
			Name:           model.TaskAnalyzeAd,
			Description:    templates.VisualAnalysis.Description,
			ExpectedOutput: templates.VisualAnalysis.ExpectedOutput,
			Agent:          cloud.AgentVisualAnalyst,
		},
		// 2. Landing page text, through the extractor. Independent of task 1.
		{
			Name:           model.TaskScrapeLandingPage,
			Description:    templates.LandingPage.Description,
			ExpectedOutput: templates.LandingPage.ExpectedOutput,
			Agent:          cloud.AgentLandingPageScraper,
		},
		// 3. Ad copy against the landing page.
		{
			Name:           model.TaskCopywriting,
			Description:    templates.Copywriting.Description,
			ExpectedOutput: templates.Copywriting.ExpectedOutput,
			Agent:          cloud.AgentCopywritingExpert,
			Context:        []string{model.TaskAnalyzeAd, model.TaskScrapeLandingPage},
		},
		// 4. Brand check against the supplied guidelines, or generic B2B norms.
		{
			Name:           model.TaskBrandCompliance,
			Description:    templates.BrandCompliance.Description,
			ExpectedOutput: templates.BrandCompliance.ExpectedOutput,
			Agent:          cloud.AgentBrandConsistencyChecker,
			Context:        []string{model.TaskAnalyzeAd, model.TaskScrapeLandingPage},
		},
		// 5. Final report from all four analyses.
		{
			Name:           model.TaskSynthesizeReport,
			Description:    templates.Synthesis.Description,
			ExpectedOutput: templates.Synthesis.ExpectedOutput,
			Agent:          cloud.AgentQualitySynthesizer,
			Context:        []string{model.TaskAnalyzeAd, model.TaskScrapeLandingPage, model.TaskCopywriting, model.TaskBrandCompliance},
		},
	}
	if err := ValidateTaskGraph(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ValidateTaskGraph checks that task names are unique and every dependency
// names an earlier task.
func ValidateTaskGraph(tasks []model.Task) error {
	seen := make(map[string]bool, len(tasks))
	for i, task := range tasks {
		if task.Name == "" {
			return fmt.Errorf("%w: task %d has no name", ErrInvalidTaskGraph, i+1)
		}
		if seen[task.Name] {
			return fmt.Errorf("%w: duplicate task %s", ErrInvalidTaskGraph, task.Name)
		}
		for _, dep := range task.Context {
			if !seen[dep] {
				return fmt.Errorf("%w: %s depends on %s, which does not run before it", ErrInvalidTaskGraph, task.Name, dep)
			}
		}
		seen[task.Name] = true
	}
	return nil
}
