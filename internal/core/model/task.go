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

package model

// Task names double as the keys under which task outputs are stored and as the
// names prompt templates use to reference upstream outputs.
const (
	TaskAnalyzeAd         = "analyze_ad"
	TaskScrapeLandingPage = "scrape_landing_page"
	TaskCopywriting       = "copywriting"
	TaskBrandCompliance   = "brand_compliance"
	TaskSynthesizeReport  = "synthesize_report"
)

// Task is one step of a crew run. It is built fresh for every run and not
// modified afterwards.
type Task struct {
	Name           string
	Description    string   // text/template source of the prompt.
	ExpectedOutput string   // text/template source of the output contract.
	Agent          string   // Key of the bound agent.
	Context        []string // Names of the upstream tasks whose outputs the prompt may reference.
}
