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

// Package agents defines the five agents of an ad quality analysis. An agent
// is an immutable bundle of identity (role, goal, backstory), the tools it may
// call and the model that writes its answers. Agents are built once per crew
// from the configuration and never modified afterwards.
package agents

import (
	"fmt"
	"strings"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
)

// Tool names.
const (
	ToolVisionAnalyzer       = "gemini_vision_analyzer"
	ToolLandingPageExtractor = "landing_page_extractor"
)

// Agent is one member of the crew.
type Agent struct {
	Name      string
	Role      string
	Goal      string
	Backstory string
	Tools     []string
	// Model writes the agent's answer. It is nil for tool-only agents, whose
	// answer is the tool observation itself.
	Model cloud.ContentGenerator
}

// ToolOnly reports whether the agent answers without a model.
func (a Agent) ToolOnly() bool {
	return a.Model == nil
}

// HasTool reports whether the agent may call the named tool.
func (a Agent) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// SystemInstruction renders the identity of the agent as a system prompt.
func SystemInstruction(profile cloud.AgentProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s.\n", profile.Role)
	fmt.Fprintf(&sb, "Your goal: %s\n\n", profile.Goal)
	sb.WriteString(strings.TrimSpace(profile.Backstory))
	return sb.String()
}

// ModelResolver returns the model registered under key, configured with the
// given system instruction.
type ModelResolver func(key, instruction string) (cloud.ContentGenerator, error)

// ClientResolver resolves models from the rate-limited models of clients.
func ClientResolver(clients *cloud.ServiceClients) ModelResolver {
	return func(key, instruction string) (cloud.ContentGenerator, error) {
		m, err := clients.Model(key)
		if err != nil {
			return nil, err
		}
		return m.WithSystemInstruction(instruction), nil
	}
}

// Crew holds the five agents in task order.
type Crew struct {
	VisualAnalyst           Agent
	LandingPageScraper      Agent
	CopywritingExpert       Agent
	BrandConsistencyChecker Agent
	QualitySynthesizer      Agent
}

// ByName returns the agent with the given configuration key.
func (c *Crew) ByName(name string) (Agent, bool) {
	for _, a := range c.All() {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// All returns the agents in task order.
func (c *Crew) All() []Agent {
	return []Agent{c.VisualAnalyst, c.LandingPageScraper, c.CopywritingExpert, c.BrandConsistencyChecker, c.QualitySynthesizer}
}

// NewCrew builds the agents from config. Every agent with a model key gets its
// own model handle carrying its system instruction.
//
// Inputs:
//   - config: the agent profiles, keyed by the cloud.Agent* names. A profile
//     with an empty model key makes a tool-only agent.
//   - resolve: looks up the model of each profile.
//
// Outputs:
//   - *Crew: the five agents. The visual analyst holds the vision tool and
//     the landing page scraper holds the extractor; the others have no tools.
//   - error when a profile is missing or its model cannot be resolved.
func NewCrew(config *cloud.Config, resolve ModelResolver) (*Crew, error) {
	build := func(name string, tools ...string) (Agent, error) {
		profile, ok := config.Agents[name]
		if !ok {
			return Agent{}, fmt.Errorf("agent %q is not configured", name)
		}
		agent := Agent{
			Name:      name,
			Role:      profile.Role,
			Goal:      profile.Goal,
			Backstory: profile.Backstory,
			Tools:     tools,
		}
		if profile.Model != "" {
			m, err := resolve(profile.Model, SystemInstruction(profile))
			if err != nil {
				return Agent{}, fmt.Errorf("agent %q: %w", name, err)
			}
			agent.Model = m
		}
		return agent, nil
	}

	// Built in task order so the first missing profile is the one reported.
	var (
		crew Crew
		err  error
	)
	if crew.VisualAnalyst, err = build(cloud.AgentVisualAnalyst, ToolVisionAnalyzer); err != nil {
		return nil, err
	}
	if crew.LandingPageScraper, err = build(cloud.AgentLandingPageScraper, ToolLandingPageExtractor); err != nil {
		return nil, err
	}
	if crew.CopywritingExpert, err = build(cloud.AgentCopywritingExpert); err != nil {
		return nil, err
	}
	if crew.BrandConsistencyChecker, err = build(cloud.AgentBrandConsistencyChecker); err != nil {
		return nil, err
	}
	if crew.QualitySynthesizer, err = build(cloud.AgentQualitySynthesizer); err != nil {
		return nil, err
	}
	return &crew, nil
}
