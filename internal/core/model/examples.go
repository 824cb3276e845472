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

// Package model holds the transient data of an ad analysis. This file holds
// the example report shown to the structuring model and used by tests.
package model

import "encoding/json"

// GetExampleReport returns a filled-in draft used as a few-shot example when
// the structuring model is asked for JSON.
func GetExampleReport() *ReportDraft {
	return &ReportDraft{
		VisualAnalysis: &VisualAnalysis{
			ColorPalette:       []string{"#FF6B35", "#004E89"},
			CompositionQuality: "Very good: clear focal point, square format",
			CompositionScore:   85,
			EmotionalTone:      "Professional and approachable",
			CTAVisibility:      90,
			BrandElementPresence: map[string]BrandElement{
				"logo":    Present(true),
				"slogan":  Present(false),
				"product": PresentWithNote("Dashboard screenshot in the lower half"),
			},
		},
		CopywritingFeedback: &CopywritingFeedback{
			MessageConsistencyScore: 78,
			ToneMatch:               true,
			ToneDescription:         "Both professional and direct",
			CTAAlignment:            "Ad CTA 'Start now' leads to the registration form",
			PainPointCoverage:       "All three pain points of the ad are addressed on the landing page",
			PersuasionQuality:       "Good use of social proof and testimonials",
			ImprovementSuggestions: []string{
				"Reuse the ad wording in the landing page headline",
				"Communicate pricing earlier in the funnel",
			},
		},
		BrandCompliance: &BrandCompliance{
			BrandScore:             92,
			ToneAlignment:          "Consistent with 'professional, approachable'",
			VisualAlignment:        "Primary color #FF6B35 used correctly, fonts match",
			ProhibitedElements:     []string{"Use of 'cheap' in the landing page text"},
			ImprovementSuggestions: []string{"Replace 'cheap' with 'affordable'"},
			GuidelineCoverage:      85,
		},
		Recommendations: []Recommendation{
			{Title: "Sharpen the headline", Description: "Option 1: \"Cut reporting time in half\" Option 2: \"Reports in minutes, not days\"", Priority: LevelHigh},
			{Title: "Move the CTA above the fold", Description: "Place the registration button next to the hero image.", Priority: LevelMedium},
		},
		Warnings: []string{"Low confidence on color detection"},
	}
}

// GetExampleReportJSON is GetExampleReport rendered as indented JSON.
func GetExampleReportJSON() string {
	out, _ := json.MarshalIndent(GetExampleReport(), "", "  ")
	return string(out)
}
