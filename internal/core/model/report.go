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

// Package model holds the transient data of an ad analysis. This file defines
// the report schema: the draft the structuring model answers with and the
// validated report returned by the JSON endpoint.
//
// Validation happens while decoding. Scores must lie in [0, 100], confidence
// and priority levels must be exactly Low, Medium or High, and a brand element
// is either a boolean or a note. A draft with any
// invalid field is rejected as a whole, so a report never carries a partly
// valid section.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrScoreOutOfRange is returned for a score outside [0,100].
	ErrScoreOutOfRange = errors.New("score must be between 0 and 100")
	// ErrWeightOutOfRange is returned for a weight outside [0,1].
	ErrWeightOutOfRange = errors.New("weight must be between 0 and 1")
	// ErrInvalidLevel is returned for a priority or confidence outside High, Medium, Low.
	ErrInvalidLevel = errors.New("level must be one of High, Medium, Low")
	// ErrInvalidBrandElement is returned for a brand element that is neither a boolean nor a string.
	ErrInvalidBrandElement = errors.New("brand element must be a boolean or a string")
)

// Score is a rating in [0,100]. Decoding an out-of-range value fails.
type Score float64

// NewScore validates v.
func NewScore(v float64) (Score, error) {
	if v < 0 || v > 100 || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %v", ErrScoreOutOfRange, v)
	}
	return Score(v), nil
}

// UnmarshalJSON decodes a number and rejects it outside [0,100].
func (s *Score) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := NewScore(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Level is the closed set used for priorities and confidence.
type Level string

const (
	LevelHigh   Level = "High"
	LevelMedium Level = "Medium"
	LevelLow    Level = "Low"
)

// ParseLevel accepts exactly High, Medium or Low.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelHigh, LevelMedium, LevelLow:
		return Level(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// UnmarshalJSON rejects any level outside the closed set.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// BrandElement records whether a brand element was found, either as a plain
// flag or as a descriptive note. On the wire it is a JSON boolean or string.
type BrandElement struct {
	present bool
	note    string
	hasNote bool
}

// Present creates a flag element.
func Present(found bool) BrandElement {
	return BrandElement{present: found}
}

// PresentWithNote creates a descriptive element.
func PresentWithNote(note string) BrandElement {
	return BrandElement{present: true, note: note, hasNote: true}
}

// Note returns the description of a descriptive element.
func (b BrandElement) Note() (string, bool) {
	return b.note, b.hasNote
}

// IsPresent is the flag value, true for descriptive elements.
func (b BrandElement) IsPresent() bool {
	return b.present
}

// MarshalJSON writes the note when there is one, the flag otherwise.
func (b BrandElement) MarshalJSON() ([]byte, error) {
	if b.hasNote {
		return json.Marshal(b.note)
	}
	return json.Marshal(b.present)
}

// UnmarshalJSON accepts a boolean or a string. A string is a present element
// with a note, even when empty.
func (b *BrandElement) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var flag bool
	if err := json.Unmarshal(data, &flag); err == nil {
		*b = Present(flag)
		return nil
	}
	var note string
	if err := json.Unmarshal(data, &note); err == nil {
		*b = PresentWithNote(note)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidBrandElement, data)
}

// VisualAnalysis is the structured result of the visual critique.
type VisualAnalysis struct {
	// ColorPalette lists the dominant colors as hex codes.
	ColorPalette         []string                `json:"color_palette"`
	CompositionQuality   string                  `json:"composition_quality"`
	// CompositionScore feeds the visual dimension of the overall score.
	CompositionScore     Score                   `json:"composition_score"`
	EmotionalTone        string                  `json:"emotional_tone"`
	CTAVisibility        Score                   `json:"cta_visibility"`
	// BrandElementPresence maps element names such as "logo" to a flag or a note.
	BrandElementPresence map[string]BrandElement `json:"brand_element_presence"`
}

// CopywritingFeedback is the structured result of the copy comparison.
type CopywritingFeedback struct {
	// MessageConsistencyScore rates how well the ad's promise matches the
	// landing page. It feeds the copywriting dimension.
	MessageConsistencyScore Score    `json:"message_consistency_score"`
	ToneMatch               bool     `json:"tone_match"`
	ToneDescription         string   `json:"tone_description"`
	CTAAlignment            string   `json:"cta_alignment"`
	PainPointCoverage       string   `json:"pain_point_coverage"`
	PersuasionQuality       string   `json:"persuasion_quality"`
	ImprovementSuggestions  []string `json:"improvement_suggestions"`
}

// BrandCompliance is the structured result of the brand check.
type BrandCompliance struct {
	// BrandScore feeds the brand dimension of the overall score.
	BrandScore             Score    `json:"brand_score"`
	ToneAlignment          string   `json:"tone_alignment"`
	VisualAlignment        string   `json:"visual_alignment"`
	ProhibitedElements     []string `json:"prohibited_elements"`
	ImprovementSuggestions []string `json:"improvement_suggestions"`
	// GuidelineCoverage is the share of the brand guidelines the check covered, in percent.
	GuidelineCoverage      Score    `json:"guideline_coverage"`
}

// Recommendation is one prioritised action item.
type Recommendation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    Level  `json:"priority"`
}

// NewRecommendation validates the priority.
func NewRecommendation(title, description, priority string) (Recommendation, error) {
	level, err := ParseLevel(priority)
	if err != nil {
		return Recommendation{}, err
	}
	return Recommendation{Title: title, Description: description, Priority: level}, nil
}

// ScoreBreakdown shows how one dimension contributed to the overall score.
type ScoreBreakdown struct {
	Score  Score   `json:"score"`
	Weight float64 `json:"weight"`
}

// NewScoreBreakdown validates the weight.
func NewScoreBreakdown(score Score, weight float64) (ScoreBreakdown, error) {
	if weight < 0 || weight > 1 {
		return ScoreBreakdown{}, fmt.Errorf("%w: %v", ErrWeightOutOfRange, weight)
	}
	return ScoreBreakdown{Score: score, Weight: weight}, nil
}

// UnmarshalJSON validates the weight of a decoded breakdown.
func (b *ScoreBreakdown) UnmarshalJSON(data []byte) error {
	var raw struct {
		Score  Score   `json:"score"`
		Weight float64 `json:"weight"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := NewScoreBreakdown(raw.Score, raw.Weight)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ReportDraft is the part of a report the structuring model fills in.
type ReportDraft struct {
	VisualAnalysis      *VisualAnalysis      `json:"visual_analysis,omitempty"`
	CopywritingFeedback *CopywritingFeedback `json:"copywriting_feedback,omitempty"`
	BrandCompliance     *BrandCompliance     `json:"brand_compliance,omitempty"`
	Recommendations     []Recommendation     `json:"recommendations"`
	Warnings            []string             `json:"warnings"`
}

// ParseReportDraft decodes model output. Any out-of-range score or unknown
// level fails the whole draft.
func ParseReportDraft(data []byte) (*ReportDraft, error) {
	draft := &ReportDraft{}
	if err := json.Unmarshal(data, draft); err != nil {
		return nil, fmt.Errorf("invalid report draft: %w", err)
	}
	return draft, nil
}

// AdQualityReport is the validated result of the JSON endpoint.
type AdQualityReport struct {
	// ReportID is a fresh UUID per report. The JSON endpoint also returns it
	// as the analysis ID.
	ReportID              string                    `json:"report_id"`
	Timestamp             time.Time                 `json:"timestamp"`
	// AdURL is the printable ad source; data URLs and uploads are replaced by
	// placeholders so the payload never appears in a report.
	AdURL                 string                    `json:"ad_url"`
	LandingPageURL        string                    `json:"landing_page_url"`
	OverallScore          Score                     `json:"overall_score"`
	VisualAnalysis        *VisualAnalysis           `json:"visual_analysis,omitempty"`
	CopywritingFeedback   *CopywritingFeedback      `json:"copywriting_feedback,omitempty"`
	BrandCompliance       *BrandCompliance          `json:"brand_compliance,omitempty"`
	// Success is false whenever Errors is not empty.
	Success               bool                      `json:"success"`
	Errors                []string                  `json:"errors"`
	Warnings              []string                  `json:"warnings"`
	ProcessingTimeSeconds float64                   `json:"processing_time_seconds"`
	ConfidenceLevel       Level                     `json:"confidence_level"`
	// ScoreBreakdown holds one entry per present dimension, keyed "visual",
	// "copywriting" and "brand".
	ScoreBreakdown        map[string]ScoreBreakdown `json:"score_breakdown"`
	Recommendations       []Recommendation          `json:"recommendations"`
}

// ReportInput collects what AssembleReport needs.
type ReportInput struct {
	ReportID string
	Request  AnalysisRequest
	Draft    *ReportDraft // Nil when the run produced no structured output.
	Errors   []string
	Elapsed  time.Duration
	Weights  ScoreWeights
	Now      time.Time
}

// AssembleReport computes the overall score, the breakdown and the confidence
// from the draft and returns a complete report. A report with errors is not
// successful and has Low confidence.
//
// Inputs:
//   - in: the run's draft, errors and timing. A nil Draft yields a report
//     with an overall score of zero.
//
// Outputs:
//   - *AdQualityReport: the overall score is the weighted mean of the present
//     sub-scores, see ScoreWeights.Overall. Confidence is High with three
//     sub-analyses, Medium with two and Low otherwise.
//   - error for invalid weights or an out of range sub-score.
func AssembleReport(in ReportInput) (*AdQualityReport, error) {
	if err := in.Weights.Validate(); err != nil {
		return nil, err
	}
	draft := in.Draft
	if draft == nil {
		draft = &ReportDraft{}
	}
	if in.Elapsed < 0 {
		in.Elapsed = 0
	}

	overall, breakdown, present, err := in.Weights.Overall(draft)
	if err != nil {
		return nil, err
	}

	report := &AdQualityReport{
		ReportID:              in.ReportID,
		Timestamp:             in.Now,
		AdURL:                 in.Request.AdSource(),
		LandingPageURL:        in.Request.LandingPageURL,
		OverallScore:          overall,
		VisualAnalysis:        draft.VisualAnalysis,
		CopywritingFeedback:   draft.CopywritingFeedback,
		BrandCompliance:       draft.BrandCompliance,
		Success:               len(in.Errors) == 0,
		Errors:                append([]string{}, in.Errors...),
		Warnings:              append([]string{}, draft.Warnings...),
		ProcessingTimeSeconds: in.Elapsed.Seconds(),
		ConfidenceLevel:       ConfidenceFor(present),
		ScoreBreakdown:        breakdown,
		Recommendations:       append([]Recommendation{}, draft.Recommendations...),
	}
	if !report.Success {
		report.ConfidenceLevel = LevelLow
	}
	return report, nil
}

// ConfidenceFor maps the number of present sub-analyses to a confidence level.
func ConfidenceFor(present int) Level {
	switch {
	case present >= 3:
		return LevelHigh
	case present == 2:
		return LevelMedium
	default:
		return LevelLow
	}
}
