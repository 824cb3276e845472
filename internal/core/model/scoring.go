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
// the scoring rules: the configured weights of the three sub-analyses and how
// they combine into the overall score.
package model

import (
	"errors"
	"fmt"
	"math"
)

// Keys of the score breakdown.
const (
	DimensionVisual      = "visual"
	DimensionCopywriting = "copywriting"
	DimensionBrand       = "brand"
)

// ErrNoWeight is returned when every weight is zero.
var ErrNoWeight = errors.New("at least one score weight must be positive")

// ScoreWeights are the contributions of the three dimensions to the overall score.
type ScoreWeights struct {
	Visual      float64 `toml:"visual" json:"visual"`
	Copywriting float64 `toml:"copywriting" json:"copywriting"`
	Brand       float64 `toml:"brand" json:"brand"`
}

// Validate checks that every weight is in [0,1] and one is positive.
func (w ScoreWeights) Validate() error {
	for name, v := range map[string]float64{
		DimensionVisual:      w.Visual,
		DimensionCopywriting: w.Copywriting,
		DimensionBrand:       w.Brand,
	} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s=%v", ErrWeightOutOfRange, name, v)
		}
	}
	if w.Visual+w.Copywriting+w.Brand == 0 {
		return ErrNoWeight
	}
	return nil
}

// Overall computes the weighted overall score of the sections present in the
// draft. Weights of missing sections are redistributed proportionally, so a
// report with only some sections is still on the 0-100 scale. The breakdown
// records the configured weight of every present dimension.
func (w ScoreWeights) Overall(draft *ReportDraft) (Score, map[string]ScoreBreakdown, int, error) {
	breakdown := make(map[string]ScoreBreakdown)
	var weighted, total float64

	add := func(name string, score Score, weight float64) error {
		entry, err := NewScoreBreakdown(score, weight)
		if err != nil {
			return err
		}
		breakdown[name] = entry
		weighted += float64(score) * weight
		total += weight
		return nil
	}

	if draft.VisualAnalysis != nil {
		if err := add(DimensionVisual, draft.VisualAnalysis.CompositionScore, w.Visual); err != nil {
			return 0, nil, 0, err
		}
	}
	if draft.CopywritingFeedback != nil {
		if err := add(DimensionCopywriting, draft.CopywritingFeedback.MessageConsistencyScore, w.Copywriting); err != nil {
			return 0, nil, 0, err
		}
	}
	if draft.BrandCompliance != nil {
		if err := add(DimensionBrand, draft.BrandCompliance.BrandScore, w.Brand); err != nil {
			return 0, nil, 0, err
		}
	}

	// No section present: the score is zero and confidence will be Low.
	if total == 0 {
		return 0, breakdown, len(breakdown), nil
	}
	// Rounded to one decimal and clamped against float drift.
	overall := math.Round(weighted/total*10) / 10
	score, err := NewScore(math.Min(100, math.Max(0, overall)))
	return score, breakdown, len(breakdown), err
}
