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

// Package tools implements the deterministic helpers the agents work with: the
// vision analyzer for ad creatives and the landing page extractors. Every tool
// reports failures as values so a run can carry on with degraded input.
package tools

import "sync/atomic"

// CallBudget caps the number of calls a tool may make during one run.
// A nil budget is unlimited.
type CallBudget struct {
	limit int64
	used  atomic.Int64
}

// NewCallBudget allows limit calls. A limit below zero is treated as zero.
func NewCallBudget(limit int) *CallBudget {
	if limit < 0 {
		limit = 0
	}
	return &CallBudget{limit: int64(limit)}
}

// Take consumes one call and reports whether it was within the limit.
func (b *CallBudget) Take() bool {
	if b == nil {
		return true
	}
	return b.used.Add(1) <= b.limit
}

// Used returns the number of calls taken, including refused ones.
func (b *CallBudget) Used() int {
	if b == nil {
		return 0
	}
	return int(b.used.Load())
}

// Limit returns the configured number of calls.
func (b *CallBudget) Limit() int {
	if b == nil {
		return -1
	}
	return int(b.limit)
}
