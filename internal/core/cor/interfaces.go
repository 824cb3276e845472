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

// Package cor (Chain of Responsibility) provides the building blocks for running
// an analysis as an ordered sequence of commands that share one context.
//
// Core Concepts:
//   - Context: A state container shared by every command of a run. It carries
//     named values (task outputs, the request), errors keyed by command name in
//     the order they were recorded, temp files to clean up, and the Go
//     context.Context that bounds the run.
//   - Command: A single step. Commands never return errors; they record them on
//     the Context and increment their error counter.
//   - Chain: A Command that runs other Commands in order, piping CtxOut of one
//     into CtxIn of the next, and stopping on the first error or on the expiry
//     of the Go context.
package cor

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CtxIn is the key of the value piped into the next command.
	CtxIn = "__IN__"
	// CtxOut is the key a command writes its primary output to.
	CtxOut = "__OUT__"
)

// ErrTimeout marks errors caused by the expiry of a run deadline.
var ErrTimeout = errors.New("timeout")

// Context is the state shared by the commands of one run.
type Context interface {
	// SetContext replaces the Go context, normally with a span-carrying child.
	SetContext(context context.Context)
	// GetContext returns the current Go context.
	GetContext() context.Context
	// Add stores a value under key.
	Add(key string, value interface{}) Context
	// AddError records err for the command named key. A second error for the
	// same key replaces the first but keeps its position.
	AddError(key string, err error)
	// GetErrors returns the errors keyed by command name.
	GetErrors() map[string]error
	// Err joins the recorded errors in the order they were first recorded,
	// or returns nil.
	Err() error
	// Get returns the value stored under key, or nil.
	Get(key string) interface{}
	// Remove deletes key.
	Remove(key string)
	// HasErrors reports whether any command recorded an error.
	HasErrors() bool
	// AddTempFile registers a file to remove on Close.
	AddTempFile(file string)
	// GetTempFiles returns the registered temp files.
	GetTempFiles() []string
	// Close removes the temp files.
	Close()
}

// Executable is anything that can run against a Context.
type Executable interface {
	Execute(context Context)
}

// Command is a single, instrumented step of a chain.
type Command interface {
	Executable

	GetName() string
	GetInputParam() string
	GetOutputParam() string
	IsExecutable(context Context) bool
	GetTracer() trace.Tracer
	GetMeter() metric.Meter
	GetSuccessCounter() metric.Int64Counter
	GetErrorCounter() metric.Int64Counter
}

// Chain is a Command made of Commands.
type Chain interface {
	Command

	ContinueOnFailure(bool) Chain
	AddCommand(command Command) Chain
	// Commands returns the commands in execution order.
	Commands() []Command
}
