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

// Package cor implements the Chain of Responsibility runtime the crew is built
// on. This file holds the context shared by the commands of a chain: the
// values they exchange, the errors they record and the temp files removed
// when the run is over.
package cor

import (
	"context"
	"errors"
	"log/slog"
	"os"
)

// BaseContext is the default Context. It is owned by a single run and is not
// safe for concurrent use.
type BaseContext struct {
	data      map[string]interface{}
	errors    map[string]error
	errorKeys []string // First-recorded order of the keys of errors.
	tempFiles []string
	context   context.Context
}

// NewBaseContext creates an empty context. The caller must set the Go context
// before the first command runs.
func NewBaseContext() Context {
	return &BaseContext{
		data:      make(map[string]interface{}),
		errors:    make(map[string]error),
		tempFiles: make([]string, 0),
	}
}

// NewBaseContextWith creates an empty context bound to ctx.
func NewBaseContextWith(ctx context.Context) Context {
	c := NewBaseContext()
	c.SetContext(ctx)
	return c
}

func (c *BaseContext) SetContext(context context.Context) {
	c.context = context
}

func (c *BaseContext) GetContext() context.Context {
	return c.context
}

// Close removes every registered temp file. Files already gone are not an error.
func (c *BaseContext) Close() {
	for _, file := range c.tempFiles {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove temporary file", "file", file, "error", err)
		}
	}
	c.tempFiles = c.tempFiles[:0]
}

func (c *BaseContext) Add(key string, value interface{}) Context {
	c.data[key] = value
	return c
}

// AddTempFile registers file for removal by Close.
func (c *BaseContext) AddTempFile(file string) {
	c.tempFiles = append(c.tempFiles, file)
}

func (c *BaseContext) GetTempFiles() []string {
	return c.tempFiles
}

// AddError records err under key. A nil err is ignored; a key keeps its first position.
func (c *BaseContext) AddError(key string, err error) {
	if err == nil {
		return
	}
	if _, seen := c.errors[key]; !seen {
		c.errorKeys = append(c.errorKeys, key)
	}
	c.errors[key] = err
}

func (c *BaseContext) GetErrors() map[string]error {
	return c.errors
}

// Err joins the recorded errors in the order they were first recorded.
func (c *BaseContext) Err() error {
	if len(c.errorKeys) == 0 {
		return nil
	}
	errs := make([]error, 0, len(c.errorKeys))
	for _, key := range c.errorKeys {
		errs = append(errs, c.errors[key])
	}
	return errors.Join(errs...)
}

func (c *BaseContext) Get(key string) interface{} {
	return c.data[key]
}

func (c *BaseContext) Remove(key string) {
	delete(c.data, key)
}

func (c *BaseContext) HasErrors() bool {
	return len(c.errors) > 0
}
