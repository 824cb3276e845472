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

package cor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
)

// BaseChain runs its commands strictly in order. Each command gets a child span
// and sees the previous command's CtxOut as its CtxIn.
//
// The chain stops before the next command when the context holds an error
// (unless ContinueOnFailure is set) or when the Go context is done. A done
// context is recorded as an error under the chain's name, tagged with
// ErrTimeout when the deadline passed.
type BaseChain struct {
	BaseCommand
	continueOnFailure bool
	commands          []Command
}

// NewBaseChain creates an empty chain.
func NewBaseChain(name string) *BaseChain {
	return &BaseChain{BaseCommand: *NewBaseCommand(name)}
}

// ContinueOnFailure lets later commands run after an earlier one failed.
// A done Go context still stops the chain.
func (c *BaseChain) ContinueOnFailure(continueOnFailure bool) Chain {
	c.continueOnFailure = continueOnFailure
	return c
}

func (c *BaseChain) AddCommand(command Command) Chain {
	c.commands = append(c.commands, command)
	return c
}

func (c *BaseChain) Commands() []Command {
	return c.commands
}

// IsExecutable only needs a Go context. The first command decides about its input.
func (c *BaseChain) IsExecutable(context Context) bool {
	return context != nil && context.GetContext() != nil
}

// Execute runs the commands in order under a chain span. The context's Go
// context is restored when Execute returns.
func (c *BaseChain) Execute(chCtx Context) {
	parentCtx := chCtx.GetContext()

	outerCtx, chainSpan := c.Tracer.Start(parentCtx, fmt.Sprintf("%s_execute", c.GetName()))
	defer chainSpan.End()
	defer chCtx.SetContext(parentCtx)

	for _, command := range c.commands {
		// Stop on a done Go context first, so a timeout is reported even when
		// an earlier command already failed.
		if c.recordInterruption(outerCtx, chCtx, command) {
			break
		}
		if chCtx.HasErrors() && !c.continueOnFailure {
			break
		}

		commandContext, commandSpan := c.Tracer.Start(outerCtx, command.GetName())

		// Commands see their own span through the Go context.
		if command.IsExecutable(chCtx) {
			chCtx.SetContext(commandContext)
			command.Execute(chCtx)
			chCtx.SetContext(outerCtx)
		} else {
			commandSpan.SetStatus(codes.Error, fmt.Sprintf("command not executable: %s", command.GetName()))
		}

		if _, failed := chCtx.GetErrors()[command.GetName()]; failed {
			commandSpan.SetStatus(codes.Error, "error during command execution")
		} else {
			commandSpan.SetStatus(codes.Ok, "command completed successfully")
		}
		commandSpan.End()

		// Hand this command's output to the next one.
		outputValue := chCtx.Get(CtxOut)
		chCtx.Remove(CtxIn)
		if outputValue != nil {
			chCtx.Add(CtxIn, outputValue)
		}
		chCtx.Remove(CtxOut)
	}

	if !chCtx.HasErrors() {
		chainSpan.SetStatus(codes.Ok, "chain completed successfully")
		c.Succeed(chCtx)
	} else {
		chainSpan.SetStatus(codes.Error, "chain failed to execute")
	}
}

// recordInterruption records a done Go context and reports whether the chain must stop.
func (c *BaseChain) recordInterruption(ctx context.Context, chCtx Context, next Command) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: deadline exceeded before %s: %w", ErrTimeout, next.GetName(), err)
	} else {
		err = fmt.Errorf("cancelled before %s: %w", next.GetName(), err)
	}
	c.Fail(chCtx, err)
	return true
}
