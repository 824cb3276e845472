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

package cor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/core/cor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepCommand appends its name to the piped input, optionally failing or sleeping.
type stepCommand struct {
	cor.BaseCommand
	fail  error
	sleep time.Duration
	runs  *[]string
}

func newStep(name string, runs *[]string) *stepCommand {
	return &stepCommand{BaseCommand: *cor.NewBaseCommand(name), runs: runs}
}

func (s *stepCommand) IsExecutable(context cor.Context) bool {
	return context.GetContext() != nil
}

func (s *stepCommand) Execute(context cor.Context) {
	*s.runs = append(*s.runs, s.GetName())
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-context.GetContext().Done():
		}
	}
	if s.fail != nil {
		s.Fail(context, s.fail)
		return
	}
	in, _ := context.Get(cor.CtxIn).(string)
	context.Add(cor.CtxOut, in+s.GetName())
	s.Succeed(context)
}

func TestChainPipesOutputsInOrder(t *testing.T) {
	var runs []string
	chain := cor.NewBaseChain("pipe")
	chain.AddCommand(newStep("a", &runs)).AddCommand(newStep("b", &runs)).AddCommand(newStep("c", &runs))

	chCtx := cor.NewBaseContextWith(context.Background())
	chCtx.Add(cor.CtxIn, ">")
	chain.Execute(chCtx)

	require.NoError(t, chCtx.Err())
	assert.Equal(t, []string{"a", "b", "c"}, runs)
	assert.Equal(t, ">abc", chCtx.Get(cor.CtxIn))
	assert.Nil(t, chCtx.Get(cor.CtxOut))
	assert.Len(t, chain.Commands(), 3)
}

func TestChainStopsOnFirstError(t *testing.T) {
	var runs []string
	failing := newStep("b", &runs)
	failing.fail = errors.New("boom")
	chain := cor.NewBaseChain("stop")
	chain.AddCommand(newStep("a", &runs)).AddCommand(failing).AddCommand(newStep("c", &runs))

	chCtx := cor.NewBaseContextWith(context.Background())
	chain.Execute(chCtx)

	assert.Equal(t, []string{"a", "b"}, runs)
	assert.ErrorContains(t, chCtx.Err(), "boom")
	assert.Contains(t, chCtx.GetErrors(), "b")
}

func TestChainContinueOnFailure(t *testing.T) {
	var runs []string
	failing := newStep("a", &runs)
	failing.fail = errors.New("first")
	chain := cor.NewBaseChain("continue")
	chain.ContinueOnFailure(true)
	chain.AddCommand(failing).AddCommand(newStep("b", &runs))

	chCtx := cor.NewBaseContextWith(context.Background())
	chain.Execute(chCtx)

	assert.Equal(t, []string{"a", "b"}, runs)
	assert.True(t, chCtx.HasErrors())
}

func TestChainRecordsDeadlineAsTimeout(t *testing.T) {
	var runs []string
	slow := newStep("slow", &runs)
	slow.sleep = time.Second
	chain := cor.NewBaseChain("deadline")
	chain.AddCommand(slow).AddCommand(newStep("never", &runs))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	chCtx := cor.NewBaseContextWith(ctx)
	chain.Execute(chCtx)

	assert.Equal(t, []string{"slow"}, runs)
	require.Error(t, chCtx.Err())
	assert.ErrorIs(t, chCtx.Err(), cor.ErrTimeout)
	assert.ErrorIs(t, chCtx.Err(), context.DeadlineExceeded)
	assert.Equal(t, ctx, chCtx.GetContext())
}

func TestContextErrorsKeepRecordingOrder(t *testing.T) {
	chCtx := cor.NewBaseContext()
	chCtx.AddError("second", errors.New("2"))
	chCtx.AddError("first", errors.New("1"))
	chCtx.AddError("second", errors.New("2b"))
	chCtx.AddError("ignored", nil)

	assert.Equal(t, "2b\n1", chCtx.Err().Error())
	assert.Len(t, chCtx.GetErrors(), 2)
}

func TestContextCloseRemovesTempFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "upload.png")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	chCtx := cor.NewBaseContext()
	chCtx.AddTempFile(file)
	chCtx.AddTempFile(filepath.Join(t.TempDir(), "missing.png"))
	chCtx.Close()

	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, chCtx.GetTempFiles())
}
