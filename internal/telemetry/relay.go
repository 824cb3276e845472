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

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// LineSink receives one complete, non-blank line of process output.
type LineSink func(line string)

// LineWriter is an io.Writer that splits its input into lines and hands every
// non-blank line to a sink. A trailing partial line is kept until the next
// newline or Flush.
type LineWriter struct {
	mu      sync.Mutex
	sink    LineSink
	pending bytes.Buffer
}

// NewLineWriter creates a LineWriter for sink.
func NewLineWriter(sink LineSink) *LineWriter {
	return &LineWriter{sink: sink}
}

// Write buffers p and emits every complete line. It never fails.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Write(p)
	for {
		line, err := w.pending.ReadString('\n')
		if err != nil {
			// No newline left: put the partial line back.
			w.pending.Reset()
			w.pending.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits a pending partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.Len() > 0 {
		w.emit(w.pending.String())
		w.pending.Reset()
	}
}

// emit strips the line ending and drops blank lines.
func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.sink(line)
}

// fanoutHandler hands every record to several handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

// NewFanoutHandler returns a handler that forwards to every non-nil handler.
func NewFanoutHandler(handlers ...slog.Handler) slog.Handler {
	kept := make([]slog.Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			kept = append(kept, h)
		}
	}
	return &fanoutHandler{handlers: kept}
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle passes a clone of record to each enabled handler and joins their errors.
func (f *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var err error
	for _, h := range f.handlers {
		if h.Enabled(ctx, record.Level) {
			err = errors.Join(err, h.Handle(ctx, record.Clone()))
		}
	}
	return err
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: next}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: next}
}

// dropTime removes the timestamp from relayed lines.
func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// NewRelayHandler returns a handler that writes every record to primary and,
// rendered as one logfmt line, to sink. Records below level are not relayed.
// The relay is how a single analysis run turns its log output into a stream
// of discrete lines without sharing a buffer with anyone else.
//
// Inputs:
//   - primary: the process log handler. It keeps its own level.
//   - sink: receives each relayed line, without a timestamp. It runs on the
//     logging goroutine, so a blocking sink blocks the logger.
//   - level: the minimum level relayed to sink.
//
// Outputs:
//   - slog.Handler to build the run's *slog.Logger from.
func NewRelayHandler(primary slog.Handler, sink LineSink, level slog.Leveler) slog.Handler {
	text := slog.NewTextHandler(NewLineWriter(sink), &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: dropTime,
	})
	return NewFanoutHandler(primary, text)
}
