// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger installs chronoagent's slog.Default: a terminal-aware text
// handler that silences third-party library logging below debug level, so
// that an operator running at info doesn't see every driver/library's own
// chatter mixed in with the agent's.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const ownModulePrefix = "github.com/chronoagent/chronoagent"

// ParseLevel converts "debug"/"info"/"warn"/"warning"/"error" into a
// slog.Level, rejecting anything else.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logger: unrecognized level %q", s)
	}
}

// Init installs the default slog.Logger: text output to output, at the
// given level and format ("simple" is level+message, "verbose" adds a
// timestamp; any other value renders the same as "simple").
// Calls from outside ownModulePrefix are dropped unless level is debug.
func Init(level slog.Level, output *os.File, format string) {
	h := &textHandler{
		out:     output,
		level:   level,
		verbose: format == "verbose",
		color:   isTerminal(output),
	}
	defaultLogger = slog.New(&ownModuleFilter{next: h, level: level})
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the installed logger, initializing one at info level
// to stderr in simple format if Init hasn't run yet.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}

// OpenLogFile opens path for appending, creating it if necessary.
func OpenLogFile(path string) (*os.File, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: open %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

// ownModuleFilter drops records whose call site isn't inside this module,
// except at debug level where everything (including dependency logging
// routed through slog.SetDefault) passes through.
type ownModuleFilter struct {
	next  slog.Handler
	level slog.Level
}

func (f *ownModuleFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= f.level
}

func (f *ownModuleFilter) Handle(ctx context.Context, record slog.Record) error {
	if f.level > slog.LevelDebug && !fromOwnModule(record.PC) {
		return nil
	}
	return f.next.Handle(ctx, record)
}

func (f *ownModuleFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ownModuleFilter{next: f.next.WithAttrs(attrs), level: f.level}
}

func (f *ownModuleFilter) WithGroup(name string) slog.Handler {
	return &ownModuleFilter{next: f.next.WithGroup(name), level: f.level}
}

func fromOwnModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), ownModulePrefix) || strings.Contains(file, "chronoagent/")
}

// textHandler renders one line per record: an optional timestamp, a
// colorized (when writing to a terminal) level, the message, and any
// attrs accumulated via slog.With / WithGroup, each flattened as
// group.key=value.
type textHandler struct {
	out     io.Writer
	level   slog.Level
	verbose bool
	color   bool
	attrs   []slog.Attr
	group   string
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) Handle(ctx context.Context, record slog.Record) error {
	var b strings.Builder

	if h.verbose && !record.Time.IsZero() {
		b.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	level := strings.ToUpper(record.Level.String())
	if level == "WARNING" {
		level = "WARN"
	}
	if h.color {
		b.WriteString(levelColor(record.Level))
		b.WriteString(level)
		b.WriteString("\033[0m")
	} else {
		b.WriteString(level)
	}
	b.WriteString(" ")
	b.WriteString(record.Message)

	for _, a := range h.attrs {
		writeAttr(&b, h.group, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteString("\n")

	_, err := h.out.Write([]byte(b.String()))
	return err
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	b.WriteString(" ")
	if group != "" {
		b.WriteString(group)
		b.WriteString(".")
	}
	b.WriteString(a.Key)
	b.WriteString("=")
	b.WriteString(a.Value.String())
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group == "" {
		next.group = name
	} else {
		next.group = next.group + "." + name
	}
	return &next
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
