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

// Package obslog configures the process-wide structured logger.
package obslog

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a string log level to slog.Level. Unknown values fall
// back to warn, matching the teacher's conservative default.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// ownComponents lists the subsystem names whose logs are always shown. Any
// other `component` attribute is treated as third-party noise and suppressed
// below debug level.
var ownComponents = map[string]bool{
	"filelock": true, "atomicstore": true, "eventbus": true, "taskstore": true,
	"a2ajob": true, "gate": true, "flow": true, "convindex": true,
	"scheduler": true, "selfdrive": true, "sessionreaper": true, "runtime": true,
	"server": true, "config": true,
}

// filteringHandler wraps a slog.Handler and suppresses logs tagged with a
// component this module doesn't own, unless minLevel is debug or lower.
type filteringHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *filteringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *filteringHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug || h.isOwnComponent(record) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *filteringHandler) isOwnComponent(record slog.Record) bool {
	own := false
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			own = ownComponents[a.Value.String()]
			return false
		}
		return true
	})
	return own
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filteringHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// Init installs the process-wide logger. format is "json" or "text" (default).
func Init(level slog.Level, output *os.File, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	if format == "json" {
		base = slog.NewJSONHandler(output, opts)
	} else {
		base = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(&filteringHandler{handler: base, minLevel: level})
	slog.SetDefault(logger)
	return logger
}

// For creates a logger scoped to a single subsystem, tagging every record
// with the given component name.
func For(component string) *slog.Logger {
	return slog.Default().With("component", component)
}
