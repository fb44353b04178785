/*
 * Revamp
 * Copyright (C) 2025  Revamp Proxy Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package log configures the process-wide structured logger.
package log

import (
	"io"
	"log/slog"
	"os"

	"github.com/gravitational/trace"
)

const (
	// FormatText renders human-readable log lines.
	FormatText = "text"
	// FormatJSON renders one JSON object per line.
	FormatJSON = "json"
)

// Config describes the desired logger.
type Config struct {
	// Severity is the minimum level emitted, one of slog's level names.
	// Empty means info.
	Severity string
	// Format is FormatText or FormatJSON. Empty means text.
	Format string
	// Output receives the log lines. Nil means stderr.
	Output io.Writer
}

// Initialize builds the logger described by cfg and installs it as the slog
// default. It returns the logger so callers can derive component loggers
// from it.
func Initialize(cfg Config) (*slog.Logger, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var level slog.Level
	if cfg.Severity != "" {
		if err := level.UnmarshalText([]byte(cfg.Severity)); err != nil {
			return nil, trace.BadParameter("unknown log severity %q", cfg.Severity)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	case FormatText, "":
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		return nil, trace.BadParameter("unknown log format %q", cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// Discard returns a logger that drops everything. Used in tests and as the
// fallback before Initialize runs.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
