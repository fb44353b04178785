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

package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp"
)

// Process exit codes.
const (
	// ExitOK is a clean shutdown after SIGINT or SIGTERM.
	ExitOK = 0
	// ExitStartup means the process never came up: bad config, an
	// unbindable port, an unreadable data directory.
	ExitStartup = 1
	// ExitRuntime means the process came up and then failed fatally.
	ExitRuntime = 2
)

// shutdownSignals stop the process cleanly.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// Run builds a process from cfg and serves until a shutdown signal arrives
// or a fatal error occurs. It returns the process exit code.
func Run(ctx context.Context, cfg Config) int {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		// No logger is guaranteed before defaults are set, so fall back
		// to whatever came in.
		logConfigError(ctx, cfg, err)
		return ExitStartup
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	process, err := NewProcess(ctx, cfg)
	if err != nil {
		cfg.Logger.ErrorContext(ctx, "Startup failed.", "error", err)
		return ExitStartup
	}
	defer process.Close()

	if err := process.Run(ctx); err != nil {
		cfg.Logger.ErrorContext(ctx, "Fatal error while serving.", "error", err)
		return ExitRuntime
	}
	cfg.Logger.InfoContext(ctx, "Shutdown complete.")
	return ExitOK
}

func logConfigError(ctx context.Context, cfg Config, err error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.With(revamp.ComponentKey, revamp.ComponentProcess)
	}
	logger.ErrorContext(ctx, "Invalid process configuration.", "error", trace.UserMessage(err))
}
