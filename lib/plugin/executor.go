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

package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/defaults"
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Registry supplies handler snapshots.
	Registry *Registry
	// Stats receives per-plugin invocation counters.
	Stats *StatsSink
	// HookTimeout bounds a single handler invocation.
	HookTimeout time.Duration
	// Clock is used for timeouts and durations.
	Clock clockwork.Clock
	// Logger emits hook diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ExecutorConfig) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Stats == nil {
		c.Stats = NewStatsSink()
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = defaults.HookTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentPlugins)
	}
	return nil
}

// Executor runs hook chains and notifications against a registry snapshot.
// A handler can never crash the request path: panics are recovered,
// timeouts cancel the handler's context, and the chain proceeds past both.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Executor{cfg: cfg}, nil
}

// Stats returns the executor's stats sink.
func (e *Executor) Stats() *StatsSink { return e.cfg.Stats }

// ChainResult is the outcome of a chain run.
type ChainResult struct {
	// Value is the value carried by the halting Stop, if any.
	Value any
	// Stopped is set when a handler halted the chain with Stop.
	Stopped bool
	// StoppedBy is the plugin that halted the chain.
	StoppedBy string
	// Err is set when a handler halted the chain with Fail. The lifecycle
	// step maps it to a 502.
	Err error
}

// RunChain executes the hook's handlers sequentially in priority order.
// Values carried by ContinueWith and Stop are passed to accumulate (when
// non-nil) in execution order. Handlers that time out or panic are recorded
// and skipped; a Fail halts the chain with an error.
func (e *Executor) RunChain(ctx context.Context, hook Hook, input any, accumulate func(value any)) ChainResult {
	regs := e.cfg.Registry.Snapshot(hook)
	for _, reg := range regs {
		outcome, d := e.invoke(ctx, reg, input)
		switch outcome.kind {
		case invokeTimeout:
			e.cfg.Stats.RecordTimeout(reg.PluginID, hook, d)
			e.cfg.Logger.WarnContext(ctx, "Hook handler timed out",
				"plugin", reg.PluginID, "hook", hook, "timeout", e.cfg.HookTimeout)
			continue
		case invokePanic:
			e.cfg.Stats.RecordFailure(reg.PluginID, hook, d)
			e.cfg.Logger.WarnContext(ctx, "Hook handler panicked",
				"plugin", reg.PluginID, "hook", hook, "panic", outcome.panicked)
			continue
		case invokeCancelled:
			e.cfg.Stats.RecordFailure(reg.PluginID, hook, d)
			return ChainResult{Err: trace.Wrap(ctx.Err())}
		}

		result := outcome.result
		switch result.kind {
		case resultError:
			e.cfg.Stats.RecordFailure(reg.PluginID, hook, d)
			e.cfg.Logger.WarnContext(ctx, "Hook handler failed",
				"plugin", reg.PluginID, "hook", hook, "error", result.err)
			return ChainResult{Err: trace.Wrap(result.err), StoppedBy: reg.PluginID}
		case resultStop:
			e.cfg.Stats.RecordSuccess(reg.PluginID, hook, d)
			if result.value != nil && accumulate != nil {
				accumulate(result.value)
			}
			return ChainResult{Value: result.value, Stopped: true, StoppedBy: reg.PluginID}
		default:
			e.cfg.Stats.RecordSuccess(reg.PluginID, hook, d)
			if result.value != nil && accumulate != nil {
				accumulate(result.value)
			}
		}
	}
	return ChainResult{}
}

// Notify fires the hook's handlers in parallel and returns immediately.
// Results and errors are recorded in stats and otherwise discarded.
func (e *Executor) Notify(ctx context.Context, hook Hook, input any) {
	regs := e.cfg.Registry.Snapshot(hook)
	for _, reg := range regs {
		reg := reg
		go func() {
			outcome, d := e.invoke(context.WithoutCancel(ctx), reg, input)
			switch {
			case outcome.kind == invokeTimeout:
				e.cfg.Stats.RecordTimeout(reg.PluginID, hook, d)
			case outcome.kind == invokePanic:
				e.cfg.Stats.RecordFailure(reg.PluginID, hook, d)
			case outcome.result.kind == resultError:
				e.cfg.Stats.RecordFailure(reg.PluginID, hook, d)
			default:
				e.cfg.Stats.RecordSuccess(reg.PluginID, hook, d)
			}
		}()
	}
}

type invokeKind int

const (
	invokeReturned invokeKind = iota
	invokeTimeout
	invokePanic
	invokeCancelled
)

type invokeOutcome struct {
	kind     invokeKind
	result   Result
	panicked any
}

// invoke runs a single handler bounded by the hook timeout. A handler that
// never returns leaks its goroutine until it observes the cancelled
// context; the chain moves on regardless.
func (e *Executor) invoke(ctx context.Context, reg Registration, input any) (invokeOutcome, time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := e.cfg.Clock.Now()
	resultCh := make(chan Result, 1)
	panicCh := make(chan any, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicCh <- r
			}
		}()
		resultCh <- reg.Handler(ctx, input)
	}()

	timer := e.cfg.Clock.NewTimer(e.cfg.HookTimeout)
	defer timer.Stop()
	select {
	case result := <-resultCh:
		return invokeOutcome{kind: invokeReturned, result: result}, e.cfg.Clock.Since(start)
	case p := <-panicCh:
		return invokeOutcome{kind: invokePanic, panicked: p}, e.cfg.Clock.Since(start)
	case <-timer.Chan():
		return invokeOutcome{kind: invokeTimeout}, e.cfg.Clock.Since(start)
	case <-ctx.Done():
		return invokeOutcome{kind: invokeCancelled}, e.cfg.Clock.Since(start)
	}
}
