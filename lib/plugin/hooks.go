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

// Package plugin implements the hook registry and executor that let plugins
// intercept the request lifecycle, plus the manager that tracks plugin
// lifecycle states and persisted settings.
package plugin

import (
	"context"

	"github.com/gravitational/trace"
)

// Hook names a lifecycle interception point. The set is closed: handlers
// can only register for the hooks below.
type Hook string

const (
	// HookRequestPre runs before cache lookup and upstream fetch. Chain.
	HookRequestPre Hook = "request:pre"
	// HookResponsePost runs after the response is assembled, before it is
	// written to the client. Chain.
	HookResponsePost Hook = "response:post"
	// HookTransformPre runs before a transformer is invoked. Chain.
	HookTransformPre Hook = "transform:pre"
	// HookTransformPost runs after a transformer returned. Chain.
	HookTransformPost Hook = "transform:post"
	// HookFilterDecision decides whether a request is blocked. Chain.
	HookFilterDecision Hook = "filter:decision"
	// HookConfigResolution lets plugins overlay config during resolution.
	// Chain.
	HookConfigResolution Hook = "config:resolution"
	// HookCacheGet runs on cache lookups. Chain.
	HookCacheGet Hook = "cache:get"
	// HookCacheSet fires after a cache write. Notification.
	HookCacheSet Hook = "cache:set"
	// HookDomainLifecycle fires when a domain profile changes. Notification.
	HookDomainLifecycle Hook = "domain:lifecycle"
	// HookMetricsRecord fires when a metric is recorded. Notification.
	HookMetricsRecord Hook = "metrics:record"
)

// Hooks in execution style order. Chain hooks run sequentially and their
// results steer the lifecycle; notification hooks run in parallel and their
// results are discarded.
var (
	chainHooks = map[Hook]bool{
		HookRequestPre:       true,
		HookResponsePost:     true,
		HookTransformPre:     true,
		HookTransformPost:    true,
		HookFilterDecision:   true,
		HookConfigResolution: true,
		HookCacheGet:         true,
	}
	notificationHooks = map[Hook]bool{
		HookCacheSet:        true,
		HookDomainLifecycle: true,
		HookMetricsRecord:   true,
	}
)

// Check validates that the hook is part of the closed set.
func (h Hook) Check() error {
	if !chainHooks[h] && !notificationHooks[h] {
		return trace.BadParameter("unknown hook %q", h)
	}
	return nil
}

// IsChain reports whether the hook executes as a sequential chain.
func (h Hook) IsChain() bool { return chainHooks[h] }

// IsNotification reports whether the hook executes fire-and-forget.
func (h Hook) IsNotification() bool { return notificationHooks[h] }

// Handler processes one hook invocation. The input is hook-specific and
// shared across the chain; handlers may read it and, for pointer inputs,
// mutate it in place.
type Handler func(ctx context.Context, input any) Result

type resultKind int

const (
	resultContinue resultKind = iota
	resultStop
	resultError
)

// Result is what a handler returns: continue (optionally carrying a value
// merged into the accumulating result), stop (halt the chain and yield a
// value), or error (halt the chain; the lifecycle step maps it to a 502).
type Result struct {
	kind  resultKind
	value any
	err   error
}

// Continue proceeds to the next handler.
func Continue() Result { return Result{kind: resultContinue} }

// ContinueWith proceeds to the next handler, merging value into the
// accumulating result.
func ContinueWith(value any) Result { return Result{kind: resultContinue, value: value} }

// Stop halts the chain, yielding value.
func Stop(value any) Result { return Result{kind: resultStop, value: value} }

// Fail halts the chain with an error.
func Fail(err error) Result { return Result{kind: resultError, err: err} }

// Value returns the carried value, if any.
func (r Result) Value() any { return r.value }

// Err returns the carried error, if any.
func (r Result) Err() error { return r.err }
