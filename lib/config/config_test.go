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

package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/revampproxy/revamp/lib/plugin"
	logutils "github.com/revampproxy/revamp/lib/utils/log"
)

func ptr[T any](v T) *T { return &v }

func TestConfigCheck(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Check())

	bad := Default()
	bad.SOCKS5Port = 0
	require.True(t, trace.IsBadParameter(bad.Check()))

	bad = Default()
	bad.HTTPProxyPort = 70000
	require.True(t, trace.IsBadParameter(bad.Check()))

	bad = Default()
	bad.CaptivePortalPort = bad.SOCKS5Port
	require.True(t, trace.IsBadParameter(bad.Check()))
}

func TestConfigClone(t *testing.T) {
	t.Parallel()

	cfg := Default()
	clone := cfg.Clone()
	clone.Targets[0] = "chrome 40"
	require.Equal(t, "safari 9", cfg.Targets[0], "clone must not share the targets slice")
	require.Empty(t, cmp.Diff(Default(), cfg))
}

func TestPartialConfigApply(t *testing.T) {
	t.Parallel()

	partial := &PartialConfig{
		TransformJS: ptr(false),
		SOCKS5Port:  ptr(9090),
		Targets:     []string{"safari 10"},
		UserAgent:   ptr("custom-agent"),
	}
	got := partial.Apply(Default())

	want := Default()
	want.TransformJS = false
	want.SOCKS5Port = 9090
	want.Targets = []string{"safari 10"}
	want.UserAgent = "custom-agent"
	require.Empty(t, cmp.Diff(want, got))

	// A nil partial is a no-op.
	var none *PartialConfig
	require.Empty(t, cmp.Diff(Default(), none.Apply(Default())))
}

func TestPartialConfigMerge(t *testing.T) {
	t.Parallel()

	base := &PartialConfig{
		TransformJS: ptr(true),
		RemoveAds:   ptr(true),
	}
	base.Merge(&PartialConfig{
		TransformJS:   ptr(false),
		HTTPProxyPort: ptr(3128),
	})

	want := &PartialConfig{
		TransformJS:   ptr(false),
		RemoveAds:     ptr(true),
		HTTPProxyPort: ptr(3128),
	}
	require.Empty(t, cmp.Diff(want, base))
}

func TestPartialConfigIsZero(t *testing.T) {
	t.Parallel()

	var none *PartialConfig
	require.True(t, none.IsZero())
	require.True(t, (&PartialConfig{}).IsZero())
	require.False(t, (&PartialConfig{CacheEnabled: ptr(true)}).IsZero())
	require.False(t, (&PartialConfig{Targets: []string{}}).IsZero())
}

func TestPartialConfigJSONRoundTrip(t *testing.T) {
	t.Parallel()

	// The API accepts the camelCase field names; unset fields stay nil.
	var partial PartialConfig
	require.NoError(t, json.Unmarshal([]byte(`{"transformJs":false,"socks5Port":1081}`), &partial))
	require.Empty(t, cmp.Diff(&PartialConfig{
		TransformJS: ptr(false),
		SOCKS5Port:  ptr(1081),
	}, &partial))

	data, err := json.Marshal(partial)
	require.NoError(t, err)
	require.JSONEq(t, `{"transformJs":false,"socks5Port":1081}`, string(data))
}

func TestTransformSignature(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.Equal(t, cfg.TransformSignature(), cfg.TransformSignature(),
		"signature must be deterministic")

	// Options that change transformed bytes change the signature.
	changed := Default()
	changed.TransformJS = false
	require.NotEqual(t, cfg.TransformSignature(), changed.TransformSignature())

	changed = Default()
	changed.Targets = []string{"safari 10"}
	require.NotEqual(t, cfg.TransformSignature(), changed.TransformSignature())

	// Options that only affect routing do not.
	routing := Default()
	routing.RemoveAds = false
	routing.SOCKS5Port = 1081
	require.Equal(t, cfg.TransformSignature(), routing.TransformSignature())
}

func TestDomainProfileMatch(t *testing.T) {
	t.Parallel()

	profile := DomainProfile{
		ID:       "example",
		Patterns: []string{"*.example.com", "cdn.example.com"},
	}
	require.NoError(t, profile.CheckAndSetDefaults())

	// The literal pattern is more specific than the wildcard.
	require.Equal(t, len("cdn.example.com"), profile.Match("cdn.example.com"))
	require.Equal(t, len(".example.com"), profile.Match("www.example.com"))
	require.Equal(t, -1, profile.Match("example.org"))

	// Matching is case-insensitive and dots are literal.
	require.Positive(t, profile.Match("WWW.EXAMPLE.COM"))
	require.Equal(t, -1, profile.Match("wwwXexampleXcom"))
}

func TestDomainProfileValidation(t *testing.T) {
	t.Parallel()

	err := (&DomainProfile{Patterns: []string{"*"}}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	err = (&DomainProfile{ID: "p"}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	err = (&DomainProfile{ID: "p", Patterns: []string{""}}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))
}

func TestSelectProfile(t *testing.T) {
	t.Parallel()

	profiles := []DomainProfile{
		{ID: "broad", Priority: 1, Patterns: []string{"*.example.com"}},
		{ID: "narrow", Priority: 1, Patterns: []string{"cdn.example.com"}},
		{ID: "override", Priority: 5, Patterns: []string{"*"}},
		{ID: "alpha", Priority: 1, Patterns: []string{"*.example.com"}},
	}

	// Highest priority wins regardless of specificity.
	selected := SelectProfile(profiles, "cdn.example.com")
	require.NotNil(t, selected)
	require.Equal(t, "override", selected.ID)

	// With the override gone, specificity breaks the priority tie.
	selected = SelectProfile(profiles[:2], "cdn.example.com")
	require.NotNil(t, selected)
	require.Equal(t, "narrow", selected.ID)

	// Equal priority and specificity fall back to ID order.
	selected = SelectProfile([]DomainProfile{profiles[0], profiles[3]}, "www.example.com")
	require.NotNil(t, selected)
	require.Equal(t, "alpha", selected.ID)

	require.Nil(t, SelectProfile(profiles[:2], "example.org"))
}

func TestStorePersistsOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir, Default())
	require.NoError(t, err)

	cfg, err := store.UpdateOverrides(&PartialConfig{TransformJS: ptr(false)})
	require.NoError(t, err)
	require.False(t, cfg.TransformJS)

	// Updates merge with earlier overrides instead of replacing them.
	cfg, err = store.UpdateOverrides(&PartialConfig{RemoveAds: ptr(false)})
	require.NoError(t, err)
	require.False(t, cfg.TransformJS)
	require.False(t, cfg.RemoveAds)

	// A reopened store observes the persisted overrides.
	reopened, err := NewStore(dir, Default())
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(store.Base(), reopened.Base()))

	// Reset drops the file content back to the static config.
	cfg, err = reopened.ResetOverrides()
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(Default(), cfg))

	reopened, err = NewStore(dir, Default())
	require.NoError(t, err)
	overrides := reopened.Overrides()
	require.True(t, overrides.IsZero())
}

func TestStoreRejectsInvalidOverrides(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), Default())
	require.NoError(t, err)

	before := store.Base()
	_, err = store.UpdateOverrides(&PartialConfig{SOCKS5Port: ptr(0)})
	require.True(t, trace.IsBadParameter(err))

	// The failed update must not leak into the effective config.
	require.Empty(t, cmp.Diff(before, store.Base()))
}

func TestStoreProfilesCRUD(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir, Default())
	require.NoError(t, err)

	profile := DomainProfile{
		ID:       "legacy-off",
		Patterns: []string{"*.intranet.local"},
		Priority: 10,
		Config:   PartialConfig{TransformJS: ptr(false)},
	}
	require.NoError(t, store.UpsertProfile(profile))

	got, err := store.Profile("legacy-off")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(profile, got))

	// Upsert with the same ID replaces.
	profile.Priority = 20
	require.NoError(t, store.UpsertProfile(profile))
	require.Len(t, store.Profiles(), 1)

	// Profiles survive a reopen.
	reopened, err := NewStore(dir, Default())
	require.NoError(t, err)
	got, err = reopened.Profile("legacy-off")
	require.NoError(t, err)
	require.Equal(t, 20, got.Priority)

	require.NoError(t, reopened.DeleteProfile("legacy-off"))
	require.Empty(t, reopened.Profiles())

	err = reopened.DeleteProfile("legacy-off")
	require.True(t, trace.IsNotFound(err))
	_, err = reopened.Profile("legacy-off")
	require.True(t, trace.IsNotFound(err))
}

func newTestResolver(t *testing.T, store *Store, registry *plugin.Registry) *Resolver {
	t.Helper()
	var hooks *plugin.Executor
	if registry != nil {
		var err error
		hooks, err = plugin.NewExecutor(plugin.ExecutorConfig{
			Registry: registry,
			Logger:   logutils.Discard(),
		})
		require.NoError(t, err)
	}
	resolver, err := NewResolver(ResolverConfig{
		Base:     store.Base,
		Profiles: store.Profiles,
		Hooks:    hooks,
	})
	require.NoError(t, err)
	return resolver
}

func TestResolveAppliesProfile(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), Default())
	require.NoError(t, err)
	require.NoError(t, store.UpsertProfile(DomainProfile{
		ID:       "no-js",
		Patterns: []string{"*.example.com"},
		Config:   PartialConfig{TransformJS: ptr(false)},
	}))
	resolver := newTestResolver(t, store, nil)

	res, err := resolver.Resolve(context.Background(), "10.0.0.1", "www.example.com")
	require.NoError(t, err)
	require.False(t, res.Config.TransformJS)
	require.NotNil(t, res.Profile)
	require.Equal(t, "no-js", res.Profile.ID)

	res, err = resolver.Resolve(context.Background(), "10.0.0.1", "other.org")
	require.NoError(t, err)
	require.True(t, res.Config.TransformJS)
	require.Nil(t, res.Profile)
}

func TestResolveHookOverlay(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), Default())
	require.NoError(t, err)
	registry := plugin.NewRegistry()
	resolver := newTestResolver(t, store, registry)

	// Two handlers overlay in priority order; the later one sees the
	// accumulated config.
	_, err = registry.Register("first", plugin.HookConfigResolution, 10,
		func(ctx context.Context, input any) plugin.Result {
			rc := input.(*ResolutionContext)
			require.True(t, rc.Config.TransformCSS)
			return plugin.ContinueWith(&PartialConfig{TransformCSS: ptr(false)})
		})
	require.NoError(t, err)
	_, err = registry.Register("second", plugin.HookConfigResolution, 0,
		func(ctx context.Context, input any) plugin.Result {
			rc := input.(*ResolutionContext)
			require.False(t, rc.Config.TransformCSS, "second handler must see the first overlay")
			return plugin.ContinueWith(&PartialConfig{RemoveAds: ptr(false)})
		})
	require.NoError(t, err)

	res, err := resolver.Resolve(context.Background(), "10.0.0.1", "example.com")
	require.NoError(t, err)
	require.False(t, res.Config.TransformCSS)
	require.False(t, res.Config.RemoveAds)
}

func TestResolveHookStopFreezes(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), Default())
	require.NoError(t, err)
	registry := plugin.NewRegistry()
	resolver := newTestResolver(t, store, registry)

	_, err = registry.Register("freezer", plugin.HookConfigResolution, 10,
		func(ctx context.Context, input any) plugin.Result {
			return plugin.Stop(&PartialConfig{TransformJS: ptr(false)})
		})
	require.NoError(t, err)
	_, err = registry.Register("ignored", plugin.HookConfigResolution, 0,
		func(ctx context.Context, input any) plugin.Result {
			t.Error("handler after a stop must not run")
			return plugin.Continue()
		})
	require.NoError(t, err)

	res, err := resolver.Resolve(context.Background(), "10.0.0.1", "example.com")
	require.NoError(t, err)
	require.False(t, res.Config.TransformJS)
}

func TestResolvePurity(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir(), Default())
	require.NoError(t, err)
	require.NoError(t, store.UpsertProfile(DomainProfile{
		ID:       "tweak",
		Patterns: []string{"example.com"},
		Config:   PartialConfig{InjectPolyfills: ptr(false)},
	}))
	resolver := newTestResolver(t, store, nil)

	// Stable inputs produce byte-identical resolutions, and the resolved
	// config is a private copy.
	first, err := resolver.Resolve(context.Background(), "10.0.0.1", "example.com")
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), "10.0.0.1", "example.com")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(first.Config, second.Config))

	first.Config.Targets[0] = "mutated"
	third, err := resolver.Resolve(context.Background(), "10.0.0.1", "example.com")
	require.NoError(t, err)
	require.Equal(t, "safari 9", third.Config.Targets[0],
		"mutating a resolution must not affect later ones")
}

func TestStoreFilesOnDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(dir, Default())
	require.NoError(t, err)

	_, err = store.UpdateOverrides(&PartialConfig{CacheEnabled: ptr(false)})
	require.NoError(t, err)
	require.NoError(t, store.UpsertProfile(DomainProfile{
		ID:       "p",
		Patterns: []string{"*"},
	}))

	for _, name := range []string{"config.json", "domains.json"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, "expected %v to exist", name)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	// No temp files may survive the atomic writes.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
