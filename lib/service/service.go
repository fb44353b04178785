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

// Package service assembles every revamp subsystem into a single runnable
// process: it opens the data directory, builds the certificate authority,
// the cache, the plugin host, the fetch engine and the lifecycle
// controller, binds the three listeners and serves until told to stop.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/cache"
	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/fetch"
	"github.com/revampproxy/revamp/lib/metrics"
	"github.com/revampproxy/revamp/lib/plugin"
	"github.com/revampproxy/revamp/lib/srv/mitmproxy"
	"github.com/revampproxy/revamp/lib/tlsca"
	"github.com/revampproxy/revamp/lib/transform"
	"github.com/revampproxy/revamp/lib/utils"
	"github.com/revampproxy/revamp/lib/web"
)

// drainPollInterval is how often shutdown re-checks the active connection
// count while waiting for the grace window.
const drainPollInterval = 250 * time.Millisecond

// Config holds everything a revamp process needs to start.
type Config struct {
	// DataDir is the directory all persisted state lives under: the root
	// CA, runtime config overrides, domain profiles, plugin settings and
	// the disk cache tier.
	DataDir string
	// PluginsDir is where plugin bundles are loaded from. Empty means the
	// directory recorded in plugin settings, falling back to the plugins
	// subdirectory of DataDir.
	PluginsDir string
	// ListenAddr is the address the three frontends bind.
	ListenAddr string
	// Static is the startup configuration, built-in defaults with file and
	// command line settings already applied. Persisted overrides and the
	// runtime API stack on top of it.
	Static config.Config
	// Text rewrites js, css and html payloads. Identity when nil.
	Text transform.Text
	// Images transcodes webp and avif payloads. Identity when nil.
	Images transform.Image
	// Bundler flattens service worker module graphs. Identity when nil.
	Bundler transform.Bundler
	// ShutdownGrace bounds how long shutdown waits for in-flight
	// connections before closing them.
	ShutdownGrace time.Duration
	// Clock drives validity windows, hook timeouts and the drain loop.
	Clock clockwork.Clock
	// Logger emits process lifecycle events.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing parameter DataDir")
	}
	if err := c.Static.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddress
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaults.ShutdownGraceWindow
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentProcess)
	}
	return nil
}

// Process is a fully assembled revamp instance. Build one with NewProcess,
// serve with Run and release everything with Close.
type Process struct {
	cfg Config
	log *slog.Logger

	store     *config.Store
	recorder  *metrics.Recorder
	authority *tlsca.Authority
	cache     *cache.Store
	plugins   *plugin.Manager
	watcher   *plugin.Watcher
	web       *web.Handler
	proxy     *mitmproxy.Proxy

	socksListener  net.Listener
	httpListener   net.Listener
	portalListener net.Listener
}

// NewProcess builds every subsystem and binds the listeners. On error all
// resources acquired so far are released.
func NewProcess(ctx context.Context, cfg Config) (p *Process, err error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.EnsureDir(cfg.DataDir, defaults.DirMode); err != nil {
		return nil, trace.Wrap(err, "preparing data directory %v", cfg.DataDir)
	}

	p = &Process{cfg: cfg, log: cfg.Logger}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	p.recorder, err = metrics.NewRecorder(cfg.Clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.store, err = config.NewStore(cfg.DataDir, cfg.Static)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.authority, err = tlsca.LoadOrCreateAuthority(ctx, tlsca.AuthorityConfig{
		DataDir: cfg.DataDir,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	certs, err := tlsca.NewFactory(tlsca.FactoryConfig{
		Authority: p.authority,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
		OnMint:    p.recorder.RecordCertMinted,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	settings, err := plugin.NewSettingsStore(cfg.DataDir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pluginsDir := cfg.PluginsDir
	if pluginsDir == "" {
		pluginsDir = settings.Get().PluginsDir
	}
	if pluginsDir == "" {
		pluginsDir = filepath.Join(cfg.DataDir, defaults.PluginsDirName)
	}
	if err := utils.EnsureDir(pluginsDir, defaults.DirMode); err != nil {
		return nil, trace.Wrap(err, "preparing plugins directory %v", pluginsDir)
	}
	registry := plugin.NewRegistry()
	stats := plugin.NewStatsSink()
	routes := plugin.NewRouteTable()
	p.plugins, err = plugin.NewManager(plugin.ManagerConfig{
		PluginsDir: pluginsDir,
		Registry:   registry,
		Routes:     routes,
		Stats:      stats,
		Settings:   settings,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	executor, err := plugin.NewExecutor(plugin.ExecutorConfig{
		Registry: registry,
		Stats:    stats,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := p.plugins.LoadAll(ctx); err != nil {
		return nil, trace.Wrap(err, "loading plugins from %v", pluginsDir)
	}
	if s := settings.Get(); s.Enabled && s.HotReload {
		p.watcher, err = plugin.NewWatcher(p.plugins, pluginsDir)
		if err != nil {
			return nil, trace.Wrap(err, "watching plugins directory %v", pluginsDir)
		}
	}

	// The cache store always comes up, even when the static config has
	// caching off: the runtime API can re-enable it without a restart.
	p.cache, err = cache.NewStore(cache.StoreConfig{
		Dir:    filepath.Join(cfg.DataDir, defaults.CacheDirName),
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	resolver, err := config.NewResolver(config.ResolverConfig{
		Base:     p.store.Base,
		Profiles: p.store.Profiles,
		Hooks:    executor,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	engine, err := fetch.NewEngine(fetch.EngineConfig{
		Text:      cfg.Text,
		Images:    cfg.Images,
		Redirects: p.cache,
		Recorder:  p.recorder,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.web, err = web.NewHandler(web.Config{
		Store:   p.store,
		Metrics: p.recorder,
		Cache:   p.cache,
		Plugins: p.plugins,
		CAPEM:   p.authority.CertPEM(),
		Bundler: cfg.Bundler,
		Clock:   cfg.Clock,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	controller, err := mitmproxy.NewController(mitmproxy.ControllerConfig{
		Resolver: resolver,
		Engine:   engine,
		Recorder: p.recorder,
		Internal: p.web,
		Cache:    p.cache,
		Hooks:    executor,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p.proxy, err = mitmproxy.NewProxy(mitmproxy.ProxyConfig{
		Controller: controller,
		Certs:      certs,
		Resolver:   resolver,
		Recorder:   p.recorder,
		Internal:   p.web,
		LocalHosts: p.localHosts(),
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	base := p.store.Base()
	if p.socksListener, err = p.listen(base.SOCKS5Port); err != nil {
		return nil, trace.Wrap(err, "binding SOCKS5 listener")
	}
	if p.httpListener, err = p.listen(base.HTTPProxyPort); err != nil {
		return nil, trace.Wrap(err, "binding HTTP proxy listener")
	}
	if p.portalListener, err = p.listen(base.CaptivePortalPort); err != nil {
		return nil, trace.Wrap(err, "binding captive portal listener")
	}
	return p, nil
}

func (p *Process) listen(port int) (net.Listener, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(p.cfg.ListenAddr, strconv.Itoa(port)))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return listener, nil
}

// localHosts lists the addresses requests to the captive portal arrive on:
// the configured listen address plus the host IP we can best guess. The
// proxy serves these itself instead of dialing them as upstreams.
func (p *Process) localHosts() []string {
	hosts := []string{}
	if p.cfg.ListenAddr != defaults.ListenAddress {
		hosts = append(hosts, p.cfg.ListenAddr)
	}
	ip, err := utils.GuessHostIP()
	if err != nil {
		p.log.DebugContext(context.Background(), "Could not guess host IP.", "error", err)
		return hosts
	}
	return append(hosts, ip.String())
}

// SOCKS5Addr is the bound address of the SOCKS5 frontend.
func (p *Process) SOCKS5Addr() net.Addr { return p.socksListener.Addr() }

// HTTPProxyAddr is the bound address of the HTTP proxy frontend.
func (p *Process) HTTPProxyAddr() net.Addr { return p.httpListener.Addr() }

// PortalAddr is the bound address of the captive portal.
func (p *Process) PortalAddr() net.Addr { return p.portalListener.Addr() }

// Authority is the root CA clients must trust.
func (p *Process) Authority() *tlsca.Authority { return p.authority }

// Run serves all three frontends until ctx is canceled or one of them
// fails. On cancellation it stops accepting, waits up to ShutdownGrace for
// in-flight connections to finish, then closes the stragglers.
func (p *Process) Run(ctx context.Context) error {
	p.logStartup(ctx)

	group, gctx := errgroup.WithContext(ctx)
	baseCtx := func(net.Listener) context.Context { return gctx }
	errLog := slog.NewLogLogger(p.log.Handler(), slog.LevelWarn)
	httpServer := &http.Server{
		Handler:           p.proxy,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
		BaseContext:       baseCtx,
		ErrorLog:          errLog,
	}
	portalServer := &http.Server{
		Handler:           p.web,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
		BaseContext:       baseCtx,
		ErrorLog:          errLog,
	}

	group.Go(func() error {
		return trace.Wrap(p.proxy.ServeSOCKS5(gctx, p.socksListener), "SOCKS5 frontend")
	})
	group.Go(func() error {
		return trace.Wrap(serveHTTP(httpServer, p.httpListener), "HTTP proxy frontend")
	})
	group.Go(func() error {
		return trace.Wrap(serveHTTP(portalServer, p.portalListener), "captive portal")
	})
	if p.watcher != nil {
		group.Go(func() error {
			p.watcher.Run(gctx)
			return nil
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		p.log.InfoContext(ctx, "Shutting down.", "grace", p.cfg.ShutdownGrace.String())
		grace, cancel := context.WithTimeout(context.WithoutCancel(gctx), p.cfg.ShutdownGrace)
		defer cancel()
		httpServer.Shutdown(grace)
		portalServer.Shutdown(grace)
		p.drainConnections(grace)
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return trace.Wrap(err)
	}
	return nil
}

// serveHTTP runs srv on listener, swallowing the sentinel returned after
// Shutdown.
func serveHTTP(srv *http.Server, listener net.Listener) error {
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return trace.Wrap(err)
	}
	return nil
}

// drainConnections waits for tunneled and intercepted connections to wind
// down, force closing whatever is still open when ctx expires.
func (p *Process) drainConnections(ctx context.Context) {
	ticker := p.cfg.Clock.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for p.proxy.ActiveConnections() > 0 {
		select {
		case <-ctx.Done():
			open := p.proxy.ActiveConnections()
			p.log.InfoContext(ctx, "Grace window expired, closing connections.", "open", open)
			p.proxy.CloseActiveConnections()
			return
		case <-ticker.Chan():
		}
	}
}

func (p *Process) logStartup(ctx context.Context) {
	base := p.store.Base()
	p.log.InfoContext(ctx, "Revamp is starting.",
		"version", revamp.Version,
		"socks5_addr", p.socksListener.Addr().String(),
		"http_proxy_addr", p.httpListener.Addr().String(),
		"portal_addr", p.portalListener.Addr().String(),
		"data_dir", p.cfg.DataDir,
		"targets", base.Targets,
	)
	p.log.InfoContext(ctx, "Transformation cache is ready.",
		"enabled", base.CacheEnabled,
		"memory_budget", humanize.IBytes(uint64(defaults.MemoryCacheSize)),
		"disk_budget", humanize.IBytes(uint64(defaults.DiskCacheSize)),
	)
}

// Close releases listeners, the plugin watcher, the plugin host and the
// cache. Safe to call on a partially constructed process and after Run has
// returned.
func (p *Process) Close() error {
	var errs []error
	for _, listener := range []net.Listener{p.socksListener, p.httpListener, p.portalListener} {
		if listener == nil {
			continue
		}
		if err := listener.Close(); err != nil && !utils.IsOKNetworkError(err) {
			errs = append(errs, err)
		}
	}
	if p.watcher != nil {
		if err := p.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.plugins != nil {
		p.plugins.Close(context.Background())
	}
	if p.cache != nil {
		if err := p.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}
