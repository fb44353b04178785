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

// Command revamp runs the proxy: a SOCKS5 and an HTTP CONNECT frontend that
// intercept TLS, transform modern web content for legacy browsers and serve
// a captive portal for configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/service"
	logutils "github.com/revampproxy/revamp/lib/utils/log"
)

// cliConf collects command line flags. Zero values mean the flag was not
// passed, so only explicit flags override the config file.
type cliConf struct {
	ConfigPath string
	DataDir    string
	PluginsDir string
	ListenAddr string
	SOCKS5Port int
	HTTPPort   int
	PortalPort int
	UserAgent  string
	Targets    []string

	NoTransformJS    bool
	NoTransformCSS   bool
	NoTransformHTML  bool
	NoPolyfills      bool
	NoCache          bool
	NoRemoveAds      bool
	NoRemoveTracking bool
	SpoofUserAgent   bool
	Debug            bool
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	var cf cliConf
	app := kingpin.New("revamp", "Intercepting proxy that makes the modern web usable on legacy browsers.")
	app.HelpFlag.Short('h')
	app.Flag("debug", "Enable verbose logging.").Short('d').Envar(defaults.DebugEnv).BoolVar(&cf.Debug)

	startCmd := app.Command("start", "Start the proxy frontends and the captive portal.")
	startCmd.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&cf.ConfigPath)
	startCmd.Flag("data-dir", "Directory for persisted state: root CA, config overrides, disk cache.").Envar(defaults.DataDirEnv).StringVar(&cf.DataDir)
	startCmd.Flag("plugins-dir", "Directory plugin bundles are loaded from.").StringVar(&cf.PluginsDir)
	startCmd.Flag("socks5-port", "SOCKS5 frontend port.").IntVar(&cf.SOCKS5Port)
	startCmd.Flag("http-port", "HTTP proxy frontend port.").IntVar(&cf.HTTPPort)
	startCmd.Flag("portal-port", "Captive portal port.").IntVar(&cf.PortalPort)
	startCmd.Flag("listen-addr", "Address all three frontends bind.").StringVar(&cf.ListenAddr)
	startCmd.Flag("user-agent", "User-Agent sent upstream when spoofing is on.").StringVar(&cf.UserAgent)
	startCmd.Flag("target", "Browserslist-style transform target, repeatable.").StringsVar(&cf.Targets)
	startCmd.Flag("no-transform-js", "Disable JavaScript transpilation.").BoolVar(&cf.NoTransformJS)
	startCmd.Flag("no-transform-css", "Disable stylesheet rewriting.").BoolVar(&cf.NoTransformCSS)
	startCmd.Flag("no-transform-html", "Disable HTML document rewriting.").BoolVar(&cf.NoTransformHTML)
	startCmd.Flag("no-polyfills", "Do not inject the polyfill bundle.").BoolVar(&cf.NoPolyfills)
	startCmd.Flag("no-cache", "Disable the transformation cache.").BoolVar(&cf.NoCache)
	startCmd.Flag("no-remove-ads", "Let requests matching the ad rules through.").BoolVar(&cf.NoRemoveAds)
	startCmd.Flag("no-remove-tracking", "Let requests matching the tracker rules through.").BoolVar(&cf.NoRemoveTracking)
	startCmd.Flag("spoof-user-agent", "Force User-Agent spoofing on.").BoolVar(&cf.SpoofUserAgent)

	versionCmd := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		return service.ExitStartup
	}

	switch command {
	case versionCmd.FullCommand():
		fmt.Printf("Revamp v%v %v (%v/%v)\n", revamp.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		return service.ExitOK
	case startCmd.FullCommand():
		return onStart(ctx, &cf)
	}
	fmt.Fprintf(os.Stderr, "command %q not configured\n", command)
	return service.ExitStartup
}

// onStart assembles the process configuration. Settings stack in order:
// built-in defaults, then the YAML file, then explicit command line flags.
// Persisted overrides and the runtime API stack on top once the process is
// up.
func onStart(ctx context.Context, cf *cliConf) int {
	var fc *config.FileConfig
	if cf.ConfigPath != "" {
		var err error
		if fc, err = config.ReadFromFile(cf.ConfigPath); err != nil {
			fmt.Fprintln(os.Stderr, trace.UserMessage(err))
			return service.ExitStartup
		}
	}

	logger, err := initLogger(cf, fc)
	if err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		return service.ExitStartup
	}

	static := config.Default()
	var svcCfg service.Config
	if fc != nil {
		static = fc.Proxy
		svcCfg.DataDir = fc.DataDir
		svcCfg.PluginsDir = fc.PluginsDir
		svcCfg.ListenAddr = fc.ListenAddr
	}
	applyCLI(&static, cf)

	if cf.DataDir != "" {
		svcCfg.DataDir = cf.DataDir
	}
	if svcCfg.DataDir == "" {
		svcCfg.DataDir = defaultDataDir()
	}
	if cf.PluginsDir != "" {
		svcCfg.PluginsDir = cf.PluginsDir
	}
	if cf.ListenAddr != "" {
		svcCfg.ListenAddr = cf.ListenAddr
	}
	svcCfg.Static = static
	svcCfg.Logger = logger.With(revamp.ComponentKey, revamp.ComponentProcess)

	return service.Run(ctx, svcCfg)
}

func initLogger(cf *cliConf, fc *config.FileConfig) (*slog.Logger, error) {
	var logCfg logutils.Config
	if fc != nil {
		logCfg.Severity = fc.Log.Severity
		logCfg.Format = fc.Log.Format
	}
	if cf.Debug {
		logCfg.Severity = "debug"
	}
	logger, err := logutils.Initialize(logCfg)
	return logger, trace.Wrap(err)
}

// applyCLI overlays explicit flags on cfg. Zero values are skipped, so a
// flag the user never passed leaves the file and built-in values alone.
func applyCLI(cfg *config.Config, cf *cliConf) {
	if cf.SOCKS5Port != 0 {
		cfg.SOCKS5Port = cf.SOCKS5Port
	}
	if cf.HTTPPort != 0 {
		cfg.HTTPProxyPort = cf.HTTPPort
	}
	if cf.PortalPort != 0 {
		cfg.CaptivePortalPort = cf.PortalPort
	}
	if cf.UserAgent != "" {
		cfg.UserAgent = cf.UserAgent
	}
	if len(cf.Targets) > 0 {
		cfg.Targets = slices.Clone(cf.Targets)
	}
	if cf.NoTransformJS {
		cfg.TransformJS = false
	}
	if cf.NoTransformCSS {
		cfg.TransformCSS = false
	}
	if cf.NoTransformHTML {
		cfg.TransformHTML = false
	}
	if cf.NoPolyfills {
		cfg.InjectPolyfills = false
	}
	if cf.NoCache {
		cfg.CacheEnabled = false
	}
	if cf.NoRemoveAds {
		cfg.RemoveAds = false
	}
	if cf.NoRemoveTracking {
		cfg.RemoveTracking = false
	}
	if cf.SpoofUserAgent {
		cfg.SpoofUserAgent = true
	}
}

// defaultDataDir is $XDG_DATA_HOME/revamp, then ~/.local/share/revamp,
// then ./data when no home directory can be determined.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, defaults.DataDirName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", defaults.DataDirName)
	}
	return defaults.FallbackDataDir
}
