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
	"errors"
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML startup file (--config revamp.yaml). It
// carries process-level settings the runtime config store never touches, plus
// a proxy section overriding the built-in defaults. CLI flags override file
// values; persisted config.json overrides stack on top of both.
type FileConfig struct {
	// DataDir is where persisted state lives.
	DataDir string `yaml:"data_dir,omitempty"`
	// PluginsDir overrides the plugin directory under the data dir.
	PluginsDir string `yaml:"plugins_dir,omitempty"`
	// ListenAddr is the address the frontends bind.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Log configures the process logger.
	Log LogConfig `yaml:"log,omitempty"`
	// Proxy overrides the built-in proxy defaults. Options not present in
	// the file keep their defaults.
	Proxy Config `yaml:"proxy,omitempty"`
}

// LogConfig is the log section of the config file.
type LogConfig struct {
	// Severity is the minimum level emitted: debug, info, warn or error.
	Severity string `yaml:"severity,omitempty"`
	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// ReadFromFile loads a FileConfig from path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("config file %v is not present", path)
		}
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "reading %v", path)
	}
	return fc, nil
}

// ReadConfig parses a YAML config file from a reader. Unknown keys are
// rejected so typos surface at startup instead of silently keeping a
// default. The proxy section starts from the built-in defaults, so a file
// only has to mention the options it changes.
func ReadConfig(reader io.Reader) (*FileConfig, error) {
	fc := &FileConfig{Proxy: Default()}
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(fc); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty file configures nothing.
			return fc, nil
		}
		return nil, trace.BadParameter("failed parsing config file: %s",
			strings.ReplaceAll(err.Error(), "\n", " "))
	}
	if err := fc.Proxy.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return fc, nil
}
