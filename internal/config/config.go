// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plughost Contributors

// Package config loads host configuration from a YAML file overlaid with
// command-line flags.
package config

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/phira-mp/plughost/internal/logging"
	"github.com/phira-mp/plughost/internal/xdg"
)

// CodeInvalid is returned for configuration that fails validation.
const CodeInvalid = "CONFIG_INVALID"

// FileName is the config file looked up in the XDG config dir.
const FileName = "config.yaml"

// Config is the host configuration.
type Config struct {
	Plugins PluginsConfig `koanf:"plugins"`
	Bus     BusConfig     `koanf:"bus"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Gateway GatewayConfig `koanf:"gateway"`
	Control ControlConfig `koanf:"control"`
	Store   StoreConfig   `koanf:"store"`
}

// PluginsConfig controls discovery and hot reload.
type PluginsConfig struct {
	Dir            string        `koanf:"dir"`
	Watch          bool          `koanf:"watch"`
	ReloadDebounce time.Duration `koanf:"reload_debounce"`
}

// BusConfig tunes event dispatch.
type BusConfig struct {
	// HandlerTimeout bounds each handler call. Zero disables it.
	HandlerTimeout time.Duration `koanf:"handler_timeout"`
}

// LogConfig selects log output.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// MetricsConfig configures the observability HTTP server. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// GatewayConfig configures the development line gateway. An empty Addr
// disables it.
type GatewayConfig struct {
	Addr string `koanf:"addr"`
}

// ControlConfig configures the admin socket.
type ControlConfig struct {
	Enabled bool   `koanf:"enabled"`
	Socket  string `koanf:"socket"`
}

// StoreConfig selects plugin KV storage. Without a DatabaseURL plugins get
// in-memory storage.
type StoreConfig struct {
	DatabaseURL string `koanf:"database_url"`
}

// Default returns the built-in configuration. Directory defaults come from
// the XDG base directories.
func Default() Config {
	cfg := Config{
		Plugins: PluginsConfig{ReloadDebounce: 250 * time.Millisecond},
		Log:     LogConfig{Format: logging.FormatJSON, Level: "info"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9100"},
		Control: ControlConfig{Enabled: true},
	}
	if dir, err := xdg.PluginsDir(); err == nil {
		cfg.Plugins.Dir = dir
	}
	if dir, err := xdg.RuntimeDir(); err == nil {
		cfg.Control.Socket = filepath.Join(dir, "control.sock")
	}
	return cfg
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"plugins-dir":     "plugins.dir",
	"watch":           "plugins.watch",
	"reload-debounce": "plugins.reload_debounce",
	"handler-timeout": "bus.handler_timeout",
	"log-format":      "log.format",
	"log-level":       "log.level",
	"metrics-addr":    "metrics.addr",
	"gateway-addr":    "gateway.addr",
	"control":         "control.enabled",
	"control-socket":  "control.socket",
	"database-url":    "store.database_url",
}

// RegisterFlags adds the config override flags to fs. Flag defaults are
// informational; only flags the user sets override the file.
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("plugins-dir", def.Plugins.Dir, "plugin directory")
	fs.Bool("watch", def.Plugins.Watch, "reload plugins when their files change")
	fs.Duration("reload-debounce", def.Plugins.ReloadDebounce, "quiet period before a changed plugin is reloaded")
	fs.Duration("handler-timeout", def.Bus.HandlerTimeout, "per-handler timeout (0 disables)")
	fs.String("log-format", def.Log.Format, "log format (json, text)")
	fs.String("log-level", def.Log.Level, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", def.Metrics.Addr, "metrics and health listen address (empty disables)")
	fs.String("gateway-addr", def.Gateway.Addr, "development line gateway listen address (empty disables)")
	fs.Bool("control", def.Control.Enabled, "serve the control socket")
	fs.String("control-socket", def.Control.Socket, "control socket path")
	fs.String("database-url", def.Store.DatabaseURL, "PostgreSQL URL for plugin storage (empty uses memory)")
}

// Load builds the configuration: defaults, then the YAML file at path,
// then any flags set in fs. An empty path reads config.yaml from the XDG
// config dir when it exists. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	def := Default()
	for key, val := range map[string]any{
		"plugins.dir":             def.Plugins.Dir,
		"plugins.watch":           def.Plugins.Watch,
		"plugins.reload_debounce": def.Plugins.ReloadDebounce.String(),
		"bus.handler_timeout":     def.Bus.HandlerTimeout.String(),
		"log.format":              def.Log.Format,
		"log.level":               def.Log.Level,
		"metrics.addr":            def.Metrics.Addr,
		"gateway.addr":            def.Gateway.Addr,
		"control.enabled":         def.Control.Enabled,
		"control.socket":          def.Control.Socket,
		"store.database_url":      def.Store.DatabaseURL,
	} {
		if err := k.Set(key, val); err != nil {
			return nil, oops.In("config").With("key", key).Wrapf(err, "set default")
		}
	}

	if path == "" {
		path = defaultPath()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").
				Code(CodeInvalid).
				With("path", path).
				Wrapf(err, "load config file")
		}
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "load flags")
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.In("config").Code(CodeInvalid).Wrapf(err, "decode config")
	}
	return &cfg, nil
}

// defaultPath returns the XDG config file if it exists.
func defaultPath() string {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Validate checks field values.
func (c *Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return oops.In("config").Code(CodeInvalid).With("key", key).Errorf(format, args...)
	}

	if c.Plugins.Dir == "" {
		return invalid("plugins.dir", "plugins.dir is required")
	}
	if c.Plugins.ReloadDebounce < 0 {
		return invalid("plugins.reload_debounce", "plugins.reload_debounce must not be negative")
	}
	if c.Bus.HandlerTimeout < 0 {
		return invalid("bus.handler_timeout", "bus.handler_timeout must not be negative")
	}
	if !logging.ValidFormat(c.Log.Format) {
		return invalid("log.format", "log.format must be %q or %q, got %q", logging.FormatJSON, logging.FormatText, c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "log.level %q is not a level", c.Log.Level)
	}
	for key, addr := range map[string]string{"metrics.addr": c.Metrics.Addr, "gateway.addr": c.Gateway.Addr} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return invalid(key, "%s %q is not host:port", key, addr)
		}
	}
	if c.Control.Enabled && c.Control.Socket == "" {
		return invalid("control.socket", "control.socket is required when control is enabled")
	}
	return nil
}
