//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
)

// config is the cpuhp config file. Flags override it.
type config struct {
	MaxVCPUs            int    `toml:"max_vcpus"`
	LogLevel            string `toml:"log_level"`
	Listen              string `toml:"listen"`
	MetricsAddr         string `toml:"metrics_addr"`
	LegacyResponseQuery bool   `toml:"legacy_response_query"`
}

func defaultConfig() config {
	return config{
		MaxVCPUs: 8,
		LogLevel: "info",
		Listen:   "unix:cpuhp.sock",
	}
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("cpuhp: read config %s: %w", path, err)
	}

	if undec := md.Undecoded(); len(undec) > 0 {
		return cfg, fmt.Errorf("cpuhp: read config %s: unknown key %q", path, undec[0].String())
	}

	return cfg, nil
}

func (cfg config) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		return 0, fmt.Errorf("cpuhp: bad log level %q", cfg.LogLevel)
	}

	return l, nil
}
