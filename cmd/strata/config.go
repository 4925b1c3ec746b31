package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// serverConfig is the strata.yaml file. Flags set on the command line
// override it.
type serverConfig struct {
	Addr     string `yaml:"addr"`
	Apps     string `yaml:"apps"`
	Dev      bool   `yaml:"dev"`
	Watch    bool   `yaml:"watch"`
	LogLevel string `yaml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Addr:      ":8080",
		Apps:      ".",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// loadServerConfig reads path over the defaults. A missing file is only an
// error if the path was given explicitly.
func loadServerConfig(path string, explicit bool) (serverConfig, error) {
	config := defaultServerConfig()
	contents, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return config, nil
	}
	if err != nil {
		return config, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(contents, &config); err != nil {
		return config, fmt.Errorf("parsing %s: %w", path, err)
	}
	return config, nil
}

func (c serverConfig) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q, expected text or json", c.LogFormat)
}
