// Package appcfg loads the assistant's YAML configuration file. Flags and
// environment variables override what the file provides.
package appcfg

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models the persisted assistant settings.
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Loop     LoopConfig     `yaml:"loop"`
	Executor ExecutorConfig `yaml:"executor"`
	DocsDir  string         `yaml:"docs_dir"`
	Database string         `yaml:"database"`
	LogFile  string         `yaml:"log_file"`
}

// ProxyConfig points at the licensing proxy that fronts the model.
type ProxyConfig struct {
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// LoopConfig tunes the task loop.
type LoopConfig struct {
	MaxIterations  int  `yaml:"max_iterations"`
	MaxRetries     int  `yaml:"max_retries"`
	PreserveRecent int  `yaml:"preserve_recent"`
	AutoRoadmap    bool `yaml:"auto_roadmap"`
	Debug          bool `yaml:"debug"`
}

// ExecutorConfig describes how step payloads are run.
type ExecutorConfig struct {
	Command        []string `yaml:"command"`
	Workdir        string   `yaml:"workdir"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Endpoint: "http://localhost:8787",
			Model:    "default",
		},
		Loop: LoopConfig{
			MaxIterations:  10,
			MaxRetries:     3,
			PreserveRecent: 6,
		},
		Executor: ExecutorConfig{
			Command:        []string{"php"},
			TimeoutSeconds: 120,
		},
		Database: "loopsmith.db",
	}
}

// Load reads the config file at path, overlaying it on the defaults. A
// missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config missing")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ExecutorTimeout returns the configured timeout as a duration.
func (c *Config) ExecutorTimeout() time.Duration {
	if c.Executor.TimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}
