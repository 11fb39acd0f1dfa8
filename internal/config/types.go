package config

import "time"

// Config represents the complete cmakerun configuration.
type Config struct {
	Runner  RunnerConfig  `yaml:"runner"`
	History HistoryConfig `yaml:"history"`
	API     APIConfig     `yaml:"api,omitempty"`

	// Digest is the BLAKE3 hash of the loaded config file, recorded with
	// each session for provenance. Empty when running on defaults.
	Digest string `yaml:"-"`
}

// RunnerConfig defines worker startup defaults.
type RunnerConfig struct {
	CMakePath         string        `yaml:"cmake_path"`
	Platform          string        `yaml:"platform"`
	SubmoduleExcludes []string      `yaml:"submodule_excludes"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	Quiet             bool          `yaml:"quiet"`
	KillOnError       bool          `yaml:"kill_on_error"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
}

// HistoryConfig defines job-history storage settings. An empty path disables
// history recording.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		Runner: RunnerConfig{
			LogLevel:    "INFO",
			LogFormat:   "json",
			KillOnError: true,
			StopTimeout: 5 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8374",
		},
	}
}
