package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validPlatforms = []string{"Win32", "x64", "ARM", "ARM64"}

var validLogLevels = []string{"DEBUG", "INFO", "WARN", "ERROR"}

// Load reads and parses configuration from a file, applies defaults and
// validates the result. The file's BLAKE3 digest is stored in Config.Digest.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", configPath)
		}
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	hash := blake3.Sum256(data)
	cfg.Digest = hex.EncodeToString(hash[:])

	cfg.History.Path = expandEnv(cfg.History.Path)
	cfg.Runner.CMakePath = expandEnv(cfg.Runner.CMakePath)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references with environment values. Unknown
// variables expand to the empty string.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

func validate(cfg *Config) error {
	if cfg.Runner.Platform != "" && !containsString(validPlatforms, cfg.Runner.Platform) {
		return fmt.Errorf("runner.platform %q must be one of %s",
			cfg.Runner.Platform, strings.Join(validPlatforms, ", "))
	}
	if !containsString(validLogLevels, strings.ToUpper(cfg.Runner.LogLevel)) {
		return fmt.Errorf("runner.log_level %q must be one of %s",
			cfg.Runner.LogLevel, strings.Join(validLogLevels, ", "))
	}
	if f := strings.ToLower(cfg.Runner.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("runner.log_format %q must be json or text", cfg.Runner.LogFormat)
	}
	if cfg.Runner.StopTimeout <= 0 {
		return fmt.Errorf("runner.stop_timeout must be positive")
	}
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when the API is enabled")
		}
	}
	return nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
