// Package config implements the runtime's YAML configuration: load,
// default, and validate, grounded on the teacher's
// internal/config/loader.go load-and-validate-defaults pattern, trimmed to
// the fields this runtime's components actually read.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads path, expands environment variables, decodes strictly (unknown
// fields are an error), applies environment overrides, applies defaults to
// whatever is still unset, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected a single YAML document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides layers a handful of deployment-time overrides on top of
// the file, matching the teacher's NEXUS_*/DATABASE_URL override names
// translated to this runtime's own env namespace.
func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_DATA_DIR")); value != "" {
		cfg.DataDir = value
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_WORKSPACES_DIR")); value != "" {
		cfg.WorkspacesDir = value
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_MAX_CONCURRENT_AGENTS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.MaxConcurrentAgents = parsed
		}
	}
	for id, svc := range cfg.LLMServices {
		if key := strings.TrimSpace(os.Getenv(envKeyForService(id))); key != "" {
			svc.APIKey = key
			cfg.LLMServices[id] = svc
		}
	}
}

func envKeyForService(serviceID string) string {
	sanitized := strings.ToUpper(strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, serviceID))
	return "ORCHESTRATOR_LLM_" + sanitized + "_API_KEY"
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.WorkspacesDir == "" {
		cfg.WorkspacesDir = "./workspaces"
	}
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 8
	}
	if cfg.LLMConcurrency <= 0 {
		cfg.LLMConcurrency = 4
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	if cfg.Compaction.ThresholdRatio <= 0 {
		cfg.Compaction.ThresholdRatio = 0.7
	}
	if cfg.Compaction.KeepRecentTurns <= 0 {
		cfg.Compaction.KeepRecentTurns = 20
	}
	if cfg.SchedulerPollInterval <= 0 {
		cfg.SchedulerPollInterval = 20 * time.Millisecond
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = 30 * time.Second
	}
	for id, svc := range cfg.LLMServices {
		if svc.ContextSize <= 0 {
			svc.ContextSize = 128_000
		}
		if svc.RateLimitPerSecond <= 0 {
			svc.RateLimitPerSecond = 2
		}
		cfg.LLMServices[id] = svc
	}
}

func validate(cfg *Config) error {
	var issues []string

	if len(cfg.LLMServices) == 0 {
		issues = append(issues, "llmServices must declare at least one service")
	}
	for id, svc := range cfg.LLMServices {
		if svc.BaseURL == "" {
			issues = append(issues, fmt.Sprintf("llmServices.%s.baseUrl is required", id))
		}
		if svc.Model == "" {
			issues = append(issues, fmt.Sprintf("llmServices.%s.model is required", id))
		}
	}
	if cfg.DefaultLLMService == "" {
		issues = append(issues, "defaultLlmService is required")
	} else if _, ok := cfg.LLMServices[cfg.DefaultLLMService]; !ok {
		issues = append(issues, fmt.Sprintf("defaultLlmService %q is not declared in llmServices", cfg.DefaultLLMService))
	}
	for name, group := range cfg.ToolGroups {
		if len(group) == 0 {
			issues = append(issues, fmt.Sprintf("toolGroups.%s must list at least one tool or group", name))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError reports every config problem found in a single pass,
// matching the teacher's aggregate-then-report ConfigValidationError style.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}
