package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Environment: EnvDevelopment,
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:            "claude-sonnet-4-5-20250929",
				MaxTurns:         20,
				MaxContextTokens: 200000,
				MinTokensToKeep:  2000,
				Temperature:      0.7,
				MaxTokens:        8192,
				Workspace:        filepath.Join(home, ".agentd", "workspace"),
			},
		},
		Service: ServiceConfig{
			APIURL:        "http://localhost:8000",
			MaxRetries:    10,
			RetryDelaySec: 1,
			QueueSize:     1000,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMS: 1000,
			CacheDir:       filepath.Join(home, ".cache", "agentd"),
		},
		Storage: StorageConfig{
			Path: filepath.Join(home, ".agentd", "messages.db"),
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("ENVIRONMENT"); v != "" {
		switch Environment(v) {
		case EnvDevelopment, EnvProduction, EnvTest:
			c.Environment = Environment(v)
		}
	}

	envStr("API_URL", &c.Service.APIURL)
	envStr("ACCESS_TOKEN", &c.Service.AccessToken)
	envStr("ANTHROPIC_API_KEY", &c.Providers.AnthropicAPIKey)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAIAPIKey)
	envStr("GEMINI_API_KEY", &c.Providers.GeminiAPIKey)
	envStr("CUE_BASE_URL", &c.Providers.CueBaseURL)

	if v := os.Getenv("AGENTD_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Service.QueueSize = n
		}
	}
}
