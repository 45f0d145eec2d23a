package config

import (
	"sync"
)

// Environment selects runtime behaviour (turn-limit handling, logging).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// FeatureFlag is a bit set of service/storage toggles carried on each agent.
type FeatureFlag uint32

const (
	FeatureStorage FeatureFlag = 1 << iota
	FeatureServices
	FeatureMonitoring
	FeatureTasks
)

// Has reports whether all bits in f are set.
func (ff FeatureFlag) Has(f FeatureFlag) bool { return ff&f == f }

// Config is the root configuration for the agentd runtime.
type Config struct {
	Environment Environment     `json:"environment"`
	Agents      AgentsConfig    `json:"agents"`
	Providers   ProvidersConfig `json:"providers"`
	Service     ServiceConfig   `json:"service"`
	Scheduler   SchedulerConfig `json:"scheduler"`
	Storage     StorageConfig   `json:"storage"`
	Telemetry   TelemetryConfig `json:"telemetry,omitempty"`
	MCP         MCPConfig       `json:"mcp,omitempty"`

	mu sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings applied to every agent.
type AgentDefaults struct {
	Model            string  `json:"model"`
	MaxTurns         int     `json:"max_turns"`
	MaxContextTokens int     `json:"max_context_tokens"`
	MinTokensToKeep  int     `json:"min_tokens_to_keep"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	Workspace        string  `json:"workspace"`
}

// AgentSpec describes one registered agent. Immutable once registered;
// model/max-turn overrides go through Agent.ResetState.
type AgentSpec struct {
	ID               string      `json:"id"`
	IsPrimary        bool        `json:"is_primary,omitempty"`
	Model            string      `json:"model,omitempty"`
	Instruction      string      `json:"instruction,omitempty"`
	Tools            []string    `json:"tools,omitempty"`
	MaxTurns         int         `json:"max_turns,omitempty"`
	MaxContextTokens int         `json:"max_context_tokens,omitempty"`
	MinTokensToKeep  int         `json:"min_tokens_to_keep,omitempty"`
	FeatureFlag      FeatureFlag `json:"feature_flag,omitempty"`
}

// ProvidersConfig holds per-provider API keys and endpoints.
// Keys are never read from the config file, env only.
type ProvidersConfig struct {
	AnthropicAPIKey string `json:"-"` // ANTHROPIC_API_KEY
	OpenAIAPIKey    string `json:"-"` // OPENAI_API_KEY
	GeminiAPIKey    string `json:"-"` // GEMINI_API_KEY
	CueBaseURL      string `json:"cue_base_url,omitempty"`
}

// ServiceConfig configures the REST/WebSocket collaborators.
type ServiceConfig struct {
	APIURL      string `json:"api_url"`
	AccessToken string `json:"-"` // ACCESS_TOKEN env only
	ClientID    string `json:"client_id,omitempty"`
	RunnerID    string `json:"runner_id,omitempty"`

	MaxRetries    int     `json:"max_retries,omitempty"`    // default 10
	RetryDelaySec float64 `json:"retry_delay,omitempty"`    // backoff base, default 1s
	QueueSize     int     `json:"queue_size,omitempty"`     // outbound queue, default 1000
	SendRateHz    float64 `json:"send_rate_hz,omitempty"`   // outbound rate limit, 0 = unlimited
}

// SchedulerConfig configures the background task poller.
type SchedulerConfig struct {
	PollIntervalMS int    `json:"poll_interval_ms,omitempty"` // default 1000
	CacheDir       string `json:"cache_dir,omitempty"`        // default ~/.cache/agentd
}

// StorageConfig configures local message persistence.
type StorageConfig struct {
	Path string `json:"path,omitempty"` // sqlite file, default ~/.agentd/messages.db
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // OTLP/HTTP collector
}

// MCPConfig lists external MCP tool servers.
type MCPConfig struct {
	Servers []MCPServerSpec `json:"servers,omitempty"`
}

// MCPServerSpec describes one MCP server connection.
type MCPServerSpec struct {
	Name       string            `json:"name"`
	Transport  string            `json:"transport"` // stdio, sse, streamable-http
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"tool_prefix,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Enabled    *bool             `json:"enabled,omitempty"`
}

// SpecFor resolves the effective spec for an agent id, applying defaults.
func (c *Config) SpecFor(id string) AgentSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.Agents.List[id]
	if !ok {
		spec = AgentSpec{ID: id}
	}
	d := c.Agents.Defaults
	if spec.Model == "" {
		spec.Model = d.Model
	}
	if spec.MaxTurns <= 0 {
		spec.MaxTurns = d.MaxTurns
	}
	if spec.MaxContextTokens <= 0 {
		spec.MaxContextTokens = d.MaxContextTokens
	}
	if spec.MinTokensToKeep <= 0 {
		spec.MinTokensToKeep = d.MinTokensToKeep
	}
	return spec
}

// Replace swaps in the tunable sections from a freshly loaded config.
// Called by the hot-reload watcher; provider keys and service credentials
// keep their env-derived values.
func (c *Config) Replace(next *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = next.Agents
	c.Scheduler = next.Scheduler
	c.Telemetry = next.Telemetry
}
