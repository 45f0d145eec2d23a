// Package mcp connects to MCP servers and registers their tools into
// the agent tool registry.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentd/internal/tools"
)

const (
	healthCheckInterval = 30 * time.Second
	initialBackoff      = 2 * time.Second
	maxBackoff          = 60 * time.Second
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
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

func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ServerStatus reports the connection status of an MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

type serverState struct {
	name       string
	transport  string
	client     *mcpclient.Client
	connected  atomic.Bool
	toolNames  []string
	timeoutSec int
	cancel     context.CancelFunc

	mu      sync.Mutex
	lastErr string
}

// Manager orchestrates MCP server connections and tool registration.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
	configs  []ServerConfig
}

func NewManager(registry *tools.Registry, configs []ServerConfig) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		configs:  configs,
	}
}

// Start connects to all configured servers. Non-fatal: servers that
// fail to connect are logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	var errs []string
	for _, cfg := range m.configs {
		if !cfg.IsEnabled() {
			slog.Info("mcp.server.disabled", "server", cfg.Name)
			continue
		}
		if err := m.connectServer(ctx, cfg); err != nil {
			slog.Warn("mcp.server.connect_failed", "server", cfg.Name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", cfg.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("some MCP servers failed to connect: %v", errs)
	}
	return nil
}

func (m *Manager) connectServer(ctx context.Context, cfg ServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE and streamable-http need an explicit Start; stdio auto-starts.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "agentd",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	ss := &serverState{
		name:       cfg.Name,
		transport:  cfg.Transport,
		client:     client,
		timeoutSec: timeoutSec,
	}
	ss.connected.Store(true)

	var registered []string
	for _, mcpTool := range toolsResult.Tools {
		bt := newBridgeTool(cfg.Name, mcpTool, client, cfg.ToolPrefix, timeoutSec, &ss.connected)
		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp.tool.name_collision", "server", cfg.Name, "tool", bt.Name(), "action", "skipped")
			continue
		}
		m.registry.Register(bt)
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[cfg.Name] = ss
	m.mu.Unlock()

	slog.Info("mcp.server.connected", "server", cfg.Name, "transport", cfg.Transport, "tools", len(registered))
	return nil
}

func createClient(cfg ServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %q", cfg.Transport)
	}
}

func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.client.Ping(ctx); err != nil {
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()
				slog.Warn("mcp.server.health_failed", "server", ss.name, "error", err)

				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				// The transport may have recovered on its own.
				if err := ss.client.Ping(ctx); err == nil {
					ss.connected.Store(true)
					backoff = initialBackoff
					slog.Info("mcp.server.reconnected", "server", ss.name)
				}
			} else {
				ss.connected.Store(true)
				backoff = initialBackoff
				ss.mu.Lock()
				ss.lastErr = ""
				ss.mu.Unlock()
			}
		}
	}
}

// Stop shuts down all server connections and unregisters their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if err := ss.client.Close(); err != nil {
			slog.Debug("mcp.server.close_error", "server", name, "error", err)
		}
	}
	m.servers = make(map[string]*serverState)
}

// Status returns the status of all connected servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return statuses
}
