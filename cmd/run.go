package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentd/internal/agent"
	"github.com/nextlevelbuilder/agentd/internal/config"
	"github.com/nextlevelbuilder/agentd/internal/manager"
	"github.com/nextlevelbuilder/agentd/internal/mcp"
	"github.com/nextlevelbuilder/agentd/internal/providers"
	"github.com/nextlevelbuilder/agentd/internal/scheduler"
	"github.com/nextlevelbuilder/agentd/internal/service"
	"github.com/nextlevelbuilder/agentd/internal/store"
	"github.com/nextlevelbuilder/agentd/internal/stream"
	"github.com/nextlevelbuilder/agentd/internal/telemetry"
	"github.com/nextlevelbuilder/agentd/internal/tools"
	"github.com/nextlevelbuilder/agentd/internal/wstransport"
	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent runtime connected to the event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runRuntime(cmd.Context(), cfg)
		},
	}
}

func providerKeys(cfg *config.Config) providers.Keys {
	return providers.Keys{
		Anthropic:  cfg.Providers.AnthropicAPIKey,
		OpenAI:     cfg.Providers.OpenAIAPIKey,
		Gemini:     cfg.Providers.GeminiAPIKey,
		CueBaseURL: cfg.Providers.CueBaseURL,
	}
}

func defaultTools(cfg *config.Config) []tools.Tool {
	ws := cfg.Agents.Defaults.Workspace
	return []tools.Tool{
		tools.NewBashTool(ws),
		tools.NewReadFileTool(ws, true),
		tools.NewEditFileTool(ws, true),
		tools.NewReadImageTool(ws, true),
	}
}

func runRuntime(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, "agentd")
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	var msgStore *store.MessageStore
	if cfg.Storage.Path != "" {
		msgStore, err = store.OpenMessageStore(cfg.Storage.Path, log)
		if err != nil {
			log.Warn("message store unavailable, persistence disabled", "error", err)
		} else {
			if err := msgStore.Init(ctx); err != nil {
				log.Warn("message store init failed, persistence disabled", "error", err)
				msgStore.Close()
				msgStore = nil
			} else {
				defer msgStore.Close()
			}
		}
	}

	toolset := defaultTools(cfg)
	mcpTools, mcpMgr := startMCP(ctx, cfg, log)
	toolset = append(toolset, mcpTools...)
	if mcpMgr != nil {
		defer mcpMgr.Stop()
	}

	mgrOpts := []manager.Option{
		manager.WithLogger(log),
		manager.WithTools(toolset...),
	}
	if msgStore != nil {
		mgrOpts = append(mgrOpts, manager.WithMessageStore(msgStore))
	}
	mgr := manager.New(cfg, providerKeys(cfg), mgrOpts...)

	for id := range cfg.Agents.List {
		if _, err := mgr.RegisterAgent(cfg.SpecFor(id)); err != nil {
			return fmt.Errorf("register agent %q: %w", id, err)
		}
	}

	ws := wstransport.Get(wstransport.Config{
		URL:        wsURL(cfg),
		APIKey:     cfg.Service.AccessToken,
		MaxRetries: cfg.Service.MaxRetries,
		RetryDelay: time.Duration(cfg.Service.RetryDelaySec * float64(time.Second)),
		QueueSize:  cfg.Service.QueueSize,
		SendRate:   cfg.Service.SendRateHz,
	}, log)

	svc := service.Get(ctx, cfg.Service, ws, mgr, log)
	mgr.SetServices(svc)

	if !svc.Degraded() {
		if err := ws.Start(ctx); err != nil {
			log.Warn("websocket unavailable, running local-only", "error", err)
		} else {
			registerBusHandlers(svc, mgr, log)
			go svc.Listen(ctx)
			svc.BroadcastClientStatus(ctx, "online")
		}
	}

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	sched := startScheduler(ctx, cfg, mgr, log)
	defer sched.Stop()

	log.Info("agentd running", "environment", cfg.Environment, "primary", mgr.PrimaryAgentID())
	<-ctx.Done()
	log.Info("shutting down")
	return mgr.CleanUp(context.Background())
}

func wsURL(cfg *config.Config) string {
	base := cfg.Service.APIURL
	if len(base) > 4 && base[:4] == "http" {
		base = "ws" + base[4:]
	}
	u := base + "/ws/" + cfg.Service.ClientID
	if cfg.Service.RunnerID != "" {
		u += "?runner_id=" + cfg.Service.RunnerID
	}
	return u
}

// registerBusHandlers routes inbound bus events into the manager.
func registerBusHandlers(svc *service.Services, mgr *manager.Manager, log *slog.Logger) {
	svc.RegisterHandler(protocol.EventTypeUser, func(ctx context.Context, ev *protocol.EventMessage) error {
		if ev.Payload.Message == "" {
			return nil
		}
		agentID := ev.Payload.Recipient
		return mgr.StreamRun(ctx, agentID, ev.Payload.Message, func(sev stream.Event) {
			switch sev.Type {
			case stream.EventText:
				if err := svc.SendMessageChunk(ctx, agentID, sev.Content); err != nil {
					log.Warn("chunk delivery failed", "error", err)
				}
			case stream.EventAgentDone:
				if sev.Content == "" {
					return
				}
				if err := svc.SendMessageToUser(ctx, agentID, sev.Content); err != nil {
					log.Warn("message delivery failed", "error", err)
				}
			}
		})
	})
	svc.RegisterHandler(protocol.EventTypeAgentControl, func(ctx context.Context, ev *protocol.EventMessage) error {
		switch ev.Payload.ControlType {
		case protocol.ControlStop:
			return mgr.StopRun(ctx)
		case protocol.ControlStart:
			return mgr.Resume()
		default:
			log.Warn("unknown control type", "control_type", ev.Payload.ControlType)
			return nil
		}
	})
	svc.RegisterHandler(protocol.EventTypePing, func(ctx context.Context, ev *protocol.EventMessage) error {
		return nil
	})
}

// startMCP connects configured MCP servers and returns their tools for
// the shared agent tool set.
func startMCP(ctx context.Context, cfg *config.Config, log *slog.Logger) ([]tools.Tool, *mcp.Manager) {
	if len(cfg.MCP.Servers) == 0 {
		return nil, nil
	}
	servers := make([]mcp.ServerConfig, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		servers = append(servers, mcp.ServerConfig{
			Name:       s.Name,
			Transport:  s.Transport,
			Command:    s.Command,
			Args:       s.Args,
			Env:        s.Env,
			URL:        s.URL,
			Headers:    s.Headers,
			ToolPrefix: s.ToolPrefix,
			TimeoutSec: s.TimeoutSec,
			Enabled:    s.Enabled,
		})
	}

	reg := tools.NewRegistry()
	m := mcp.NewManager(reg, servers)
	if err := m.Start(ctx); err != nil {
		log.Warn("some MCP servers failed to connect", "error", err)
	}
	var out []tools.Tool
	for _, name := range reg.Names() {
		if t, ok := reg.Get(name); ok {
			out = append(out, t)
		}
	}
	return out, m
}

// startScheduler brings up the task poller with the run_agent callback
// bound to the manager.
func startScheduler(ctx context.Context, cfg *config.Config, mgr *manager.Manager, log *slog.Logger) *scheduler.Scheduler {
	cacheDir := cfg.Scheduler.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Dir(store.DefaultTaskCachePath())
	}
	cache := store.NewTaskCache(filepath.Join(cacheDir, "tasks.json"), log)

	reg := scheduler.NewCallbackRegistry()
	reg.Register("run_agent", func(ctx context.Context, task *scheduler.Task) error {
		_, err := mgr.StartRun(ctx, task.AgentID, task.Instruction, agent.ModeRunner)
		return err
	})

	opts := []scheduler.SchedulerOption{scheduler.WithLogger(log)}
	if cfg.Scheduler.PollIntervalMS > 0 {
		opts = append(opts, scheduler.WithPollInterval(time.Duration(cfg.Scheduler.PollIntervalMS)*time.Millisecond))
	}
	sched := scheduler.New(scheduler.NewCacheClient(cache), reg, opts...)
	sched.Start(ctx)
	return sched
}
