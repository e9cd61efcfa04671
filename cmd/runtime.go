package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/bootstrap"
	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/hooks"
	"github.com/nextlevelbuilder/clawworker/internal/hooks/policies"
	"github.com/nextlevelbuilder/clawworker/internal/mcp"
	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/store"
	"github.com/nextlevelbuilder/clawworker/internal/store/pg"
	"github.com/nextlevelbuilder/clawworker/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawworker/internal/tools"
	"github.com/nextlevelbuilder/clawworker/internal/tracing"
)

// agentCacheTTL bounds how long a resolved agent survives a config reload.
const agentCacheTTL = 5 * time.Minute

// runtime is the set of long-lived components shared by serve, task run
// and standalone chat.
type runtime struct {
	cfg atomic.Pointer[config.Config]

	stores   *store.Stores
	bus      *bus.MessageBus
	hooks    *hooks.Runner
	policies *policies.Set
	tracing  *tracing.Collector
	mcp      *mcp.Manager
	router   *agent.Router
	tokens   agent.TokenCounter

	closers []func()
}

// newRuntime opens stores and builds the shared components. MCP servers
// are not connected until startMCP.
func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{
		bus:      bus.New(),
		hooks:    hooks.NewRunner(nil, slog.Default()),
		policies: &policies.Set{},
		mcp:      mcp.NewManager(cfg.MCP),
		router:   agent.NewRouter(),
	}
	rt.cfg.Store(cfg)

	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}
	rt.stores = stores
	rt.closers = append(rt.closers, func() {
		if err := stores.Close(); err != nil {
			slog.Warn("close stores", "error", err)
		}
	})

	if err := rt.policies.Apply(rt.hooks, cfg.Hooks); err != nil {
		rt.close()
		return nil, fmt.Errorf("hooks: %w", err)
	}

	if cfg.Context.Tokenizer != "" {
		rt.tokens = agent.NewTiktokenCounter(cfg.Context.Tokenizer)
	} else {
		rt.tokens = agent.CharCounter{}
	}

	if stores.Tracing != nil || cfg.Telemetry.Enabled {
		rt.tracing = tracing.NewCollector(stores.Tracing)
		initOTelExporter(ctx, cfg, rt.tracing)
		rt.tracing.Start()
		tracing.RegisterHooks(rt.hooks, rt.tracing)
		rt.closers = append(rt.closers, rt.tracing.Stop)
	}

	rt.router.SetTTL(agentCacheTTL)
	rt.router.SetResolver(rt.buildAgent)
	return rt, nil
}

func (rt *runtime) config() *config.Config { return rt.cfg.Load() }

// startMCP connects configured MCP servers and keeps them healthy until
// close.
func (rt *runtime) startMCP(ctx context.Context) {
	rt.mcp.Start(ctx)
	rt.closers = append(rt.closers, rt.mcp.Stop)
}

// reload swaps in a new config. Hook policies are replaced immediately;
// agents pick up the rest when their cache entry expires.
func (rt *runtime) reload(cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		slog.Warn("config reload rejected", "error", err)
		return
	}
	if err := rt.policies.Apply(rt.hooks, cfg.Hooks); err != nil {
		slog.Warn("config reload: hooks rejected, keeping previous policies", "error", err)
	}
	rt.cfg.Store(cfg)
	slog.Info("config reloaded", "agents", cfg.AgentIDs(), "policies", len(rt.policies.IDs()))
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
	rt.bus.Close()
}

// buildAgent resolves a configured agent ID into a Worker. It backs the
// router's lazy resolution.
func (rt *runtime) buildAgent(id string) (agent.Agent, error) {
	cfg := rt.config()
	id = config.NormalizeAgentID(id)
	if !slices.Contains(cfg.AgentIDs(), id) {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, id)
	}
	spec, _ := cfg.Agent(id)

	provider, err := buildProvider(cfg, spec)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}

	workspace := config.ExpandHome(spec.Workspace)
	if len(cfg.Agents.List) > 0 {
		workspace = filepath.Join(workspace, id)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("agent %s: workspace: %w", id, err)
	}

	contextFiles := bootstrap.BuildContextFiles(
		bootstrap.LoadWorkspaceFiles(workspace, spec.ContextFiles),
		bootstrap.DefaultTruncateConfig(),
	)

	registry, err := buildTools(cfg, workspace)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}

	var extensions []tools.ExtensionProvider
	if len(cfg.MCP.Servers) > 0 {
		extensions = append(extensions, rt.mcp.ForServers(spec.MCPServers))
	}

	budget := spec.ContextTokens * 4
	fit := agent.DefaultFitOptions(budget)
	fit.KeepImages = cfg.Context.KeepImages
	fit.FrontKeep = cfg.Context.FrontKeep
	fit.MinTail = cfg.Context.MinTail

	loop := agent.NewLoop(agent.LoopConfig{
		ID:                   id,
		Provider:             provider,
		Model:                spec.Model,
		SystemPrompt:         bootstrap.ComposeSystemPrompt(spec.SystemPrompt, contextFiles),
		Workspace:            workspace,
		Tools:                registry.Filter(spec.ToolsAllow, spec.ToolsDeny),
		Extensions:           extensions,
		Hooks:                rt.hooks,
		Sessions:             rt.stores.Sessions,
		Events:               rt.bus,
		MaxRounds:            spec.MaxRounds,
		MaxConsecutiveErrors: cfg.Loop.MaxConsecutiveErrors,
		BackoffBase:          config.Duration(cfg.Loop.BackoffBaseMs),
		BackoffMax:           config.Duration(cfg.Loop.BackoffMaxMs),
		MaxTokens:            spec.MaxTokens,
		ToolResultMaxChars:   cfg.Loop.ToolResultMaxChars,
		Context:              fit,
		StreamThrottle:       config.Duration(cfg.Loop.StreamThrottleMs),
		TokenCounter:         rt.tokens,
	})
	slog.Info("agent resolved", "agent", id, "provider", provider.Name(), "model", loop.Model(), "workspace", workspace, "contextFiles", len(contextFiles))
	return agent.NewWorker(loop), nil
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return pg.NewStores(cfg.Store.PostgresDSN)
	default:
		return sqlite.NewStores(config.ExpandHome(cfg.Store.SQLitePath))
	}
}

var errNoAPIKey = errors.New("no API key configured")

func buildProvider(cfg *config.Config, spec config.AgentDefaults) (providers.Provider, error) {
	switch spec.Provider {
	case "anthropic":
		pc := cfg.Providers.Anthropic
		if pc.APIKey == "" {
			return nil, fmt.Errorf("anthropic: %w (set ANTHROPIC_API_KEY)", errNoAPIKey)
		}
		return providers.NewAnthropicProvider(pc.APIKey, pc.APIBase, spec.Model), nil
	case "openai":
		pc := cfg.Providers.OpenAI
		if pc.APIKey == "" {
			return nil, fmt.Errorf("openai: %w (set OPENAI_API_KEY)", errNoAPIKey)
		}
		return providers.NewOpenAIProvider("openai", pc.APIKey, pc.APIBase, spec.Model), nil
	case "dashscope":
		pc := cfg.Providers.DashScope
		if pc.APIKey == "" {
			return nil, fmt.Errorf("dashscope: %w (set DASHSCOPE_API_KEY)", errNoAPIKey)
		}
		return providers.NewDashScopeProvider(pc.APIKey, pc.APIBase, spec.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", spec.Provider)
	}
}

// buildTools registers the built-in tools for one workspace. Allow and
// deny lists are applied by the caller.
func buildTools(cfg *config.Config, workspace string) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	if cfg.Tools.ScrubEnabled() {
		scrubber, err := tools.NewScrubber(cfg.Tools.ScrubPatterns, cfg.SecretValues()...)
		if err != nil {
			return nil, err
		}
		reg.SetScrubber(scrubber)
	} else {
		reg.SetScrubber(nil)
	}
	if cfg.Tools.RateLimitPerHour > 0 {
		reg.SetRateLimiter(tools.NewToolRateLimiter(cfg.Tools.RateLimitPerHour))
	}

	reg.Register(tools.NewReadFileTool(workspace))
	reg.Register(tools.NewListFilesTool(workspace))
	reg.Register(tools.NewReadImageTool(workspace))
	reg.Register(tools.NewCurrentTimeTool())

	for _, def := range cfg.Tools.Commands {
		t, err := tools.NewCommandTool(def, workspace)
		if err != nil {
			return nil, err
		}
		reg.Register(t)
	}
	return reg, nil
}
