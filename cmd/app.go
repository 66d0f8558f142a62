package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lacehq/lace/internal/activity"
	"github.com/lacehq/lace/internal/budget"
	"github.com/lacehq/lace/internal/compaction"
	"github.com/lacehq/lace/internal/config"
	"github.com/lacehq/lace/internal/mcp"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/session"
	"github.com/lacehq/lace/internal/store"
	"github.com/lacehq/lace/internal/store/pg"
	"github.com/lacehq/lace/internal/tasks"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/internal/tools"
)

// app is the assembled runtime: one store, one provider registry, and
// the services layered on top.
type app struct {
	cfg       *config.Config
	store     store.Store
	threads   *threads.Manager
	activity  *activity.Log
	providers *providers.Registry
	tasks     *tasks.Service
	sessions  *session.Manager
	mcp       *mcp.Manager
	log       *slog.Logger
}

func (a *app) Close() error {
	if a.mcp != nil {
		a.mcp.Stop()
	}
	return a.store.Close()
}

// buildApp loads config and wires every subsystem. Interactive is true
// for the chat REPL, where approval-gated tools prompt on the terminal.
func buildApp(ctx context.Context, interactive bool) (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := slog.Default()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	act := activity.NewLog(log)
	tm := threads.NewManager(st, log)

	reg := providers.NewRegistry()
	registerProviders(reg, cfg)
	if len(reg.Names()) == 0 {
		st.Close()
		return nil, fmt.Errorf("no providers configured; set LACE_ANTHROPIC_API_KEY or LACE_OPENAI_API_KEY")
	}

	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0o755)

	taskSvc := tasks.NewService(st, reg)

	fullReg, restrictedReg, err := buildToolRegistries(cfg, workspace, taskSvc)
	if err != nil {
		st.Close()
		return nil, err
	}

	execCfg := tools.DefaultExecutorConfig()
	if cfg.Tools.MaxParallel > 0 {
		execCfg.MaxConcurrentTools = cfg.Tools.MaxParallel
	}
	if cfg.Tools.MaxRetries > 0 {
		execCfg.Retry.MaxRetries = cfg.Tools.MaxRetries
	}
	if !cfg.Tools.BreakerEnabled {
		execCfg.Breaker.Enabled = false
	}
	approval := approvalPolicy(cfg.Tools.Approval, interactive)
	fullExec := tools.NewExecutor(fullReg, approval, execCfg, act, log)
	// Ephemeral agents never prompt; gated tools are simply denied.
	restrictedExec := tools.NewExecutor(restrictedReg, tools.DenyAll{}, execCfg, act, log)

	compactor := compaction.NewCompactor(tm, compaction.NewRegistry(), log)

	sm := session.NewManager(session.Deps{
		Store:              st,
		Threads:            tm,
		Providers:          reg,
		Compactor:          compactor,
		Registry:           fullReg,
		Executor:           fullExec,
		RestrictedRegistry: restrictedReg,
		RestrictedExecutor: restrictedExec,
		Activity:           act,
		Log:                log,
	}, session.Defaults{
		Provider:           cfg.Agents.Provider,
		Model:              cfg.Agents.Model,
		SystemPrompt:       cfg.Agents.SystemPrompt,
		WorkingDir:         workspace,
		CompactionStrategy: cfg.Compaction.Strategy,
		Compaction: compaction.Options{
			PreserveRecent:       cfg.Compaction.PreserveTail,
			PreserveUserMessages: cfg.Compaction.PreserveUserMessages,
		},
		Budget: budget.Config{
			MaxTokens:     cfg.Budget.MaxTokens,
			ReserveOutput: cfg.Budget.ReserveOutput,
			WarnRatio:     cfg.Budget.WarnRatio,
		},
		TurnTimeout: cfg.Agents.TurnTimeout,
		QueueCap:    cfg.Agents.QueueCap,
		Stream:      cfg.Agents.Stream,
	})

	// Late hookups: tasks spawn through the session manager, and the
	// delegate tool routes through it. Only persistent agents see it.
	taskSvc.SetSpawner(sm)
	if err := fullReg.Register(tools.NewDelegateTool(sm)); err != nil {
		st.Close()
		return nil, err
	}

	// MCP servers extend the full registry only; ephemeral agents keep
	// the built-in set. Connection failures degrade, they don't abort.
	var mcpMgr *mcp.Manager
	if len(cfg.MCP) > 0 {
		mcpMgr = mcp.NewManager(fullReg, cfg.MCP, log)
		if err := mcpMgr.Start(ctx); err != nil {
			log.Warn("mcp startup incomplete", "error", err)
		}
	}

	return &app{
		cfg:       cfg,
		store:     st,
		threads:   tm,
		activity:  act,
		providers: reg,
		tasks:     taskSvc,
		sessions:  sm,
		mcp:       mcpMgr,
		log:       log,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Backend {
	case "", "sqlite":
		path := cfg.DatabasePath()
		os.MkdirAll(filepath.Dir(path), 0o755)
		return store.OpenSQLite(path)
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend selected but LACE_POSTGRES_DSN is not set")
		}
		return pg.Open(ctx, cfg.Database.PostgresDSN)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

func registerProviders(reg *providers.Registry, cfg *config.Config) {
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		p := providers.NewAnthropic(key,
			providers.WithAnthropicModel(cfg.Providers.Anthropic.Model),
			providers.WithAnthropicMaxTokens(cfg.Providers.Anthropic.MaxTokens),
		)
		reg.Register(wrapRate(p, cfg.Providers.Anthropic.RateRPS))
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		p := providers.NewOpenAI(key,
			providers.WithOpenAIModel(cfg.Providers.OpenAI.Model),
			providers.WithOpenAIBaseURL(cfg.Providers.OpenAI.BaseURL),
			providers.WithOpenAIMaxTokens(cfg.Providers.OpenAI.MaxTokens),
		)
		reg.Register(wrapRate(p, cfg.Providers.OpenAI.RateRPS))
	}
}

func wrapRate(p providers.Provider, rps float64) providers.Provider {
	if rps <= 0 {
		return p
	}
	return providers.NewRateLimited(p, rps, 1)
}

// buildToolRegistries assembles the full tool set and the restricted
// subset handed to ephemeral agents (no delegation, no spawn surface;
// the delegate tool itself is registered later, on the full set only).
func buildToolRegistries(cfg *config.Config, workspace string, taskSvc *tasks.Service) (full, restricted *tools.Registry, err error) {
	full = tools.NewRegistry()
	restricted = tools.NewRegistry()

	restrict := cfg.Tools.RestrictToWorkspace
	base := []tools.Tool{
		tools.NewReadFileTool(workspace, restrict),
		tools.NewWriteFileTool(workspace, restrict),
		tools.NewListDirTool(workspace, restrict),
		tools.NewShellTool(workspace, cfg.Tools.ShellTimeout),
	}
	for _, t := range append(base, tools.TaskTools(taskSvc)...) {
		if err := full.Register(t); err != nil {
			return nil, nil, err
		}
		if err := restricted.Register(t); err != nil {
			return nil, nil, err
		}
	}
	return full, restricted, nil
}

func approvalPolicy(mode string, interactive bool) tools.ApprovalPolicy {
	switch mode {
	case "interactive":
		if interactive {
			return tools.InteractiveApproval{}
		}
		// No terminal to ask on; fail closed.
		return tools.DenyAll{}
	case "deny":
		return tools.DenyAll{}
	default:
		return tools.AutoApprove{}
	}
}
