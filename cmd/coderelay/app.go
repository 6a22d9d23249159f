package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"coderelay/internal/adapter/llm"
	"coderelay/internal/adapter/store"
	"coderelay/internal/adapter/tool"
	"coderelay/internal/adapter/workspace"
	"coderelay/internal/domain"
	"coderelay/internal/infra/config"
	"coderelay/internal/infra/logger"
	"coderelay/internal/infra/tracer"
	"coderelay/internal/usecase/chat"
	"coderelay/internal/usecase/eventbus"
	"coderelay/internal/usecase/ledger"
	"coderelay/internal/usecase/process"
	"coderelay/internal/usecase/progress"
	"coderelay/internal/usecase/summary"
)

// app holds the wired components shared by serve and mcp.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *eventbus.Bus
	supervisor *process.Supervisor
	ledger     *ledger.Ledger
	progress   *progress.Tracker
	summary    *summary.Recorder
	tools      *tool.Registry
	index      *workspace.Index

	closers []func() error
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfigLoad, err)
	}
	if flags.workspace != "" {
		cfg.Workspace = flags.workspace
	}
	if flags.logLevel != "" {
		cfg.Logger.Level = flags.logLevel
	}
	if cfg.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace = wd
		}
	}
	if abs, err := filepath.Abs(cfg.Workspace); err == nil {
		cfg.Workspace = abs
	}
	return cfg, nil
}

// newApp builds the core: bus, supervisor, ledger, progress, summary and
// the tool registry. The planner, store and gateway are added by serve.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}
	a.closers = append(a.closers, closeLog)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdownTracer(context.Background()) })

	a.bus = eventbus.New(log)
	a.summary = summary.NewRecorder()
	a.bus.Attach(a.summary)

	a.supervisor = process.NewSupervisor(process.Config{
		Shell:       cfg.Process.Shell,
		GracePeriod: cfg.Process.GracePeriod,
		MaxLines:    cfg.Process.MaxLines,
		MaxLive:     cfg.Process.MaxLive,
	}, a.bus, log)
	a.ledger = ledger.New(ledger.OSFileStore{}, a.bus, log)
	a.progress = progress.New(a.bus, log)

	a.index, err = workspace.NewIndex(workspace.IndexConfig{
		Limit: cfg.WorkspaceIndex.Limit,
		Watch: cfg.WorkspaceIndex.Watch,
		Extra: cfg.WorkspaceIndex.Ignore,
	}, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("workspace index: %w", err)
	}
	a.closers = append(a.closers, a.index.Close)

	ws := tool.Workspace{Default: cfg.Workspace, Restrict: cfg.Tools.RestrictToWorkspace}
	fs := tool.NewLocalFilesystemBackend()
	a.tools = tool.NewRegistry(log)
	if err := a.tools.Register(
		tool.NewShellTool(a.supervisor, ws, a.bus, cfg.Tools.CommandTimeout, log),
		tool.NewFileTool(fs, ws, a.ledger, log),
		tool.NewListDirTool(fs, ws, log),
		tool.NewFindTool(ws, cfg.Tools.FindLimit, log),
	); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newChatService adds the planner and the session store.
func (a *app) newChatService() (*chat.Service, error) {
	planner, err := llm.Build(a.cfg.LLM, a.logger)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	model := ""
	if pc, ok := a.cfg.Provider(a.cfg.LLM.DefaultProvider); ok {
		model = pc.Model
	}

	if a.cfg.Store.Type == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(a.cfg.StorePath()), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	sessions, err := store.Open(a.cfg.Store.Type, a.cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("chat store: %w", err)
	}
	a.closers = append(a.closers, sessions.Close)

	agent := chat.NewAgent(chat.AgentDeps{
		LLM:           planner,
		Tools:         a.tools,
		Progress:      a.progress,
		Logger:        a.logger,
		Model:         model,
		SystemPrompt:  a.cfg.Agent.SystemPrompt,
		MaxIterations: a.cfg.Agent.MaxIterations,
		MaxHistory:    a.cfg.Agent.MaxHistory,
	})
	return chat.NewService(chat.ServiceDeps{
		Agent:     agent,
		Store:     sessions,
		Ledger:    a.ledger,
		Summary:   a.summary,
		Progress:  a.progress,
		Bus:       a.bus,
		Logger:    a.logger,
		Workspace: a.cfg.Workspace,
	}), nil
}

// Close stops live processes and releases resources in reverse order.
func (a *app) Close() error {
	if a.supervisor != nil {
		a.supervisor.Stop(context.Background())
	}
	if a.bus != nil {
		a.bus.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
