package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"coderelay/internal/adapter/gateway"
	"coderelay/internal/infra/config"
	"coderelay/internal/infra/middleware"
	"coderelay/internal/security"
)

func newServeCommand(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Gateway.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides gateway.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "coderelay.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another coderelay server is using %s", cfg.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	chatSvc, err := a.newChatService()
	if err != nil {
		return err
	}

	var auth gateway.Authenticator = gateway.OpenAuth{}
	if len(cfg.Gateway.Auth.Tokens) > 0 {
		entries := make([]gateway.TokenEntry, len(cfg.Gateway.Auth.Tokens))
		for i, t := range cfg.Gateway.Auth.Tokens {
			entries[i] = gateway.TokenEntry{Token: t.Token, Name: t.Name}
		}
		auth = gateway.NewStaticTokenAuth(entries)
	} else {
		a.logger.Warn("gateway auth disabled: no tokens configured")
	}

	var limiter *rate.Limiter
	if rl := cfg.Gateway.RateLimit; rl.PerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(rl.PerMinute/60), rl.Burst)
	}

	srv := gateway.NewServer(a.bus, auth, cfg.Gateway.Addr, a.logger)
	if cfg.Audit.Enabled {
		audit, err := security.NewFileAuditLogger(cfg.AuditPath(), cfg.Audit.MaxAge)
		if err != nil {
			return err
		}
		defer audit.Close()
		srv.SetAuditLogger(audit)
	}
	srv.AllowOrigins(cfg.Gateway.AllowedOrigins...)
	srv.Use(
		middleware.SecurityHeaders,
		middleware.PerClientLimit(ctx, middleware.RateLimitConfig{
			PerMinute:      cfg.Gateway.HTTPLimit.PerMinute,
			Burst:          cfg.Gateway.HTTPLimit.Burst,
			TrustedProxies: cfg.Gateway.TrustedProxies,
		}),
	)
	deps := gateway.HandlerDeps{
		Chat:      chatSvc,
		Processes: a.supervisor,
		Ledger:    a.ledger,
		Index:     a.index,
		Limiter:   limiter,
		Workspace: cfg.Workspace,
		Logger:    a.logger,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)

	a.logger.Info("coderelay serving",
		"version", Version,
		"workspace", cfg.Workspace,
		"addr", cfg.Gateway.Addr,
		"store", cfg.Store.Type,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error {
		a.bus.RunKeepAlive(gctx, cfg.Gateway.KeepAlive)
		return nil
	})
	return g.Wait()
}
