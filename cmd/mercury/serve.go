package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/copyleftdev/mercury/internal/auth"
	"github.com/copyleftdev/mercury/internal/browser"
	"github.com/copyleftdev/mercury/internal/chat"
	"github.com/copyleftdev/mercury/internal/chat/discord"
	"github.com/copyleftdev/mercury/internal/chat/slack"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/dispatch"
	"github.com/copyleftdev/mercury/internal/orchestrator"
	"github.com/copyleftdev/mercury/internal/pool"
	"github.com/copyleftdev/mercury/internal/report"
	"github.com/copyleftdev/mercury/internal/server"
	"github.com/copyleftdev/mercury/internal/tasks"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// shutdownSlack is extra time beyond the drain grace period for the pool and
// transports to close.
const shutdownSlack = 30 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent until interrupted, then drain in-flight commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	engine, err := browser.NewEngine(&cfg.Browser, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("browser engine close failed", zap.Error(err))
		}
	}()

	registry := tasks.DefaultRegistry()
	sessions := pool.New(engine, cfg.Pool, cfg.Browser.ResetTimeout, logger)

	var httpTransport *server.HTTPTransport
	if cfg.Server.Enabled {
		httpTransport = server.NewHTTPTransport()
	}
	transports, err := buildTransports(cfg, httpTransport, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Pool:       sessions,
		Runner:     tasks.NewExecutor(sessions, registry, cfg.Executor, logger),
		Registry:   registry,
		Dispatcher: dispatch.New(registry, cfg.Chat.Prefix, cfg.Executor),
		Reporter:   report.New(cfg.Chat.Prefix, logger),
		Verifier:   auth.NewVerifier(cfg.Admin.OwnerID, cfg.Admin.TOTPSecret),
		Transports: transports,
	}, logger)

	var srv *server.Server
	serverErr := make(chan error, 1)
	if httpTransport != nil {
		srv = server.NewServer(cfg, orch, httpTransport, logger)
		go func() { serverErr <- srv.Start() }()
	}

	startErr := orch.Start(ctx)
	if startErr == nil {
		logger.Info("mercury is ready", zap.String("chat_driver", cfg.Chat.Driver), zap.String("browser_driver", cfg.Browser.Driver))
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
		case err := <-serverErr:
			if err != nil {
				startErr = err
			}
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.DrainGracePeriod+shutdownSlack)
	defer cancel()

	var errs []error
	if startErr != nil {
		errs = append(errs, startErr)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil && !errors.Is(err, orchestrator.ErrNotRunning) {
		errs = append(errs, err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("mercury stopped")
	return errors.Join(errs...)
}

// buildTransports returns the configured chat driver first, since it is the
// default target for schedules, followed by the HTTP transport if enabled.
func buildTransports(cfg *config.Config, httpTransport *server.HTTPTransport, logger *zap.Logger) ([]chat.Transport, error) {
	var transports []chat.Transport
	switch cfg.Chat.Driver {
	case "discord":
		transports = append(transports, discord.New(cfg.Discord.Token, logger))
	case "slack":
		transports = append(transports, slack.New(cfg.Slack.BotToken, cfg.Slack.AppToken, logger))
	case "http":
		if httpTransport == nil {
			return nil, fmt.Errorf("the http chat driver requires server.enabled")
		}
	default:
		return nil, fmt.Errorf("unknown chat driver %q", cfg.Chat.Driver)
	}
	if httpTransport != nil {
		transports = append(transports, httpTransport)
	}
	return transports, nil
}
