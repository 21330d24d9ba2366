package main

import (
	"context"
	"fmt"
	"time"

	"github.com/copyleftdev/mercury/internal/browser"
	"github.com/copyleftdev/mercury/internal/tasks"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const checkPage = `data:text/html,<html><head><title>Mercury browser check</title></head><body><h1 id="ok">It works</h1></body></html>`

func newCheckBrowserCmd(opts *rootOptions) *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check-browser",
		Short: "Launch one browser session and run a few actions against it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			engine, err := browser.NewEngine(&cfg.Browser, logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Launching %s browser...\n", cfg.Browser.Driver)
			inst, err := engine.Launch(ctx)
			if err != nil {
				fmt.Fprintf(out, "❌ launch failed: %v\n", err)
				return err
			}
			defer func() {
				if err := inst.Close(); err != nil {
					logger.Warn("closing check session failed", zap.Error(err))
				}
			}()

			return runChecks(ctx, cmd, inst, url)
		},
	}
	cmd.Flags().StringVar(&url, "url", checkPage, "page to load")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall time limit")
	return cmd
}

func runChecks(ctx context.Context, cmd *cobra.Command, page browser.Page, url string) error {
	registry := tasks.DefaultRegistry()
	checks := []struct {
		kind   string
		params taskstypes.Params
	}{
		{"fetch-title", taskstypes.Params{"url": url}},
		{"check-element", taskstypes.Params{"url": url, "selector": "body"}},
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, c := range checks {
		kind, ok := registry.Lookup(c.kind)
		if !ok {
			return fmt.Errorf("task kind %q is not registered", c.kind)
		}
		payload, err := kind.Run(ctx, page, c.params)
		if err != nil {
			failed++
			fmt.Fprintf(out, "❌ %s: %v\n", c.kind, err)
			continue
		}
		fmt.Fprintf(out, "✅ %s: %s\n", c.kind, payload)
	}
	if err := page.Ping(ctx); err != nil {
		failed++
		fmt.Fprintf(out, "❌ ping: %v\n", err)
	}
	if failed > 0 {
		return fmt.Errorf("%d browser checks failed", failed)
	}
	fmt.Fprintln(out, "Browser check passed.")
	return nil
}
