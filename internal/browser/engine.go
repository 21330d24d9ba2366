package browser

import (
	"context"
	"fmt"

	"github.com/copyleftdev/mercury/internal/config"
	"go.uber.org/zap"
)

// Page is the set of page-level actions a task kind can drive. Every call
// is bounded by ctx and returns a *Fault (or the ctx error) on failure.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Submit(ctx context.Context, selector string) error
	Text(ctx context.Context, selector string) (string, error)
	Title(ctx context.Context) (string, error)
	OuterHTML(ctx context.Context, selector string) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)

	// Reset clears cookies and returns to about:blank before reuse.
	Reset(ctx context.Context) error
	// Ping is a cheap liveness probe.
	Ping(ctx context.Context) error
}

// Instance is one live headless browser with its active page.
type Instance interface {
	Page
	ID() string
	Close() error
}

// Engine launches browser instances.
type Engine interface {
	Launch(ctx context.Context) (Instance, error)
	Close() error
}

// NewEngine picks the driver named by cfg.Driver.
func NewEngine(cfg *config.BrowserConfig, logger *zap.Logger) (Engine, error) {
	switch cfg.Driver {
	case "", "chromedp":
		return NewChromedpEngine(cfg, logger), nil
	case "playwright":
		return NewPlaywrightEngine(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}
