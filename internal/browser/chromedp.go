package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/logging"
	"go.uber.org/zap"
)

// Compile-time checks
var (
	_ Engine   = (*ChromedpEngine)(nil)
	_ Instance = (*chromedpInstance)(nil)
)

// ChromedpEngine launches one Chrome process per instance from a shared
// exec allocator.
type ChromedpEngine struct {
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc
	cfg             *config.BrowserConfig
	logger          *zap.Logger
}

func NewChromedpEngine(cfg *config.BrowserConfig, logger *zap.Logger) *ChromedpEngine {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("mute-audio", true),
		chromedp.IgnoreCertErrors,
	)

	if cfg.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecutablePath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	} else {
		opts = append(opts, chromedp.Flag("guest", true))
	}

	allocatorCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromedpEngine{
		allocatorCtx:    allocatorCtx,
		allocatorCancel: cancel,
		cfg:             cfg,
		logger:          logger.Named("chromedp"),
	}
}

// Launch starts a new browser process. The first Run on a chromedp context
// owns the browser lifetime, so it must not use a ctx that gets cancelled
// after launch; ctx only bounds how long we wait for it.
func (e *ChromedpEngine) Launch(ctx context.Context) (Instance, error) {
	browserCtx, cancel := chromedp.NewContext(
		e.allocatorCtx,
		chromedp.WithLogf(logging.Printf(e.logger)),
		chromedp.WithErrorf(logging.Errorf(e.logger)),
	)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()

	select {
	case err := <-started:
		if err != nil {
			cancel()
			return nil, Classify(OpLaunch, fmt.Errorf("failed to start browser: %w", err))
		}
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}

	id := "unknown"
	if c := chromedp.FromContext(browserCtx); c != nil && c.Target != nil {
		id = c.Target.TargetID.String()
	}

	e.logger.Debug("browser launched", zap.String("target_id", id))
	return &chromedpInstance{
		id:            id,
		ctx:           browserCtx,
		cancel:        cancel,
		actionTimeout: e.cfg.ActionTimeout,
	}, nil
}

// Close terminates every browser started by this engine.
func (e *ChromedpEngine) Close() error {
	if e.allocatorCancel != nil {
		e.allocatorCancel()
	}
	return nil
}

type chromedpInstance struct {
	id            string
	ctx           context.Context
	cancel        context.CancelFunc
	actionTimeout time.Duration
}

func (i *chromedpInstance) ID() string {
	return i.id
}

// run executes one operation bounded by the caller's ctx and the per-action
// timeout. The caller's cancellation or deadline takes precedence over any
// driver error.
func (i *chromedpInstance) run(ctx context.Context, op Op, selector, value string, res interface{}) error {
	action, err := GenerateActionSequence(op, selector, value, res)
	if err != nil {
		return NewFault(op, kindForOp(op), false, err)
	}

	runCtx, cancel := context.WithCancel(i.ctx)
	defer cancel()
	if i.actionTimeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, i.actionTimeout)
		defer cancelTimeout()
	}
	if dl, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, dl)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = chromedp.Run(runCtx, action)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return Classify(op, err)
}

func (i *chromedpInstance) Navigate(ctx context.Context, url string) error {
	return i.run(ctx, OpNavigate, "", url, nil)
}

func (i *chromedpInstance) WaitVisible(ctx context.Context, selector string) error {
	return i.run(ctx, OpWaitVisible, selector, "", nil)
}

func (i *chromedpInstance) Click(ctx context.Context, selector string) error {
	return i.run(ctx, OpClick, selector, "", nil)
}

func (i *chromedpInstance) Type(ctx context.Context, selector, text string) error {
	return i.run(ctx, OpType, selector, text, nil)
}

func (i *chromedpInstance) Submit(ctx context.Context, selector string) error {
	return i.run(ctx, OpSubmit, selector, "", nil)
}

func (i *chromedpInstance) Text(ctx context.Context, selector string) (string, error) {
	var text string
	err := i.run(ctx, OpText, selector, "", &text)
	return text, err
}

func (i *chromedpInstance) Title(ctx context.Context) (string, error) {
	var title string
	err := i.run(ctx, OpTitle, "", "", &title)
	return title, err
}

func (i *chromedpInstance) OuterHTML(ctx context.Context, selector string) (string, error) {
	var html string
	err := i.run(ctx, OpOuterHTML, selector, "", &html)
	return html, err
}

func (i *chromedpInstance) Exists(ctx context.Context, selector string) (bool, error) {
	var present bool
	err := i.run(ctx, OpExists, selector, "", &present)
	return present, err
}

func (i *chromedpInstance) Reset(ctx context.Context) error {
	return i.run(ctx, OpReset, "", "", nil)
}

func (i *chromedpInstance) Ping(ctx context.Context) error {
	var n int
	if err := i.run(ctx, OpPing, "", "", &n); err != nil {
		return err
	}
	if n != 2 {
		return NewFault(OpPing, kindForOp(OpPing), true, fmt.Errorf("unexpected ping result %d", n))
	}
	return nil
}

// Close asks Chrome to exit gracefully, then releases the context.
func (i *chromedpInstance) Close() error {
	ctx, cancel := context.WithTimeout(i.ctx, 5*time.Second)
	defer cancel()
	err := chromedp.Cancel(ctx)
	i.cancel()
	if err != nil && err != context.Canceled {
		return fmt.Errorf("failed to close browser %s: %w", i.id, err)
	}
	return nil
}
