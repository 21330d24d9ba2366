package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/copyleftdev/mercury/internal/config"
	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

var (
	_ Engine   = (*PlaywrightEngine)(nil)
	_ Instance = (*playwrightInstance)(nil)
)

const defaultPlaywrightTimeout = 30 * time.Second

// PlaywrightEngine launches Chromium through the Playwright driver. The
// driver process is started lazily on the first launch and shared by all
// instances.
type PlaywrightEngine struct {
	mu     sync.Mutex
	pw     *playwright.Playwright
	cfg    *config.BrowserConfig
	logger *zap.Logger
}

func NewPlaywrightEngine(cfg *config.BrowserConfig, logger *zap.Logger) *PlaywrightEngine {
	return &PlaywrightEngine{
		cfg:    cfg,
		logger: logger.Named("playwright"),
	}
}

func (e *PlaywrightEngine) driver() (*playwright.Playwright, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pw != nil {
		return e.pw, nil
	}

	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	e.pw = pw
	return pw, nil
}

func (e *PlaywrightEngine) Launch(ctx context.Context) (Instance, error) {
	pw, err := e.driver()
	if err != nil {
		return nil, NewFault(OpLaunch, kindForOp(OpLaunch), false, err)
	}

	type launched struct {
		inst *playwrightInstance
		err  error
	}
	done := make(chan launched, 1)

	go func() {
		headless := e.cfg.Headless
		launchOpts := playwright.BrowserTypeLaunchOptions{
			Headless: &headless,
			Args:     []string{"--no-sandbox", "--disable-setuid-sandbox", "--disable-dev-shm-usage"},
		}
		if e.cfg.ExecutablePath != "" {
			launchOpts.ExecutablePath = playwright.String(e.cfg.ExecutablePath)
		}
		browser, err := pw.Chromium.Launch(launchOpts)
		if err != nil {
			done <- launched{err: fmt.Errorf("failed to launch browser: %w", err)}
			return
		}
		bctx, err := browser.NewContext()
		if err != nil {
			browser.Close()
			done <- launched{err: fmt.Errorf("failed to create context: %w", err)}
			return
		}
		page, err := bctx.NewPage()
		if err != nil {
			bctx.Close()
			browser.Close()
			done <- launched{err: fmt.Errorf("failed to create page: %w", err)}
			return
		}
		timeout := e.cfg.ActionTimeout
		if timeout <= 0 {
			timeout = defaultPlaywrightTimeout
		}
		page.SetDefaultTimeout(float64(timeout.Milliseconds()))
		done <- launched{inst: &playwrightInstance{
			id:            uuid.NewString(),
			browser:       browser,
			context:       bctx,
			page:          page,
			actionTimeout: timeout,
		}}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, Classify(OpLaunch, res.err)
		}
		e.logger.Debug("browser launched", zap.String("instance_id", res.inst.id))
		return res.inst, nil
	case <-ctx.Done():
		// Reap the instance if it shows up after we gave up on it.
		go func() {
			if res := <-done; res.inst != nil {
				_ = res.inst.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (e *PlaywrightEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pw == nil {
		return nil
	}
	err := e.pw.Stop()
	e.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightInstance struct {
	id            string
	browser       playwright.Browser
	context       playwright.BrowserContext
	page          playwright.Page
	actionTimeout time.Duration
}

func (i *playwrightInstance) ID() string {
	return i.id
}

// timeoutFor converts the tighter of ctx's deadline and the action timeout
// into Playwright's millisecond timeout.
func (i *playwrightInstance) timeoutFor(ctx context.Context) *float64 {
	timeout := i.actionTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return playwright.Float(float64(timeout.Milliseconds()))
}

// do runs fn off the caller's goroutine so ctx cancellation returns
// promptly. Playwright calls cannot be interrupted; an abandoned call ends
// when its own timeout fires or when the instance is closed.
func (i *playwrightInstance) do(ctx context.Context, op Op, fn func(timeout *float64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := i.timeoutFor(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- fn(timeout)
	}()

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, playwright.ErrTimeout) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return Classify(op, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *playwrightInstance) Navigate(ctx context.Context, url string) error {
	if url == "" {
		return NewFault(OpNavigate, kindForOp(OpNavigate), false, errors.New("navigate action requires a non-empty URL value"))
	}
	return i.do(ctx, OpNavigate, func(timeout *float64) error {
		_, err := i.page.Goto(url, playwright.PageGotoOptions{
			Timeout:   timeout,
			WaitUntil: playwright.WaitUntilStateLoad,
		})
		return err
	})
}

func (i *playwrightInstance) WaitVisible(ctx context.Context, selector string) error {
	return i.do(ctx, OpWaitVisible, func(timeout *float64) error {
		return i.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: timeout,
		})
	})
}

func (i *playwrightInstance) Click(ctx context.Context, selector string) error {
	return i.do(ctx, OpClick, func(timeout *float64) error {
		return i.page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: timeout})
	})
}

func (i *playwrightInstance) Type(ctx context.Context, selector, text string) error {
	return i.do(ctx, OpType, func(timeout *float64) error {
		return i.page.Locator(selector).First().Fill(text, playwright.LocatorFillOptions{Timeout: timeout})
	})
}

func (i *playwrightInstance) Submit(ctx context.Context, selector string) error {
	return i.do(ctx, OpSubmit, func(timeout *float64) error {
		_, err := i.page.Locator(selector).First().Evaluate(
			`el => { const f = el.form || el; f.requestSubmit ? f.requestSubmit() : f.submit(); }`,
			nil,
			playwright.LocatorEvaluateOptions{Timeout: timeout},
		)
		return err
	})
}

func (i *playwrightInstance) Text(ctx context.Context, selector string) (string, error) {
	if selector == "" {
		selector = "body"
	}
	var text string
	err := i.do(ctx, OpText, func(timeout *float64) error {
		var err error
		text, err = i.page.Locator(selector).First().InnerText(playwright.LocatorInnerTextOptions{Timeout: timeout})
		return err
	})
	return text, err
}

func (i *playwrightInstance) Title(ctx context.Context) (string, error) {
	var title string
	err := i.do(ctx, OpTitle, func(_ *float64) error {
		var err error
		title, err = i.page.Title()
		return err
	})
	return title, err
}

func (i *playwrightInstance) OuterHTML(ctx context.Context, selector string) (string, error) {
	var html string
	err := i.do(ctx, OpOuterHTML, func(timeout *float64) error {
		v, err := i.page.Locator(selector).First().Evaluate(`el => el.outerHTML`, nil, playwright.LocatorEvaluateOptions{Timeout: timeout})
		if err != nil {
			return err
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("outerHTML evaluation returned %T", v)
		}
		html = s
		return nil
	})
	return html, err
}

func (i *playwrightInstance) Exists(ctx context.Context, selector string) (bool, error) {
	var present bool
	err := i.do(ctx, OpExists, func(_ *float64) error {
		n, err := i.page.Locator(selector).Count()
		present = n > 0
		return err
	})
	return present, err
}

func (i *playwrightInstance) Reset(ctx context.Context) error {
	return i.do(ctx, OpReset, func(timeout *float64) error {
		if err := i.context.ClearCookies(); err != nil {
			return err
		}
		_, err := i.page.Goto("about:blank", playwright.PageGotoOptions{Timeout: timeout})
		return err
	})
}

func (i *playwrightInstance) Ping(ctx context.Context) error {
	return i.do(ctx, OpPing, func(_ *float64) error {
		v, err := i.page.Evaluate(`1 + 1`)
		if err != nil {
			return err
		}
		switch n := v.(type) {
		case int:
			if n == 2 {
				return nil
			}
		case float64:
			if n == 2 {
				return nil
			}
		}
		return fmt.Errorf("unexpected ping result %v", v)
	})
}

func (i *playwrightInstance) Close() error {
	// Ignore page/context errors, continue cleanup
	_ = i.page.Close()
	_ = i.context.Close()
	if err := i.browser.Close(); err != nil {
		return fmt.Errorf("failed to close browser %s: %w", i.id, err)
	}
	return nil
}
