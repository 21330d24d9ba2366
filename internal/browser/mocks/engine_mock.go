package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/copyleftdev/mercury/internal/browser"
)

// MockEngine implements browser.Engine for testing. Behaviour hooks are
// shared by every launched instance; set them before the engine is used.
// Nil hooks succeed with zero values, except Title which returns "Mock Page".
type MockEngine struct {
	LaunchFunc      func(ctx context.Context) error
	NavigateFunc    func(ctx context.Context, inst *MockInstance, url string) error
	WaitVisibleFunc func(ctx context.Context, inst *MockInstance, selector string) error
	ClickFunc       func(ctx context.Context, inst *MockInstance, selector string) error
	TypeFunc        func(ctx context.Context, inst *MockInstance, selector, text string) error
	SubmitFunc      func(ctx context.Context, inst *MockInstance, selector string) error
	TextFunc        func(ctx context.Context, inst *MockInstance, selector string) (string, error)
	TitleFunc       func(ctx context.Context, inst *MockInstance) (string, error)
	OuterHTMLFunc   func(ctx context.Context, inst *MockInstance, selector string) (string, error)
	ExistsFunc      func(ctx context.Context, inst *MockInstance, selector string) (bool, error)
	ResetFunc       func(ctx context.Context, inst *MockInstance) error
	PingFunc        func(ctx context.Context, inst *MockInstance) error
	// CloseFunc runs before an instance is marked closed; a slow hook keeps
	// the instance counted as live.
	CloseFunc func(inst *MockInstance) error

	mu        sync.Mutex
	instances []*MockInstance
	calls     map[browser.Op]int
	closed    bool
	live      int
	peakLive  int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{calls: make(map[browser.Op]int)}
}

func (e *MockEngine) Launch(ctx context.Context) (browser.Instance, error) {
	e.record(browser.OpLaunch)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.LaunchFunc != nil {
		if err := e.LaunchFunc(ctx); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	inst := &MockInstance{engine: e, id: fmt.Sprintf("mock-%d", len(e.instances)+1)}
	e.instances = append(e.instances, inst)
	e.live++
	if e.live > e.peakLive {
		e.peakLive = e.live
	}
	return inst, nil
}

func (e *MockEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *MockEngine) record(op browser.Op) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls[op]++
}

// Calls returns how many times op was invoked across all instances.
func (e *MockEngine) Calls(op browser.Op) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// Instances returns every instance launched so far.
func (e *MockEngine) Instances() []*MockInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MockInstance, len(e.instances))
	copy(out, e.instances)
	return out
}

// Launched returns the number of instances launched.
func (e *MockEngine) Launched() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instances)
}

// Live returns the number of launched instances whose Close has not returned.
func (e *MockEngine) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// PeakLive returns the highest number of simultaneously live instances.
func (e *MockEngine) PeakLive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peakLive
}

// ClosedInstances returns the number of launched instances that were closed.
func (e *MockEngine) ClosedInstances() int {
	n := 0
	for _, inst := range e.Instances() {
		if inst.IsClosed() {
			n++
		}
	}
	return n
}

// Overlapped reports whether any instance was driven by two callers at once.
func (e *MockEngine) Overlapped() bool {
	for _, inst := range e.Instances() {
		if inst.overlapped.Load() {
			return true
		}
	}
	return false
}

func (e *MockEngine) WasClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// MockInstance implements browser.Instance on top of its engine's hooks.
type MockInstance struct {
	engine     *MockEngine
	id         string
	active     atomic.Int32
	overlapped atomic.Bool
	closed     atomic.Bool
	// Broken makes Ping fail, simulating a dead renderer.
	Broken atomic.Bool
}

var errClosed = errors.New("target closed")

func (i *MockInstance) ID() string {
	return i.id
}

func (i *MockInstance) IsClosed() bool {
	return i.closed.Load()
}

func (i *MockInstance) enter(op browser.Op) (func(), error) {
	i.engine.record(op)
	if i.closed.Load() {
		return func() {}, browser.Classify(op, errClosed)
	}
	if i.active.Add(1) > 1 {
		i.overlapped.Store(true)
	}
	return func() { i.active.Add(-1) }, nil
}

func (i *MockInstance) Navigate(ctx context.Context, url string) error {
	leave, err := i.enter(browser.OpNavigate)
	defer leave()
	if err != nil {
		return err
	}
	if i.engine.NavigateFunc != nil {
		return i.engine.NavigateFunc(ctx, i, url)
	}
	return ctx.Err()
}

func (i *MockInstance) WaitVisible(ctx context.Context, selector string) error {
	leave, err := i.enter(browser.OpWaitVisible)
	defer leave()
	if err != nil {
		return err
	}
	if i.engine.WaitVisibleFunc != nil {
		return i.engine.WaitVisibleFunc(ctx, i, selector)
	}
	return ctx.Err()
}

func (i *MockInstance) Click(ctx context.Context, selector string) error {
	leave, err := i.enter(browser.OpClick)
	defer leave()
	if err != nil {
		return err
	}
	if i.engine.ClickFunc != nil {
		return i.engine.ClickFunc(ctx, i, selector)
	}
	return ctx.Err()
}

func (i *MockInstance) Type(ctx context.Context, selector, text string) error {
	leave, err := i.enter(browser.OpType)
	defer leave()
	if err != nil {
		return err
	}
	if i.engine.TypeFunc != nil {
		return i.engine.TypeFunc(ctx, i, selector, text)
	}
	return ctx.Err()
}

func (i *MockInstance) Submit(ctx context.Context, selector string) error {
	leave, err := i.enter(browser.OpSubmit)
	defer leave()
	if err != nil {
		return err
	}
	if i.engine.SubmitFunc != nil {
		return i.engine.SubmitFunc(ctx, i, selector)
	}
	return ctx.Err()
}

func (i *MockInstance) Text(ctx context.Context, selector string) (string, error) {
	leave, err := i.enter(browser.OpText)
	defer leave()
	if err != nil {
		return "", err
	}
	if i.engine.TextFunc != nil {
		return i.engine.TextFunc(ctx, i, selector)
	}
	return "", ctx.Err()
}

func (i *MockInstance) Title(ctx context.Context) (string, error) {
	leave, err := i.enter(browser.OpTitle)
	defer leave()
	if err != nil {
		return "", err
	}
	if i.engine.TitleFunc != nil {
		return i.engine.TitleFunc(ctx, i)
	}
	return "Mock Page", ctx.Err()
}

func (i *MockInstance) OuterHTML(ctx context.Context, selector string) (string, error) {
	leave, err := i.enter(browser.OpOuterHTML)
	defer leave()
	if err != nil {
		return "", err
	}
	if i.engine.OuterHTMLFunc != nil {
		return i.engine.OuterHTMLFunc(ctx, i, selector)
	}
	return "", ctx.Err()
}

func (i *MockInstance) Exists(ctx context.Context, selector string) (bool, error) {
	leave, err := i.enter(browser.OpExists)
	defer leave()
	if err != nil {
		return false, err
	}
	if i.engine.ExistsFunc != nil {
		return i.engine.ExistsFunc(ctx, i, selector)
	}
	return false, ctx.Err()
}

func (i *MockInstance) Reset(ctx context.Context) error {
	leave, err := i.enter(browser.OpReset)
	defer leave()
	if err != nil {
		return err
	}
	if i.engine.ResetFunc != nil {
		return i.engine.ResetFunc(ctx, i)
	}
	return ctx.Err()
}

func (i *MockInstance) Ping(ctx context.Context) error {
	leave, err := i.enter(browser.OpPing)
	defer leave()
	if err != nil {
		return err
	}
	if i.Broken.Load() {
		return browser.Classify(browser.OpPing, errClosed)
	}
	if i.engine.PingFunc != nil {
		return i.engine.PingFunc(ctx, i)
	}
	return ctx.Err()
}

func (i *MockInstance) Close() error {
	var err error
	if i.engine.CloseFunc != nil {
		err = i.engine.CloseFunc(i)
	}
	if i.closed.CompareAndSwap(false, true) {
		i.engine.mu.Lock()
		i.engine.live--
		i.engine.mu.Unlock()
	}
	return err
}

// Sleep blocks for d or until ctx ends, returning ctx's error in that case.
// Hooks use it to simulate slow page actions.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransientFault builds a retryable navigation fault.
func TransientFault(msg string) error {
	return browser.NewFault(browser.OpNavigate, "navigation", true, errors.New(msg))
}

// TerminalFault builds a non-retryable element fault.
func TerminalFault(msg string) error {
	return browser.NewFault(browser.OpWaitVisible, "element", false, errors.New(msg))
}
