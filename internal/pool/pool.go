package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/copyleftdev/mercury/internal/browser"
	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/taskstypes"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultResetTimeout = 10 * time.Second
	closeTimeout        = 5 * time.Second
)

// Session is one live browser instance. While borrowed it belongs
// exclusively to the borrower; idle sessions belong to the pool.
type Session struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	LastUsedAt time.Time

	inst     browser.Instance
	uses     int
	borrowed bool
}

// Page returns the browser page driven by this session.
func (s *Session) Page() browser.Page {
	return s.inst
}

// Uses is the number of times the session has been borrowed.
func (s *Session) Uses() int {
	return s.uses
}

type Stats struct {
	Size      int    `json:"size"`
	Idle      int    `json:"idle"`
	Busy      int    `json:"busy"`
	Max       int    `json:"max"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
}

// Pool lends browser sessions to task executions. One semaphore weight is
// held per session that is borrowed, launching or being destroyed, and a new
// browser is only launched when no idle session is left, so the number of
// live sessions never exceeds MaxSessions.
type Pool struct {
	engine       browser.Engine
	cfg          config.PoolConfig
	resetTimeout time.Duration
	logger       *zap.Logger
	sem          *semaphore.Weighted
	now          func() time.Time

	mu        sync.Mutex
	idle      []*Session
	busy      map[uuid.UUID]*Session
	size      int // idle + busy + launching + closing
	created   uint64
	destroyed uint64
	closed    bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

func New(engine browser.Engine, cfg config.PoolConfig, resetTimeout time.Duration, logger *zap.Logger) *Pool {
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	p := &Pool{
		engine:       engine,
		cfg:          cfg,
		resetTimeout: resetTimeout,
		logger:       logger.Named("pool"),
		sem:          semaphore.NewWeighted(int64(cfg.MaxSessions)),
		now:          time.Now,
		busy:         make(map[uuid.UUID]*Session),
		stopReaper:   make(chan struct{}),
		reaperDone:   make(chan struct{}),
	}

	if cfg.IdleSessionTTL > 0 {
		go p.reapLoop(reapInterval(cfg.IdleSessionTTL))
	} else {
		close(p.reaperDone)
	}
	return p
}

func reapInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// Acquire borrows an idle session or launches a new one when below
// capacity. It waits while the pool is at capacity and fails with
// ErrPoolExhausted once ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, taskstypes.ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", taskstypes.ErrPoolExhausted, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, taskstypes.ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.lendLocked(s)
		p.mu.Unlock()
		p.logger.Debug("session reused", zap.String("session_id", s.ID.String()), zap.Int("uses", s.uses))
		return s, nil
	}
	p.size++
	p.mu.Unlock()

	s, err := p.launch(ctx)
	if err != nil {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		p.sem.Release(1)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", taskstypes.ErrPoolExhausted, ctx.Err())
		}
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.size--
		p.mu.Unlock()
		p.sem.Release(1)
		p.closeInstance(s)
		return nil, taskstypes.ErrPoolClosed
	}
	p.created++
	p.lendLocked(s)
	p.mu.Unlock()
	return s, nil
}

func (p *Pool) lendLocked(s *Session) {
	s.borrowed = true
	s.uses++
	s.LastUsedAt = p.now()
	p.busy[s.ID] = s
}

func (p *Pool) launch(ctx context.Context) (*Session, error) {
	inst, err := p.engine.Launch(ctx)
	if err != nil {
		p.logger.Warn("failed to launch browser session", zap.Error(err))
		return nil, fmt.Errorf("failed to launch browser session: %w", err)
	}
	now := p.now()
	s := &Session{
		ID:         uuid.New(),
		CreatedAt:  now,
		LastUsedAt: now,
		inst:       inst,
	}
	p.logger.Debug("session launched", zap.String("session_id", s.ID.String()), zap.String("instance_id", inst.ID()))
	return s, nil
}

// Release returns a borrowed session. Healthy sessions under the use limit
// are reset and kept idle; everything else is destroyed. Releasing a session
// twice is a no-op.
func (p *Pool) Release(s *Session, healthy bool) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if !s.borrowed || p.busy[s.ID] != s {
		p.mu.Unlock()
		return
	}
	delete(p.busy, s.ID)
	s.borrowed = false
	closed := p.closed
	p.mu.Unlock()
	defer p.sem.Release(1)

	reason := ""
	switch {
	case !healthy:
		reason = "unhealthy"
	case closed:
		reason = "pool closed"
	case p.cfg.MaxUsesPerSession > 0 && s.uses >= p.cfg.MaxUsesPerSession:
		reason = "max uses reached"
	}

	if reason == "" {
		ctx, cancel := context.WithTimeout(context.Background(), p.resetTimeout)
		err := s.inst.Reset(ctx)
		cancel()
		if err != nil {
			reason = "reset failed"
			p.logger.Debug("session reset failed", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	}

	if reason == "" {
		p.mu.Lock()
		if !p.closed {
			s.LastUsedAt = p.now()
			p.idle = append(p.idle, s)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		reason = "pool closed"
	}
	p.destroy(s, reason)
}

// destroy terminates a session that is no longer tracked as idle or busy.
func (p *Pool) destroy(s *Session, reason string) {
	p.closeInstance(s)
	p.mu.Lock()
	p.size--
	p.destroyed++
	p.mu.Unlock()
	p.logger.Debug("session destroyed", zap.String("session_id", s.ID.String()), zap.String("reason", reason))
}

func (p *Pool) closeInstance(s *Session) {
	done := make(chan error, 1)
	go func() { done <- s.inst.Close() }()
	select {
	case err := <-done:
		if err != nil {
			p.logger.Warn("failed to close browser session", zap.String("session_id", s.ID.String()), zap.Error(err))
		}
	case <-time.After(closeTimeout):
		p.logger.Warn("timed out closing browser session", zap.String("session_id", s.ID.String()))
	}
}

// Warm pre-launches idle sessions until the pool holds n of them, bounded
// by MaxSessions.
func (p *Pool) Warm(ctx context.Context, n int) error {
	if n > p.cfg.MaxSessions {
		n = p.cfg.MaxSessions
	}
	p.mu.Lock()
	need := n - p.size
	p.mu.Unlock()
	if need <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < need; i++ {
		g.Go(func() error {
			return p.warmOne(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to warm pool: %w", err)
	}
	p.logger.Info("pool warmed", zap.Int("sessions", n))
	return nil
}

func (p *Pool) warmOne(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return taskstypes.ErrPoolClosed
	}
	if p.size >= p.cfg.MaxSessions {
		p.mu.Unlock()
		return nil
	}
	p.size++
	p.mu.Unlock()

	s, err := p.launch(ctx)
	if err != nil {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.size--
		go p.closeInstance(s)
		return taskstypes.ErrPoolClosed
	}
	p.created++
	p.idle = append(p.idle, s)
	return nil
}

// RecycleIdle destroys every idle session and returns how many it removed.
func (p *Pool) RecycleIdle() int {
	p.mu.Lock()
	victims := p.takeIdleLocked(func(*Session) bool { return true })
	p.mu.Unlock()

	p.retire(victims, "recycled")
	if len(victims) > 0 {
		p.logger.Info("idle sessions recycled", zap.Int("count", len(victims)))
	}
	return len(victims)
}

// takeIdleLocked removes the idle sessions matching pick and reserves one
// semaphore weight for each, so a concurrent Acquire cannot launch a
// replacement while the victim is still closing. Sessions for which no
// weight is free stay idle for the next Acquire to reuse.
func (p *Pool) takeIdleLocked(pick func(*Session) bool) []*Session {
	var victims []*Session
	kept := p.idle[:0]
	for _, s := range p.idle {
		if pick(s) && p.sem.TryAcquire(1) {
			victims = append(victims, s)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	return victims
}

// retire destroys sessions taken by takeIdleLocked and frees their weights.
func (p *Pool) retire(victims []*Session, reason string) {
	for _, s := range victims {
		p.destroy(s, reason)
		p.sem.Release(1)
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.size,
		Idle:      len(p.idle),
		Busy:      len(p.busy),
		Max:       p.cfg.MaxSessions,
		Created:   p.created,
		Destroyed: p.destroyed,
	}
}

func (p *Pool) reapLoop(interval time.Duration) {
	defer close(p.reaperDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopReaper:
			return
		}
	}
}

// reapIdle destroys idle sessions unused for longer than IdleSessionTTL.
func (p *Pool) reapIdle() int {
	cutoff := p.now().Add(-p.cfg.IdleSessionTTL)

	p.mu.Lock()
	expired := p.takeIdleLocked(func(s *Session) bool { return s.LastUsedAt.Before(cutoff) })
	p.mu.Unlock()

	p.retire(expired, "idle ttl expired")
	return len(expired)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown stops lending, waits for borrowed sessions to come back until
// ctx ends, then terminates every session, including ones still borrowed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone

	drainErr := p.sem.Acquire(ctx, int64(p.cfg.MaxSessions))

	p.mu.Lock()
	victims := append([]*Session(nil), p.idle...)
	p.idle = nil
	abandoned := 0
	for id, s := range p.busy {
		victims = append(victims, s)
		delete(p.busy, id)
		s.borrowed = false
		abandoned++
	}
	p.mu.Unlock()

	for _, s := range victims {
		p.destroy(s, "shutdown")
	}
	p.logger.Info("pool shut down", zap.Int("destroyed", len(victims)), zap.Int("abandoned_borrows", abandoned))

	if drainErr != nil {
		return fmt.Errorf("pool shutdown grace period expired with %d sessions still borrowed: %w", abandoned, drainErr)
	}
	return nil
}
