// ABOUTME: Generic bounded connection pool with lifetime rotation and scoped leases
// ABOUTME: Failed scopes roll back their connection; broken connections are replaced

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/agent-gateway/internal/clock"
)

var (
	// ErrClosed is returned by Acquire once the pool is closed.
	ErrClosed = errors.New("pool: closed")

	// ErrBroken marks a connection that must not be reused. Release with an
	// error wrapping it to discard the connection without a rollback.
	ErrBroken = errors.New("pool: connection broken")
)

const rollbackTimeout = 5 * time.Second

// Conn is the contract a pooled connection must satisfy.
type Conn interface {
	Ping(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// DialFunc opens a new connection.
type DialFunc[C Conn] func(ctx context.Context) (C, error)

// Config bounds the pool.
type Config struct {
	MinSize int
	MaxSize int
	// MaxLifetime retires connections older than this. Zero keeps them forever.
	MaxLifetime time.Duration
	// AcquireTimeout bounds each Acquire in addition to its context.
	AcquireTimeout time.Duration
	Clock          clock.Clock
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Open      int   `json:"open"`
	Idle      int   `json:"idle"`
	InUse     int   `json:"in_use"`
	Waiting   int   `json:"waiting"`
	Dialed    int64 `json:"dialed"`
	Discarded int64 `json:"discarded"`
}

type pooledConn[C Conn] struct {
	conn      C
	createdAt time.Time
	lastUsed  time.Time
}

// Pool hands out connections to one caller at a time.
type Pool[C Conn] struct {
	dial   DialFunc[C]
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	idle    []*pooledConn[C]
	open    int // idle + leased + dialing
	inUse   int
	waiters []chan struct{}
	closed  bool

	dialed    atomic.Int64
	discarded atomic.Int64

	fillCtx    context.Context
	cancelFill context.CancelFunc
	wg         sync.WaitGroup
}

// New validates cfg and pre-opens MinSize connections. If any of them
// cannot be dialed the pool is not created.
func New[C Conn](ctx context.Context, dial DialFunc[C], cfg Config, logger *slog.Logger) (*Pool[C], error) {
	if dial == nil {
		return nil, errors.New("pool: dial function is required")
	}
	if cfg.MaxSize < 1 {
		return nil, fmt.Errorf("pool: max size must be at least 1, got %d", cfg.MaxSize)
	}
	if cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize {
		return nil, fmt.Errorf("pool: min size %d outside [0, %d]", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	fillCtx, cancel := context.WithCancel(context.Background())
	p := &Pool[C]{
		dial:       dial,
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     logger.With("component", "pool"),
		fillCtx:    fillCtx,
		cancelFill: cancel,
	}

	for i := 0; i < cfg.MinSize; i++ {
		c, err := dial(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool: opening connection %d of %d: %w", i+1, cfg.MinSize, err)
		}
		p.dialed.Add(1)
		now := p.clock.Now()
		p.mu.Lock()
		p.open++
		p.idle = append(p.idle, &pooledConn[C]{conn: c, createdAt: now, lastUsed: now})
		p.mu.Unlock()
	}

	p.logger.Info("connection pool opened",
		"min_size", cfg.MinSize,
		"max_size", cfg.MaxSize,
		"max_lifetime", cfg.MaxLifetime,
	)
	return p, nil
}

// Lease is exclusive use of one connection until Release.
type Lease[C Conn] struct {
	pool     *Pool[C]
	pc       *pooledConn[C]
	released atomic.Bool
}

// Conn returns the leased connection.
func (l *Lease[C]) Conn() C { return l.pc.conn }

// Release returns the connection. A non-nil useErr rolls it back first;
// if the rollback fails or useErr wraps ErrBroken the connection is closed
// instead. Calling Release more than once has no effect.
func (l *Lease[C]) Release(useErr error) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.pool.release(l.pc, useErr)
}

// Acquire leases a connection, blocking while MaxSize are in use.
func (p *Pool[C]) Acquire(ctx context.Context) (*Lease[C], error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if n := len(p.idle); n > 0 {
			pc := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.inUse++
			p.mu.Unlock()

			if p.expired(pc) {
				p.discard(pc, "max lifetime reached")
				continue
			}
			if err := pc.conn.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					p.putIdle(pc)
					return nil, fmt.Errorf("pool: acquiring connection: %w", ctx.Err())
				}
				p.logger.Warn("discarding connection that failed ping", "error", err)
				p.discard(pc, "ping failed")
				continue
			}
			pc.lastUsed = p.clock.Now()
			return &Lease[C]{pool: p, pc: pc}, nil
		}

		if p.open < p.cfg.MaxSize {
			p.open++
			p.inUse++
			p.mu.Unlock()

			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.inUse--
				p.wakeOneLocked()
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: dialing connection: %w", err)
			}
			p.dialed.Add(1)
			now := p.clock.Now()
			return &Lease[C]{pool: p, pc: &pooledConn[C]{conn: c, createdAt: now, lastUsed: now}}, nil
		}

		w := make(chan struct{}, 1)
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			p.mu.Lock()
			p.removeWaiterLocked(w)
			p.mu.Unlock()
			// a wake-up that raced with cancellation belongs to someone else
			select {
			case <-w:
				p.mu.Lock()
				p.wakeOneLocked()
				p.mu.Unlock()
			default:
			}
			return nil, fmt.Errorf("pool: acquiring connection: %w", ctx.Err())
		}
	}
}

// With runs fn with a leased connection and releases it with fn's error.
// A panic in fn rolls the connection back and is re-raised.
func (p *Pool[C]) With(ctx context.Context, fn func(ctx context.Context, c C) error) (err error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			lease.Release(fmt.Errorf("panic in pooled scope: %v", r))
			panic(r)
		}
		lease.Release(err)
	}()
	return fn(ctx, lease.Conn())
}

// Stats reports current usage.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:      p.open,
		Idle:      len(p.idle),
		InUse:     p.inUse,
		Waiting:   len(p.waiters),
		Dialed:    p.dialed.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Close closes idle connections and fails waiting callers with ErrClosed.
// Leased connections are closed as they are released.
func (p *Pool[C]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	p.cancelFill()
	for _, w := range waiters {
		w <- struct{}{}
	}
	for _, pc := range idle {
		if err := pc.conn.Close(); err != nil {
			p.logger.Warn("closing idle connection", "error", err)
		}
	}
	p.wg.Wait()
	p.logger.Info("connection pool closed", "closed_idle", len(idle))
}

func (p *Pool[C]) release(pc *pooledConn[C], useErr error) {
	broken := errors.Is(useErr, ErrBroken)
	if useErr != nil && !broken {
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		err := pc.conn.Rollback(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("rollback failed, discarding connection", "error", err, "cause", useErr)
			broken = true
		}
	}

	if broken {
		p.discard(pc, "broken")
		p.refill()
		return
	}
	if p.expired(pc) {
		p.discard(pc, "max lifetime reached")
		p.refill()
		return
	}
	pc.lastUsed = p.clock.Now()
	p.putIdle(pc)
}

// putIdle returns a leased connection to the idle set, or closes it when
// the pool has been closed meanwhile.
func (p *Pool[C]) putIdle(pc *pooledConn[C]) {
	p.mu.Lock()
	p.inUse--
	if p.closed {
		p.open--
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}
	p.idle = append(p.idle, pc)
	p.wakeOneLocked()
	p.mu.Unlock()
}

// discard closes a leased connection and frees its slot.
func (p *Pool[C]) discard(pc *pooledConn[C], reason string) {
	if err := pc.conn.Close(); err != nil {
		p.logger.Debug("closing discarded connection", "error", err)
	}
	p.discarded.Add(1)
	p.logger.Debug("connection discarded", "reason", reason, "age", p.clock.Now().Sub(pc.createdAt))

	p.mu.Lock()
	p.open--
	p.inUse--
	p.wakeOneLocked()
	p.mu.Unlock()
}

// refill dials in the background until MinSize connections are open.
func (p *Pool[C]) refill() {
	p.mu.Lock()
	if p.closed || p.open >= p.cfg.MinSize {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		for {
			p.mu.Lock()
			if p.closed || p.open >= p.cfg.MinSize {
				p.mu.Unlock()
				return
			}
			p.open++
			p.mu.Unlock()

			c, err := p.dial(p.fillCtx)
			p.mu.Lock()
			if err != nil {
				p.open--
				p.wakeOneLocked()
				p.mu.Unlock()
				p.logger.Warn("refilling pool failed", "error", err)
				return
			}
			p.dialed.Add(1)
			if p.closed {
				p.open--
				p.mu.Unlock()
				_ = c.Close()
				return
			}
			now := p.clock.Now()
			p.idle = append(p.idle, &pooledConn[C]{conn: c, createdAt: now, lastUsed: now})
			p.wakeOneLocked()
			p.mu.Unlock()
		}
	}()
}

func (p *Pool[C]) expired(pc *pooledConn[C]) bool {
	return p.cfg.MaxLifetime > 0 && p.clock.Now().Sub(pc.createdAt) >= p.cfg.MaxLifetime
}

// wakeOneLocked must be called with mu held.
func (p *Pool[C]) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w <- struct{}{}
}

// removeWaiterLocked must be called with mu held.
func (p *Pool[C]) removeWaiterLocked(w chan struct{}) {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
