// ABOUTME: Registers this service at startup, keeps it alive with heartbeats, deregisters on stop
// ABOUTME: Registration failures are retried then logged; the service keeps running unregistered

package discovery

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

// RetryPolicy bounds registration attempts.
type RetryPolicy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
}

// DefaultRetryPolicy tries three times, two seconds apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 2 * time.Second, Multiplier: 1}

// Retry calls fn until it succeeds, ctx is done, or the attempts run out.
// It returns the last error.
func Retry(ctx context.Context, clk clock.Clock, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// Registrar owns this process's registration.
type Registrar struct {
	dir    Directory
	inst   Instance
	policy RetryPolicy
	clock  clock.Clock
	logger *slog.Logger

	registered atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistrar prepares inst for registration. A zero policy uses
// DefaultRetryPolicy; a nil clock uses the system clock.
func NewRegistrar(dir Directory, inst Instance, policy RetryPolicy, clk clock.Clock, logger *slog.Logger) *Registrar {
	if policy.Attempts == 0 {
		policy = DefaultRetryPolicy
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if inst.HeartbeatInterval <= 0 {
		inst.HeartbeatInterval = 10 * time.Second
	}
	return &Registrar{
		dir:    dir,
		inst:   inst,
		policy: policy,
		clock:  clk,
		logger: logger.With("component", "registrar", "service", inst.ServiceName, "addr", inst.Addr()),
	}
}

// Instance returns the instance being registered.
func (r *Registrar) Instance() Instance { return r.inst }

// Registered reports whether the last registration attempt succeeded.
func (r *Registrar) Registered() bool { return r.registered.Load() }

// Start registers with retries and starts the heartbeat. A registration
// error is returned for logging, but the heartbeat runs anyway and keeps
// trying to register.
func (r *Registrar) Start(ctx context.Context) error {
	err := Retry(ctx, r.clock, r.policy, func(ctx context.Context) error {
		err := r.dir.Register(ctx, r.inst)
		if err != nil {
			r.logger.Warn("registration attempt failed", "error", err)
		}
		return err
	})
	r.registered.Store(err == nil)
	if err != nil {
		r.logger.Error("registration failed, continuing unregistered", "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return err
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if r.inst.Ephemeral {
		r.wg.Add(1)
		go r.heartbeatLoop(hbCtx)
	}
	return err
}

func (r *Registrar) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(r.inst.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
		r.beat(ctx)
	}
}

func (r *Registrar) beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, r.inst.HeartbeatInterval)
	defer cancel()

	if !r.registered.Load() {
		if err := r.dir.Register(beatCtx, r.inst); err != nil {
			r.logger.Debug("registration retry failed", "error", err)
			return
		}
		r.registered.Store(true)
		r.logger.Info("registered after retry")
		return
	}

	err := r.dir.Heartbeat(beatCtx, r.inst)
	switch {
	case err == nil:
	case errors.Is(err, ErrInstanceNotFound):
		r.logger.Warn("server lost the instance, registering again")
		if err := r.dir.Register(beatCtx, r.inst); err != nil {
			r.registered.Store(false)
			r.logger.Warn("re-registration failed", "error", err)
		}
	case ctx.Err() != nil:
	default:
		r.logger.Warn("heartbeat failed", "error", err)
	}
}

// Stop ends the heartbeat, waits for it, and deregisters. Deregistration
// is attempted once; its error is returned for logging.
func (r *Registrar) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	if !r.registered.Swap(false) {
		return nil
	}
	if err := r.dir.Deregister(ctx, r.inst); err != nil {
		return err
	}
	return nil
}
