package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation can never be satisfied.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for write buffers.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxBackgroundWorkers is the maximum number of concurrent compactions.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum IO throughput for background tasks.
	// If 0, unlimited.
	IOLimitBytesPerSec int64

	// OnBackpressure is called whenever a reservation has to wait or spill.
	OnBackpressure func()
}

// MemoryOwner is a consumer of the memory pool that can give memory back
// by spilling its buffer to storage.
type MemoryOwner interface {
	// TrySpill flushes the owner's buffer if the owner is not busy.
	// It reports false without blocking when the owner cannot spill now.
	TrySpill(ctx context.Context) (bool, error)
}

// Controller manages global resources (memory, concurrency, IO).
type Controller struct {
	cfg Config

	// Memory
	memSem   *semaphore.Weighted // nil if unlimited
	memUsed  atomic.Int64
	mu       sync.Mutex
	owners   map[MemoryOwner]int64
	released chan struct{}

	// Concurrency
	bgSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}

	c := &Controller{
		cfg:      cfg,
		bgSem:    semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
		owners:   make(map[MemoryOwner]int64),
		released: make(chan struct{}),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory reserves bytes for owner, blocking until the pool can serve it.
//
// When the pool is exhausted the owner holding the most memory is asked to
// spill. If that is the caller itself, spillSelf is invoked (the caller
// already holds its own lock). If the largest owner is busy, the caller
// spills itself when it holds memory, and otherwise waits for a release.
func (c *Controller) AcquireMemory(ctx context.Context, owner MemoryOwner, bytes int64, spillSelf func(context.Context) error) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem == nil {
		c.track(owner, bytes)
		return nil
	}

	if bytes > c.cfg.MemoryLimitBytes {
		return ErrMemoryLimitExceeded
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		wait := c.released
		c.mu.Unlock()

		if c.memSem.TryAcquire(bytes) {
			c.track(owner, bytes)
			return nil
		}

		if c.cfg.OnBackpressure != nil {
			c.cfg.OnBackpressure()
		}

		c.mu.Lock()
		victim, victimBytes := c.largestOwnerLocked()
		selfBytes := c.owners[owner]
		c.mu.Unlock()

		if victim == nil || victimBytes == 0 {
			// Memory is held by in-flight reservations only.
			if err := c.waitRelease(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if victim == owner {
			if err := spillSelf(ctx); err != nil {
				return err
			}
			continue
		}

		ok, err := victim.TrySpill(ctx)
		if err == nil && ok {
			continue
		}

		if selfBytes > 0 {
			if err := spillSelf(ctx); err != nil {
				return err
			}
			continue
		}

		if err := c.waitRelease(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAcquireMemory reserves bytes for owner without blocking or spilling.
func (c *Controller) TryAcquireMemory(owner MemoryOwner, bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return false
	}
	c.track(owner, bytes)
	return true
}

// ReleaseMemory returns bytes reserved by owner to the pool.
func (c *Controller) ReleaseMemory(owner MemoryOwner, bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	c.mu.Lock()
	if owner != nil {
		held := c.owners[owner]
		if bytes > held {
			bytes = held
		}
		if held-bytes == 0 {
			delete(c.owners, owner)
		} else {
			c.owners[owner] = held - bytes
		}
	}
	if bytes > 0 {
		if c.memSem != nil {
			c.memSem.Release(bytes)
		}
		c.memUsed.Add(-bytes)
	}
	close(c.released)
	c.released = make(chan struct{})
	c.mu.Unlock()
}

// MemoryHeld returns the bytes currently reserved by owner.
func (c *Controller) MemoryHeld(owner MemoryOwner) int64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[owner]
}

func (c *Controller) track(owner MemoryOwner, bytes int64) {
	c.memUsed.Add(bytes)
	if owner == nil {
		return
	}
	c.mu.Lock()
	c.owners[owner] += bytes
	c.mu.Unlock()
}

func (c *Controller) largestOwnerLocked() (MemoryOwner, int64) {
	var (
		victim MemoryOwner
		most   int64
	)
	for o, n := range c.owners {
		if n > most {
			victim, most = o, n
		}
	}
	return victim, most
}

func (c *Controller) waitRelease(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// AcquireBackground reserves a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// TryAcquireBackground reserves a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// Requests larger than the burst are served in burst-sized chunks.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// TryAcquireIO attempts to acquire IO tokens without blocking.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}
