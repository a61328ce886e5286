package resource

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOwner releases everything it holds when asked to spill.
type fakeOwner struct {
	rc      *Controller
	mu      sync.Mutex
	spilled atomic.Int64
	busy    bool
}

func (o *fakeOwner) TrySpill(context.Context) (bool, error) {
	if !o.mu.TryLock() {
		return false, nil
	}
	defer o.mu.Unlock()
	if o.busy {
		return false, nil
	}
	o.spillLocked()
	return true, nil
}

func (o *fakeOwner) spillLocked() {
	o.spilled.Add(1)
	o.rc.ReleaseMemory(o, o.rc.MemoryHeld(o))
}

func (o *fakeOwner) spillSelf(context.Context) error {
	o.spillLocked()
	return nil
}

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	o := &fakeOwner{rc: c}

	require.True(t, c.TryAcquireMemory(o, 50))
	require.True(t, c.TryAcquireMemory(o, 40))
	assert.Equal(t, int64(90), c.MemoryUsage())
	assert.Equal(t, int64(90), c.MemoryHeld(o))

	assert.False(t, c.TryAcquireMemory(o, 20))

	c.ReleaseMemory(o, 50)
	assert.Equal(t, int64(40), c.MemoryUsage())
	assert.True(t, c.TryAcquireMemory(o, 20))
	assert.Equal(t, int64(60), c.MemoryHeld(o))
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{})
	o := &fakeOwner{rc: c}

	require.NoError(t, c.AcquireMemory(context.Background(), o, 1000, o.spillSelf))
	assert.Equal(t, int64(1000), c.MemoryUsage())

	c.ReleaseMemory(o, 500)
	assert.Equal(t, int64(500), c.MemoryUsage())
}

func TestController_RequestLargerThanLimit(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 10})
	o := &fakeOwner{rc: c}
	err := c.AcquireMemory(context.Background(), o, 11, o.spillSelf)
	assert.ErrorIs(t, err, ErrMemoryLimitExceeded)
}

func TestController_SpillsSelfWhenLargest(t *testing.T) {
	var pressure atomic.Int64
	c := NewController(Config{MemoryLimitBytes: 100, OnBackpressure: func() { pressure.Add(1) }})
	o := &fakeOwner{rc: c}

	require.NoError(t, c.AcquireMemory(context.Background(), o, 100, o.spillSelf))
	require.NoError(t, c.AcquireMemory(context.Background(), o, 10, o.spillSelf))

	assert.Equal(t, int64(1), o.spilled.Load())
	assert.Equal(t, int64(10), c.MemoryHeld(o))
	assert.Positive(t, pressure.Load())
}

func TestController_PreemptsLargestOwner(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	big := &fakeOwner{rc: c}
	small := &fakeOwner{rc: c}

	require.True(t, c.TryAcquireMemory(big, 80))
	require.True(t, c.TryAcquireMemory(small, 20))

	require.NoError(t, c.AcquireMemory(context.Background(), small, 10, small.spillSelf))

	assert.Equal(t, int64(1), big.spilled.Load())
	assert.Zero(t, small.spilled.Load())
	assert.Equal(t, int64(0), c.MemoryHeld(big))
	assert.Equal(t, int64(30), c.MemoryHeld(small))
}

func TestController_SpillsSelfWhenVictimBusy(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	big := &fakeOwner{rc: c, busy: true}
	small := &fakeOwner{rc: c}

	require.True(t, c.TryAcquireMemory(big, 80))
	require.True(t, c.TryAcquireMemory(small, 20))

	require.NoError(t, c.AcquireMemory(context.Background(), small, 20, small.spillSelf))

	assert.Zero(t, big.spilled.Load())
	assert.Equal(t, int64(1), small.spilled.Load())
	assert.Equal(t, int64(20), c.MemoryHeld(small))
}

func TestController_WaitsForRelease(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	big := &fakeOwner{rc: c, busy: true}
	idle := &fakeOwner{rc: c}

	require.True(t, c.TryAcquireMemory(big, 100))

	done := make(chan error, 1)
	go func() {
		done <- c.AcquireMemory(context.Background(), idle, 50, idle.spillSelf)
	}()

	select {
	case err := <-done:
		t.Fatalf("acquire returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	c.ReleaseMemory(big, 100)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after release")
	}
	assert.Equal(t, int64(50), c.MemoryHeld(idle))
}

func TestController_AcquireHonorsContext(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})
	big := &fakeOwner{rc: c, busy: true}
	idle := &fakeOwner{rc: c}
	require.True(t, c.TryAcquireMemory(big, 100))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.AcquireMemory(ctx, idle, 1, idle.spillSelf)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestController_Concurrency(t *testing.T) {
	c := NewController(Config{MaxBackgroundWorkers: 2})

	require.NoError(t, c.AcquireBackground(t.Context()))
	require.NoError(t, c.AcquireBackground(t.Context()))
	assert.False(t, c.TryAcquireBackground())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireBackground(ctx))

	c.ReleaseBackground()
	assert.True(t, c.TryAcquireBackground())
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1000})
	ctx := context.Background()
	require.NoError(t, c.AcquireIO(ctx, 100))
	assert.True(t, c.TryAcquireIO(100))

	// Larger than the burst is chunked rather than rejected.
	ctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, c.AcquireIO(ctx, 5000))

	c2 := NewController(Config{})
	assert.NoError(t, c2.AcquireIO(context.Background(), 1<<30))
}

func TestController_NilSafe(t *testing.T) {
	var c *Controller

	assert.NoError(t, c.AcquireMemory(context.Background(), nil, 100, nil))
	assert.True(t, c.TryAcquireMemory(nil, 100))
	c.ReleaseMemory(nil, 100)
	assert.Zero(t, c.MemoryUsage())
	assert.Zero(t, c.MemoryLimit())

	assert.NoError(t, c.AcquireBackground(context.Background()))
	assert.True(t, c.TryAcquireBackground())
	c.ReleaseBackground()

	assert.NoError(t, c.AcquireIO(context.Background(), 100))
	assert.True(t, c.TryAcquireIO(100))
}

func TestRateLimitedWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 10000})

	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())

	_, err = w.Seek(0, 0)
	assert.Error(t, err)
}

func TestRateLimitedReader_ContextCanceled(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRateLimitedReader(ctx, bytes.NewReader([]byte("hello world")), c)
	_, err := r.Read(make([]byte, 1000))
	assert.Error(t, err)
}
