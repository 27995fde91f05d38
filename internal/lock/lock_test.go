package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kimhsiao/waypoint/backend/internal/errors"
)

func TestAcquireRelease(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	ctx := context.Background()

	assert.False(t, c.IsLocked("it_1"))

	lease, err := c.AcquireLock(ctx, "it_1")
	require.NoError(t, err)
	assert.Equal(t, "it_1", lease.DocumentID)
	assert.NotEmpty(t, lease.ID)
	assert.Equal(t, lease.AcquiredAt.Add(DefaultLeaseTTL), lease.ExpiresAt)
	assert.True(t, c.IsLocked("it_1"))
	assert.False(t, c.IsLocked("it_2"))

	assert.True(t, c.ReleaseLock("it_1", lease))
	assert.False(t, c.IsLocked("it_1"))
	assert.Equal(t, 0, c.Len(), "idle entries are reclaimed")
}

func TestIsLocked_BeforeLeaseIsRecorded(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	// the state AcquireLock is in between winning the semaphore and
	// recording its lease
	e := &entry{sem: semaphore.NewWeighted(1), refs: 1}
	require.True(t, e.sem.TryAcquire(1))
	c.mu.Lock()
	c.entries["it_1"] = e
	c.mu.Unlock()

	assert.True(t, c.IsLocked("it_1"))

	e.sem.Release(1)
	assert.False(t, c.IsLocked("it_1"))
	assert.True(t, e.sem.TryAcquire(1), "IsLocked must not keep the semaphore")
}

func TestReleaseLock_RejectsStaleAndForeignLeases(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	ctx := context.Background()

	first, err := c.AcquireLock(ctx, "it_1")
	require.NoError(t, err)
	assert.True(t, c.ReleaseLock("it_1", first))
	assert.False(t, c.ReleaseLock("it_1", first), "double release")

	second, err := c.AcquireLock(ctx, "it_1")
	require.NoError(t, err)
	assert.False(t, c.ReleaseLock("it_1", first), "stale lease")
	assert.False(t, c.ReleaseLock("it_2", second), "wrong document")
	assert.False(t, c.ReleaseLock("it_1", nil))
	assert.True(t, c.IsLocked("it_1"))
	assert.True(t, c.ReleaseLock("it_1", second))
}

func TestAcquireLock_TimesOutBusy(t *testing.T) {
	c := NewCoordinator(Config{AcquireTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	lease, err := c.AcquireLock(ctx, "it_1")
	require.NoError(t, err)

	_, err = c.AcquireLock(ctx, "it_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBusy))
	assert.True(t, errors.IsRetryable(err))

	// other documents never contend
	other, err := c.AcquireLock(ctx, "it_2")
	require.NoError(t, err)
	assert.True(t, c.ReleaseLock("it_2", other))

	assert.True(t, c.ReleaseLock("it_1", lease))
	assert.Equal(t, 0, c.Len())
}

func TestAcquireLock_Cancelled(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	lease, err := c.AcquireLock(context.Background(), "it_1")
	require.NoError(t, err)
	defer c.ReleaseLock("it_1", lease)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.AcquireLock(ctx, "it_1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireLock_RequiresDocumentID(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	_, err := c.AcquireLock(context.Background(), "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestWithLock_Serializes(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	var inside, maxInside int32
	counter := 0
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			return c.WithLock(ctx, "it_1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				counter++
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 20, counter)
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, c.Len())
}

func TestWithLock_ReleasesOnErrorAndPanic(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	ctx := context.Background()

	boom := errors.New(errors.ErrInternal, "boom")
	err := c.WithLock(ctx, "it_1", func(context.Context) error { return boom })
	assert.Equal(t, boom, err)
	assert.False(t, c.IsLocked("it_1"))

	assert.Panics(t, func() {
		_ = c.WithLock(ctx, "it_1", func(context.Context) error { panic("kaboom") })
	})
	assert.False(t, c.IsLocked("it_1"))
	assert.Equal(t, 0, c.Len())
}

func TestReleaseLock_PastTTLStillReleases(t *testing.T) {
	c := NewCoordinator(Config{LeaseTTL: time.Second})
	var mu sync.Mutex
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	lease, err := c.AcquireLock(context.Background(), "it_1")
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()

	assert.True(t, c.ReleaseLock("it_1", lease))
	assert.False(t, c.IsLocked("it_1"))
}
