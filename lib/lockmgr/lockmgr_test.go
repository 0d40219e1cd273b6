package lockmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/keyspace/engines/memory"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) ILockManager {
	opts := kv.DefaultOptions()
	opts.SweepInterval = 5 * time.Millisecond
	store, err := kv.Open(memory.NewMemoryKeySpace("locks"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewLockManager(store)
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	lm := newManager(t)

	ok, owner, err := lm.AcquireLock(ctx, "res", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, owner, 16)

	ok, _, err = lm.AcquireLock(ctx, "res", 0)
	require.NoError(t, err)
	require.False(t, ok, "lock is held")

	ok, err = lm.ReleaseLock(ctx, "res", []byte("someone else"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = lm.ReleaseLock(ctx, "res", owner)
	require.NoError(t, err)
	require.True(t, ok)

	// releasing a missing lock succeeds
	ok, err = lm.ReleaseLock(ctx, "res", owner)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = lm.AcquireLock(ctx, "res", 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	lm := newManager(t)

	ok, _, err := lm.AcquireLock(ctx, "res", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, _, err := lm.AcquireLock(ctx, "res", 0)
		return err == nil && ok
	}, 5*time.Second, 5*time.Millisecond)
}

func TestMutualExclusion(t *testing.T) {
	ctx := context.Background()
	lm := newManager(t)

	var holders, maxHolders atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for acquired := 0; acquired < 20; {
				ok, owner, err := lm.AcquireLock(ctx, "res", 0)
				if err != nil || !ok {
					continue
				}
				acquired++
				if n := holders.Add(1); n > maxHolders.Load() {
					maxHolders.Store(n)
				}
				holders.Add(-1)
				if released, err := lm.ReleaseLock(ctx, "res", owner); err != nil || !released {
					t.Errorf("release failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxHolders.Load())
}
