package kv

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/keyspace/engines/badger"
	"github.com/ValentinKolb/dDoc/lib/keyspace/engines/memory"
	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time           { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func openStore(t *testing.T, ks keyspace.KeySpace, clock *fakeClock) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.SweepInterval = 5 * time.Millisecond
	opts.Name = t.Name()
	if clock != nil {
		opts.Clock = clock.Now
	}
	s, err := Open(ks, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rawExists(t *testing.T, ks keyspace.KeySpace, namespace, key string) bool {
	t.Helper()
	full, err := fullKey(namespace, key)
	require.NoError(t, err)
	snap, err := ks.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	_, err = snap.Get(Tree, full)
	return err == nil
}

func bytesOf(t *testing.T, s *Store, namespace, key string) (string, bool) {
	t.Helper()
	v, ok, err := s.Get(context.Background(), namespace, key)
	require.NoError(t, err)
	require.False(t, v.IsNumeric())
	return string(v.Bytes), ok
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.NewMemoryKeySpace("kv"), nil)

	res, err := s.Set(ctx, "ns", "a", BytesValue([]byte("1")))
	require.NoError(t, err)
	require.Equal(t, StatusInserted, res.Status)

	res, err = s.Set(ctx, "ns", "a", BytesValue([]byte("1")))
	require.NoError(t, err)
	require.Equal(t, StatusNotChanged, res.Status)

	res, err = s.Set(ctx, "ns", "a", BytesValue([]byte("2")), ReturnPrevious())
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, res.Status)
	require.Equal(t, "1", string(res.Previous.Bytes))

	got, ok := bytesOf(t, s, "ns", "a")
	require.True(t, ok)
	require.Equal(t, "2", got)

	// namespaces are isolated
	_, ok = bytesOf(t, s, "other", "a")
	require.False(t, ok)

	v, ok, err := s.GetAndDelete(ctx, "ns", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(v.Bytes))

	deleted, err := s.Delete(ctx, "ns", "a")
	require.NoError(t, err)
	require.False(t, deleted)

	_, err = s.Set(ctx, "ns", "", BytesValue(nil))
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)
	_, err = s.Set(ctx, "n\x00s", "a", BytesValue(nil))
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)
}

func TestConditionalSet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.NewMemoryKeySpace("kv"), nil)

	res, err := s.Set(ctx, "", "k", BytesValue([]byte("a")), OnlyIfPresent())
	require.NoError(t, err)
	require.Equal(t, StatusNotChanged, res.Status)
	_, ok := bytesOf(t, s, "", "k")
	require.False(t, ok)

	res, err = s.Set(ctx, "", "k", BytesValue([]byte("a")), OnlyIfVacant())
	require.NoError(t, err)
	require.Equal(t, StatusInserted, res.Status)

	res, err = s.Set(ctx, "", "k", BytesValue([]byte("b")), OnlyIfVacant(), ReturnPrevious())
	require.NoError(t, err)
	require.Equal(t, StatusNotChanged, res.Status)
	require.Equal(t, "a", string(res.Previous.Bytes))

	res, err = s.Set(ctx, "", "k", BytesValue([]byte("c")), OnlyIfPresent())
	require.NoError(t, err)
	require.Equal(t, StatusUpdated, res.Status)

	got, _ := bytesOf(t, s, "", "k")
	require.Equal(t, "c", got)
}

func TestCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.NewMemoryKeySpace("kv"), nil)

	_, err := s.Set(ctx, "locks", "l", BytesValue([]byte("owner-1")))
	require.NoError(t, err)

	ok, err := s.CompareAndDelete(ctx, "locks", "l", []byte("owner-2"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, "locks", "l", []byte("owner-1"))
	require.NoError(t, err)
	require.True(t, ok)

	_, found := bytesOf(t, s, "locks", "l")
	require.False(t, found)
}

func TestNumericOperations(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.NewMemoryKeySpace("kv"), nil)

	// a missing key starts at unsigned 0
	n, err := s.Increment(ctx, "c", "u", Uint(3), false)
	require.NoError(t, err)
	require.Equal(t, Uint(3), n)

	n, err = s.Decrement(ctx, "c", "u", Uint(5), true)
	require.NoError(t, err)
	require.Equal(t, Uint(0), n)

	n, err = s.Decrement(ctx, "c", "u", Uint(1), false)
	require.NoError(t, err)
	require.Equal(t, Uint(math.MaxUint64), n)

	_, err = s.Set(ctx, "c", "i", NumericValue(Int(math.MaxInt64-1)))
	require.NoError(t, err)
	n, err = s.Increment(ctx, "c", "i", Int(5), true)
	require.NoError(t, err)
	require.Equal(t, Int(math.MaxInt64), n)
	n, err = s.Increment(ctx, "c", "i", Int(1), false)
	require.NoError(t, err)
	require.Equal(t, Int(math.MinInt64), n)

	n, err = s.Increment(ctx, "c", "f", Float64(1.5), false)
	require.NoError(t, err)
	require.Equal(t, Float64(1.5), n)
	n, err = s.Decrement(ctx, "c", "f", Float64(0.25), false)
	require.NoError(t, err)
	require.Equal(t, Float64(1.25), n)

	v, ok, err := s.Get(ctx, "c", "f")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Float64(1.25), *v.Numeric)

	_, err = s.Increment(ctx, "c", "f", Float64(math.NaN()), false)
	require.ErrorIs(t, err, dberr.ErrValueType)

	_, err = s.Set(ctx, "c", "b", BytesValue([]byte("x")))
	require.NoError(t, err)
	_, err = s.Increment(ctx, "c", "b", Int(1), false)
	require.ErrorIs(t, err, dberr.ErrValueType)
}

func TestConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, memory.NewMemoryKeySpace("kv"), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := s.Increment(ctx, "c", "hits", Uint(1), false)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, ok, err := s.Get(ctx, "c", "hits")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Uint(800), *v.Numeric)
}

func TestExpiration(t *testing.T) {
	ctx := context.Background()
	ks := memory.NewMemoryKeySpace("kv")
	clock := newFakeClock()
	set := metrics.NewSet()

	opts := DefaultOptions()
	opts.SweepInterval = 5 * time.Millisecond
	opts.Clock = clock.Now
	opts.Metrics = set
	opts.Name = "exp"
	s, err := Open(ks, opts)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Set(ctx, "", "short", BytesValue([]byte("x")), WithTTL(time.Second))
	require.NoError(t, err)
	_, err = s.Set(ctx, "", "long", BytesValue([]byte("y")), WithTTL(time.Hour))
	require.NoError(t, err)
	_, err = s.Set(ctx, "", "forever", BytesValue([]byte("z")))
	require.NoError(t, err)

	_, ok := bytesOf(t, s, "", "short")
	require.True(t, ok)

	clock.Advance(2 * time.Second)

	// the lazy check hides the entry before the sweeper ran
	_, ok = bytesOf(t, s, "", "short")
	require.False(t, ok)

	require.Eventually(t, func() bool { return !rawExists(t, ks, "", "short") }, 5*time.Second, time.Millisecond)
	require.True(t, rawExists(t, ks, "", "long"))
	require.True(t, rawExists(t, ks, "", "forever"))
	require.Equal(t, uint64(1), set.GetOrCreateCounter(`ddoc_kv_expired_total{database="exp"}`).Get())

	// an expired entry counts as vacant
	_, err = s.Set(ctx, "", "long", BytesValue([]byte("y")), WithExpiration(clock.Now().Add(time.Second)))
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	res, err := s.Set(ctx, "", "long", BytesValue([]byte("new")), OnlyIfVacant())
	require.NoError(t, err)
	require.Equal(t, StatusInserted, res.Status)
}

func TestExpireAndKeepExpiration(t *testing.T) {
	ctx := context.Background()
	ks := memory.NewMemoryKeySpace("kv")
	clock := newFakeClock()
	s := openStore(t, ks, clock)

	ok, err := s.Expire(ctx, "", "missing", time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Set(ctx, "", "k", BytesValue([]byte("a")))
	require.NoError(t, err)
	ok, err = s.Expire(ctx, "", "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// the expiration survives an update with KeepExistingExpiration
	_, err = s.Set(ctx, "", "k", BytesValue([]byte("b")), KeepExistingExpiration())
	require.NoError(t, err)
	// and counters keep it too
	_, err = s.Increment(ctx, "", "n", Int(1), false)
	require.NoError(t, err)
	ok, err = s.Expire(ctx, "", "n", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.Increment(ctx, "", "n", Int(1), false)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, found := bytesOf(t, s, "", "k")
	require.False(t, found)
	_, found, err = s.Get(ctx, "", "n")
	require.NoError(t, err)
	require.False(t, found)

	// a ttl <= 0 removes the expiration
	_, err = s.Set(ctx, "", "p", BytesValue([]byte("c")), WithTTL(time.Second))
	require.NoError(t, err)
	ok, err = s.Expire(ctx, "", "p", 0)
	require.NoError(t, err)
	require.True(t, ok)
	clock.Advance(time.Hour)
	_, found = bytesOf(t, s, "", "p")
	require.True(t, found)
}

func TestExpirationsReloadedOnOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock()

	ks, err := badger.NewBadgerKeySpace("kv", badger.DefaultOptions(dir))
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.SweepInterval = time.Hour
	opts.Clock = clock.Now
	s, err := Open(ks, opts)
	require.NoError(t, err)
	_, err = s.Set(ctx, "", "k", BytesValue([]byte("v")), WithTTL(time.Second))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, ks.Close())

	ks, err = badger.NewBadgerKeySpace("kv", badger.DefaultOptions(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	clock.Advance(2 * time.Second)
	openStore(t, ks, clock)
	require.Eventually(t, func() bool { return !rawExists(t, ks, "", "k") }, 5*time.Second, time.Millisecond)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(memory.NewMemoryKeySpace("kv"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "", "k")
	require.ErrorIs(t, err, dberr.ErrClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = s.Get(ctx, "", "k")
	require.ErrorIs(t, err, dberr.ErrTimeout)
}

func TestEntryRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var v Value
		switch rapid.IntRange(0, 3).Draw(t, "kind") {
		case 0:
			v = BytesValue(rapid.SliceOf(rapid.Byte()).Draw(t, "bytes"))
		case 1:
			v = NumericValue(Int(rapid.Int64().Draw(t, "int")))
		case 2:
			v = NumericValue(Uint(rapid.Uint64().Draw(t, "uint")))
		case 3:
			v = NumericValue(Float64(rapid.Float64().Draw(t, "float")))
		}
		e := &entry{value: v, expiresAt: rapid.Int64().Draw(t, "exp"), lastUpdated: rapid.Int64().Draw(t, "upd")}

		back, err := decodeEntry(encodeEntry(e))
		require.NoError(t, err)
		require.True(t, valuesEqual(e.value, back.value))
		require.Equal(t, e.expiresAt, back.expiresAt)
		require.Equal(t, e.lastUpdated, back.lastUpdated)
	})
}

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		in   string
		want Numeric
	}{
		{"5", Int(5)},
		{"-5", Int(-5)},
		{"5u", Uint(5)},
		{"1.5", Float64(1.5)},
	}
	for _, tt := range tests {
		got, err := ParseNumeric(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseNumeric("abc")
	require.Error(t, err)
}
