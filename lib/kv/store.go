package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/zeebo/xxh3"
)

var Logger = logger.GetLogger("kv")

// Tree is the keyspace tree holding the entries
const Tree = "kv"

// Options configure a Store
type Options struct {
	// Name labels the metrics (usually the database name)
	Name string
	// SweepInterval is the time between two runs of the expiration sweeper
	SweepInterval time.Duration
	// SweepBatch bounds the keys removed per sweep
	SweepBatch int
	// Stripes is the number of key locks (rounded up to a power of two)
	Stripes int
	// Metrics receives the counters (a new set if nil)
	Metrics *metrics.Set
	// Clock returns the current time (time.Now if nil)
	Clock func() time.Time
}

// DefaultOptions returns the options used when Open gets nil
func DefaultOptions() *Options {
	return &Options{
		SweepInterval: 100 * time.Millisecond,
		SweepBatch:    1024,
		Stripes:       256,
	}
}

// expiryEvent (re)schedules a key in the sweeper. expiresAt 0 unschedules.
type expiryEvent struct {
	key       string
	expiresAt int64
}

// Store implements IKeyValue on a keyspace tree.
//
// Writes to one key serialize on a striped lock and are applied as one
// keyspace batch each. Expirations are checked lazily on every read; a
// background sweeper removes expired entries. It keeps the expiration
// schedule in a heap that only it touches and receives changes through a
// lock free queue, so writers never wait for it.
type Store struct {
	ks    keyspace.KeySpace
	opts  Options
	locks []sync.Mutex

	closeMu sync.RWMutex
	closed  bool

	events   *util.LockFreeMPSC[expiryEvent]
	schedule *util.MapHeap[string] // owned by the sweeper goroutine
	done     chan struct{}

	sweeps  *metrics.Counter
	expired *metrics.Counter
}

var _ IKeyValue = (*Store)(nil)

// Open opens the kv tree of ks and starts the sweeper. Entries that carry an
// expiration are scheduled again before Open returns. The keyspace stays
// owned by the caller and must outlive the Store.
func Open(ks keyspace.KeySpace, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.SweepInterval <= 0 {
		o.SweepInterval = 100 * time.Millisecond
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 1024
	}
	stripes := 1
	for stripes < o.Stripes {
		stripes <<= 1
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewSet()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}

	if err := ks.OpenTree(Tree); err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to open kv tree")
	}

	s := &Store{
		ks:       ks,
		opts:     o,
		locks:    make([]sync.Mutex, stripes),
		events:   util.NewLockFreeMPSC[expiryEvent](),
		schedule: util.NewMapHeap[string](),
		done:     make(chan struct{}),
		sweeps:   o.Metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_kv_sweeps_total{database=%q}`, o.Name)),
		expired:  o.Metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_kv_expired_total{database=%q}`, o.Name)),
	}

	if err := s.reload(); err != nil {
		s.events.Close()
		return nil, err
	}

	go s.sweeper()
	return s, nil
}

// reload fills the schedule from the stored expirations
func (s *Store) reload() error {
	snap, err := s.ks.Snapshot()
	if err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to read kv entries")
	}
	defer snap.Release()

	it, err := snap.Iterate(Tree, keyspace.Range{})
	if err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to read kv entries")
	}
	defer it.Close()

	for it.Next() {
		e, err := decodeEntry(it.Value())
		if err != nil {
			return err
		}
		if e.expiresAt != 0 {
			s.schedule.Set(string(it.Key()), e.expiresAt)
		}
	}
	if err := it.Err(); err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to read kv entries")
	}

	if n := s.schedule.Len(); n > 0 {
		Logger.Infof("kv store %s: scheduled %d expirations", s.opts.Name, n)
	}
	return nil
}

// Close stops the sweeper. Later calls return dberr.ErrClosed.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.events.Close()
	<-s.done
	return nil
}

// --------------------------------------------------------------------------
// Expiration Sweeper
// --------------------------------------------------------------------------

func (s *Store) sweeper() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.events.Recv():
			if !ok {
				return
			}
			if ev.expiresAt == 0 {
				s.schedule.Remove(ev.key)
			} else {
				s.schedule.Set(ev.key, ev.expiresAt)
			}
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes the entries whose expiration passed
func (s *Store) sweep() {
	now := s.opts.Clock().UnixNano()
	keys := s.schedule.PopUntil(now, s.opts.SweepBatch)
	if len(keys) == 0 {
		return
	}
	s.sweeps.Inc()

	removed := 0
	for _, key := range keys {
		full := []byte(key)
		lock := s.lock(full)
		lock.Lock()
		e, err := s.loadRaw(full)
		switch {
		case err != nil:
			Logger.Warningf("kv store %s: failed to read expiring entry: %v", s.opts.Name, err)
		case e == nil:
		case !e.expired(now):
			// rescheduled by a write whose event is still queued
			if e.expiresAt != 0 {
				s.schedule.Set(key, e.expiresAt)
			}
		default:
			if err := s.ks.Write([]keyspace.Operation{keyspace.Remove(Tree, full)}); err != nil {
				Logger.Warningf("kv store %s: failed to remove expired entry: %v", s.opts.Name, err)
				s.schedule.Set(key, e.expiresAt)
			} else {
				removed++
			}
		}
		lock.Unlock()
	}

	if removed > 0 {
		s.expired.Add(removed)
		Logger.Debugf("kv store %s: removed %d expired entries", s.opts.Name, removed)
	}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func (s *Store) lock(full []byte) *sync.Mutex {
	return &s.locks[xxh3.Hash(full)&uint64(len(s.locks)-1)]
}

// begin checks ctx and that the store is open. The returned func must be
// called when the operation is done.
func (s *Store) begin(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, dberr.Wrap(dberr.CodeTimeout, err, "kv operation cancelled")
	}
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return nil, dberr.ErrClosed
	}
	return s.closeMu.RUnlock, nil
}

// loadRaw returns the stored entry (expired or not) or nil
func (s *Store) loadRaw(full []byte) (*entry, error) {
	snap, err := s.ks.Snapshot()
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read kv entry")
	}
	defer snap.Release()

	raw, err := snap.Get(Tree, full)
	if errors.Is(err, keyspace.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read kv entry")
	}
	return decodeEntry(raw)
}

// load returns the live entry or nil
func (s *Store) load(full []byte, now int64) (*entry, error) {
	e, err := s.loadRaw(full)
	if err != nil || e == nil || e.expired(now) {
		return nil, err
	}
	return e, nil
}

func (s *Store) put(full []byte, e *entry, previousExpiry int64) error {
	if err := s.ks.Write([]keyspace.Operation{keyspace.Put(Tree, full, encodeEntry(e))}); err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to write kv entry")
	}
	if e.expiresAt != previousExpiry {
		s.events.Push(&expiryEvent{key: string(full), expiresAt: e.expiresAt})
	}
	return nil
}

func (s *Store) remove(full []byte, previousExpiry int64) error {
	if err := s.ks.Write([]keyspace.Operation{keyspace.Remove(Tree, full)}); err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to remove kv entry")
	}
	if previousExpiry != 0 {
		s.events.Push(&expiryEvent{key: string(full)})
	}
	return nil
}

func expiryOf(e *entry) int64 {
	if e == nil {
		return 0
	}
	return e.expiresAt
}

// --------------------------------------------------------------------------
// Interface Methods (docu see IKeyValue)
// --------------------------------------------------------------------------

func (s *Store) Set(ctx context.Context, namespace, key string, value Value, opts ...SetOption) (SetResult, error) {
	done, err := s.begin(ctx)
	if err != nil {
		return SetResult{}, err
	}
	defer done()

	if err := validateValue(value); err != nil {
		return SetResult{}, err
	}
	full, err := fullKey(namespace, key)
	if err != nil {
		return SetResult{}, err
	}
	o := ResolveSetOptions(opts...)

	lock := s.lock(full)
	lock.Lock()
	defer lock.Unlock()

	now := s.opts.Clock()
	raw, err := s.loadRaw(full)
	if err != nil {
		return SetResult{}, err
	}
	current := raw
	if current != nil && current.expired(now.UnixNano()) {
		current = nil
	}

	var result SetResult
	if o.ReturnPrevious && current != nil {
		prev := current.value
		result.Previous = &prev
	}
	if (o.Check == CheckOnlyIfVacant && current != nil) || (o.Check == CheckOnlyIfPresent && current == nil) {
		return result, nil
	}

	var expiresAt int64
	switch {
	case o.KeepExpiration && current != nil:
		expiresAt = current.expiresAt
	case o.TTL > 0:
		expiresAt = now.Add(o.TTL).UnixNano()
	case !o.ExpiresAt.IsZero():
		expiresAt = o.ExpiresAt.UnixNano()
	}

	if current != nil && current.expiresAt == expiresAt && valuesEqual(current.value, value) {
		return result, nil
	}

	next := &entry{value: value, expiresAt: expiresAt, lastUpdated: now.UnixNano()}
	if err := s.put(full, next, expiryOf(raw)); err != nil {
		return SetResult{}, err
	}
	if current == nil {
		result.Status = StatusInserted
	} else {
		result.Status = StatusUpdated
	}
	return result, nil
}

func (s *Store) Get(ctx context.Context, namespace, key string) (Value, bool, error) {
	done, err := s.begin(ctx)
	if err != nil {
		return Value{}, false, err
	}
	defer done()

	full, err := fullKey(namespace, key)
	if err != nil {
		return Value{}, false, err
	}
	e, err := s.load(full, s.opts.Clock().UnixNano())
	if err != nil || e == nil {
		return Value{}, false, err
	}
	return e.value, true, nil
}

func (s *Store) GetAndDelete(ctx context.Context, namespace, key string) (Value, bool, error) {
	done, err := s.begin(ctx)
	if err != nil {
		return Value{}, false, err
	}
	defer done()

	full, err := fullKey(namespace, key)
	if err != nil {
		return Value{}, false, err
	}

	lock := s.lock(full)
	lock.Lock()
	defer lock.Unlock()

	raw, err := s.loadRaw(full)
	if err != nil || raw == nil {
		return Value{}, false, err
	}
	if err := s.remove(full, raw.expiresAt); err != nil {
		return Value{}, false, err
	}
	if raw.expired(s.opts.Clock().UnixNano()) {
		return Value{}, false, nil
	}
	return raw.value, true, nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) (bool, error) {
	_, existed, err := s.GetAndDelete(ctx, namespace, key)
	return existed, err
}

func (s *Store) CompareAndDelete(ctx context.Context, namespace, key string, expected []byte) (bool, error) {
	done, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	full, err := fullKey(namespace, key)
	if err != nil {
		return false, err
	}

	lock := s.lock(full)
	lock.Lock()
	defer lock.Unlock()

	e, err := s.load(full, s.opts.Clock().UnixNano())
	if err != nil || e == nil {
		return false, err
	}
	if e.value.IsNumeric() || string(e.value.Bytes) != string(expected) {
		return false, nil
	}
	return true, s.remove(full, e.expiresAt)
}

func (s *Store) Increment(ctx context.Context, namespace, key string, by Numeric, saturating bool) (Numeric, error) {
	return s.compute(ctx, namespace, key, by, func(current Numeric) Numeric {
		return increment(current, by, saturating)
	})
}

func (s *Store) Decrement(ctx context.Context, namespace, key string, by Numeric, saturating bool) (Numeric, error) {
	return s.compute(ctx, namespace, key, by, func(current Numeric) Numeric {
		return decrement(current, by, saturating)
	})
}

// compute replaces the numeric value of key with fn(value). The expiration
// of an existing entry is kept.
func (s *Store) compute(ctx context.Context, namespace, key string, by Numeric, fn func(Numeric) Numeric) (Numeric, error) {
	done, err := s.begin(ctx)
	if err != nil {
		return Numeric{}, err
	}
	defer done()

	if err := by.Validate(); err != nil {
		return Numeric{}, err
	}
	full, err := fullKey(namespace, key)
	if err != nil {
		return Numeric{}, err
	}

	lock := s.lock(full)
	lock.Lock()
	defer lock.Unlock()

	now := s.opts.Clock().UnixNano()
	raw, err := s.loadRaw(full)
	if err != nil {
		return Numeric{}, err
	}

	current := Uint(0)
	var expiresAt int64
	if raw != nil && !raw.expired(now) {
		if !raw.value.IsNumeric() {
			return Numeric{}, dberr.Newf(dberr.CodeValueType, "value of %s is not numeric", key)
		}
		current = *raw.value.Numeric
		expiresAt = raw.expiresAt
	}

	result := fn(current)
	if err := result.Validate(); err != nil {
		return Numeric{}, err
	}
	next := &entry{value: NumericValue(result), expiresAt: expiresAt, lastUpdated: now}
	if err := s.put(full, next, expiryOf(raw)); err != nil {
		return Numeric{}, err
	}
	return result, nil
}

func (s *Store) Expire(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error) {
	done, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer done()

	full, err := fullKey(namespace, key)
	if err != nil {
		return false, err
	}

	lock := s.lock(full)
	lock.Lock()
	defer lock.Unlock()

	now := s.opts.Clock()
	e, err := s.load(full, now.UnixNano())
	if err != nil || e == nil {
		return false, err
	}

	previous := e.expiresAt
	e.expiresAt = 0
	if ttl > 0 {
		e.expiresAt = now.Add(ttl).UnixNano()
	}
	e.lastUpdated = now.UnixNano()
	return true, s.put(full, e, previous)
}
