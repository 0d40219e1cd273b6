package badger

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/dgraph-io/badger/v4"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/shirou/gopsutil/disk"
)

var Logger = logger.GetLogger("badger")

const (
	treeSeparator  = 0x00 // separates the tree name from the key
	gcDiscardRatio = 0.5
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the badger engine
type Options struct {
	Dir          string // Directory of the keyspace (ignored if InMemory)
	InMemory     bool   // Keep everything in memory (tests only, not durable)
	SyncWrites   bool   // fsync every write batch before Write returns
	MinFreeBytes uint64 // Refuse to open if the volume has less free space (0 = no check)
}

// DefaultOptions returns durable options for the given directory
func DefaultOptions(dir string) *Options {
	return &Options{
		Dir:        dir,
		SyncWrites: true,
	}
}

// Factory returns a keyspace.Factory that opens one badger database per
// keyspace name below baseDir.
func Factory(baseDir string, minFreeBytes uint64) keyspace.Factory {
	return func(name string) (keyspace.KeySpace, error) {
		opts := DefaultOptions(filepath.Join(baseDir, name))
		opts.MinFreeBytes = minFreeBytes
		return NewBadgerKeySpace(name, opts)
	}
}

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// badgerImpl maps every tree onto a key prefix of one badger database
type badgerImpl struct {
	name  string
	opts  Options
	db    *badger.DB
	trees *xsync.MapOf[string, []byte] // tree name -> key prefix
}

// NewBadgerKeySpace opens (or creates) a badger backed keyspace.
func NewBadgerKeySpace(name string, opts *Options) (keyspace.KeySpace, error) {
	if opts == nil {
		return nil, fmt.Errorf("badger options are required")
	}

	var bOpts badger.Options
	if opts.InMemory {
		bOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", opts.Dir, err)
		}
		if err := checkFreeSpace(opts.Dir, opts.MinFreeBytes); err != nil {
			return nil, err
		}
		bOpts = badger.DefaultOptions(opts.Dir)
	}
	bOpts = bOpts.
		WithSyncWrites(opts.SyncWrites).
		WithLogger(Logger)

	db, err := badger.Open(bOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database %s: %w", name, err)
	}

	Logger.Infof("opened keyspace %s (dir=%q, in-memory=%t, sync=%t)", name, opts.Dir, opts.InMemory, opts.SyncWrites)

	return &badgerImpl{
		name:  name,
		opts:  *opts,
		db:    db,
		trees: xsync.NewMapOf[string, []byte](),
	}, nil
}

// checkFreeSpace fails if the volume holding dir has less than minFree bytes available
func checkFreeSpace(dir string, minFree uint64) error {
	if minFree == 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage of %s: %w", dir, err)
	}
	if usage.Free < minFree {
		return fmt.Errorf("not enough free space on %s: %d bytes available, %d required", dir, usage.Free, minFree)
	}
	return nil
}

// treePrefix builds the key prefix of a tree
func treePrefix(name string) []byte {
	prefix := make([]byte, 0, len(name)+1)
	prefix = append(prefix, name...)
	return append(prefix, treeSeparator)
}

func (b *badgerImpl) prefix(tree string) ([]byte, error) {
	prefix, ok := b.trees.Load(tree)
	if !ok {
		return nil, keyspace.ErrTreeNotOpen
	}
	return prefix, nil
}

func (b *badgerImpl) checkOpen() error {
	if b.db.IsClosed() {
		return keyspace.ErrClosed
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see keyspace.KeySpace)
// --------------------------------------------------------------------------

func (b *badgerImpl) OpenTree(name string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if name == "" || strings.IndexByte(name, treeSeparator) >= 0 {
		return fmt.Errorf("invalid tree name %q", name)
	}
	b.trees.LoadOrStore(name, treePrefix(name))
	return nil
}

func (b *badgerImpl) Write(batch []keyspace.Operation) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	// resolve all prefixes first so a batch is never applied partially
	keys := make([][]byte, len(batch))
	for i, op := range batch {
		prefix, err := b.prefix(op.Tree)
		if err != nil {
			return err
		}
		key := make([]byte, 0, len(prefix)+len(op.Key))
		key = append(key, prefix...)
		keys[i] = append(key, op.Key...)
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		for i, op := range batch {
			if op.Delete {
				if err := txn.Delete(keys[i]); err != nil {
					return err
				}
				continue
			}
			// badger keeps a reference to the value until the txn commits
			if err := txn.Set(keys[i], append([]byte(nil), op.Value...)); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return fmt.Errorf("%w: %d operations", keyspace.ErrBatchTooLarge, len(batch))
	}
	if err != nil {
		return fmt.Errorf("failed to write batch of %d operations: %w", len(batch), err)
	}
	return nil
}

func (b *badgerImpl) Snapshot() (keyspace.Snapshot, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return &snapshot{
		parent:    b,
		txn:       b.db.NewTransaction(false),
		iterators: make(map[*iterator]struct{}),
	}, nil
}

func (b *badgerImpl) Compact() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if b.opts.InMemory {
		return nil
	}
	for {
		err := b.db.RunValueLogGC(gcDiscardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc failed: %w", err)
		}
	}
}

func (b *badgerImpl) SupportsFeature(feature keyspace.Feature) bool {
	supported := keyspace.FeatureCompact | keyspace.FeatureReverse
	if !b.opts.InMemory && b.opts.SyncWrites {
		supported |= keyspace.FeatureDurable
	}
	return feature&supported == feature
}

func (b *badgerImpl) Info() keyspace.Info {
	lsm, vlog := b.db.Size()
	info := keyspace.Info{
		Name:      b.name,
		SizeBytes: lsm + vlog,
		Engine:    keyspace.ImplBadger,
	}
	b.trees.Range(func(name string, _ []byte) bool {
		info.Trees = append(info.Trees, name)
		return true
	})
	sort.Strings(info.Trees)
	for _, f := range []keyspace.Feature{keyspace.FeatureDurable, keyspace.FeatureCompact, keyspace.FeatureReverse} {
		if b.SupportsFeature(f) {
			info.SupportedFeatures = append(info.SupportedFeatures, f)
		}
	}
	return info
}

func (b *badgerImpl) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	Logger.Infof("closing keyspace %s", b.name)
	return b.db.Close()
}

// --------------------------------------------------------------------------
// Snapshot (read-only badger transaction)
// --------------------------------------------------------------------------

type snapshot struct {
	parent    *badgerImpl
	mu        sync.Mutex
	txn       *badger.Txn
	iterators map[*iterator]struct{} // badger panics on Discard with open iterators
}

func (s *snapshot) Get(tree string, key []byte) ([]byte, error) {
	prefix, err := s.parent.prefix(tree)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return nil, keyspace.ErrClosed
	}

	fullKey := append(append(make([]byte, 0, len(prefix)+len(key)), prefix...), key...)
	item, err := s.txn.Get(fullKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, keyspace.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (s *snapshot) Iterate(tree string, r keyspace.Range) (keyspace.Iterator, error) {
	prefix, err := s.parent.prefix(tree)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txn == nil {
		return nil, keyspace.ErrClosed
	}

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = r.Descending
	opts.PrefetchValues = false

	it := &iterator{
		snap:   s,
		inner:  s.txn.NewIterator(opts),
		prefix: prefix,
		r:      r,
	}
	s.iterators[it] = struct{}{}
	return it, nil
}

func (s *snapshot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txn == nil {
		return
	}
	for it := range s.iterators {
		it.inner.Close()
		it.closed = true
	}
	s.iterators = nil
	s.txn.Discard()
	s.txn = nil
}

// --------------------------------------------------------------------------
// Iterator
// --------------------------------------------------------------------------

type iterator struct {
	snap    *snapshot
	inner   *badger.Iterator
	prefix  []byte
	r       keyspace.Range
	started bool
	closed  bool
	key     []byte
	value   []byte
	err     error
}

// seekKey returns the first key to visit
func (it *iterator) seekKey() []byte {
	if !it.r.Descending {
		return append(append([]byte(nil), it.prefix...), it.r.Start...)
	}
	if it.r.End != nil {
		return append(append([]byte(nil), it.prefix...), it.r.End...)
	}
	// largest possible key of the tree: the prefix with the separator incremented
	return keyspace.PrefixEnd(it.prefix)
}

func (it *iterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}

	if !it.started {
		it.inner.Seek(it.seekKey())
		it.started = true
	} else {
		it.inner.Next()
	}

	for ; it.inner.Valid(); it.inner.Next() {
		key := it.inner.Item().Key()[len(it.prefix):]

		if !it.r.Descending {
			if it.r.End != nil && bytes.Compare(key, it.r.End) >= 0 {
				return false
			}
		} else {
			if it.r.End != nil && bytes.Compare(key, it.r.End) >= 0 {
				continue // the upper bound is exclusive
			}
			if it.r.Start != nil && bytes.Compare(key, it.r.Start) < 0 {
				return false
			}
		}

		value, err := it.inner.Item().ValueCopy(nil)
		if err != nil {
			it.err = err
			return false
		}
		it.key = append([]byte(nil), key...)
		it.value = value
		return true
	}
	return false
}

func (it *iterator) Key() []byte {
	return it.key
}

func (it *iterator) Value() []byte {
	return it.value
}

func (it *iterator) Err() error {
	return it.err
}

func (it *iterator) Close() {
	it.snap.mu.Lock()
	defer it.snap.mu.Unlock()

	if it.closed {
		return
	}
	it.closed = true
	it.inner.Close()
	delete(it.snap.iterators, it)
}
