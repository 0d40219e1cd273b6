package memory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/google/btree"
)

const (
	degree = 32 // btree node degree
)

// --------------------------------------------------------------------------
// Core structure
// --------------------------------------------------------------------------

// item is a single key/value pair stored in a tree
type item struct {
	key   []byte
	value []byte
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memoryImpl keeps one btree per tree. Writers mutate the live trees under the
// lock; snapshots are lazy copy-on-write clones of every tree.
type memoryImpl struct {
	name   string
	mu     sync.RWMutex
	trees  map[string]*btree.BTreeG[item]
	closed bool
}

// NewMemoryKeySpace creates a new, empty in-memory keyspace.
func NewMemoryKeySpace(name string) keyspace.KeySpace {
	return &memoryImpl{
		name:  name,
		trees: make(map[string]*btree.BTreeG[item]),
	}
}

// Factory returns a keyspace.Factory producing independent in-memory keyspaces.
func Factory() keyspace.Factory {
	return func(name string) (keyspace.KeySpace, error) {
		return NewMemoryKeySpace(name), nil
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see keyspace.KeySpace)
// --------------------------------------------------------------------------

func (m *memoryImpl) OpenTree(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return keyspace.ErrClosed
	}
	if _, ok := m.trees[name]; !ok {
		m.trees[name] = btree.NewG[item](degree, lessItem)
	}
	return nil
}

func (m *memoryImpl) Write(batch []keyspace.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return keyspace.ErrClosed
	}

	// validate first so a batch is never applied partially
	for _, op := range batch {
		if _, ok := m.trees[op.Tree]; !ok {
			return keyspace.ErrTreeNotOpen
		}
	}

	for _, op := range batch {
		tree := m.trees[op.Tree]
		key := append([]byte(nil), op.Key...)
		if op.Delete {
			tree.Delete(item{key: key})
			continue
		}
		tree.ReplaceOrInsert(item{key: key, value: append([]byte(nil), op.Value...)})
	}
	return nil
}

func (m *memoryImpl) Snapshot() (keyspace.Snapshot, error) {
	// Clone modifies the copy-on-write state of the source tree -> exclusive lock
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, keyspace.ErrClosed
	}

	trees := make(map[string]*btree.BTreeG[item], len(m.trees))
	for name, tree := range m.trees {
		trees[name] = tree.Clone()
	}
	return &snapshot{trees: trees}, nil
}

func (m *memoryImpl) Compact() error {
	return nil
}

func (m *memoryImpl) SupportsFeature(feature keyspace.Feature) bool {
	supported := keyspace.FeatureReverse
	return feature&supported == feature
}

func (m *memoryImpl) Info() keyspace.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := keyspace.Info{
		Name:              m.name,
		Engine:            keyspace.ImplMemory,
		SupportedFeatures: []keyspace.Feature{keyspace.FeatureReverse},
	}
	for name, tree := range m.trees {
		info.Trees = append(info.Trees, name)
		tree.Ascend(func(i item) bool {
			info.SizeBytes += int64(len(i.key) + len(i.value))
			return true
		})
	}
	sort.Strings(info.Trees)
	return info
}

func (m *memoryImpl) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.trees = nil
	return nil
}

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

type snapshot struct {
	mu    sync.Mutex
	trees map[string]*btree.BTreeG[item]
}

func (s *snapshot) tree(name string) (*btree.BTreeG[item], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trees == nil {
		return nil, keyspace.ErrClosed
	}
	tree, ok := s.trees[name]
	if !ok {
		return nil, keyspace.ErrTreeNotOpen
	}
	return tree, nil
}

func (s *snapshot) Get(treeName string, key []byte) ([]byte, error) {
	tree, err := s.tree(treeName)
	if err != nil {
		return nil, err
	}
	found, ok := tree.Get(item{key: key})
	if !ok {
		return nil, keyspace.ErrKeyNotFound
	}
	return append([]byte(nil), found.value...), nil
}

func (s *snapshot) Iterate(treeName string, r keyspace.Range) (keyspace.Iterator, error) {
	tree, err := s.tree(treeName)
	if err != nil {
		return nil, err
	}
	return &iterator{tree: tree, r: r}, nil
}

func (s *snapshot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees = nil
}

// --------------------------------------------------------------------------
// Iterator
// --------------------------------------------------------------------------

// iterator pulls one item at a time by seeking past the last returned key.
// Each step costs O(log n), which keeps iteration lazy without goroutines.
type iterator struct {
	tree    *btree.BTreeG[item]
	r       keyspace.Range
	current item
	started bool
	done    bool
}

func (it *iterator) Next() bool {
	if it.done {
		return false
	}

	var (
		next  item
		found bool
	)

	if !it.r.Descending {
		visit := func(i item) bool {
			if it.started && bytes.Equal(i.key, it.current.key) {
				return true // skip the pivot itself
			}
			next, found = i, true
			return false
		}
		switch {
		case it.started:
			it.tree.AscendGreaterOrEqual(it.current, visit)
		case it.r.Start != nil:
			it.tree.AscendGreaterOrEqual(item{key: it.r.Start}, visit)
		default:
			it.tree.Ascend(visit)
		}
		if found && it.r.End != nil && bytes.Compare(next.key, it.r.End) >= 0 {
			found = false
		}
	} else {
		visit := func(i item) bool {
			if it.started && bytes.Equal(i.key, it.current.key) {
				return true
			}
			if !it.started && it.r.End != nil && bytes.Equal(i.key, it.r.End) {
				return true // the upper bound is exclusive
			}
			next, found = i, true
			return false
		}
		switch {
		case it.started:
			it.tree.DescendLessOrEqual(it.current, visit)
		case it.r.End != nil:
			it.tree.DescendLessOrEqual(item{key: it.r.End}, visit)
		default:
			it.tree.Descend(visit)
		}
		if found && it.r.Start != nil && bytes.Compare(next.key, it.r.Start) < 0 {
			found = false
		}
	}

	if !found {
		it.done = true
		return false
	}
	it.current = next
	it.started = true
	return true
}

func (it *iterator) Key() []byte {
	return it.current.key
}

func (it *iterator) Value() []byte {
	return it.current.value
}

func (it *iterator) Err() error {
	return nil
}

func (it *iterator) Close() {
	it.done = true
}
