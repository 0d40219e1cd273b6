package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/keyspace"
)

// KeySpaceFactory is a function that creates a new, empty keyspace
type KeySpaceFactory func(t *testing.T) keyspace.KeySpace

// RunKeySpaceTests runs the conformance suite every keyspace engine must pass.
func RunKeySpaceTests(t *testing.T, name string, factory KeySpaceFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("WriteAndGet", func(t *testing.T) {
			testWriteAndGet(t, factory(t))
		})

		t.Run("UnopenedTree", func(t *testing.T) {
			testUnopenedTree(t, factory(t))
		})

		t.Run("AtomicBatch", func(t *testing.T) {
			testAtomicBatch(t, factory(t))
		})

		t.Run("TreeIsolation", func(t *testing.T) {
			testTreeIsolation(t, factory(t))
		})

		t.Run("SnapshotIsolation", func(t *testing.T) {
			testSnapshotIsolation(t, factory(t))
		})

		t.Run("RangeScan", func(t *testing.T) {
			testRangeScan(t, factory(t))
		})

		t.Run("ReverseRangeScan", func(t *testing.T) {
			testReverseRangeScan(t, factory(t))
		})

		t.Run("PrefixScan", func(t *testing.T) {
			testPrefixScan(t, factory(t))
		})

		t.Run("ConcurrentWriters", func(t *testing.T) {
			testConcurrentWriters(t, factory(t))
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func mustOpen(t *testing.T, ks keyspace.KeySpace, trees ...string) {
	t.Helper()
	for _, tree := range trees {
		if err := ks.OpenTree(tree); err != nil {
			t.Fatalf("OpenTree(%q) failed: %v", tree, err)
		}
	}
}

func mustWrite(t *testing.T, ks keyspace.KeySpace, ops ...keyspace.Operation) {
	t.Helper()
	if err := ks.Write(ops); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func mustSnapshot(t *testing.T, ks keyspace.KeySpace) keyspace.Snapshot {
	t.Helper()
	snap, err := ks.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	return snap
}

// collect reads all keys of a range as strings
func collect(t *testing.T, snap keyspace.Snapshot, tree string, r keyspace.Range) []string {
	t.Helper()
	it, err := snap.Iterate(tree, r)
	if err != nil {
		t.Fatalf("Iterate failed: %v", err)
	}
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration failed: %v", err)
	}
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testWriteAndGet(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()
	mustOpen(t, ks, "docs")

	mustWrite(t, ks,
		keyspace.Put("docs", []byte("a"), []byte("1")),
		keyspace.Put("docs", []byte("b"), []byte("2")),
	)

	snap := mustSnapshot(t, ks)
	defer snap.Release()

	value, err := snap.Get("docs", []byte("a"))
	if err != nil || !bytes.Equal(value, []byte("1")) {
		t.Errorf("expected value 1 for key a, got %q (err=%v)", value, err)
	}

	if _, err := snap.Get("docs", []byte("missing")); !errors.Is(err, keyspace.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	// overwrite and delete
	mustWrite(t, ks,
		keyspace.Put("docs", []byte("a"), []byte("3")),
		keyspace.Remove("docs", []byte("b")),
	)

	snap2 := mustSnapshot(t, ks)
	defer snap2.Release()

	if value, _ := snap2.Get("docs", []byte("a")); !bytes.Equal(value, []byte("3")) {
		t.Errorf("expected overwritten value 3, got %q", value)
	}
	if _, err := snap2.Get("docs", []byte("b")); !errors.Is(err, keyspace.ErrKeyNotFound) {
		t.Errorf("expected deleted key to be gone, got %v", err)
	}

	// returned values are copies
	value, _ = snap2.Get("docs", []byte("a"))
	value[0] = 'x'
	if again, _ := snap2.Get("docs", []byte("a")); !bytes.Equal(again, []byte("3")) {
		t.Errorf("modifying a returned value changed the stored value: %q", again)
	}
}

func testUnopenedTree(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()

	if err := ks.Write([]keyspace.Operation{keyspace.Put("nope", []byte("k"), []byte("v"))}); !errors.Is(err, keyspace.ErrTreeNotOpen) {
		t.Errorf("expected ErrTreeNotOpen, got %v", err)
	}

	snap := mustSnapshot(t, ks)
	defer snap.Release()
	if _, err := snap.Get("nope", []byte("k")); !errors.Is(err, keyspace.ErrTreeNotOpen) {
		t.Errorf("expected ErrTreeNotOpen, got %v", err)
	}
}

func testAtomicBatch(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()
	mustOpen(t, ks, "a")

	// the second operation names an unopened tree -> nothing is applied
	err := ks.Write([]keyspace.Operation{
		keyspace.Put("a", []byte("k"), []byte("v")),
		keyspace.Put("unopened", []byte("k"), []byte("v")),
	})
	if err == nil {
		t.Fatal("expected batch with unopened tree to fail")
	}

	snap := mustSnapshot(t, ks)
	defer snap.Release()
	if _, err := snap.Get("a", []byte("k")); !errors.Is(err, keyspace.ErrKeyNotFound) {
		t.Errorf("failed batch was partially applied (err=%v)", err)
	}
}

func testTreeIsolation(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()
	mustOpen(t, ks, "a", "ab", "b")

	mustWrite(t, ks,
		keyspace.Put("a", []byte("k1"), []byte("a")),
		keyspace.Put("ab", []byte("k1"), []byte("ab")),
		keyspace.Put("b", []byte("k2"), []byte("b")),
	)

	snap := mustSnapshot(t, ks)
	defer snap.Release()

	if keys := collect(t, snap, "a", keyspace.Range{}); !equalKeys(keys, []string{"k1"}) {
		t.Errorf("tree a leaked keys: %v", keys)
	}
	if keys := collect(t, snap, "a", keyspace.Range{Descending: true}); !equalKeys(keys, []string{"k1"}) {
		t.Errorf("tree a leaked keys in reverse: %v", keys)
	}
	if value, _ := snap.Get("ab", []byte("k1")); string(value) != "ab" {
		t.Errorf("expected value ab, got %q", value)
	}
}

func testSnapshotIsolation(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()
	mustOpen(t, ks, "t")

	mustWrite(t, ks, keyspace.Put("t", []byte("k"), []byte("old")))

	snap := mustSnapshot(t, ks)
	defer snap.Release()

	mustWrite(t, ks,
		keyspace.Put("t", []byte("k"), []byte("new")),
		keyspace.Put("t", []byte("k2"), []byte("added")),
	)

	if value, _ := snap.Get("t", []byte("k")); string(value) != "old" {
		t.Errorf("snapshot observed a later write: %q", value)
	}
	if keys := collect(t, snap, "t", keyspace.Range{}); !equalKeys(keys, []string{"k"}) {
		t.Errorf("snapshot observed later keys: %v", keys)
	}
}

func testRangeScan(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()
	mustOpen(t, ks, "t")

	var ops []keyspace.Operation
	for _, k := range []string{"e", "a", "c", "b", "d"} {
		ops = append(ops, keyspace.Put("t", []byte(k), []byte(k)))
	}
	mustWrite(t, ks, ops...)

	snap := mustSnapshot(t, ks)
	defer snap.Release()

	tests := []struct {
		r    keyspace.Range
		want []string
	}{
		{keyspace.Range{}, []string{"a", "b", "c", "d", "e"}},
		{keyspace.Range{Start: []byte("b")}, []string{"b", "c", "d", "e"}},
		{keyspace.Range{End: []byte("c")}, []string{"a", "b"}},
		{keyspace.Range{Start: []byte("b"), End: []byte("d")}, []string{"b", "c"}},
		{keyspace.Range{Start: []byte("bb"), End: []byte("cc")}, []string{"c"}},
		{keyspace.Range{Start: []byte("x")}, nil},
	}
	for i, tt := range tests {
		if got := collect(t, snap, "t", tt.r); !equalKeys(got, tt.want) {
			t.Errorf("case %d: expected %v, got %v", i, tt.want, got)
		}
	}
}

func testReverseRangeScan(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()
	if !ks.SupportsFeature(keyspace.FeatureReverse) {
		t.Skip("engine does not support reverse iteration")
	}
	mustOpen(t, ks, "t")

	var ops []keyspace.Operation
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		ops = append(ops, keyspace.Put("t", []byte(k), []byte(k)))
	}
	mustWrite(t, ks, ops...)

	snap := mustSnapshot(t, ks)
	defer snap.Release()

	tests := []struct {
		r    keyspace.Range
		want []string
	}{
		{keyspace.Range{Descending: true}, []string{"e", "d", "c", "b", "a"}},
		{keyspace.Range{Start: []byte("b"), End: []byte("d"), Descending: true}, []string{"c", "b"}},
		{keyspace.Range{End: []byte("cc"), Descending: true}, []string{"c", "b", "a"}},
		{keyspace.Range{Start: []byte("d"), Descending: true}, []string{"e", "d"}},
	}
	for i, tt := range tests {
		if got := collect(t, snap, "t", tt.r); !equalKeys(got, tt.want) {
			t.Errorf("case %d: expected %v, got %v", i, tt.want, got)
		}
	}
}

func testPrefixScan(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()
	mustOpen(t, ks, "t")

	mustWrite(t, ks,
		keyspace.Put("t", []byte("a\x00"), nil),
		keyspace.Put("t", []byte("a\x00x"), nil),
		keyspace.Put("t", []byte("a\xff"), nil),
		keyspace.Put("t", []byte("ab"), nil),
		keyspace.Put("t", []byte("b"), nil),
	)

	snap := mustSnapshot(t, ks)
	defer snap.Release()

	got := collect(t, snap, "t", keyspace.PrefixRange([]byte("a\x00")))
	if !equalKeys(got, []string{"a\x00", "a\x00x"}) {
		t.Errorf("unexpected prefix scan result %q", got)
	}

	got = collect(t, snap, "t", keyspace.PrefixRange([]byte("a")))
	if len(got) != 4 {
		t.Errorf("expected 4 keys with prefix a, got %q", got)
	}

	if end := keyspace.PrefixEnd([]byte{0xff, 0xff}); end != nil {
		t.Errorf("expected unbounded end for all-0xff prefix, got %v", end)
	}
}

func testConcurrentWriters(t *testing.T, ks keyspace.KeySpace) {
	defer ks.Close()
	mustOpen(t, ks, "t")

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%02d-%03d", w, i))
				if err := ks.Write([]keyspace.Operation{keyspace.Put("t", key, key)}); err != nil {
					t.Errorf("concurrent write failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	snap := mustSnapshot(t, ks)
	defer snap.Release()
	if got := collect(t, snap, "t", keyspace.Range{}); len(got) != writers*perWriter {
		t.Errorf("expected %d keys, got %d", writers*perWriter, len(got))
	}
}

func testClose(t *testing.T, ks keyspace.KeySpace) {
	mustOpen(t, ks, "t")
	if err := ks.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ks.Write([]keyspace.Operation{keyspace.Put("t", []byte("k"), nil)}); err == nil {
		t.Error("expected Write after Close to fail")
	}
	if _, err := ks.Snapshot(); err == nil {
		t.Error("expected Snapshot after Close to fail")
	}
}
