package badger

import (
	"testing"

	"github.com/ValentinKolb/dDoc/lib/keyspace"
	kstesting "github.com/ValentinKolb/dDoc/lib/keyspace/testing"
)

func Test(t *testing.T) {
	kstesting.RunKeySpaceTests(t, "Badger", func(t *testing.T) keyspace.KeySpace {
		ks, err := NewBadgerKeySpace("test", DefaultOptions(t.TempDir()))
		if err != nil {
			t.Fatalf("failed to open badger keyspace: %v", err)
		}
		return ks
	})
}

func TestInMemory(t *testing.T) {
	kstesting.RunKeySpaceTests(t, "BadgerInMemory", func(t *testing.T) keyspace.KeySpace {
		ks, err := NewBadgerKeySpace("test", &Options{InMemory: true})
		if err != nil {
			t.Fatalf("failed to open badger keyspace: %v", err)
		}
		return ks
	})
}

func TestDurableReopen(t *testing.T) {
	dir := t.TempDir()

	ks, err := NewBadgerKeySpace("test", DefaultOptions(dir))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !ks.SupportsFeature(keyspace.FeatureDurable) {
		t.Error("synced badger keyspace should be durable")
	}
	if err := ks.OpenTree("docs"); err != nil {
		t.Fatal(err)
	}
	if err := ks.Write([]keyspace.Operation{keyspace.Put("docs", []byte("k"), []byte("v"))}); err != nil {
		t.Fatal(err)
	}
	if err := ks.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBadgerKeySpace("test", DefaultOptions(dir))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	if err := reopened.OpenTree("docs"); err != nil {
		t.Fatal(err)
	}

	snap, err := reopened.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	defer snap.Release()
	value, err := snap.Get("docs", []byte("k"))
	if err != nil || string(value) != "v" {
		t.Errorf("expected persisted value v, got %q (err=%v)", value, err)
	}
}

func TestReleaseClosesIterators(t *testing.T) {
	ks, err := NewBadgerKeySpace("test", &Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()
	if err := ks.OpenTree("t"); err != nil {
		t.Fatal(err)
	}

	snap, err := ks.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := snap.Iterate("t", keyspace.Range{}); err != nil {
		t.Fatal(err)
	}
	// must not panic although the iterator was never closed
	snap.Release()
	snap.Release()
}

func TestInvalidTreeName(t *testing.T) {
	ks, err := NewBadgerKeySpace("test", &Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	for _, name := range []string{"", "bad\x00name"} {
		if err := ks.OpenTree(name); err == nil {
			t.Errorf("expected error for tree name %q", name)
		}
	}
}
