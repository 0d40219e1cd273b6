package internal

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/document"
)

func TestEntryKeyOrdering(t *testing.T) {
	type entry struct {
		key []byte
		id  uint64
	}
	// sorted by (key, id)
	entries := []entry{
		{[]byte(""), 9},
		{[]byte("a"), 1},
		{[]byte("a"), 2},
		{[]byte("a\x00"), 1},
		{[]byte("a\x00b"), 1},
		{[]byte("a\x01"), 1},
		{[]byte("ab"), 0},
		{[]byte("b"), 1},
	}

	stored := make([][]byte, len(entries))
	for i, e := range entries {
		stored[i] = EntryKey(e.key, e.id)
	}
	if !sort.SliceIsSorted(stored, func(i, j int) bool { return bytes.Compare(stored[i], stored[j]) < 0 }) {
		t.Fatalf("stored keys do not follow (key, id) order: %q", stored)
	}

	for i, s := range stored {
		key, id, err := ParseEntryKey(s)
		if err != nil || !bytes.Equal(key, entries[i].key) || id != entries[i].id {
			t.Errorf("ParseEntryKey(%q) = (%q, %d, %v), expected (%q, %d)", s, key, id, err, entries[i].key, entries[i].id)
		}
	}
}

func TestEntryKeyPrefixes(t *testing.T) {
	stored := EntryKey([]byte("a\x00x"), 3)

	if !bytes.HasPrefix(stored, KeyPrefix([]byte("a\x00"))) {
		t.Error("raw prefix must map to a stored prefix")
	}
	if bytes.HasPrefix(stored, KeyPrefix([]byte("a\x01"))) {
		t.Error("unrelated prefix matched")
	}
	if bytes.HasPrefix(stored, ExactKeyPrefix([]byte("a"))) {
		t.Error("exact prefix of a must not match key a\\x00x")
	}
	if !bytes.HasPrefix(EntryKey([]byte("a"), 7), ExactKeyPrefix([]byte("a"))) {
		t.Error("exact prefix must match its own key")
	}

	// range bounds: [a, b) contains a and ab but neither "" nor b
	lo, hi := KeyBound([]byte("a")), KeyBound([]byte("b"))
	for key, inside := range map[string]bool{"": false, "a": true, "a\x00": true, "ab": true, "b": false, "ba": false} {
		s := EntryKey([]byte(key), 1)
		got := bytes.Compare(s, lo) >= 0 && bytes.Compare(s, hi) < 0
		if got != inside {
			t.Errorf("key %q: in range = %t, expected %t", key, got, inside)
		}
	}
}

func TestParseEntryKeyRejectsGarbage(t *testing.T) {
	for _, garbage := range [][]byte{
		nil,
		[]byte("short"),
		append([]byte("no-terminator"), U64(1)...),
		append([]byte{'a', 0x00, 0x02}, U64(1)...),
	} {
		if _, _, err := ParseEntryKey(garbage); !errors.Is(err, ErrMalformedEntryKey) {
			t.Errorf("expected malformed key error for %q, got %v", garbage, err)
		}
	}
}

func TestTxRecord(t *testing.T) {
	in := TxRecord{
		ID:        42,
		Timestamp: 1_700_000_000_000,
		Changes: []ChangeRecord{
			{Collection: "orders", ID: 1, Revision: document.NewRevision([]byte("v1"))},
			{Collection: "users", ID: 9, Revision: document.Revision{Sequence: 1, ContentHash: document.HashContents([]byte("y"))}, Deleted: true},
		},
	}

	var out TxRecord
	if err := out.Deserialize(in.Serialize()); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if out.ID != in.ID || out.Timestamp != in.Timestamp || len(out.Changes) != 2 {
		t.Fatalf("unexpected record %+v", out)
	}
	for i := range in.Changes {
		if out.Changes[i] != in.Changes[i] {
			t.Errorf("change %d: expected %+v, got %+v", i, in.Changes[i], out.Changes[i])
		}
	}

	data := in.Serialize()
	if err := out.Deserialize(data[:len(data)-3]); !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("expected truncated record to fail, got %v", err)
	}
}

func TestKeysRecord(t *testing.T) {
	keys := [][]byte{[]byte("a"), {}, []byte("b\x00c")}
	out, err := DeserializeKeys(SerializeKeys(keys))
	if err != nil || len(out) != 3 || string(out[2]) != "b\x00c" || len(out[1]) != 0 {
		t.Errorf("unexpected keys %q (err=%v)", out, err)
	}
	if _, err := DeserializeKeys([]byte{0, 0, 0, 5}); err == nil {
		t.Error("expected truncated keys record to fail")
	}
}
