package document

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestRevisionProgression(t *testing.T) {
	v1 := []byte(`{"value":1}`)
	v2 := []byte(`{"value":2}`)

	first := NewRevision(v1)
	if first.Sequence != 0 {
		t.Errorf("expected initial sequence 0, got %d", first.Sequence)
	}
	if first.ContentHash != HashContents(v1) {
		t.Error("initial revision should carry the hash of the contents")
	}

	second, err := first.Next(v2)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if second.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", second.Sequence)
	}
	if second.ContentHash == first.ContentHash {
		t.Error("different contents must produce different hashes")
	}
}

func TestRevisionSequenceExhausted(t *testing.T) {
	last := Revision{Sequence: math.MaxUint32, ContentHash: HashContents([]byte("v"))}
	if _, err := last.Next([]byte("v")); !errors.Is(err, ErrSequenceExhausted) {
		t.Fatalf("expected ErrSequenceExhausted, got %v", err)
	}

	almost := Revision{Sequence: math.MaxUint32 - 1}
	next, err := almost.Next([]byte("v"))
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if next.Sequence != math.MaxUint32 {
		t.Errorf("expected sequence %d, got %d", uint32(math.MaxUint32), next.Sequence)
	}
}

func TestRevisionStringRoundTrip(t *testing.T) {
	rev := Revision{Sequence: 1, ContentHash: HashContents([]byte("world"))}

	parsed, err := ParseRevision(rev.String())
	if err != nil {
		t.Fatalf("ParseRevision failed: %v", err)
	}
	if parsed != rev {
		t.Errorf("expected %s, got %s", rev, parsed)
	}

	for _, bad := range []string{"", "1", "x-00", "1-zz", "1-0011"} {
		if _, err := ParseRevision(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestDocumentRecord(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
	}{
		{
			name: "plain",
			doc: Document{
				Header:   Header{ID: 42, Revision: NewRevision([]byte("abc"))},
				Contents: []byte("abc"),
			},
		},
		{
			name: "attachments",
			doc: Document{
				Header:      Header{ID: 1, Revision: Revision{Sequence: 1, ContentHash: HashContents([]byte("y"))}},
				Contents:    []byte("y"),
				Attachments: map[string][]byte{"b": []byte("second"), "a": {}},
			},
		},
		{
			name: "tombstone",
			doc: Document{
				Header:  Header{ID: 7, Revision: NewRevision(nil)},
				Deleted: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.doc.Serialize()
			if len(data) != tt.doc.SizeBytes() {
				t.Fatalf("SizeBytes()=%d but serialized %d bytes", tt.doc.SizeBytes(), len(data))
			}

			var decoded Document
			if err := decoded.Deserialize(data); err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if decoded.Header != tt.doc.Header || decoded.Deleted != tt.doc.Deleted {
				t.Errorf("header mismatch: got %+v", decoded.Header)
			}
			if !bytes.Equal(decoded.Contents, tt.doc.Contents) {
				t.Errorf("contents mismatch: got %q", decoded.Contents)
			}
			if len(decoded.Attachments) != len(tt.doc.Attachments) {
				t.Fatalf("expected %d attachments, got %d", len(tt.doc.Attachments), len(decoded.Attachments))
			}
			for name, data := range tt.doc.Attachments {
				if !bytes.Equal(decoded.Attachments[name], data) {
					t.Errorf("attachment %q mismatch", name)
				}
			}

			// serialization is deterministic
			if !bytes.Equal(decoded.Serialize(), data) {
				t.Error("re-serialized record differs")
			}
		})
	}
}

func TestDocumentRecordRejectsGarbage(t *testing.T) {
	var d Document
	if err := d.Deserialize([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short record")
	}

	data := (&Document{Contents: []byte("abc")}).Serialize()
	if err := d.Deserialize(data[:len(data)-3]); err == nil {
		t.Error("expected error for truncated record")
	}
	if err := d.Deserialize(append(data, 0)); err == nil {
		t.Error("expected error for trailing bytes")
	}
}
