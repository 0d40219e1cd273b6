package schema

import (
	"bytes"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
)

type order struct {
	Owner  string `json:"owner" bson:"owner"`
	Amount int64  `json:"amount" bson:"amount"`
}

var noopMapper = MapperFunc(func(*document.Document) ([]Mapping, error) { return nil, nil })

func TestSchemaRegistration(t *testing.T) {
	s := New("shop")

	if _, err := s.DefineCollection("orders"); err != nil {
		t.Fatalf("DefineCollection failed: %v", err)
	}
	if _, err := s.DefineCollection("orders"); err == nil {
		t.Error("expected duplicate collection to fail")
	}
	if _, err := s.DefineCollection("bad name"); !errors.Is(err, dberr.ErrInvalidOperation) {
		t.Errorf("expected invalid name error, got %v", err)
	}

	err := s.DefineView(View{Name: "by-owner", Collection: "orders", Map: noopMapper})
	if err != nil {
		t.Fatalf("DefineView failed: %v", err)
	}
	if err := s.DefineView(View{Name: "x", Collection: "missing", Map: noopMapper}); !errors.Is(err, dberr.ErrNotFound) {
		t.Errorf("expected not found for unknown collection, got %v", err)
	}
	if err := s.DefineView(View{Name: "y", Collection: "orders"}); err == nil {
		t.Error("expected view without map function to fail")
	}

	if err := s.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if views := s.ViewsFor("orders"); len(views) != 1 || views[0].Name != "by-owner" {
		t.Errorf("unexpected views for orders: %v", views)
	}

	s.Freeze()
	if _, err := s.DefineCollection("late"); err == nil {
		t.Error("expected definition on frozen schema to fail")
	}
}

func TestSchemaValidateEmpty(t *testing.T) {
	if err := New("empty").Validate(); err == nil {
		t.Error("schema without collections should not validate")
	}
}

func TestKeyOrdering(t *testing.T) {
	ints := []int64{math.MinInt64, -100, -1, 0, 1, 42, math.MaxInt64}
	for i := 1; i < len(ints); i++ {
		if bytes.Compare(KeyInt64(ints[i-1]), KeyInt64(ints[i])) >= 0 {
			t.Errorf("KeyInt64(%d) does not sort before KeyInt64(%d)", ints[i-1], ints[i])
		}
		if v, _ := DecodeKeyInt64(KeyInt64(ints[i])); v != ints[i] {
			t.Errorf("DecodeKeyInt64 returned %d, expected %d", v, ints[i])
		}
	}

	tuples := [][]byte{
		KeyTuple([]byte("a")),
		KeyTuple([]byte("a"), []byte("")),
		KeyTuple([]byte("a"), []byte("b")),
		KeyTuple([]byte("a\x00")),
		KeyTuple([]byte("ab")),
		KeyTuple([]byte("b")),
	}
	if !sort.SliceIsSorted(tuples, func(i, j int) bool { return bytes.Compare(tuples[i], tuples[j]) < 0 }) {
		t.Errorf("tuples are not ordered component-wise: %q", tuples)
	}
	if !bytes.HasPrefix(KeyTuple([]byte("a"), []byte("zzz")), KeyTuple([]byte("a"))) {
		t.Error("single component tuple must prefix longer tuples")
	}

	parts, err := SplitKeyTuple(KeyTuple([]byte("x\x00y"), nil, []byte("z")))
	if err != nil || len(parts) != 3 || string(parts[0]) != "x\x00y" || len(parts[1]) != 0 || string(parts[2]) != "z" {
		t.Errorf("unexpected split result %q (err=%v)", parts, err)
	}
	if _, err := SplitKeyTuple([]byte("abc")); err == nil {
		t.Error("expected unterminated tuple to fail")
	}
}

func TestReducers(t *testing.T) {
	values := [][]byte{EncodeInt64(10), EncodeInt64(5), EncodeInt64(-3)}

	sum, err := SumInt64.Reduce(values)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := DecodeInt64(sum); v != 12 {
		t.Errorf("expected sum 12, got %d", v)
	}

	count, _ := Count.Reduce(values)
	if v, _ := DecodeInt64(count); v != 3 {
		t.Errorf("expected count 3, got %d", v)
	}

	if _, err := SumInt64.Reduce([][]byte{[]byte("x")}); !errors.Is(err, dberr.ErrValueType) {
		t.Errorf("expected value type error, got %v", err)
	}
}

func TestCodecs(t *testing.T) {
	codecs := map[string]Codec[order]{
		"json": JSONCodec[order]{},
		"bson": BSONCodec[order]{},
	}
	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			in := order{Owner: "a", Amount: 10}
			data, err := codec.Serialize(in)
			if err != nil {
				t.Fatal(err)
			}
			out, err := codec.Deserialize(data)
			if err != nil || out != in {
				t.Errorf("expected %+v, got %+v (err=%v)", in, out, err)
			}
		})
	}
}

func TestTypedMapper(t *testing.T) {
	orders := TypedCollection[order]{Name: "orders", Codec: JSONCodec[order]{}}
	contents, err := orders.Encode(order{Owner: "b", Amount: 20})
	if err != nil {
		t.Fatal(err)
	}

	m := TypedMapper[order]{
		Codec: orders.Codec,
		Fn: func(id uint64, o order) ([]Mapping, error) {
			return []Mapping{Emit(KeyString(o.Owner), EncodeInt64(o.Amount))}, nil
		},
	}
	doc := &document.Document{Header: document.Header{ID: 7}, Contents: contents}
	mappings, err := m.Map(doc)
	if err != nil || len(mappings) != 1 || string(mappings[0].Key) != "b" {
		t.Fatalf("unexpected mappings %v (err=%v)", mappings, err)
	}

	if _, err := m.Map(&document.Document{Contents: []byte("not json")}); err == nil {
		t.Error("expected decode failure to surface from Map")
	}
	if _, err := orders.Decode(&document.Document{Contents: []byte("{")}); !errors.Is(err, dberr.ErrValueType) {
		t.Errorf("expected value type error, got %v", err)
	}
}
