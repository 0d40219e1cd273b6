package schema

import (
	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
)

// Codec converts application values to document contents and back
type Codec[T any] interface {
	Serialize(v T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// --------------------------------------------------------------------------
// JSON
// --------------------------------------------------------------------------

// JSONCodec stores values as JSON
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Serialize(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Deserialize(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// --------------------------------------------------------------------------
// BSON
// --------------------------------------------------------------------------

// BSONCodec stores values as BSON documents. T must be a struct or a map.
type BSONCodec[T any] struct{}

func (BSONCodec[T]) Serialize(v T) ([]byte, error) {
	return bson.Marshal(v)
}

func (BSONCodec[T]) Deserialize(data []byte) (T, error) {
	var v T
	err := bson.Unmarshal(data, &v)
	return v, err
}

// --------------------------------------------------------------------------
// Typed helpers
// --------------------------------------------------------------------------

// TypedCollection binds a codec to a collection name
type TypedCollection[T any] struct {
	Name  string
	Codec Codec[T]
}

// Define registers the collection in s
func (c TypedCollection[T]) Define(s *Schema) error {
	_, err := s.DefineCollection(c.Name)
	return err
}

// Encode serializes v into document contents
func (c TypedCollection[T]) Encode(v T) ([]byte, error) {
	data, err := c.Codec.Serialize(v)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeValueType, err, "failed to encode document for "+c.Name)
	}
	return data, nil
}

// Decode deserializes the contents of doc
func (c TypedCollection[T]) Decode(doc *document.Document) (T, error) {
	v, err := c.Codec.Deserialize(doc.Contents)
	if err != nil {
		return v, dberr.Wrap(dberr.CodeValueType, err, "failed to decode document of "+c.Name)
	}
	return v, nil
}

// TypedMapper decodes the document with Codec before calling Fn
type TypedMapper[T any] struct {
	Codec Codec[T]
	Fn    func(id uint64, v T) ([]Mapping, error)
}

func (m TypedMapper[T]) Map(doc *document.Document) ([]Mapping, error) {
	v, err := m.Codec.Deserialize(doc.Contents)
	if err != nil {
		return nil, err
	}
	return m.Fn(doc.ID, v)
}
