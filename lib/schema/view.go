package schema

import (
	"github.com/ValentinKolb/dDoc/lib/document"
)

// --------------------------------------------------------------------------
// Policies
// --------------------------------------------------------------------------

// Policy decides when a view's index is brought up to date
type Policy int

const (
	// PolicyEager indexes inside the committing transaction. Queries always
	// observe a caught-up index.
	PolicyEager Policy = iota
	// PolicyEventual indexes in a background worker. Queries may observe a
	// stale index unless they request strict consistency.
	PolicyEventual
)

func (p Policy) String() string {
	switch p {
	case PolicyEager:
		return "eager"
	case PolicyEventual:
		return "eventual"
	default:
		return "unknown"
	}
}

// ErrorPolicy decides how queries surface documents the map function failed on
type ErrorPolicy int

const (
	// ErrorPolicyWarn returns results with a warning per failed document
	ErrorPolicyWarn ErrorPolicy = iota
	// ErrorPolicyFail fails queries with a view computation error
	ErrorPolicyFail
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyWarn:
		return "warn"
	case ErrorPolicyFail:
		return "fail"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Map / Reduce
// --------------------------------------------------------------------------

// Mapping is one (key, value) pair emitted by a map function
type Mapping struct {
	Key   []byte
	Value []byte
}

// Emit is a shorthand for building a Mapping
func Emit(key, value []byte) Mapping {
	return Mapping{Key: key, Value: value}
}

// Mapper turns a document into index entries. Map must be deterministic and
// must not retain doc. A document emitting the same key twice keeps the last value.
type Mapper interface {
	Map(doc *document.Document) ([]Mapping, error)
}

// MapperFunc adapts a function to the Mapper interface
type MapperFunc func(doc *document.Document) ([]Mapping, error)

func (f MapperFunc) Map(doc *document.Document) ([]Mapping, error) {
	return f(doc)
}

// Reducer folds the values of index entries into one value. The values are
// passed in ascending (key, document id) order.
type Reducer interface {
	Reduce(values [][]byte) ([]byte, error)
}

// ReducerFunc adapts a function to the Reducer interface
type ReducerFunc func(values [][]byte) ([]byte, error)

func (f ReducerFunc) Reduce(values [][]byte) ([]byte, error) {
	return f(values)
}

// --------------------------------------------------------------------------
// Collection / View descriptors
// --------------------------------------------------------------------------

// Collection describes a named set of documents sharing an id space
type Collection struct {
	Name string
}

// View describes a secondary index over one collection.
//
// Bumping Version invalidates the stored index; it is rebuilt from scratch
// the next time the database is opened.
type View struct {
	Name        string
	Collection  string
	Version     uint64
	Policy      Policy
	ErrorPolicy ErrorPolicy
	Map         Mapper
	Reduce      Reducer // optional
}

// CanReduce reports whether the view declares a reduce function
func (v *View) CanReduce() bool {
	return v.Reduce != nil
}
