package kv

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IKeyValue is the namespaced key-value store of a database. Every operation
// is atomic on its own; none of them takes part in document transactions.
// Expired entries are never returned.
type IKeyValue interface {
	// Set stores value. The options control expiration, conditional writes and
	// whether the previous value is returned.
	Set(ctx context.Context, namespace, key string, value Value, opts ...SetOption) (SetResult, error)
	// Get returns the value of key. The boolean reports whether it was found.
	Get(ctx context.Context, namespace, key string) (Value, bool, error)
	// GetAndDelete removes key and returns the value it had
	GetAndDelete(ctx context.Context, namespace, key string) (Value, bool, error)
	// Delete removes key. The boolean reports whether it existed.
	Delete(ctx context.Context, namespace, key string) (bool, error)
	// CompareAndDelete removes key only if it holds the bytes expected
	CompareAndDelete(ctx context.Context, namespace, key string, expected []byte) (bool, error)
	// Increment adds by to the numeric value of key (a missing key counts as
	// unsigned 0) and returns the new value. With saturating the result is
	// clamped to the range of the amount's kind instead of wrapping around.
	Increment(ctx context.Context, namespace, key string, by Numeric, saturating bool) (Numeric, error)
	// Decrement is Increment with subtraction
	Decrement(ctx context.Context, namespace, key string, by Numeric, saturating bool) (Numeric, error)
	// Expire sets the expiration of an existing key to now + ttl. A ttl <= 0
	// removes the expiration. The boolean reports whether the key exists.
	Expire(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error)
}

// --------------------------------------------------------------------------
// Values
// --------------------------------------------------------------------------

// NumericKind is the representation of a Numeric
type NumericKind uint8

const (
	Integer NumericKind = iota + 1
	Unsigned
	Float
)

func (k NumericKind) String() string {
	switch k {
	case Integer:
		return "integer"
	case Unsigned:
		return "unsigned"
	case Float:
		return "float"
	default:
		return "unknown"
	}
}

// Numeric is a counter value. Only the field matching Kind is used.
type Numeric struct {
	Kind  NumericKind `json:"kind"`
	Int   int64       `json:"int,omitempty"`
	Uint  uint64      `json:"uint,omitempty"`
	Float float64     `json:"float,omitempty"`
}

func Int(v int64) Numeric       { return Numeric{Kind: Integer, Int: v} }
func Uint(v uint64) Numeric     { return Numeric{Kind: Unsigned, Uint: v} }
func Float64(v float64) Numeric { return Numeric{Kind: Float, Float: v} }

// Validate rejects unknown kinds and NaN
func (n Numeric) Validate() error {
	switch n.Kind {
	case Integer, Unsigned:
		return nil
	case Float:
		if math.IsNaN(n.Float) {
			return dberr.New(dberr.CodeValueType, "numeric value is NaN")
		}
		return nil
	default:
		return dberr.Newf(dberr.CodeValueType, "unknown numeric kind %d", n.Kind)
	}
}

// AsInt64 converts n. Out of range values wrap, or clamp when saturating.
func (n Numeric) AsInt64(saturating bool) int64 {
	switch n.Kind {
	case Unsigned:
		if saturating && n.Uint > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(n.Uint)
	case Float:
		if saturating {
			if n.Float >= math.MaxInt64 {
				return math.MaxInt64
			}
			if n.Float <= math.MinInt64 {
				return math.MinInt64
			}
		}
		return int64(n.Float)
	default:
		return n.Int
	}
}

// AsUint64 converts n. Out of range values wrap, or clamp when saturating.
func (n Numeric) AsUint64(saturating bool) uint64 {
	switch n.Kind {
	case Integer:
		if saturating && n.Int < 0 {
			return 0
		}
		return uint64(n.Int)
	case Float:
		if n.Float <= 0 {
			return 0
		}
		if saturating && n.Float >= math.MaxUint64 {
			return math.MaxUint64
		}
		return uint64(n.Float)
	default:
		return n.Uint
	}
}

// AsFloat64 converts n
func (n Numeric) AsFloat64() float64 {
	switch n.Kind {
	case Integer:
		return float64(n.Int)
	case Unsigned:
		return float64(n.Uint)
	default:
		return n.Float
	}
}

func (n Numeric) String() string {
	switch n.Kind {
	case Integer:
		return strconv.FormatInt(n.Int, 10)
	case Unsigned:
		return strconv.FormatUint(n.Uint, 10)
	case Float:
		return strconv.FormatFloat(n.Float, 'g', -1, 64)
	default:
		return fmt.Sprintf("Numeric(%d)", n.Kind)
	}
}

// ParseNumeric parses "<n>", "<n>u" or a float. Plain integers are signed.
func ParseNumeric(s string) (Numeric, error) {
	if u, ok := cutSuffix(s, "u"); ok {
		v, err := strconv.ParseUint(u, 10, 64)
		return Uint(v), err
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(v), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Numeric{}, fmt.Errorf("invalid numeric %q", s)
	}
	return Float64(v), nil
}

func cutSuffix(s, suffix string) (string, bool) {
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return s, false
}

// Value is either a byte string or a Numeric
type Value struct {
	Bytes   []byte   `json:"bytes,omitempty"`
	Numeric *Numeric `json:"numeric,omitempty"`
}

func BytesValue(b []byte) Value     { return Value{Bytes: b} }
func NumericValue(n Numeric) Value { return Value{Numeric: &n} }

// IsNumeric reports whether the value is a counter
func (v Value) IsNumeric() bool {
	return v.Numeric != nil
}

func (v Value) String() string {
	if v.Numeric != nil {
		return v.Numeric.String()
	}
	return string(v.Bytes)
}

// --------------------------------------------------------------------------
// Arithmetic
// --------------------------------------------------------------------------

func increment(current, by Numeric, saturating bool) Numeric {
	switch by.Kind {
	case Integer:
		a, b := current.AsInt64(saturating), by.Int
		r := a + b
		if saturating {
			if b > 0 && r < a {
				r = math.MaxInt64
			} else if b < 0 && r > a {
				r = math.MinInt64
			}
		}
		return Int(r)
	case Unsigned:
		a, b := current.AsUint64(saturating), by.Uint
		r := a + b
		if saturating && r < a {
			r = math.MaxUint64
		}
		return Uint(r)
	default:
		return Float64(current.AsFloat64() + by.Float)
	}
}

func decrement(current, by Numeric, saturating bool) Numeric {
	switch by.Kind {
	case Integer:
		a, b := current.AsInt64(saturating), by.Int
		r := a - b
		if saturating {
			if b > 0 && r > a {
				r = math.MinInt64
			} else if b < 0 && r < a {
				r = math.MaxInt64
			}
		}
		return Int(r)
	case Unsigned:
		a, b := current.AsUint64(saturating), by.Uint
		if saturating && b > a {
			return Uint(0)
		}
		return Uint(a - b)
	default:
		return Float64(current.AsFloat64() - by.Float)
	}
}

// --------------------------------------------------------------------------
// Set options
// --------------------------------------------------------------------------

// KeyStatus is the effect of a write
type KeyStatus uint8

const (
	StatusNotChanged KeyStatus = iota
	StatusInserted
	StatusUpdated
	StatusDeleted
)

func (s KeyStatus) String() string {
	switch s {
	case StatusInserted:
		return "inserted"
	case StatusUpdated:
		return "updated"
	case StatusDeleted:
		return "deleted"
	default:
		return "not changed"
	}
}

// SetResult reports what Set did. Previous is only filled with ReturnPrevious.
type SetResult struct {
	Status   KeyStatus `json:"status"`
	Previous *Value    `json:"previous,omitempty"`
}

// KeyCheck makes a Set conditional
type KeyCheck uint8

const (
	CheckNone KeyCheck = iota
	CheckOnlyIfPresent
	CheckOnlyIfVacant
)

// SetOptions is the resolved form of a list of SetOption. It is exported so
// the rpc layer can carry it over the wire.
type SetOptions struct {
	TTL            time.Duration `json:"ttl,omitempty"`
	ExpiresAt      time.Time     `json:"expires_at,omitempty"`
	KeepExpiration bool          `json:"keep_expiration,omitempty"`
	Check          KeyCheck      `json:"check,omitempty"`
	ReturnPrevious bool          `json:"return_previous,omitempty"`
}

// SetOption configures a Set
type SetOption func(*SetOptions)

// WithTTL expires the entry ttl after the write
func WithTTL(ttl time.Duration) SetOption {
	return func(o *SetOptions) {
		o.TTL = ttl
		o.ExpiresAt = time.Time{}
	}
}

// WithExpiration expires the entry at t
func WithExpiration(t time.Time) SetOption {
	return func(o *SetOptions) {
		o.ExpiresAt = t
		o.TTL = 0
	}
}

// KeepExistingExpiration keeps the expiration of an existing entry
func KeepExistingExpiration() SetOption {
	return func(o *SetOptions) { o.KeepExpiration = true }
}

// OnlyIfVacant writes only if the key does not exist
func OnlyIfVacant() SetOption {
	return func(o *SetOptions) { o.Check = CheckOnlyIfVacant }
}

// OnlyIfPresent writes only if the key exists
func OnlyIfPresent() SetOption {
	return func(o *SetOptions) { o.Check = CheckOnlyIfPresent }
}

// ReturnPrevious fills SetResult.Previous
func ReturnPrevious() SetOption {
	return func(o *SetOptions) { o.ReturnPrevious = true }
}

// WithOptions applies resolved options as they are
func WithOptions(resolved SetOptions) SetOption {
	return func(o *SetOptions) { *o = resolved }
}

// ResolveSetOptions applies opts in order
func ResolveSetOptions(opts ...SetOption) SetOptions {
	var o SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
