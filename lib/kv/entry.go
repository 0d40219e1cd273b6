package kv

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/dberr"
)

// entry record layout:
//
//	[0]      value kind (0 bytes, else NumericKind)
//	[1:9]    expiration in unix nanoseconds, 0 = never
//	[9:17]   last update in unix nanoseconds
//	[17:]    payload (raw bytes or 8 byte big endian number)
const entryHeader = 17

type entry struct {
	value       Value
	expiresAt   int64
	lastUpdated int64
}

func (e *entry) expired(now int64) bool {
	return e.expiresAt != 0 && e.expiresAt <= now
}

func encodeEntry(e *entry) []byte {
	var payload []byte
	kind := byte(0)
	if n := e.value.Numeric; n != nil {
		kind = byte(n.Kind)
		payload = make([]byte, 8)
		switch n.Kind {
		case Integer:
			binary.BigEndian.PutUint64(payload, uint64(n.Int))
		case Unsigned:
			binary.BigEndian.PutUint64(payload, n.Uint)
		case Float:
			binary.BigEndian.PutUint64(payload, math.Float64bits(n.Float))
		}
	} else {
		payload = e.value.Bytes
	}

	buf := make([]byte, entryHeader+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint64(buf[1:9], uint64(e.expiresAt))
	binary.BigEndian.PutUint64(buf[9:17], uint64(e.lastUpdated))
	copy(buf[entryHeader:], payload)
	return buf
}

func decodeEntry(raw []byte) (*entry, error) {
	if len(raw) < entryHeader {
		return nil, dberr.Newf(dberr.CodeInternal, "kv entry too short (%d bytes)", len(raw))
	}
	e := &entry{
		expiresAt:   int64(binary.BigEndian.Uint64(raw[1:9])),
		lastUpdated: int64(binary.BigEndian.Uint64(raw[9:17])),
	}
	payload := raw[entryHeader:]

	kind := NumericKind(raw[0])
	if kind == 0 {
		e.value = BytesValue(bytes.Clone(payload))
		return e, nil
	}
	if len(payload) != 8 {
		return nil, dberr.Newf(dberr.CodeInternal, "kv numeric entry has %d payload bytes", len(payload))
	}
	bits := binary.BigEndian.Uint64(payload)
	switch kind {
	case Integer:
		e.value = NumericValue(Int(int64(bits)))
	case Unsigned:
		e.value = NumericValue(Uint(bits))
	case Float:
		e.value = NumericValue(Float64(math.Float64frombits(bits)))
	default:
		return nil, dberr.Newf(dberr.CodeInternal, "kv entry has unknown kind %d", kind)
	}
	return e, nil
}

// fullKey joins namespace and key with a 0x00 separator
func fullKey(namespace, key string) ([]byte, error) {
	if key == "" {
		return nil, dberr.New(dberr.CodeInvalidOperation, "empty key")
	}
	if strings.IndexByte(namespace, 0) >= 0 {
		return nil, dberr.New(dberr.CodeInvalidOperation, "namespace must not contain 0x00")
	}
	k := make([]byte, 0, len(namespace)+1+len(key))
	k = append(k, namespace...)
	k = append(k, 0)
	k = append(k, key...)
	return k, nil
}

func valuesEqual(a, b Value) bool {
	if a.Numeric != nil || b.Numeric != nil {
		return a.Numeric != nil && b.Numeric != nil && *a.Numeric == *b.Numeric
	}
	return bytes.Equal(a.Bytes, b.Bytes)
}

func validateValue(v Value) error {
	if v.Numeric != nil {
		if v.Bytes != nil {
			return dberr.New(dberr.CodeInvalidOperation, "value is both bytes and numeric")
		}
		return v.Numeric.Validate()
	}
	return nil
}
