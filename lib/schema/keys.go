package schema

import (
	"encoding/binary"

	"github.com/ValentinKolb/dDoc/lib/dberr"
)

// Emitted keys are compared bytewise. The encoders below produce byte
// strings whose order matches the natural order of the encoded values.

const signBit = 1 << 63

// KeyString encodes s as-is
func KeyString(s string) []byte {
	return []byte(s)
}

// KeyUint64 encodes v big-endian
func KeyUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// KeyInt64 encodes v big-endian with the sign bit flipped so negative
// numbers sort before positive ones
func KeyInt64(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v)^signBit)
}

// DecodeKeyUint64 reverses KeyUint64
func DecodeKeyUint64(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, dberr.Newf(dberr.CodeValueType, "expected 8 byte key, got %d bytes", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

// DecodeKeyInt64 reverses KeyInt64
func DecodeKeyInt64(key []byte) (int64, error) {
	u, err := DecodeKeyUint64(key)
	if err != nil {
		return 0, err
	}
	return int64(u ^ signBit), nil
}

// KeyTuple concatenates parts so that tuples sort component by component.
// Every part is escaped (0x00 -> 0x00 0xFF) and terminated by 0x00 0x01, so
// KeyTuple(a) is a prefix of every KeyTuple(a, ...).
func KeyTuple(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p) + 2
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		for _, b := range p {
			if b == 0x00 {
				out = append(out, 0x00, 0xFF)
				continue
			}
			out = append(out, b)
		}
		out = append(out, 0x00, 0x01)
	}
	return out
}

// SplitKeyTuple reverses KeyTuple
func SplitKeyTuple(key []byte) ([][]byte, error) {
	var parts [][]byte
	var current []byte
	for i := 0; i < len(key); i++ {
		if key[i] != 0x00 {
			current = append(current, key[i])
			continue
		}
		if i+1 >= len(key) {
			return nil, dberr.New(dberr.CodeValueType, "truncated tuple key")
		}
		i++
		switch key[i] {
		case 0xFF:
			current = append(current, 0x00)
		case 0x01:
			parts = append(parts, current)
			current = nil
		default:
			return nil, dberr.Newf(dberr.CodeValueType, "invalid escape 0x%02x in tuple key", key[i])
		}
	}
	if current != nil {
		return nil, dberr.New(dberr.CodeValueType, "unterminated tuple key component")
	}
	return parts, nil
}

// --------------------------------------------------------------------------
// Values
// --------------------------------------------------------------------------

// EncodeInt64 encodes an emitted numeric value
func EncodeInt64(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

// DecodeInt64 reverses EncodeInt64
func DecodeInt64(value []byte) (int64, error) {
	if len(value) != 8 {
		return 0, dberr.Newf(dberr.CodeValueType, "expected 8 byte integer, got %d bytes", len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}
