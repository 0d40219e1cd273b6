package internal

import (
	"encoding/binary"
	"errors"
)

// Index entries are stored under escape(emitted key) ++ 0x00 0x01 ++ docID.
// escape maps 0x00 to 0x00 0xFF, so the byte order of the stored keys is
// the (emitted key, document id) order and a raw key prefix maps to an
// escaped prefix.

var ErrMalformedEntryKey = errors.New("malformed index entry key")

var keyTerminator = []byte{0x00, 0x01}

// escape appends the escaped form of key to dst
func escape(dst, key []byte) []byte {
	for _, b := range key {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

// EntryKey builds the stored key of an index entry
func EntryKey(key []byte, docID uint64) []byte {
	out := make([]byte, 0, len(key)+len(keyTerminator)+8)
	out = escape(out, key)
	out = append(out, keyTerminator...)
	return binary.BigEndian.AppendUint64(out, docID)
}

// ExactKeyPrefix is the stored prefix of all entries emitted under key
func ExactKeyPrefix(key []byte) []byte {
	out := escape(make([]byte, 0, len(key)+len(keyTerminator)), key)
	return append(out, keyTerminator...)
}

// KeyPrefix is the stored prefix of all entries whose key starts with prefix
func KeyPrefix(prefix []byte) []byte {
	return escape(make([]byte, 0, len(prefix)), prefix)
}

// KeyBound maps a raw range bound onto the stored key space. A raw bound b
// maps to escape(b): every stored entry of a key k >= b sorts at or after it
// and every stored entry of a key k < b sorts before it.
func KeyBound(bound []byte) []byte {
	if bound == nil {
		return nil
	}
	return escape(make([]byte, 0, len(bound)), bound)
}

// ParseEntryKey splits a stored key into emitted key and document id
func ParseEntryKey(stored []byte) ([]byte, uint64, error) {
	if len(stored) < len(keyTerminator)+8 {
		return nil, 0, ErrMalformedEntryKey
	}
	body, id := stored[:len(stored)-8], stored[len(stored)-8:]

	key := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		if body[i] != 0x00 {
			key = append(key, body[i])
			continue
		}
		if i+1 >= len(body) {
			return nil, 0, ErrMalformedEntryKey
		}
		i++
		switch body[i] {
		case 0xFF:
			key = append(key, 0x00)
		case 0x01:
			if i != len(body)-1 {
				return nil, 0, ErrMalformedEntryKey
			}
			return key, binary.BigEndian.Uint64(id), nil
		default:
			return nil, 0, ErrMalformedEntryKey
		}
	}
	return nil, 0, ErrMalformedEntryKey
}
