package internal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/document"
)

var ErrMalformedRecord = errors.New("malformed record")

const txRecordVersion = 1

// --------------------------------------------------------------------------
// Transaction record
// --------------------------------------------------------------------------

// ChangeRecord is one document touched by a transaction
type ChangeRecord struct {
	Collection string
	ID         uint64
	Revision   document.Revision
	Deleted    bool
}

// TxRecord is the stored commit record of a transaction
type TxRecord struct {
	ID        uint64
	Timestamp int64 // unix nanoseconds
	Changes   []ChangeRecord
}

// Serialize encodes the record:
//
//	version(1) | id(8) | timestamp(8) | count(4) |
//	count x [ len(2) | collection | id(8) | sequence(4) | hash(32) | deleted(1) ]
func (r *TxRecord) Serialize() []byte {
	size := 1 + 8 + 8 + 4
	for _, c := range r.Changes {
		size += 2 + len(c.Collection) + 8 + 4 + document.HashSize + 1
	}

	buf := make([]byte, 0, size)
	buf = append(buf, txRecordVersion)
	buf = binary.BigEndian.AppendUint64(buf, r.ID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Timestamp))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Changes)))
	for _, c := range r.Changes {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Collection)))
		buf = append(buf, c.Collection...)
		buf = binary.BigEndian.AppendUint64(buf, c.ID)
		buf = binary.BigEndian.AppendUint32(buf, c.Revision.Sequence)
		buf = append(buf, c.Revision.ContentHash[:]...)
		if c.Deleted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// Deserialize decodes a record written by Serialize
func (r *TxRecord) Deserialize(data []byte) error {
	rd := reader{data: data}

	if v := rd.u8(); v != txRecordVersion && rd.err == nil {
		return fmt.Errorf("%w: unknown transaction record version %d", ErrMalformedRecord, v)
	}
	r.ID = rd.u64()
	r.Timestamp = int64(rd.u64())
	count := rd.u32()
	if rd.err != nil {
		return rd.err
	}

	r.Changes = make([]ChangeRecord, 0, min(int(count), len(data)))
	for i := uint32(0); i < count && rd.err == nil; i++ {
		var c ChangeRecord
		c.Collection = string(rd.bytes(int(rd.u16())))
		c.ID = rd.u64()
		c.Revision.Sequence = rd.u32()
		copy(c.Revision.ContentHash[:], rd.bytes(document.HashSize))
		c.Deleted = rd.u8() == 1
		r.Changes = append(r.Changes, c)
	}
	return rd.finish()
}

// --------------------------------------------------------------------------
// Emitted keys record
// --------------------------------------------------------------------------

// SerializeKeys encodes the keys a document emitted into a view:
//
//	count(4) | count x [ len(4) | key ]
func SerializeKeys(keys [][]byte) []byte {
	size := 4
	for _, k := range keys {
		size += 4 + len(k)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
	}
	return buf
}

// DeserializeKeys reverses SerializeKeys
func DeserializeKeys(data []byte) ([][]byte, error) {
	rd := reader{data: data}
	count := rd.u32()
	if rd.err != nil {
		return nil, rd.err
	}
	keys := make([][]byte, 0, min(int(count), len(data)))
	for i := uint32(0); i < count && rd.err == nil; i++ {
		k := rd.bytes(int(rd.u32()))
		keys = append(keys, append([]byte(nil), k...))
	}
	if err := rd.finish(); err != nil {
		return nil, err
	}
	return keys, nil
}

// --------------------------------------------------------------------------
// reader
// --------------------------------------------------------------------------

// reader consumes a byte slice and remembers the first out-of-bounds read
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedRecord, n, r.pos, len(r.data)-r.pos)
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// finish reports read errors and trailing garbage
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedRecord, len(r.data)-r.pos)
	}
	return nil
}
