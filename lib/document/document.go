package document

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Header identifies a stored document version.
type Header struct {
	ID       uint64   `json:"id" bson:"id"`
	Revision Revision `json:"revision" bson:"revision"`
}

// Document is the unit of storage inside a collection.
//
// Deleted documents are kept as tombstones: Deleted is set, Contents and
// Attachments are empty and the Revision is the one the document had when it
// was deleted.
type Document struct {
	Header
	Contents    []byte            `json:"contents" bson:"contents"`
	Attachments map[string][]byte `json:"attachments,omitempty" bson:"attachments,omitempty"`
	Deleted     bool              `json:"deleted,omitempty" bson:"deleted,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := &Document{
		Header:   d.Header,
		Deleted:  d.Deleted,
		Contents: append([]byte(nil), d.Contents...),
	}
	if len(d.Attachments) > 0 {
		c.Attachments = make(map[string][]byte, len(d.Attachments))
		for name, data := range d.Attachments {
			c.Attachments[name] = append([]byte(nil), data...)
		}
	}
	return c
}

// --------------------------------------------------------------------------
// Record encoding
// --------------------------------------------------------------------------

const (
	recordVersion = 1

	flagDeleted = 1 << 0

	// version + flags + id + sequence + hash + contents length + attachment count
	recordHeaderSize = 1 + 1 + 8 + 4 + HashSize + 4 + 2
)

// SizeBytes returns the exact number of bytes needed to serialize the document.
func (d *Document) SizeBytes() int {
	size := recordHeaderSize + len(d.Contents)
	for name, data := range d.Attachments {
		size += 2 + len(name) + 4 + len(data)
	}
	return size
}

// Serialize encodes the document with the format:
// 1 byte record version,
// 1 byte flags,
// 8 bytes id (big endian),
// 4 bytes revision sequence (big endian),
// 32 bytes content hash,
// 4 bytes contents length + N bytes contents,
// 2 bytes attachment count followed by
// (2 bytes name length, name, 4 bytes data length, data) per attachment, sorted by name.
func (d *Document) Serialize() []byte {
	result := make([]byte, d.SizeBytes())

	result[0] = recordVersion
	if d.Deleted {
		result[1] |= flagDeleted
	}
	binary.BigEndian.PutUint64(result[2:10], d.ID)
	binary.BigEndian.PutUint32(result[10:14], d.Revision.Sequence)
	copy(result[14:14+HashSize], d.Revision.ContentHash[:])

	pos := 14 + HashSize
	binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(d.Contents)))
	pos += 4
	pos += copy(result[pos:], d.Contents)

	names := make([]string, 0, len(d.Attachments))
	for name := range d.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)

	binary.BigEndian.PutUint16(result[pos:pos+2], uint16(len(names)))
	pos += 2
	for _, name := range names {
		data := d.Attachments[name]
		binary.BigEndian.PutUint16(result[pos:pos+2], uint16(len(name)))
		pos += 2
		pos += copy(result[pos:], name)
		binary.BigEndian.PutUint32(result[pos:pos+4], uint32(len(data)))
		pos += 4
		pos += copy(result[pos:], data)
	}

	return result
}

// Deserialize decodes a document produced by Serialize.
// The decoded document does not share memory with data.
func (d *Document) Deserialize(data []byte) error {
	if len(data) < recordHeaderSize {
		return fmt.Errorf("data too short for document record (%d bytes)", len(data))
	}
	if data[0] != recordVersion {
		return fmt.Errorf("unknown document record version %d", data[0])
	}

	d.Deleted = data[1]&flagDeleted != 0
	d.ID = binary.BigEndian.Uint64(data[2:10])
	d.Revision.Sequence = binary.BigEndian.Uint32(data[10:14])
	copy(d.Revision.ContentHash[:], data[14:14+HashSize])

	pos := 14 + HashSize
	contentsLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if pos+contentsLen+2 > len(data) {
		return fmt.Errorf("document record truncated: contents length %d", contentsLen)
	}
	d.Contents = append(make([]byte, 0, contentsLen), data[pos:pos+contentsLen]...)
	pos += contentsLen

	count := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	d.Attachments = nil
	for i := 0; i < count; i++ {
		if pos+2 > len(data) {
			return fmt.Errorf("document record truncated in attachment %d", i)
		}
		nameLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
		pos += 2
		if pos+nameLen+4 > len(data) {
			return fmt.Errorf("document record truncated in attachment %d", i)
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen
		dataLen := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+dataLen > len(data) {
			return fmt.Errorf("document record truncated in attachment %q", name)
		}
		if d.Attachments == nil {
			d.Attachments = make(map[string][]byte, count)
		}
		d.Attachments[name] = append([]byte(nil), data[pos:pos+dataLen]...)
		pos += dataLen
	}

	if pos != len(data) {
		return fmt.Errorf("document record has %d trailing bytes", len(data)-pos)
	}
	return nil
}
