package internal

import (
	"encoding/binary"
	"strings"
)

// --------------------------------------------------------------------------
// Tree names
// --------------------------------------------------------------------------

const (
	// TreeTransactions maps transaction id -> transaction record
	TreeTransactions = "transactions"
	// TreeMeta holds sequences, watermarks and view versions
	TreeMeta = "meta"

	collectionPrefix = "collection::"
	viewPrefix       = "view::"
)

// CollectionTree maps document id -> document record
func CollectionTree(collection string) string {
	return collectionPrefix + collection
}

// ViewEntriesTree maps EntryKey(emitted key, document id) -> emitted value
func ViewEntriesTree(view string) string {
	return viewPrefix + view + "::entries"
}

// ViewDocumentsTree maps document id -> keys emitted for the document
func ViewDocumentsTree(view string) string {
	return viewPrefix + view + "::documents"
}

// ViewErrorsTree maps document id -> map error message
func ViewErrorsTree(view string) string {
	return viewPrefix + view + "::errors"
}

// IsViewTree reports whether tree belongs to a view
func IsViewTree(tree string) bool {
	return strings.HasPrefix(tree, viewPrefix)
}

// --------------------------------------------------------------------------
// Meta keys
// --------------------------------------------------------------------------

// MetaLastTransaction holds the id of the last committed transaction
var MetaLastTransaction = []byte("last-transaction")

// MetaSequence holds the highest document id ever used in a collection
func MetaSequence(collection string) []byte {
	return []byte("sequence::" + collection)
}

// MetaViewVersion holds the version the stored index was built with
func MetaViewVersion(view string) []byte {
	return []byte("view-version::" + view)
}

// MetaViewIndexed holds the last transaction id applied to the view
func MetaViewIndexed(view string) []byte {
	return []byte("view-indexed::" + view)
}

// --------------------------------------------------------------------------
// Integer keys / values
// --------------------------------------------------------------------------

// U64 encodes v big-endian
func U64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// ParseU64 reverses U64
func ParseU64(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}
