// Package document defines documents, headers and revisions.
//
// A Revision pairs a monotonically increasing sequence number with the
// blake2b-256 digest of the contents. Two revisions are equal when both
// fields are equal; the database compares the revision supplied by a caller
// with the stored one to detect lost updates.
//
// Documents are persisted with a compact hand-written binary record (see
// Document.Serialize) so the storage layer never depends on the codec the
// application chose for its contents.
package document
