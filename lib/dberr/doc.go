// Package dberr defines the error type shared by all dDoc components.
//
// Every error carries a Code. Codes are part of the wire protocol: the RPC
// server sends the code of a failed request along with its message and the
// client rebuilds an equivalent *Error, so errors.Is behaves the same for
// local and remote databases.
//
// Commit failures wrap their cause. A transaction that fails validation
// because of a stale revision is both ErrTransactionAborted and
// ErrRevisionMismatch:
//
//	_, err := tx.Commit(ctx)
//	errors.Is(err, dberr.ErrTransactionAborted) // true
//	errors.Is(err, dberr.ErrRevisionMismatch)   // true
package dberr
