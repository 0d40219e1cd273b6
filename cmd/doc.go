// Package cmd implements the command-line interface of dDoc. It provides a
// hierarchical command structure with operations for running the server and
// interacting with it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Start the server and host databases
//   - doc: Document, transaction and view operations
//   - kv: Key-value operations and the perf tool
//   - lock: Locking operations (acquire, release)
//   - backup: Save and load a database to and from a directory
//   - util: Shared flag and configuration helpers (internal use)
//
// Every flag can also be set as an environment variable DDOC_<FLAG> (for
// example DDOC_TRANSPORT_ENDPOINTS), optionally through a .env file.
// See ddoc -help for a list of all commands.
package cmd
