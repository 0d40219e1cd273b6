// Package keyspace defines the storage contract dDoc is built on: an ordered
// byte-key store partitioned into named trees with atomic multi-tree batches
// and point-in-time snapshots.
//
// Key Components:
//
//   - KeySpace Interface: opens trees, applies atomic batches (Write), hands out
//     snapshots and reports engine information. Every higher layer of dDoc
//     (documents, view indexes, the transaction log, the key-value store) is
//     expressed as keys in trees of a single keyspace, so one Write can update
//     all of them together.
//
//   - Snapshot / Iterator: a consistent read view. Range scans are lazy and may
//     run in either direction.
//
//   - Factory: a function that opens a keyspace by name. It injects the engine
//     into the storage layer the same way a DB factory injects a database into a store.
//
// Implementations:
//
//	- badger (lib/keyspace/engines/badger): durable engine on top of
//	  github.com/dgraph-io/badger/v4. Trees are key prefixes, writes are
//	  synced before Write returns and snapshots are read-only transactions.
//
//	- memory (lib/keyspace/engines/memory): volatile engine on top of
//	  github.com/google/btree. Snapshots are copy-on-write clones, which makes
//	  them cheap enough for tests and ephemeral databases.
//
// Every engine is verified with the shared suite in lib/keyspace/testing.
package keyspace
