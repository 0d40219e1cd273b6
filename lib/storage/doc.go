// Package storage implements the dDoc document database on top of a
// keyspace.KeySpace.
//
// A Storage owns the open databases of a process. Every database is described
// by a frozen schema.Schema and keeps all of its state in one keyspace:
//
//   - collection::<name>         document records by id
//   - view::<name>::entries      index entries, ordered by (key, document id)
//   - view::<name>::documents    the keys each document emitted
//   - view::<name>::errors       map errors by document id
//   - transactions               the transaction log by id
//   - meta                       id sequences, last transaction, view versions
//   - kv                         the key-value store (package kv)
//
// Transactions:
//
// Writers are serialized per database. Commit validates the staged operations
// against a snapshot, assigns the next transaction id and writes the
// documents, the log record and the index changes of all eager views in one
// atomic keyspace batch. Ids are therefore gap free: aborted transactions do
// not consume one.
//
// Views:
//
// Eager views are always caught up. Eventual views are indexed by one
// background worker per view, which applies the transaction log after the
// view's watermark. A query with ConsistencyStrict waits until the watermark
// reaches the last transaction committed before the query started; the wait
// is bounded by the caller's context and fails with dberr.ErrTimeout.
//
// A view whose stored version differs from the schema, or whose index is
// missing, is rebuilt from scratch. Eager views are rebuilt before Create
// returns, eventual views by their worker.
//
// Change notification:
//
// After each commit the Notifier publishes one event per changed document and
// one per view key whose entries changed. Subscribers receive events on a
// buffered channel; events for a full channel are dropped and counted.
package storage
