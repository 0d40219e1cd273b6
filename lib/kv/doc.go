// Package kv provides the key-value store every database carries next to its
// documents.
//
// Keys live in namespaces; the stored key is namespace + 0x00 + key. A value
// is either a byte string or a Numeric (signed, unsigned or float), and
// Increment / Decrement work on numerics only. Each operation is atomic on its
// own and written to the database's keyspace as one batch, so it is as
// durable as the keyspace engine.
//
// Entries may carry an expiration. Reads never return an expired entry; the
// sweeper goroutine removes them in the background every SweepInterval.
// Expirations survive a restart: Open schedules them again.
//
// Usage:
//
//	store, err := kv.Open(ks, nil)
//	res, err := store.Set(ctx, "sessions", "abc", kv.BytesValue(token),
//		kv.WithTTL(time.Minute), kv.OnlyIfVacant())
//	n, err := store.Increment(ctx, "counters", "visits", kv.Uint(1), true)
package kv
