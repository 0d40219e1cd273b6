package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/keyspace/engines/memory"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage/internal"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Fixtures
// --------------------------------------------------------------------------

type order struct {
	Owner  string `json:"owner"`
	Amount int64  `json:"amount"`
}

var orders = schema.TypedCollection[order]{Name: "orders", Codec: schema.JSONCodec[order]{}}

// byOwner emits (owner, amount) and sums the amounts. Orders without owner
// fail to map.
func byOwner(policy schema.Policy) schema.View {
	return schema.View{
		Name:       "by-owner",
		Collection: "orders",
		Version:    1,
		Policy:     policy,
		Map: schema.TypedMapper[order]{
			Codec: schema.JSONCodec[order]{},
			Fn: func(_ uint64, o order) ([]schema.Mapping, error) {
				if o.Owner == "" {
					return nil, errors.New("order has no owner")
				}
				return []schema.Mapping{schema.Emit(schema.KeyString(o.Owner), schema.EncodeInt64(o.Amount))}, nil
			},
		},
		Reduce: schema.SumInt64,
	}
}

func shopSchema(t require.TestingT, views ...schema.View) *schema.Schema {
	s := schema.New("shop")
	require.NoError(t, orders.Define(s))
	_, err := s.DefineCollection("customers")
	require.NoError(t, err)
	for _, v := range views {
		require.NoError(t, s.DefineView(v))
	}
	return s
}

func openStorage(t testing.TB, cfg Config) *Storage {
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openShop(t testing.TB, views ...schema.View) *Database {
	db, err := openStorage(t, DefaultConfig()).Create(context.Background(), shopSchema(t, views...))
	require.NoError(t, err)
	return db
}

func encodeOrder(t testing.TB, owner string, amount int64) []byte {
	data, err := orders.Encode(order{Owner: owner, Amount: amount})
	require.NoError(t, err)
	return data
}

func insertOrder(t testing.TB, db *Database, owner string, amount int64) document.Header {
	c, err := db.Collection("orders")
	require.NoError(t, err)
	h, err := c.Insert(context.Background(), encodeOrder(t, owner, amount))
	require.NoError(t, err)
	return h
}

func withTimeout(t testing.TB, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// faultyKeySpace fails every write while fail is set
type faultyKeySpace struct {
	keyspace.KeySpace
	fail atomic.Bool
}

func (f *faultyKeySpace) Write(batch []keyspace.Operation) error {
	if f.fail.Load() {
		return errors.New("injected write failure")
	}
	return f.KeySpace.Write(batch)
}

// boundedKeySpace rejects batches larger than limit (0 = no limit) and
// records the largest batch it applied
type boundedKeySpace struct {
	keyspace.KeySpace
	limit   atomic.Int64
	largest atomic.Int64
}

func (b *boundedKeySpace) Write(batch []keyspace.Operation) error {
	n := int64(len(batch))
	if limit := b.limit.Load(); limit > 0 && n > limit {
		return fmt.Errorf("%w: %d operations", keyspace.ErrBatchTooLarge, n)
	}
	if n > b.largest.Load() {
		b.largest.Store(n)
	}
	return b.KeySpace.Write(batch)
}

// --------------------------------------------------------------------------
// Document repository
// --------------------------------------------------------------------------

func TestRevisionLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openShop(t)
	c, err := db.Collection("orders")
	require.NoError(t, err)

	v1 := []byte(`{"owner":"a","amount":1}`)
	v2 := []byte(`{"owner":"a","amount":2}`)

	h, err := c.Insert(ctx, v1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), h.ID)
	require.Equal(t, document.NewRevision(v1), h.Revision)
	require.Equal(t, uint32(0), h.Revision.Sequence)

	rev2, err := c.Update(ctx, h.ID, h.Revision, v2)
	require.NoError(t, err)
	require.Equal(t, uint32(1), rev2.Sequence)
	require.Equal(t, document.HashContents(v2), rev2.ContentHash)

	// the first revision is stale now
	_, err = c.Update(ctx, h.ID, h.Revision, []byte(`{"owner":"a","amount":3}`))
	require.ErrorIs(t, err, dberr.ErrRevisionMismatch)

	doc, err := c.Get(ctx, h.ID)
	require.NoError(t, err)
	require.Equal(t, v2, doc.Contents)
	require.Equal(t, rev2, doc.Revision)

	require.ErrorIs(t, c.Delete(ctx, h.ID, h.Revision), dberr.ErrRevisionMismatch)
	require.NoError(t, c.Delete(ctx, h.ID, rev2))

	_, err = c.Get(ctx, h.ID)
	require.ErrorIs(t, err, dberr.ErrNotFound)
	_, err = c.Update(ctx, h.ID, rev2, v1)
	require.ErrorIs(t, err, dberr.ErrNotFound)

	// re-inserting over the tombstone continues the sequence
	h2, err := c.InsertWithID(ctx, h.ID, v1)
	require.NoError(t, err)
	require.Equal(t, uint32(2), h2.Revision.Sequence)
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	db := openShop(t, byOwner(schema.PolicyEager))
	h := insertOrder(t, db, "a", 0)
	c, err := db.Collection("orders")
	require.NoError(t, err)

	const writers = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		errs      = make(chan error, writers)
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		contents := encodeOrder(t, "a", int64(i+1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := c.Update(ctx, h.ID, h.Revision, contents); err != nil {
				errs <- err
				return
			}
			succeeded.Add(1)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	require.Equal(t, int64(1), succeeded.Load())
	failed := 0
	for err := range errs {
		require.ErrorIs(t, err, dberr.ErrRevisionMismatch)
		failed++
	}
	require.Equal(t, writers-1, failed)

	doc, err := c.Get(ctx, h.ID)
	require.NoError(t, err)
	require.Equal(t, uint32(1), doc.Revision.Sequence)

	last, err := db.LastTransactionID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	// the index holds exactly the winning amount
	sum, err := db.ReduceView(ctx, "by-owner", Query{})
	require.NoError(t, err)
	o, err := orders.Decode(doc)
	require.NoError(t, err)
	require.Equal(t, o.Amount, decodeSum(t, sum))
}

func TestExhaustedRevisionIsRejected(t *testing.T) {
	ctx := context.Background()
	db := openShop(t)
	c, err := db.Collection("orders")
	require.NoError(t, err)

	contents := encodeOrder(t, "a", 1)
	doc := &document.Document{
		Header:   document.Header{ID: 1, Revision: document.Revision{Sequence: math.MaxUint32, ContentHash: document.HashContents(contents)}},
		Contents: contents,
	}
	require.NoError(t, db.ks.Write([]keyspace.Operation{
		keyspace.Put(internal.CollectionTree("orders"), internal.U64(1), doc.Serialize()),
	}))

	_, err = c.Update(ctx, 1, doc.Revision, encodeOrder(t, "a", 2))
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)
	_, err = c.Overwrite(ctx, 1, contents)
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)

	stored, err := c.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, doc.Revision, stored.Revision)
}

func TestInsertConflict(t *testing.T) {
	ctx := context.Background()
	db := openShop(t)
	c, err := db.Collection("orders")
	require.NoError(t, err)

	_, err = c.InsertWithID(ctx, 7, []byte("x"))
	require.NoError(t, err)
	_, err = c.InsertWithID(ctx, 7, []byte("y"))
	require.ErrorIs(t, err, dberr.ErrDocumentConflict)

	// explicit ids move the sequence
	h, err := c.Insert(ctx, []byte("z"))
	require.NoError(t, err)
	require.Equal(t, uint64(8), h.ID)

	_, err = c.InsertWithID(ctx, 0, []byte("z"))
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)

	h, err = c.Overwrite(ctx, 7, []byte("w"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), h.Revision.Sequence)
}

func TestListAndCount(t *testing.T) {
	ctx := context.Background()
	db := openShop(t)
	c, err := db.Collection("orders")
	require.NoError(t, err)

	var headers []document.Header
	for i := 0; i < 5; i++ {
		headers = append(headers, insertOrder(t, db, "a", int64(i)))
	}
	require.NoError(t, c.Delete(ctx, headers[1].ID, headers[1].Revision))

	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	docs, err := c.List(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, []uint64{1, 3}, []uint64{docs[0].ID, docs[1].ID})

	docs, err = c.List(ctx, 4, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	docs, err = c.GetMultiple(ctx, 1, 2, 3, 42)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), stats.Documents)
	require.Equal(t, int64(1), stats.Tombstones)
	require.Positive(t, stats.TotalBytes)

	dropped, err := c.Compact(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
	stats, err = c.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Tombstones)
}

func TestAttachments(t *testing.T) {
	ctx := context.Background()
	db := openShop(t)
	c, err := db.Collection("orders")
	require.NoError(t, err)

	h, err := c.InsertWithAttachments(ctx, []byte("{}"), map[string][]byte{"invoice.pdf": []byte("%PDF")})
	require.NoError(t, err)

	// update without attachments keeps them
	_, err = c.Update(ctx, h.ID, h.Revision, []byte(`{"owner":"b"}`))
	require.NoError(t, err)
	doc, err := c.Get(ctx, h.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF"), doc.Attachments["invoice.pdf"])
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

func TestTransactionAtomicity(t *testing.T) {
	ctx := context.Background()
	db := openShop(t, byOwner(schema.PolicyEager))
	h := insertOrder(t, db, "a", 10)

	tx := db.Begin()
	require.NoError(t, tx.Insert("orders", encodeOrder(t, "b", 20)))
	require.NoError(t, tx.Insert("customers", []byte(`{"name":"b"}`)))
	require.NoError(t, tx.Update("orders", h.ID, document.Revision{Sequence: 9}, encodeOrder(t, "a", 11)))

	_, err := tx.Commit(ctx)
	require.ErrorIs(t, err, dberr.ErrTransactionAborted)
	require.ErrorIs(t, err, dberr.ErrRevisionMismatch)
	require.Equal(t, StateAborted, tx.State())

	last, err := db.LastTransactionID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)

	for _, name := range []string{"orders", "customers"} {
		c, err := db.Collection(name)
		require.NoError(t, err)
		n, err := c.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, map[string]int{"orders": 1, "customers": 0}[name], n, name)
	}
	res, err := db.QueryView(ctx, "by-owner", Query{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)

	// an aborted transaction cannot be reused
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)
}

func TestTransactionMultipleOperations(t *testing.T) {
	ctx := context.Background()
	db := openShop(t, byOwner(schema.PolicyEager))

	tx := db.Begin()
	require.NoError(t, tx.Insert("orders", encodeOrder(t, "a", 1)))
	require.NoError(t, tx.Insert("orders", encodeOrder(t, "a", 2)))
	require.NoError(t, tx.Overwrite("customers", 5, []byte(`{"name":"a"}`)))
	executed, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, tx.State())

	require.Equal(t, uint64(1), executed.ID)
	require.Len(t, executed.Results, 3)
	require.Equal(t, uint64(1), executed.Results[0].ID)
	require.Equal(t, uint64(2), executed.Results[1].ID)
	require.Equal(t, []ChangedDocument{
		{Collection: "customers", ID: 5, Revision: executed.Results[2].Revision},
		{Collection: "orders", ID: 1, Revision: executed.Results[0].Revision},
		{Collection: "orders", ID: 2, Revision: executed.Results[1].Revision},
	}, executed.Changes)

	sum, err := db.ReduceView(ctx, "by-owner", Query{Key: schema.KeyString("a")})
	require.NoError(t, err)
	n, err := schema.DecodeInt64(sum)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestTransactionIDsAreGapFree(t *testing.T) {
	ctx := context.Background()
	db := openShop(t)
	c, err := db.Collection("orders")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		h := insertOrder(t, db, "a", int64(i))
		// a failing transaction between two commits
		_, err := c.Update(ctx, h.ID, document.Revision{Sequence: 42}, []byte("{}"))
		require.Error(t, err)
	}

	executed, err := db.ListExecutedTransactions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, executed, 4)
	for i, e := range executed {
		require.Equal(t, uint64(i+1), e.ID)
		require.Len(t, e.Changes, 1)
	}

	executed, err = db.ListExecutedTransactions(ctx, 3, 1)
	require.NoError(t, err)
	require.Len(t, executed, 1)
	require.Equal(t, uint64(3), executed[0].ID)
}

func TestTransactionValidation(t *testing.T) {
	ctx := context.Background()
	db := openShop(t)

	tx := db.Begin()
	require.ErrorIs(t, tx.Insert("missing", nil), dberr.ErrNotFound)
	_, err := tx.Commit(ctx)
	require.ErrorIs(t, err, dberr.ErrInvalidOperation, "empty transaction")

	tx = db.Begin()
	require.NoError(t, tx.Insert("orders", nil))
	tx.Abort()
	require.Equal(t, StateAborted, tx.State())
	require.ErrorIs(t, tx.Insert("orders", nil), dberr.ErrInvalidOperation)

	tx = db.Begin()
	require.ErrorIs(t, tx.Overwrite("orders", 0, []byte("x")), dberr.ErrInvalidOperation)
	require.ErrorIs(t, tx.Update("orders", 0, document.Revision{}, []byte("x")), dberr.ErrInvalidOperation)
	require.ErrorIs(t, tx.Delete("orders", 0, document.Revision{}), dberr.ErrInvalidOperation)
	_, err = db.ApplyTransaction(ctx, []Operation{{Kind: OpOverwrite, Collection: "orders", Contents: []byte("x")}})
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)
	c, err := db.Collection("orders")
	require.NoError(t, err)
	_, err = c.Get(ctx, 0)
	require.ErrorIs(t, err, dberr.ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	tx = db.Begin()
	require.NoError(t, tx.Insert("orders", nil))
	_, err = tx.Commit(cancelled)
	require.ErrorIs(t, err, dberr.ErrTransactionAborted)
}

// --------------------------------------------------------------------------
// Storage lifecycle
// --------------------------------------------------------------------------

func TestStorageFailureMarksDatabaseSuspect(t *testing.T) {
	ctx := context.Background()
	faulty := &faultyKeySpace{KeySpace: memory.NewMemoryKeySpace("shop")}
	cfg := DefaultConfig()
	cfg.Factory = func(string) (keyspace.KeySpace, error) { return faulty, nil }

	db, err := openStorage(t, cfg).Create(ctx, shopSchema(t))
	require.NoError(t, err)
	insertOrder(t, db, "a", 1)

	faulty.fail.Store(true)
	c, err := db.Collection("orders")
	require.NoError(t, err)
	_, err = c.Insert(ctx, []byte("{}"))
	require.ErrorIs(t, err, dberr.ErrStorageIO)

	// writes stay rejected after the keyspace recovered
	faulty.fail.Store(false)
	_, err = c.Insert(ctx, []byte("{}"))
	require.ErrorIs(t, err, dberr.ErrStorageIO)

	// reads keep working
	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestCompactWritesBoundedBatches(t *testing.T) {
	ctx := context.Background()
	bounded := &boundedKeySpace{KeySpace: memory.NewMemoryKeySpace("shop")}
	cfg := DefaultConfig()
	cfg.ReindexBatchSize = 2
	cfg.Factory = func(string) (keyspace.KeySpace, error) { return bounded, nil }

	db, err := openStorage(t, cfg).Create(ctx, shopSchema(t))
	require.NoError(t, err)
	c, err := db.Collection("orders")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h := insertOrder(t, db, "a", int64(i))
		require.NoError(t, c.Delete(ctx, h.ID, h.Revision))
	}
	kept := insertOrder(t, db, "b", 9)

	bounded.limit.Store(2)
	bounded.largest.Store(0)
	dropped, err := c.Compact(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, dropped)
	require.LessOrEqual(t, bounded.largest.Load(), int64(2))

	dropped, err = c.Compact(ctx)
	require.NoError(t, err)
	require.Zero(t, dropped)

	doc, err := c.Get(ctx, kept.ID)
	require.NoError(t, err)
	require.Equal(t, kept.Revision, doc.Revision)
}

func TestOversizedTransactionIsAborted(t *testing.T) {
	ctx := context.Background()
	bounded := &boundedKeySpace{KeySpace: memory.NewMemoryKeySpace("shop")}
	cfg := DefaultConfig()
	cfg.Factory = func(string) (keyspace.KeySpace, error) { return bounded, nil }

	db, err := openStorage(t, cfg).Create(ctx, shopSchema(t))
	require.NoError(t, err)
	insertOrder(t, db, "a", 1)

	bounded.limit.Store(2)
	tx := db.Begin()
	for i := 0; i < 10; i++ {
		require.NoError(t, tx.Insert("orders", encodeOrder(t, "b", int64(i))))
	}
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, dberr.ErrTransactionAborted)
	require.Equal(t, StateAborted, tx.State())

	// the database stays writable
	bounded.limit.Store(0)
	insertOrder(t, db, "c", 2)
	c, err := db.Collection("orders")
	require.NoError(t, err)
	n, err := c.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	last, err := db.LastTransactionID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
}

func TestStorageDatabases(t *testing.T) {
	ctx := context.Background()
	s := openStorage(t, DefaultConfig())

	sc := shopSchema(t)
	db, err := s.Create(ctx, sc)
	require.NoError(t, err)

	same, err := s.Create(ctx, sc)
	require.NoError(t, err)
	require.Same(t, db, same)
	_, err = s.Create(ctx, shopSchema(t))
	require.ErrorIs(t, err, dberr.ErrInvalidOperation, "same name, other schema")

	require.Equal(t, []string{"shop"}, s.DatabaseNames())
	got, err := s.Database("shop")
	require.NoError(t, err)
	require.Same(t, db, got)

	insertOrder(t, db, "a", 1)
	info, err := db.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), info.LastTransactionID)
	require.Equal(t, []string{"customers", "orders"}, info.Collections)

	require.NoError(t, s.Delete(ctx, "shop"))
	_, err = s.Database("shop")
	require.ErrorIs(t, err, dberr.ErrNotFound)
	_, err = db.GetDocument(ctx, "orders", 1)
	require.ErrorIs(t, err, dberr.ErrClosed)

	require.NoError(t, s.Close())
	_, err = s.Create(ctx, shopSchema(t))
	require.ErrorIs(t, err, dberr.ErrClosed)
}

func TestConnectionMethods(t *testing.T) {
	ctx := context.Background()
	var conn Connection = openShop(t)

	h, err := conn.InsertDocument(ctx, "orders", []byte("1"), nil)
	require.NoError(t, err)
	rev, err := conn.UpdateDocument(ctx, "orders", h.ID, h.Revision, []byte("2"))
	require.NoError(t, err)
	_, err = conn.OverwriteDocument(ctx, "orders", 9, []byte("3"))
	require.NoError(t, err)

	docs, err := conn.ListDocuments(ctx, "orders", 0, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	require.NoError(t, conn.DeleteDocument(ctx, "orders", h.ID, rev))
	_, err = conn.GetDocument(ctx, "orders", h.ID)
	require.ErrorIs(t, err, dberr.ErrNotFound)
	_, err = conn.GetDocument(ctx, "nope", 1)
	require.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestDatabaseKeyValue(t *testing.T) {
	ctx := context.Background()
	s := openStorage(t, DefaultConfig())
	db, err := s.Create(ctx, shopSchema(t))
	require.NoError(t, err)

	store := db.KeyValue()
	_, err = store.Set(ctx, "sessions", "abc", kv.BytesValue([]byte("token")))
	require.NoError(t, err)
	n, err := store.Increment(ctx, "counters", "visits", kv.Uint(2), false)
	require.NoError(t, err)
	require.Equal(t, kv.Uint(2), n)

	// kv writes are not transactions
	last, err := db.LastTransactionID(ctx)
	require.NoError(t, err)
	require.Zero(t, last)

	require.NoError(t, s.CloseDatabase("shop"))
	_, _, err = store.Get(ctx, "sessions", "abc")
	require.ErrorIs(t, err, dberr.ErrClosed)
}
