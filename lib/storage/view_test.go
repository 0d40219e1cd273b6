package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/keyspace/engines/badger"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage/internal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func decodeSum(t testing.TB, raw []byte) int64 {
	n, err := schema.DecodeInt64(raw)
	require.NoError(t, err)
	return n
}

func entryKeys(res *QueryResult) []string {
	keys := make([]string, len(res.Entries))
	for i, e := range res.Entries {
		keys[i] = string(e.Key)
	}
	return keys
}

// --------------------------------------------------------------------------
// Queries and reduce
// --------------------------------------------------------------------------

func TestReduceByOwner(t *testing.T) {
	for _, policy := range []schema.Policy{schema.PolicyEager, schema.PolicyEventual} {
		t.Run(policy.String(), func(t *testing.T) {
			ctx := withTimeout(t, 5*time.Second)
			db := openShop(t, byOwner(policy))
			insertOrder(t, db, "a", 10)
			insertOrder(t, db, "a", 5)
			insertOrder(t, db, "b", 20)

			sum, err := db.ReduceView(ctx, "by-owner", Query{Prefix: schema.KeyString("a")})
			require.NoError(t, err)
			require.Equal(t, int64(15), decodeSum(t, sum))

			sum, err = db.ReduceView(ctx, "by-owner", Query{Prefix: schema.KeyString("b")})
			require.NoError(t, err)
			require.Equal(t, int64(20), decodeSum(t, sum))

			sum, err = db.ReduceView(ctx, "by-owner", Query{Prefix: schema.KeyString("c")})
			require.NoError(t, err)
			require.Equal(t, int64(0), decodeSum(t, sum))

			groups, err := db.ReduceGrouped(ctx, "by-owner", Query{})
			require.NoError(t, err)
			require.Len(t, groups, 2)
			require.Equal(t, "a", string(groups[0].Key))
			require.Equal(t, int64(15), decodeSum(t, groups[0].Value))
			require.Equal(t, "b", string(groups[1].Key))
			require.Equal(t, int64(20), decodeSum(t, groups[1].Value))

			groups, err = db.ReduceGrouped(ctx, "by-owner", Query{Limit: 1})
			require.NoError(t, err)
			require.Len(t, groups, 1)
		})
	}
}

func TestReduceOrder(t *testing.T) {
	ctx := context.Background()
	view := byOwner(schema.PolicyEager)
	var seen []int64
	view.Reduce = schema.ReducerFunc(func(values [][]byte) ([]byte, error) {
		seen = seen[:0]
		for _, v := range values {
			n, err := schema.DecodeInt64(v)
			if err != nil {
				return nil, err
			}
			seen = append(seen, n)
		}
		return nil, nil
	})
	db := openShop(t, view)
	insertOrder(t, db, "b", 1)
	insertOrder(t, db, "a", 2)
	insertOrder(t, db, "b", 3)
	insertOrder(t, db, "a", 4)

	_, err := db.ReduceView(ctx, "by-owner", Query{Descending: true})
	require.NoError(t, err)
	require.Equal(t, []int64{2, 4, 1, 3}, seen, "values must arrive in (key, document id) order")
}

func TestQueryShapes(t *testing.T) {
	ctx := context.Background()
	db := openShop(t, byOwner(schema.PolicyEager))
	for _, owner := range []string{"anna", "bob", "ben", "carl", "bob"} {
		insertOrder(t, db, owner, 1)
	}

	res, err := db.QueryView(ctx, "by-owner", Query{Key: schema.KeyString("bob")})
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "bob"}, entryKeys(res))
	require.Equal(t, uint64(2), res.Entries[0].DocumentID)
	require.Equal(t, uint64(5), res.Entries[1].DocumentID)
	require.Equal(t, uint64(5), res.IndexedTransactionID)

	res, err = db.QueryView(ctx, "by-owner", Query{Prefix: schema.KeyString("b")})
	require.NoError(t, err)
	require.Equal(t, []string{"ben", "bob", "bob"}, entryKeys(res))

	res, err = db.QueryView(ctx, "by-owner", Query{Range: &KeyRange{Start: schema.KeyString("b"), End: schema.KeyString("c")}})
	require.NoError(t, err)
	require.Equal(t, []string{"ben", "bob", "bob"}, entryKeys(res))

	res, err = db.QueryView(ctx, "by-owner", Query{Range: &KeyRange{Start: schema.KeyString("bob")}})
	require.NoError(t, err)
	require.Equal(t, []string{"bob", "bob", "carl"}, entryKeys(res))

	res, err = db.QueryView(ctx, "by-owner", Query{Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"carl", "bob"}, entryKeys(res))

	res, err = db.QueryView(ctx, "by-owner", Query{Key: schema.KeyString("nobody")})
	require.NoError(t, err)
	require.Empty(t, res.Entries)

	_, err = db.QueryView(ctx, "by-owner", Query{Key: []byte("a"), Prefix: []byte("a")})
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)
	_, err = db.QueryView(ctx, "by-owner", Query{Range: &KeyRange{Start: []byte("z"), End: []byte("a")}})
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)
	_, err = db.QueryView(ctx, "missing", Query{})
	require.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestScanViewRewind(t *testing.T) {
	ctx := context.Background()
	db := openShop(t, byOwner(schema.PolicyEager))
	insertOrder(t, db, "a", 1)
	insertOrder(t, db, "b", 2)

	rows, err := db.ScanView(ctx, "by-owner", Query{})
	require.NoError(t, err)
	defer rows.Close()

	// commits after the scan started are not observed
	insertOrder(t, db, "c", 3)

	for pass := 0; pass < 2; pass++ {
		var keys []string
		for rows.Next() {
			keys = append(keys, string(rows.Entry().Key))
		}
		require.NoError(t, rows.Err())
		require.Equal(t, []string{"a", "b"}, keys)
		rows.Rewind()
	}
}

func TestReduceWithoutReducer(t *testing.T) {
	view := byOwner(schema.PolicyEager)
	view.Reduce = nil
	db := openShop(t, view)

	_, err := db.ReduceView(context.Background(), "by-owner", Query{})
	require.ErrorIs(t, err, dberr.ErrUnsupportedOperation)
}

func TestIndexFollowsUpdatesAndDeletes(t *testing.T) {
	ctx := context.Background()
	db := openShop(t, byOwner(schema.PolicyEager))
	c, err := db.Collection("orders")
	require.NoError(t, err)

	h := insertOrder(t, db, "a", 1)
	rev, err := c.Update(ctx, h.ID, h.Revision, encodeOrder(t, "b", 1))
	require.NoError(t, err)

	res, err := db.QueryView(ctx, "by-owner", Query{})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, entryKeys(res))

	require.NoError(t, c.Delete(ctx, h.ID, rev))
	res, err = db.QueryView(ctx, "by-owner", Query{})
	require.NoError(t, err)
	require.Empty(t, res.Entries)
}

// --------------------------------------------------------------------------
// Consistency
// --------------------------------------------------------------------------

// gatedView blocks its map function until the returned release is called
func gatedView() (schema.View, func()) {
	gate := make(chan struct{})
	var once sync.Once
	view := byOwner(schema.PolicyEventual)
	inner := view.Map
	view.Map = schema.MapperFunc(func(doc *document.Document) ([]schema.Mapping, error) {
		<-gate
		return inner.Map(doc)
	})
	return view, func() { once.Do(func() { close(gate) }) }
}

func TestStrictQueryTimesOut(t *testing.T) {
	view, release := gatedView()
	db := openShop(t, view)
	defer release()

	// the initial (empty) reindex must be done before the map function blocks
	v, err := db.view("by-owner")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !v.needsReindex.Load() }, 5*time.Second, time.Millisecond)

	insertOrder(t, db, "a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = db.QueryView(ctx, "by-owner", Query{Consistency: ConsistencyStrict})
	require.ErrorIs(t, err, dberr.ErrTimeout)

	// eventual queries never wait
	res, err := db.QueryView(context.Background(), "by-owner", Query{Consistency: ConsistencyEventual})
	require.NoError(t, err)
	require.Empty(t, res.Entries)
	require.Zero(t, res.IndexedTransactionID)

	release()
	res, err = db.QueryView(withTimeout(t, 5*time.Second), "by-owner", Query{})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, entryKeys(res))
	require.Equal(t, uint64(1), res.IndexedTransactionID)
}

func TestEventualViewCatchesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventualBatchSize = 3
	db, err := openStorage(t, cfg).Create(context.Background(), shopSchema(t, byOwner(schema.PolicyEventual)))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		insertOrder(t, db, fmt.Sprintf("o%d", i%4), int64(i))
	}

	require.NoError(t, db.CatchUp(withTimeout(t, 5*time.Second), "by-owner", 10))
	v, err := db.view("by-owner")
	require.NoError(t, err)
	require.Equal(t, uint64(10), v.indexed())
	require.ErrorIs(t, db.CatchUp(context.Background(), "nope", 1), dberr.ErrNotFound)

	res, err := db.QueryView(context.Background(), "by-owner", Query{Consistency: ConsistencyEventual})
	require.NoError(t, err)
	require.Len(t, res.Entries, 10)
	require.Zero(t, v.lag())
}

// --------------------------------------------------------------------------
// Map errors
// --------------------------------------------------------------------------

func TestMapErrorPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("warn", func(t *testing.T) {
		db := openShop(t, byOwner(schema.PolicyEager))
		insertOrder(t, db, "a", 1)
		bad := insertOrder(t, db, "", 2)

		res, err := db.QueryView(ctx, "by-owner", Query{})
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, entryKeys(res))
		require.Len(t, res.Warnings, 1)
		require.Equal(t, bad.ID, res.Warnings[0].DocumentID)
		require.Contains(t, res.Warnings[0].Message, "no owner")

		// fixing the document clears the warning
		c, err := db.Collection("orders")
		require.NoError(t, err)
		_, err = c.Update(ctx, bad.ID, bad.Revision, encodeOrder(t, "b", 2))
		require.NoError(t, err)
		res, err = db.QueryView(ctx, "by-owner", Query{})
		require.NoError(t, err)
		require.Empty(t, res.Warnings)
		require.Len(t, res.Entries, 2)
	})

	t.Run("fail", func(t *testing.T) {
		view := byOwner(schema.PolicyEager)
		view.ErrorPolicy = schema.ErrorPolicyFail
		db := openShop(t, view)
		insertOrder(t, db, "", 2)

		_, err := db.QueryView(ctx, "by-owner", Query{})
		require.ErrorIs(t, err, dberr.ErrViewComputation)
	})

	t.Run("panic", func(t *testing.T) {
		view := byOwner(schema.PolicyEager)
		view.Map = schema.MapperFunc(func(*document.Document) ([]schema.Mapping, error) {
			panic("boom")
		})
		db := openShop(t, view)
		insertOrder(t, db, "a", 1)

		res, err := db.QueryView(ctx, "by-owner", Query{})
		require.NoError(t, err)
		require.Len(t, res.Warnings, 1)
		require.Contains(t, res.Warnings[0].Message, "boom")
	})
}

// --------------------------------------------------------------------------
// Reindex
// --------------------------------------------------------------------------

func TestReopenRebuildsChangedView(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Factory = badger.Factory(dir, 0)

	s, err := New(cfg)
	require.NoError(t, err)
	db, err := s.Create(ctx, shopSchema(t, byOwner(schema.PolicyEager)))
	require.NoError(t, err)
	insertOrder(t, db, "a", 10)
	insertOrder(t, db, "b", 7)
	insertOrder(t, db, "a", 5)
	require.NoError(t, s.Close())

	// version 2 indexes by amount
	byAmount := byOwner(schema.PolicyEager)
	byAmount.Version = 2
	byAmount.Map = schema.TypedMapper[order]{
		Codec: schema.JSONCodec[order]{},
		Fn: func(_ uint64, o order) ([]schema.Mapping, error) {
			return []schema.Mapping{schema.Emit(schema.KeyInt64(o.Amount), schema.EncodeInt64(1))}, nil
		},
	}
	byAmount.Reduce = schema.Count

	db, err = openStorage(t, cfg).Create(ctx, shopSchema(t, byAmount))
	require.NoError(t, err)

	last, err := db.LastTransactionID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	res, err := db.QueryView(ctx, "by-owner", Query{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	var amounts []int64
	for _, e := range res.Entries {
		n, err := schema.DecodeKeyInt64(e.Key)
		require.NoError(t, err)
		amounts = append(amounts, n)
	}
	require.Equal(t, []int64{5, 7, 10}, amounts)

	// the id sequence survived the reopen
	h := insertOrder(t, db, "c", 1)
	require.Equal(t, uint64(4), h.ID)
}

func TestCorruptIndexIsRebuilt(t *testing.T) {
	ctx := context.Background()
	db := openShop(t, byOwner(schema.PolicyEager))
	insertOrder(t, db, "a", 1)
	insertOrder(t, db, "b", 2)

	v, err := db.view("by-owner")
	require.NoError(t, err)
	require.NoError(t, db.ks.Write([]keyspace.Operation{
		keyspace.Put(v.documentsTree, internal.U64(1), []byte{0xFF}),
	}))

	// the next commit touching document 1 detects the damage and rebuilds
	c, err := db.Collection("orders")
	require.NoError(t, err)
	_, err = c.Overwrite(ctx, 1, encodeOrder(t, "c", 3))
	require.NoError(t, err)

	res, err := db.QueryView(ctx, "by-owner", Query{})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, entryKeys(res))
}

// dumpIndex returns the raw contents of the three index trees of a view
func dumpIndex(t require.TestingT, db *Database, v *viewIndex) map[string]map[string]string {
	snap, err := db.snapshot()
	require.NoError(t, err)
	defer snap.Release()

	out := make(map[string]map[string]string)
	for _, tree := range []string{v.entriesTree, v.documentsTree, v.errorsTree} {
		it, err := snap.Iterate(tree, keyspace.Range{})
		require.NoError(t, err)
		out[tree] = make(map[string]string)
		for it.Next() {
			out[tree][string(it.Key())] = string(it.Value())
		}
		require.NoError(t, it.Err())
		it.Close()
	}
	return out
}

// requireIndexMatchesReindex compares the stored index of the view with a
// full rebuild from the current documents
func requireIndexMatchesReindex(rt *rapid.T, db *Database, v *viewIndex) {
	ctx := context.Background()
	if v.view.Policy == schema.PolicyEventual {
		last, err := db.LastTransactionID(ctx)
		require.NoError(rt, err)
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(rt, db.CatchUp(waitCtx, v.view.Name, last))
	}
	incremental := dumpIndex(rt, db, v)

	db.writeMu.Lock()
	err := v.reindexLocked(ctx)
	db.writeMu.Unlock()
	require.NoError(rt, err)

	require.Equal(rt, incremental, dumpIndex(rt, db, v))
}

func TestIncrementalIndexMatchesReindex(t *testing.T) {
	for _, policy := range []schema.Policy{schema.PolicyEager, schema.PolicyEventual} {
		t.Run(policy.String(), func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				ctx := context.Background()
				s, err := New(DefaultConfig())
				require.NoError(rt, err)
				defer s.Close()
				db, err := s.Create(ctx, shopSchema(rt, byOwner(policy)))
				require.NoError(rt, err)
				c, err := db.Collection("orders")
				require.NoError(rt, err)
				v, err := db.view("by-owner")
				require.NoError(rt, err)

				owners := rapid.SampledFrom([]string{"a", "b", "c", ""})
				var ids []uint64
				steps := rapid.IntRange(1, 25).Draw(rt, "steps")
				for i := 0; i < steps; i++ {
					contents, err := orders.Encode(order{
						Owner:  owners.Draw(rt, "owner"),
						Amount: rapid.Int64Range(-100, 100).Draw(rt, "amount"),
					})
					require.NoError(rt, err)

					op := 0
					if len(ids) > 0 {
						op = rapid.IntRange(0, 3).Draw(rt, "op")
					}
					switch op {
					case 0:
						h, err := c.Insert(ctx, contents)
						require.NoError(rt, err)
						ids = append(ids, h.ID)
					case 1:
						id := rapid.SampledFrom(ids).Draw(rt, "id")
						doc, err := c.Get(ctx, id)
						if err != nil {
							continue
						}
						_, err = c.Update(ctx, id, doc.Revision, contents)
						require.NoError(rt, err)
					case 2:
						id := rapid.SampledFrom(ids).Draw(rt, "id")
						doc, err := c.Get(ctx, id)
						if err != nil {
							continue
						}
						require.NoError(rt, c.Delete(ctx, id, doc.Revision))
					case 3:
						id := rapid.SampledFrom(ids).Draw(rt, "id")
						_, err := c.Overwrite(ctx, id, contents)
						require.NoError(rt, err)
					}

					requireIndexMatchesReindex(rt, db, v)
				}
			})
		})
	}
}
