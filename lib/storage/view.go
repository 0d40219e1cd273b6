package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage/internal"
	"github.com/sourcegraph/conc/pool"
)

// retryDelay is the pause of an eventual worker after a failed batch
const retryDelay = time.Second

// --------------------------------------------------------------------------
// Watermark
// --------------------------------------------------------------------------

// watermark is the last transaction id applied to a view. Waiters are woken
// by closing and replacing the changed channel.
type watermark struct {
	mu      sync.Mutex
	value   uint64
	changed chan struct{}
	closed  bool
}

func newWatermark(value uint64) *watermark {
	return &watermark{value: value, changed: make(chan struct{})}
}

func (w *watermark) get() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// advance raises the watermark, lower values are ignored
func (w *watermark) advance(value uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if value <= w.value || w.closed {
		return
	}
	w.value = value
	close(w.changed)
	w.changed = make(chan struct{})
}

// wait blocks until the watermark reaches target, ctx is done or the
// watermark is closed
func (w *watermark) wait(ctx context.Context, target uint64) error {
	for {
		w.mu.Lock()
		if w.value >= target {
			w.mu.Unlock()
			return nil
		}
		if w.closed {
			w.mu.Unlock()
			return dberr.ErrClosed
		}
		ch := w.changed
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *watermark) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.changed)
	}
}

// --------------------------------------------------------------------------
// View index
// --------------------------------------------------------------------------

// viewIndex maintains the index of one view.
//
// Locks: the writer of a view is the database writer for eager views and
// the view worker for eventual views (writerLock). mu guards the index
// region: writers take it exclusively while writing, readers take it shared
// while acquiring their snapshot, so a reindex is never observed half done.
// Lock order: writer lock, then mu.
type viewIndex struct {
	db   *Database
	view *schema.View

	entriesTree   string
	documentsTree string
	errorsTree    string

	mu           sync.RWMutex
	workMu       sync.Mutex // writer lock of eventual views
	watermark    *watermark
	wake         chan struct{}
	needsReindex atomic.Bool
}

func newViewIndex(db *Database, v *schema.View, snap keyspace.Snapshot) (*viewIndex, error) {
	vi := &viewIndex{
		db:            db,
		view:          v,
		entriesTree:   internal.ViewEntriesTree(v.Name),
		documentsTree: internal.ViewDocumentsTree(v.Name),
		errorsTree:    internal.ViewErrorsTree(v.Name),
		wake:          make(chan struct{}, 1),
	}

	rawVersion, err := snap.Get(internal.TreeMeta, internal.MetaViewVersion(v.Name))
	if err != nil && !errors.Is(err, keyspace.ErrKeyNotFound) {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read version of view "+v.Name)
	}
	version, hasVersion := internal.ParseU64(rawVersion)

	rawIndexed, err := snap.Get(internal.TreeMeta, internal.MetaViewIndexed(v.Name))
	if err != nil && !errors.Is(err, keyspace.ErrKeyNotFound) {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read watermark of view "+v.Name)
	}
	indexed, hasIndexed := internal.ParseU64(rawIndexed)

	switch {
	case !hasVersion || !hasIndexed:
		Logger.Infof("view %s/%s has no index yet, scheduling full reindex", db.name, v.Name)
		vi.needsReindex.Store(true)
		indexed = 0
	case version != v.Version:
		Logger.Infof("view %s/%s changed version %d -> %d, scheduling full reindex", db.name, v.Name, version, v.Version)
		vi.needsReindex.Store(true)
		indexed = 0
	case v.Policy == schema.PolicyEager && indexed < db.lastTx.Load():
		// the view was eventual before and did not catch up
		vi.needsReindex.Store(true)
		indexed = 0
	}
	vi.watermark = newWatermark(indexed)
	return vi, nil
}

// writerLock returns the lock serializing all writers of the view's index
func (v *viewIndex) writerLock() sync.Locker {
	if v.view.Policy == schema.PolicyEager {
		return &v.db.writeMu
	}
	return &v.workMu
}

func (v *viewIndex) indexed() uint64 {
	return v.watermark.get()
}

// lag is the number of committed transactions not yet applied to the view
func (v *viewIndex) lag() uint64 {
	last, indexed := v.db.lastTx.Load(), v.watermark.get()
	if indexed >= last {
		return 0
	}
	return last - indexed
}

func (v *viewIndex) wakeUp() {
	select {
	case v.wake <- struct{}{}:
	default:
	}
}

// catchUp blocks until the view has applied transaction target. A done ctx
// yields a timeout error.
func (v *viewIndex) catchUp(ctx context.Context, target uint64) error {
	if v.view.Policy == schema.PolicyEager {
		return nil
	}
	v.wakeUp()
	err := v.watermark.wait(ctx, target)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dberr.ErrClosed):
		return err
	default:
		return dberr.Wrap(dberr.CodeTimeout, err,
			fmt.Sprintf("view %s did not reach transaction %d (indexed %d)", v.view.Name, target, v.watermark.get()))
	}
}

// repair rebuilds an index flagged as corrupt
func (v *viewIndex) repair(ctx context.Context) error {
	l := v.writerLock()
	l.Lock()
	defer l.Unlock()

	if !v.needsReindex.Load() {
		return nil
	}
	if err := v.reindexLocked(ctx); err != nil {
		return dberr.Wrap(dberr.CodeCorruptIndex, err, "failed to rebuild view "+v.view.Name)
	}
	return nil
}

// --------------------------------------------------------------------------
// Mapping and diffing
// --------------------------------------------------------------------------

type mapResult struct {
	mappings []schema.Mapping
	err      error
}

// mapOne runs the map function, isolating errors and panics to the document
func (v *viewIndex) mapOne(doc *document.Document) (res mapResult) {
	if doc.Deleted {
		return mapResult{}
	}
	defer func() {
		if r := recover(); r != nil {
			res = mapResult{err: fmt.Errorf("map function panicked: %v", r)}
		}
	}()
	mappings, err := v.view.Map.Map(doc)
	return mapResult{mappings: mappings, err: err}
}

// mapDocuments maps docs on the index worker pool, results keep the input order
func (v *viewIndex) mapDocuments(docs []*document.Document) []mapResult {
	results := make([]mapResult, len(docs))
	workers := v.db.storage.cfg.IndexWorkers
	if len(docs) < 2 || workers < 2 {
		for i, doc := range docs {
			results[i] = v.mapOne(doc)
		}
		return results
	}

	p := pool.New().WithMaxGoroutines(workers)
	for i, doc := range docs {
		p.Go(func() {
			results[i] = v.mapOne(doc)
		})
	}
	p.Wait()
	return results
}

// viewDelta is the set of keyspace operations bringing the index of some
// documents up to date
type viewDelta struct {
	ops  []keyspace.Operation
	keys [][]byte // emitted keys that were added, changed or removed
}

// diff appends the operations replacing the entries of doc id (old keys)
// by the mapping result
func (v *viewIndex) diff(d *viewDelta, id uint64, old [][]byte, res mapResult) {
	docKey := internal.U64(id)

	if res.err != nil {
		v.db.metrics.mapErrors.Inc()
		Logger.Warningf("view %s: map failed for document %d: %v", v.view.Name, id, res.err)
		d.ops = append(d.ops, keyspace.Put(v.errorsTree, docKey, []byte(res.err.Error())))
	} else {
		d.ops = append(d.ops, keyspace.Remove(v.errorsTree, docKey))
	}

	// a document emitting the same key twice keeps the last value
	values := make(map[string][]byte, len(res.mappings))
	for _, m := range res.mappings {
		values[string(m.Key)] = m.Value
	}
	newKeys := make([][]byte, 0, len(values))
	for k := range values {
		newKeys = append(newKeys, []byte(k))
	}
	sort.Slice(newKeys, func(i, j int) bool { return bytes.Compare(newKeys[i], newKeys[j]) < 0 })

	for _, k := range old {
		if _, ok := values[string(k)]; !ok {
			d.ops = append(d.ops, keyspace.Remove(v.entriesTree, internal.EntryKey(k, id)))
			d.keys = append(d.keys, k)
		}
	}
	for _, k := range newKeys {
		d.ops = append(d.ops, keyspace.Put(v.entriesTree, internal.EntryKey(k, id), values[string(k)]))
		d.keys = append(d.keys, k)
	}

	if len(newKeys) == 0 {
		d.ops = append(d.ops, keyspace.Remove(v.documentsTree, docKey))
	} else {
		d.ops = append(d.ops, keyspace.Put(v.documentsTree, docKey, internal.SerializeKeys(newKeys)))
	}
}

// delta computes the index changes for docs (their new state) against the
// index stored in snap
func (v *viewIndex) delta(snap keyspace.Snapshot, docs []*document.Document) (*viewDelta, error) {
	old := make([][][]byte, len(docs))
	for i, doc := range docs {
		raw, err := snap.Get(v.documentsTree, internal.U64(doc.ID))
		if errors.Is(err, keyspace.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read index record of view "+v.view.Name)
		}
		if old[i], err = internal.DeserializeKeys(raw); err != nil {
			v.needsReindex.Store(true)
			return nil, dberr.Wrap(dberr.CodeCorruptIndex, err,
				fmt.Sprintf("view %s has a corrupt record for document %d", v.view.Name, doc.ID))
		}
	}

	d := &viewDelta{}
	for i, res := range v.mapDocuments(docs) {
		v.diff(d, docs[i].ID, old[i], res)
	}
	return d, nil
}

func (v *viewIndex) events(keys [][]byte, txID uint64) []Event {
	events := make([]Event, len(keys))
	for i, k := range keys {
		events[i] = Event{
			Kind:          EventViewUpdated,
			Database:      v.db.name,
			Source:        v.view.Name,
			Key:           k,
			TransactionID: txID,
		}
	}
	return events
}

// --------------------------------------------------------------------------
// Full reindex
// --------------------------------------------------------------------------

// batchWriter writes operations in bounded batches
type batchWriter struct {
	ks    keyspace.KeySpace
	size  int
	batch []keyspace.Operation
}

// add queues ops and writes every batch that reaches size. ops larger than
// size are split over several batches.
func (w *batchWriter) add(ops ...keyspace.Operation) error {
	if w.size <= 0 {
		w.batch = append(w.batch, ops...)
		return nil
	}
	for len(ops) > 0 {
		n := min(w.size-len(w.batch), len(ops))
		w.batch = append(w.batch, ops[:n]...)
		ops = ops[n:]
		if len(w.batch) >= w.size {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *batchWriter) flush() error {
	if len(w.batch) == 0 {
		return nil
	}
	err := w.ks.Write(w.batch)
	w.batch = w.batch[:0]
	return err
}

// reindexLocked drops the index and rebuilds it from every live document in
// id order. The caller holds the writer lock. The version record is removed
// first and written last, so an interrupted reindex is redone on next open.
func (v *viewIndex) reindexLocked(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	start := time.Now()
	snap, err := v.db.snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	last, err := readU64(snap, internal.TreeMeta, internal.MetaLastTransaction)
	if err != nil {
		return err
	}

	w := &batchWriter{ks: v.db.ks, size: v.db.storage.cfg.ReindexBatchSize}
	fail := func(err error) error {
		if dberr.CodeOf(err) != dberr.CodeInternal {
			return err
		}
		return v.db.storageFailure(err, "reindex of view "+v.view.Name+" failed")
	}

	// drop the old generation
	if err := w.add(
		keyspace.Remove(internal.TreeMeta, internal.MetaViewVersion(v.view.Name)),
		keyspace.Remove(internal.TreeMeta, internal.MetaViewIndexed(v.view.Name)),
	); err != nil {
		return fail(err)
	}
	for _, tree := range []string{v.entriesTree, v.documentsTree, v.errorsTree} {
		if err := v.dropTree(snap, tree, w); err != nil {
			return fail(err)
		}
	}

	// rebuild from the collection
	it, err := snap.Iterate(internal.CollectionTree(v.view.Collection), keyspace.Range{})
	if err != nil {
		return fail(err)
	}
	defer it.Close()

	documents := 0
	chunk := make([]*document.Document, 0, w.size)
	indexChunk := func() error {
		if err := ctx.Err(); err != nil {
			return dberr.Wrap(dberr.CodeTimeout, err, "reindex of view "+v.view.Name+" interrupted")
		}
		d := &viewDelta{}
		for i, res := range v.mapDocuments(chunk) {
			v.diff(d, chunk[i].ID, nil, res)
		}
		documents += len(chunk)
		chunk = chunk[:0]
		return w.add(d.ops...)
	}

	for it.Next() {
		doc := &document.Document{}
		if err := doc.Deserialize(it.Value()); err != nil {
			return dberr.Wrap(dberr.CodeStorageIO, err, "corrupt document record in "+v.view.Collection)
		}
		if doc.Deleted {
			continue
		}
		chunk = append(chunk, doc)
		if len(chunk) >= w.size {
			if err := indexChunk(); err != nil {
				return fail(err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return fail(err)
	}
	if err := indexChunk(); err != nil {
		return fail(err)
	}

	if err := w.add(
		keyspace.Put(internal.TreeMeta, internal.MetaViewVersion(v.view.Name), internal.U64(v.view.Version)),
		keyspace.Put(internal.TreeMeta, internal.MetaViewIndexed(v.view.Name), internal.U64(last)),
	); err != nil {
		return fail(err)
	}
	if err := w.flush(); err != nil {
		return fail(err)
	}

	v.needsReindex.Store(false)
	v.watermark.advance(last)
	v.db.metrics.reindexes.Inc()
	Logger.Infof("reindexed view %s/%s: %d documents up to transaction %d in %s",
		v.db.name, v.view.Name, documents, last, time.Since(start))
	return nil
}

func (v *viewIndex) dropTree(snap keyspace.Snapshot, tree string, w *batchWriter) error {
	it, err := snap.Iterate(tree, keyspace.Range{})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := w.add(keyspace.Remove(tree, it.Key())); err != nil {
			return err
		}
	}
	return it.Err()
}

// --------------------------------------------------------------------------
// Eventual worker
// --------------------------------------------------------------------------

// run applies committed transactions to an eventual view until ctx is done
func (v *viewIndex) run(ctx context.Context) {
	defer v.db.workers.Done()

	for {
		err := v.process(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			Logger.Errorf("view %s/%s: indexing failed: %v", v.db.name, v.view.Name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-v.wake:
		}
	}
}

// process reindexes if required and applies all pending transactions
func (v *viewIndex) process(ctx context.Context) error {
	v.workMu.Lock()
	defer v.workMu.Unlock()

	for ctx.Err() == nil {
		if v.needsReindex.Load() {
			if err := v.reindexLocked(ctx); err != nil {
				return err
			}
		}
		done, err := v.indexBatch()
		if err != nil {
			if errors.Is(err, dberr.ErrCorruptIndex) {
				Logger.Warningf("view %s/%s: %v, rebuilding", v.db.name, v.view.Name, err)
				continue
			}
			return err
		}
		if done {
			return nil
		}
	}
	return ctx.Err()
}

// indexBatch applies up to EventualBatchSize transactions following the
// watermark. Documents are mapped in their latest state; the diff against the
// stored keys makes applying a newer state early harmless. The stored
// watermark is therefore a lower bound: the index may already reflect
// transactions after it, never fewer.
func (v *viewIndex) indexBatch() (bool, error) {
	snap, err := v.db.snapshot()
	if err != nil {
		return false, err
	}
	defer snap.Release()

	last, err := readU64(snap, internal.TreeMeta, internal.MetaLastTransaction)
	if err != nil {
		return false, err
	}
	from := v.watermark.get()
	if from >= last {
		return true, nil
	}
	to := min(last, from+uint64(v.db.storage.cfg.EventualBatchSize))

	ids, err := v.changedSince(snap, from, to)
	if err != nil {
		return false, err
	}

	docs := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := loadDocument(snap, v.view.Collection, id)
		if err != nil {
			return false, err
		}
		if doc == nil {
			doc = &document.Document{Header: document.Header{ID: id}, Deleted: true}
		}
		docs = append(docs, doc)
	}

	d, err := v.delta(snap, docs)
	if err != nil {
		return false, err
	}
	d.ops = append(d.ops, keyspace.Put(internal.TreeMeta, internal.MetaViewIndexed(v.view.Name), internal.U64(to)))

	v.mu.Lock()
	err = v.db.ks.Write(d.ops)
	v.mu.Unlock()
	if err != nil {
		return false, v.db.storageFailure(err, "failed to write index of view "+v.view.Name)
	}

	v.watermark.advance(to)
	if len(d.keys) > 0 {
		v.db.storage.notifier.Publish(v.events(d.keys, to))
	}
	return to >= last, nil
}

// changedSince returns the sorted ids of the view's collection changed by
// the transactions (from, to]
func (v *viewIndex) changedSince(snap keyspace.Snapshot, from, to uint64) ([]uint64, error) {
	it, err := snap.Iterate(internal.TreeTransactions, keyspace.Range{
		Start: internal.U64(from + 1),
		End:   internal.U64(to + 1),
	})
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to iterate transactions")
	}
	defer it.Close()

	seen := make(map[uint64]struct{})
	for it.Next() {
		var rec internal.TxRecord
		if err := rec.Deserialize(it.Value()); err != nil {
			return nil, dberr.Wrap(dberr.CodeStorageIO, err, "corrupt transaction record")
		}
		for _, c := range rec.Changes {
			if c.Collection == v.view.Collection {
				seen[c.ID] = struct{}{}
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to iterate transactions")
	}

	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
