package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage/internal"
)

// Database is one named, isolated storage unit. All methods are safe for
// concurrent use. Writers serialize on the database; readers work on
// snapshots and never block writers.
type Database struct {
	name    string
	schema  *schema.Schema
	ks      keyspace.KeySpace
	storage *Storage
	metrics *dbMetrics
	kv      *kv.Store

	writeMu sync.Mutex    // single writer
	lastTx  atomic.Uint64 // id of the last committed transaction

	collections map[string]*Collection
	views       map[string]*viewIndex

	suspect atomic.Bool // set after a keyspace write failed
	closed  atomic.Bool

	workerCtx    context.Context
	stopWorker   context.CancelFunc
	workers      sync.WaitGroup
	stopWorkOnce sync.Once
}

func openDatabase(ctx context.Context, s *Storage, sc *schema.Schema, ks keyspace.KeySpace) (*Database, error) {
	db := &Database{
		name:        sc.Name(),
		schema:      sc,
		ks:          ks,
		storage:     s,
		metrics:     newDBMetrics(s.cfg.Metrics, sc.Name()),
		collections: make(map[string]*Collection),
		views:       make(map[string]*viewIndex),
	}
	db.workerCtx, db.stopWorker = context.WithCancel(context.Background())

	trees := []string{internal.TreeTransactions, internal.TreeMeta}
	for _, c := range sc.Collections() {
		trees = append(trees, internal.CollectionTree(c.Name))
		db.collections[c.Name] = &Collection{db: db, name: c.Name, tree: internal.CollectionTree(c.Name)}
	}
	for _, v := range sc.Views() {
		trees = append(trees, internal.ViewEntriesTree(v.Name), internal.ViewDocumentsTree(v.Name), internal.ViewErrorsTree(v.Name))
	}
	for _, tree := range trees {
		if err := ks.OpenTree(tree); err != nil {
			return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to open tree "+tree)
		}
	}

	snap, err := ks.Snapshot()
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read database state")
	}
	last, err := readU64(snap, internal.TreeMeta, internal.MetaLastTransaction)
	if err != nil {
		snap.Release()
		return nil, err
	}
	db.lastTx.Store(last)

	for _, v := range sc.Views() {
		vi, err := newViewIndex(db, v, snap)
		if err != nil {
			snap.Release()
			return nil, err
		}
		db.views[v.Name] = vi
	}
	snap.Release()

	// eager views are rebuilt before the database is handed out
	for _, vi := range db.views {
		if vi.view.Policy != schema.PolicyEager || !vi.needsReindex.Load() {
			continue
		}
		db.writeMu.Lock()
		err := vi.reindexLocked(ctx)
		db.writeMu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	db.kv, err = kv.Open(ks, &kv.Options{
		Name:          db.name,
		SweepInterval: s.cfg.KVSweepInterval,
		Metrics:       s.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	for _, vi := range db.views {
		if vi.view.Policy == schema.PolicyEventual {
			db.workers.Add(1)
			go vi.run(db.workerCtx)
		}
	}
	return db, nil
}

// KeyValue returns the key-value store of the database
func (db *Database) KeyValue() *kv.Store {
	return db.kv
}

// Name returns the database name
func (db *Database) Name() string {
	return db.name
}

// Schema returns the frozen schema of the database
func (db *Database) Schema() *schema.Schema {
	return db.schema
}

// Collection returns the repository of a collection
func (db *Database) Collection(name string) (*Collection, error) {
	c, ok := db.collections[name]
	if !ok {
		return nil, dberr.Newf(dberr.CodeNotFound, "collection %s does not exist in database %s", name, db.name)
	}
	return c, nil
}

func (db *Database) view(name string) (*viewIndex, error) {
	v, ok := db.views[name]
	if !ok {
		return nil, dberr.Newf(dberr.CodeNotFound, "view %s does not exist in database %s", name, db.name)
	}
	return v, nil
}

// CatchUp blocks until view has applied every transaction up to txID.
// Eager views return at once.
func (db *Database) CatchUp(ctx context.Context, view string, txID uint64) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	v, err := db.view(view)
	if err != nil {
		return err
	}
	return v.catchUp(ctx, txID)
}

// --------------------------------------------------------------------------
// State helpers
// --------------------------------------------------------------------------

func (db *Database) checkOpen() error {
	if db.closed.Load() {
		return dberr.Newf(dberr.CodeClosed, "database %s is closed", db.name)
	}
	return nil
}

func (db *Database) checkWritable() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.suspect.Load() {
		return dberr.Newf(dberr.CodeStorageIO, "database %s is suspect after a storage failure and must be reopened", db.name)
	}
	return nil
}

// storageFailure marks the database suspect and wraps err. A batch the
// keyspace refused for its size left nothing behind and is an invalid
// operation instead.
func (db *Database) storageFailure(err error, msg string) error {
	if errors.Is(err, keyspace.ErrBatchTooLarge) {
		return dberr.Wrap(dberr.CodeInvalidOperation, err, msg)
	}
	if db.suspect.CompareAndSwap(false, true) {
		Logger.Errorf("database %s is suspect: %s: %v", db.name, msg, err)
	}
	return dberr.Wrap(dberr.CodeStorageIO, err, msg)
}

func (db *Database) snapshot() (keyspace.Snapshot, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	snap, err := db.ks.Snapshot()
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to take snapshot")
	}
	return snap, nil
}

// readU64 reads an integer record, missing records read as 0
func readU64(snap keyspace.Snapshot, tree string, key []byte) (uint64, error) {
	raw, err := snap.Get(tree, key)
	if errors.Is(err, keyspace.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read "+string(key))
	}
	v, ok := internal.ParseU64(raw)
	if !ok {
		return 0, dberr.Newf(dberr.CodeStorageIO, "malformed integer record %s", key)
	}
	return v, nil
}

// --------------------------------------------------------------------------
// Transaction log
// --------------------------------------------------------------------------

// LastTransactionID returns the id of the last committed transaction (0 if none)
func (db *Database) LastTransactionID(ctx context.Context) (uint64, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	return db.lastTx.Load(), nil
}

// ListExecutedTransactions returns up to limit committed transactions with an
// id >= startingID in ascending order
func (db *Database) ListExecutedTransactions(ctx context.Context, startingID uint64, limit int) ([]Executed, error) {
	snap, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	it, err := snap.Iterate(internal.TreeTransactions, keyspace.Range{Start: internal.U64(startingID)})
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to iterate transactions")
	}
	defer it.Close()

	var out []Executed
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, dberr.Wrap(dberr.CodeTimeout, err, "listing transactions interrupted")
		}
		var rec internal.TxRecord
		if err := rec.Deserialize(it.Value()); err != nil {
			return nil, dberr.Wrap(dberr.CodeStorageIO, err, "corrupt transaction record")
		}
		out = append(out, executedFromRecord(&rec))
	}
	if err := it.Err(); err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to iterate transactions")
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Info / maintenance
// --------------------------------------------------------------------------

// ViewInfo describes the index state of a view
type ViewInfo struct {
	Name                 string `json:"name"`
	Collection           string `json:"collection"`
	Version              uint64 `json:"version"`
	Policy               string `json:"policy"`
	Reduce               bool   `json:"reduce"`
	IndexedTransactionID uint64 `json:"indexed_transaction_id"`
}

// Info describes a database
type Info struct {
	Name              string        `json:"name"`
	Collections       []string      `json:"collections"`
	Views             []ViewInfo    `json:"views"`
	LastTransactionID uint64        `json:"last_transaction_id"`
	KeySpace          keyspace.Info `json:"keyspace"`
}

// Info returns the current state of the database
func (db *Database) Info(ctx context.Context) (*Info, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	info := &Info{
		Name:              db.name,
		LastTransactionID: db.lastTx.Load(),
		KeySpace:          db.ks.Info(),
	}
	for _, c := range db.schema.Collections() {
		info.Collections = append(info.Collections, c.Name)
	}
	for _, v := range db.schema.Views() {
		info.Views = append(info.Views, ViewInfo{
			Name:                 v.Name,
			Collection:           v.Collection,
			Version:              v.Version,
			Policy:               v.Policy.String(),
			Reduce:               v.CanReduce(),
			IndexedTransactionID: db.views[v.Name].indexed(),
		})
	}
	return info, nil
}

// Compact drops the tombstones of all collections and compacts the keyspace
func (db *Database) Compact(ctx context.Context) error {
	for _, c := range db.schema.Collections() {
		if _, err := db.collections[c.Name].dropTombstones(ctx); err != nil {
			return err
		}
	}
	if !db.ks.SupportsFeature(keyspace.FeatureCompact) {
		return nil
	}
	start := time.Now()
	if err := db.ks.Compact(); err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "keyspace compaction failed")
	}
	Logger.Infof("compacted database %s in %s", db.name, time.Since(start))
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (db *Database) stopWorkers() {
	db.stopWorkOnce.Do(func() {
		db.stopWorker()
		db.workers.Wait()
		if err := db.kv.Close(); err != nil {
			Logger.Warningf("failed to close kv store of %s: %v", db.name, err)
		}
	})
}

// close stops the index workers and closes the keyspace
func (db *Database) close() error {
	db.stopWorkers()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if db.closed.Swap(true) {
		return nil
	}
	for _, v := range db.views {
		v.watermark.close()
	}
	if err := db.ks.Close(); err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to close keyspace of "+db.name)
	}
	Logger.Infof("closed database %s", db.name)
	return nil
}

// purge deletes every record of the database
func (db *Database) purge(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	for _, tree := range db.ks.Info().Trees {
		if err := purgeTree(ctx, db.ks, tree, db.storage.cfg.ReindexBatchSize); err != nil {
			return dberr.Wrap(dberr.CodeStorageIO, err, "failed to purge tree "+tree)
		}
	}
	db.lastTx.Store(0)
	return nil
}
