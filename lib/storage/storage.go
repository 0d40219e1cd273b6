package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("storage")

// Storage owns every open database of a process. It replaces process wide
// registries: all components receive the Storage (or a Database) explicitly.
type Storage struct {
	cfg       Config
	mu        sync.Mutex // serializes Create, Delete and Close
	databases *xsync.MapOf[string, *Database]
	notifier  *Notifier
	closed    atomic.Bool
}

// New creates a Storage. No database is opened yet.
func New(cfg Config) (*Storage, error) {
	if err := cfg.validate(); err != nil {
		return nil, dberr.Wrap(dberr.CodeInvalidOperation, err, "invalid storage config")
	}
	return &Storage{
		cfg:       cfg,
		databases: xsync.NewMapOf[string, *Database](),
		notifier:  NewNotifier(cfg.NotifierBuffer, cfg.Publishers...),
	}, nil
}

// Notifier returns the change notifier shared by all databases
func (s *Storage) Notifier() *Notifier {
	return s.notifier
}

// Create opens the database described by sc, creating it if it does not
// exist. The schema is frozen. Views whose stored index is missing or was
// built with another version are reindexed: eager views before Create
// returns, eventual views in their background worker.
func (s *Storage) Create(ctx context.Context, sc *schema.Schema) (*Database, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, dberr.ErrClosed
	}
	if db, ok := s.databases.Load(sc.Name()); ok {
		if db.schema != sc {
			return nil, dberr.Newf(dberr.CodeInvalidOperation, "database %s is already open with another schema", sc.Name())
		}
		return db, nil
	}

	ks, err := s.cfg.Factory(sc.Name())
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to open keyspace "+sc.Name())
	}

	sc.Freeze()
	db, err := openDatabase(ctx, s, sc, ks)
	if err != nil {
		if cerr := ks.Close(); cerr != nil {
			Logger.Warningf("failed to close keyspace %s: %v", sc.Name(), cerr)
		}
		return nil, err
	}
	s.databases.Store(sc.Name(), db)

	for _, v := range sc.Views() {
		s.registerViewLag(sc.Name(), v.Name)
	}

	Logger.Infof("opened database %s (%d collections, %d views, last transaction %d)",
		sc.Name(), len(sc.Collections()), len(sc.Views()), db.lastTx.Load())
	return db, nil
}

// Database returns an open database
func (s *Storage) Database(name string) (*Database, error) {
	db, ok := s.databases.Load(name)
	if !ok {
		return nil, dberr.Newf(dberr.CodeNotFound, "database %s is not open", name)
	}
	return db, nil
}

// DatabaseNames returns the names of all open databases in sorted order
func (s *Storage) DatabaseNames() []string {
	var names []string
	s.databases.Range(func(name string, _ *Database) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// CloseDatabase closes one database and keeps its data
func (s *Storage) CloseDatabase(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.databases.LoadAndDelete(name)
	if !ok {
		return dberr.Newf(dberr.CodeNotFound, "database %s is not open", name)
	}
	return db.close()
}

// Delete removes every record of an open database and closes it
func (s *Storage) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, ok := s.databases.LoadAndDelete(name)
	if !ok {
		return dberr.Newf(dberr.CodeNotFound, "database %s is not open", name)
	}

	db.stopWorkers()
	purgeErr := db.purge(ctx)
	if err := db.close(); err != nil && purgeErr == nil {
		return err
	}
	if purgeErr == nil {
		Logger.Infof("deleted database %s", name)
	}
	return purgeErr
}

// Close closes all databases and the notifier
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}

	var errs []error
	s.databases.Range(func(name string, db *Database) bool {
		if err := db.close(); err != nil {
			errs = append(errs, err)
		}
		s.databases.Delete(name)
		return true
	})
	s.notifier.Close()
	return errors.Join(errs...)
}

// purgeTree deletes every key of a tree in bounded batches
func purgeTree(ctx context.Context, ks keyspace.KeySpace, tree string, batchSize int) error {
	snap, err := ks.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	it, err := snap.Iterate(tree, keyspace.Range{})
	if err != nil {
		return err
	}
	defer it.Close()

	batch := make([]keyspace.Operation, 0, batchSize)
	for it.Next() {
		batch = append(batch, keyspace.Remove(tree, it.Key()))
		if len(batch) < batchSize {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ks.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
	}
	if err := it.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return ks.Write(batch)
	}
	return nil
}
