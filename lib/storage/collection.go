package storage

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/storage/internal"
	"github.com/ValentinKolb/dDoc/lib/util"
)

// Collection is the document repository of one collection. Every mutation
// runs as a transaction with a single operation; use Database.Begin to group
// several mutations.
type Collection struct {
	db   *Database
	name string
	tree string
}

// Name returns the collection name
func (c *Collection) Name() string {
	return c.name
}

// loadDocument reads a document record, tombstones included. A missing
// record yields nil.
func loadDocument(snap keyspace.Snapshot, collection string, id uint64) (*document.Document, error) {
	raw, err := snap.Get(internal.CollectionTree(collection), internal.U64(id))
	if errors.Is(err, keyspace.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read document")
	}
	doc := &document.Document{}
	if err := doc.Deserialize(raw); err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "corrupt document record")
	}
	return doc, nil
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Insert stores contents under a newly allocated id with revision sequence 0
func (c *Collection) Insert(ctx context.Context, contents []byte) (document.Header, error) {
	return c.db.applyOne(ctx, Operation{Kind: OpInsert, Collection: c.name, Contents: contents})
}

// InsertWithAttachments is Insert with named attachments
func (c *Collection) InsertWithAttachments(ctx context.Context, contents []byte, attachments map[string][]byte) (document.Header, error) {
	return c.db.applyOne(ctx, Operation{Kind: OpInsert, Collection: c.name, Contents: contents, Attachments: attachments})
}

// InsertWithID stores contents under id. Fails with DocumentConflict if a
// live document with this id exists.
func (c *Collection) InsertWithID(ctx context.Context, id uint64, contents []byte) (document.Header, error) {
	if id == 0 {
		return document.Header{}, dberr.New(dberr.CodeInvalidOperation, "document id 0 is reserved")
	}
	return c.db.applyOne(ctx, Operation{Kind: OpInsert, Collection: c.name, ID: id, Contents: contents})
}

// Update replaces the contents of a document. Fails with RevisionMismatch if
// expected is not the stored revision and with NotFound if the document does
// not exist or is deleted.
func (c *Collection) Update(ctx context.Context, id uint64, expected document.Revision, contents []byte) (document.Revision, error) {
	header, err := c.db.applyOne(ctx, Operation{Kind: OpUpdate, Collection: c.name, ID: id, Revision: expected, Contents: contents})
	return header.Revision, err
}

// Delete writes a tombstone that keeps the last revision until compaction
func (c *Collection) Delete(ctx context.Context, id uint64, expected document.Revision) error {
	_, err := c.db.applyOne(ctx, Operation{Kind: OpDelete, Collection: c.name, ID: id, Revision: expected})
	return err
}

// Overwrite stores contents under id without a revision check
func (c *Collection) Overwrite(ctx context.Context, id uint64, contents []byte) (document.Header, error) {
	if id == 0 {
		return document.Header{}, dberr.New(dberr.CodeInvalidOperation, "document id 0 is reserved")
	}
	return c.db.applyOne(ctx, Operation{Kind: OpOverwrite, Collection: c.name, ID: id, Contents: contents})
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Get returns a live document. Fails with NotFound for missing and deleted documents.
func (c *Collection) Get(ctx context.Context, id uint64) (*document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, dberr.Wrap(dberr.CodeTimeout, err, "get cancelled")
	}
	snap, err := c.db.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	doc, err := loadDocument(snap, c.name, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Deleted {
		return nil, dberr.Newf(dberr.CodeNotFound, "document %s/%d not found", c.name, id)
	}
	return doc, nil
}

// GetMultiple returns the live documents among ids, read from one snapshot.
// Missing and deleted documents are skipped.
func (c *Collection) GetMultiple(ctx context.Context, ids ...uint64) ([]*document.Document, error) {
	snap, err := c.db.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	out := make([]*document.Document, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, dberr.Wrap(dberr.CodeTimeout, err, "get cancelled")
		}
		doc, err := loadDocument(snap, c.name, id)
		if err != nil {
			return nil, err
		}
		if doc != nil && !doc.Deleted {
			out = append(out, doc)
		}
	}
	return out, nil
}

// List returns up to limit live documents with id >= start in id order
// (limit <= 0 means all)
func (c *Collection) List(ctx context.Context, start uint64, limit int) ([]*document.Document, error) {
	out := []*document.Document{}
	err := c.scan(ctx, start, func(doc *document.Document) bool {
		if doc.Deleted {
			return true
		}
		out = append(out, doc)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// Count returns the number of live documents
func (c *Collection) Count(ctx context.Context) (int, error) {
	n := 0
	err := c.scan(ctx, 0, func(doc *document.Document) bool {
		if !doc.Deleted {
			n++
		}
		return true
	})
	return n, err
}

// CollectionStats summarizes the documents of a collection
type CollectionStats struct {
	Documents   int64 `json:"documents"`
	Tombstones  int64 `json:"tombstones"`
	TotalBytes  int64 `json:"total_bytes"`
	MedianBytes int64 `json:"median_bytes"`
	P99Bytes    int64 `json:"p99_bytes"`
}

// Stats scans the collection and summarizes the document sizes
func (c *Collection) Stats(ctx context.Context) (CollectionStats, error) {
	hist := util.NewSizeHistogram()
	var tombstones int64
	err := c.scan(ctx, 0, func(doc *document.Document) bool {
		if doc.Deleted {
			tombstones++
			return true
		}
		hist.AddSample(doc.SizeBytes())
		return true
	})
	if err != nil {
		return CollectionStats{}, err
	}
	return CollectionStats{
		Documents:   hist.Count(),
		Tombstones:  tombstones,
		TotalBytes:  hist.Total(),
		MedianBytes: hist.Median(),
		P99Bytes:    hist.Percentile(99),
	}, nil
}

// scan calls fn for every record (tombstones included) with id >= start
// until fn returns false
func (c *Collection) scan(ctx context.Context, start uint64, fn func(doc *document.Document) bool) error {
	snap, err := c.db.snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	it, err := snap.Iterate(c.tree, keyspace.Range{Start: internal.U64(start)})
	if err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to iterate "+c.name)
	}
	defer it.Close()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return dberr.Wrap(dberr.CodeTimeout, err, "scan of "+c.name+" interrupted")
		}
		doc := &document.Document{}
		if err := doc.Deserialize(it.Value()); err != nil {
			return dberr.Wrap(dberr.CodeStorageIO, err, "corrupt document record in "+c.name)
		}
		if !fn(doc) {
			return nil
		}
	}
	if err := it.Err(); err != nil {
		return dberr.Wrap(dberr.CodeStorageIO, err, "failed to iterate "+c.name)
	}
	return nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// Compact removes the tombstones of the collection
func (c *Collection) Compact(ctx context.Context) (int, error) {
	return c.dropTombstones(ctx)
}

// dropTombstones deletes tombstone records under the writer lock so no
// concurrent transaction can re-validate against a removed tombstone
func (c *Collection) dropTombstones(ctx context.Context) (int, error) {
	if err := c.db.checkWritable(); err != nil {
		return 0, err
	}

	c.db.writeMu.Lock()
	defer c.db.writeMu.Unlock()

	var ops []keyspace.Operation
	err := c.scan(ctx, 0, func(doc *document.Document) bool {
		if doc.Deleted {
			ops = append(ops, keyspace.Remove(c.tree, internal.U64(doc.ID)))
		}
		return true
	})
	if err != nil || len(ops) == 0 {
		return 0, err
	}

	w := &batchWriter{ks: c.db.ks, size: c.db.storage.cfg.ReindexBatchSize}
	if err := w.add(ops...); err != nil {
		return 0, c.db.storageFailure(err, "failed to drop tombstones of "+c.name)
	}
	if err := w.flush(); err != nil {
		return 0, c.db.storageFailure(err, "failed to drop tombstones of "+c.name)
	}
	Logger.Infof("dropped %d tombstones of %s/%s", len(ops), c.db.name, c.name)
	return len(ops), nil
}
