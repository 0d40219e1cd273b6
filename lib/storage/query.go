package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage/internal"
)

// Consistency selects whether a query waits for an eventual view
type Consistency uint8

const (
	// ConsistencyStrict waits until the view has applied every transaction
	// committed before the query started (bounded by the context)
	ConsistencyStrict Consistency = iota
	// ConsistencyEventual reads the index as is and never blocks on indexing
	ConsistencyEventual
)

func (c Consistency) String() string {
	if c == ConsistencyEventual {
		return "eventual"
	}
	return "strict"
}

// KeyRange selects emitted keys in [Start, End). A nil bound is unbounded.
type KeyRange struct {
	Start []byte `json:"start,omitempty"`
	End   []byte `json:"end,omitempty"`
}

// Query selects index entries of a view. At most one of Key, Range and
// Prefix may be set; none selects the whole view.
type Query struct {
	Key         []byte      `json:"key,omitempty"`
	Range       *KeyRange   `json:"range,omitempty"`
	Prefix      []byte      `json:"prefix,omitempty"`
	Consistency Consistency `json:"consistency"`
	Descending  bool        `json:"descending,omitempty"`
	Limit       int         `json:"limit,omitempty"` // 0 = unlimited
}

// storedRange maps the query onto the entries tree
func (q Query) storedRange() (keyspace.Range, error) {
	set := 0
	for _, isSet := range []bool{q.Key != nil, q.Range != nil, q.Prefix != nil} {
		if isSet {
			set++
		}
	}
	if set > 1 {
		return keyspace.Range{}, dberr.New(dberr.CodeInvalidOperation, "query may set only one of key, range and prefix")
	}

	var r keyspace.Range
	switch {
	case q.Key != nil:
		r = keyspace.PrefixRange(internal.ExactKeyPrefix(q.Key))
	case q.Prefix != nil:
		r = keyspace.PrefixRange(internal.KeyPrefix(q.Prefix))
	case q.Range != nil:
		if q.Range.Start != nil && q.Range.End != nil && bytes.Compare(q.Range.Start, q.Range.End) > 0 {
			return keyspace.Range{}, dberr.New(dberr.CodeInvalidOperation, "range start is after range end")
		}
		r = keyspace.Range{Start: internal.KeyBound(q.Range.Start), End: internal.KeyBound(q.Range.End)}
	}
	r.Descending = q.Descending
	return r, nil
}

// MappedEntry is one index entry
type MappedEntry struct {
	Key        []byte `json:"key"`
	DocumentID uint64 `json:"document_id"`
	Value      []byte `json:"value"`
}

// MappedValue is a reduced value of one key (or of the whole query)
type MappedValue struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Warning reports a document the map function failed on
type Warning struct {
	DocumentID uint64 `json:"document_id"`
	Message    string `json:"message"`
}

// QueryResult is a materialized query
type QueryResult struct {
	Entries  []MappedEntry `json:"entries"`
	Warnings []Warning     `json:"warnings,omitempty"`
	// IndexedTransactionID is the last transaction reflected in the entries
	IndexedTransactionID uint64 `json:"indexed_transaction_id"`
}

// --------------------------------------------------------------------------
// Rows
// --------------------------------------------------------------------------

// Rows is a lazy cursor over the entries selected by a query. It reads from
// a snapshot, so concurrent commits are not observed, and can be restarted
// with Rewind. Close must be called to release the snapshot.
type Rows struct {
	view     *viewIndex
	snap     keyspace.Snapshot
	r        keyspace.Range
	limit    int
	warnings []Warning
	indexed  uint64

	it    keyspace.Iterator
	count int
	entry MappedEntry
	err   error
}

// Next advances to the next entry
func (rows *Rows) Next() bool {
	if rows.err != nil || rows.snap == nil {
		return false
	}
	if rows.limit > 0 && rows.count >= rows.limit {
		return false
	}
	if rows.it == nil {
		it, err := rows.snap.Iterate(rows.view.entriesTree, rows.r)
		if err != nil {
			rows.err = dberr.Wrap(dberr.CodeStorageIO, err, "failed to iterate view "+rows.view.view.Name)
			return false
		}
		rows.it = it
	}
	if !rows.it.Next() {
		if err := rows.it.Err(); err != nil {
			rows.err = dberr.Wrap(dberr.CodeStorageIO, err, "failed to iterate view "+rows.view.view.Name)
		}
		return false
	}

	key, id, err := internal.ParseEntryKey(rows.it.Key())
	if err != nil {
		rows.view.needsReindex.Store(true)
		rows.err = dberr.Wrap(dberr.CodeCorruptIndex, err, "corrupt entry in view "+rows.view.view.Name)
		return false
	}
	rows.entry = MappedEntry{Key: key, DocumentID: id, Value: rows.it.Value()}
	rows.count++
	return true
}

// Entry returns the current entry
func (rows *Rows) Entry() MappedEntry {
	return rows.entry
}

// Err returns the error that stopped the iteration
func (rows *Rows) Err() error {
	return rows.err
}

// Warnings returns the documents the map function failed on
func (rows *Rows) Warnings() []Warning {
	return rows.warnings
}

// IndexedTransactionID returns the last transaction reflected in the rows
func (rows *Rows) IndexedTransactionID() uint64 {
	return rows.indexed
}

// Rewind restarts the iteration on the same snapshot
func (rows *Rows) Rewind() {
	if rows.it != nil {
		rows.it.Close()
		rows.it = nil
	}
	rows.count = 0
	rows.entry = MappedEntry{}
	rows.err = nil
}

// Close releases the snapshot
func (rows *Rows) Close() {
	if rows.it != nil {
		rows.it.Close()
		rows.it = nil
	}
	if rows.snap != nil {
		rows.snap.Release()
		rows.snap = nil
	}
}

// --------------------------------------------------------------------------
// Query executor
// --------------------------------------------------------------------------

// ScanView opens a cursor over the entries of a view. With strict
// consistency on an eventual view it first waits for the view to apply every
// transaction committed so far; a done ctx yields a Timeout error.
func (db *Database) ScanView(ctx context.Context, view string, q Query) (*Rows, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	v, err := db.view(view)
	if err != nil {
		return nil, err
	}
	r, err := q.storedRange()
	if err != nil {
		return nil, err
	}

	if q.Consistency == ConsistencyStrict {
		if err := v.catchUp(ctx, db.lastTx.Load()); err != nil {
			return nil, err
		}
	}
	if v.needsReindex.Load() && v.view.Policy == schema.PolicyEager {
		if err := v.repair(ctx); err != nil {
			return nil, err
		}
	}

	v.mu.RLock()
	snap, err := db.snapshot()
	indexed := v.watermark.get()
	v.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	warnings, err := v.warnings(snap)
	if err != nil {
		snap.Release()
		return nil, err
	}
	if len(warnings) > 0 && v.view.ErrorPolicy == schema.ErrorPolicyFail {
		snap.Release()
		return nil, dberr.Newf(dberr.CodeViewComputation, "view %s: map failed for document %d: %s",
			view, warnings[0].DocumentID, warnings[0].Message)
	}

	return &Rows{
		view:     v,
		snap:     snap,
		r:        r,
		limit:    q.Limit,
		warnings: warnings,
		indexed:  indexed,
	}, nil
}

// warnings reads the map errors recorded for the view
func (v *viewIndex) warnings(snap keyspace.Snapshot) ([]Warning, error) {
	it, err := snap.Iterate(v.errorsTree, keyspace.Range{})
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeStorageIO, err, "failed to read errors of view "+v.view.Name)
	}
	defer it.Close()

	var out []Warning
	for it.Next() {
		id, ok := internal.ParseU64(it.Key())
		if !ok {
			continue
		}
		out = append(out, Warning{DocumentID: id, Message: string(it.Value())})
	}
	return out, it.Err()
}

// withRepair runs fn and, if it hit a corrupt index, rebuilds the view and
// runs fn once more
func (db *Database) withRepair(ctx context.Context, view string, fn func() error) error {
	err := fn()
	if !errors.Is(err, dberr.ErrCorruptIndex) {
		return err
	}
	v, verr := db.view(view)
	if verr != nil {
		return err
	}
	Logger.Warningf("view %s/%s: %v, rebuilding", db.name, view, err)
	if err := v.repair(ctx); err != nil {
		return err
	}
	return fn()
}

// QueryView materializes the entries selected by q
func (db *Database) QueryView(ctx context.Context, view string, q Query) (*QueryResult, error) {
	var result *QueryResult
	err := db.withRepair(ctx, view, func() error {
		rows, err := db.ScanView(ctx, view, q)
		if err != nil {
			return err
		}
		defer rows.Close()

		result = &QueryResult{Entries: []MappedEntry{}, Warnings: rows.Warnings(), IndexedTransactionID: rows.IndexedTransactionID()}
		for rows.Next() {
			result.Entries = append(result.Entries, rows.Entry())
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReduceView folds the values of all entries selected by q with the view's
// reduce function. Values are passed in ascending (key, document id) order;
// Descending and Limit are ignored.
func (db *Database) ReduceView(ctx context.Context, view string, q Query) ([]byte, error) {
	groups, err := db.reduce(ctx, view, q, false)
	if err != nil {
		return nil, err
	}
	return groups[0].Value, nil
}

// ReduceGrouped reduces the entries of every distinct key selected by q.
// Limit bounds the number of groups.
func (db *Database) ReduceGrouped(ctx context.Context, view string, q Query) ([]MappedValue, error) {
	return db.reduce(ctx, view, q, true)
}

func (db *Database) reduce(ctx context.Context, view string, q Query, grouped bool) ([]MappedValue, error) {
	v, err := db.view(view)
	if err != nil {
		return nil, err
	}
	if !v.view.CanReduce() {
		return nil, dberr.Newf(dberr.CodeUnsupportedOperation, "view %s has no reduce function", view)
	}

	limit := q.Limit
	q.Descending, q.Limit = false, 0

	var out []MappedValue
	err = db.withRepair(ctx, view, func() error {
		rows, err := db.ScanView(ctx, view, q)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		var key []byte
		var values [][]byte
		flush := func() error {
			reduced, err := v.reduceValues(values)
			if err != nil {
				return err
			}
			out = append(out, MappedValue{Key: key, Value: reduced})
			values = nil
			return nil
		}

		for rows.Next() {
			e := rows.Entry()
			if grouped && len(values) > 0 && !bytes.Equal(e.Key, key) {
				if err := flush(); err != nil {
					return err
				}
				if limit > 0 && len(out) >= limit {
					return nil
				}
			}
			if grouped {
				key = e.Key
			}
			values = append(values, e.Value)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if !grouped || len(values) > 0 {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []MappedValue{}
	}
	return out, nil
}

// reduceValues calls the reduce function, converting errors and panics
func (v *viewIndex) reduceValues(values [][]byte) (reduced []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = dberr.Newf(dberr.CodeViewComputation, "reduce of view %s panicked: %v", v.view.Name, r)
		}
	}()
	reduced, err = v.view.Reduce.Reduce(values)
	if err != nil {
		return nil, dberr.Wrap(dberr.CodeViewComputation, err, fmt.Sprintf("reduce of view %s failed", v.view.Name))
	}
	return reduced, nil
}
