package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/keyspace"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage/internal"
)

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

// OpKind is the kind of a staged document operation
type OpKind uint8

const (
	OpInsert    OpKind = iota + 1 // create a document (ID 0 allocates a new id)
	OpUpdate                      // replace contents, requires the current revision
	OpDelete                      // write a tombstone, requires the current revision
	OpOverwrite                   // replace or create without a revision check
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpOverwrite:
		return "overwrite"
	default:
		return "unknown"
	}
}

// Operation is one staged document mutation
type Operation struct {
	Kind        OpKind
	Collection  string
	ID          uint64
	Revision    document.Revision // expected revision for OpUpdate and OpDelete
	Contents    []byte
	Attachments map[string][]byte // nil keeps the attachments on update
}

// ChangedDocument is one document touched by a committed transaction
type ChangedDocument struct {
	Collection string            `json:"collection"`
	ID         uint64            `json:"id"`
	Revision   document.Revision `json:"revision"`
	Deleted    bool              `json:"deleted"`
}

// Executed describes a committed transaction
type Executed struct {
	ID        uint64            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Changes   []ChangedDocument `json:"changes"` // ordered by collection, then id
	Results   []document.Header `json:"results,omitempty"`
}

func executedFromRecord(rec *internal.TxRecord) Executed {
	e := Executed{
		ID:        rec.ID,
		Timestamp: time.Unix(0, rec.Timestamp).UTC(),
		Changes:   make([]ChangedDocument, len(rec.Changes)),
	}
	for i, c := range rec.Changes {
		e.Changes[i] = ChangedDocument(c)
	}
	return e
}

// --------------------------------------------------------------------------
// Transaction
// --------------------------------------------------------------------------

// State is the lifecycle state of a transaction
type State uint8

const (
	StateOpen State = iota
	StateValidating
	StateCommitting
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateValidating:
		return "validating"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transaction buffers document operations of one database and applies them
// atomically on Commit. The id is assigned at commit time, so ids are gap
// free and follow commit order.
type Transaction struct {
	db    *Database
	mu    sync.Mutex
	state State
	ops   []Operation
}

// Begin starts a new transaction
func (db *Database) Begin() *Transaction {
	return &Transaction{db: db}
}

// State returns the current state
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Stage buffers op. Nothing is persisted before Commit.
func (tx *Transaction) Stage(op Operation) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != StateOpen {
		return dberr.Newf(dberr.CodeInvalidOperation, "cannot stage into a %s transaction", tx.state)
	}
	if op.Kind < OpInsert || op.Kind > OpOverwrite {
		return dberr.Newf(dberr.CodeInvalidOperation, "unknown operation kind %d", op.Kind)
	}
	// id 0 only means "assign the next id" for inserts
	if op.ID == 0 && op.Kind != OpInsert {
		return dberr.Newf(dberr.CodeInvalidOperation, "document id 0 is reserved for %s", op.Kind)
	}
	if _, ok := tx.db.collections[op.Collection]; !ok {
		return dberr.Newf(dberr.CodeNotFound, "collection %s does not exist", op.Collection)
	}
	tx.ops = append(tx.ops, op)
	return nil
}

// Insert stages the creation of a document with a new id
func (tx *Transaction) Insert(collection string, contents []byte) error {
	return tx.Stage(Operation{Kind: OpInsert, Collection: collection, Contents: contents})
}

// Update stages an update against the expected revision
func (tx *Transaction) Update(collection string, id uint64, expected document.Revision, contents []byte) error {
	return tx.Stage(Operation{Kind: OpUpdate, Collection: collection, ID: id, Revision: expected, Contents: contents})
}

// Delete stages a delete against the expected revision
func (tx *Transaction) Delete(collection string, id uint64, expected document.Revision) error {
	return tx.Stage(Operation{Kind: OpDelete, Collection: collection, ID: id, Revision: expected})
}

// Overwrite stages an unconditional write
func (tx *Transaction) Overwrite(collection string, id uint64, contents []byte) error {
	return tx.Stage(Operation{Kind: OpOverwrite, Collection: collection, ID: id, Contents: contents})
}

// Abort discards the staged operations
func (tx *Transaction) Abort() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == StateOpen {
		tx.state = StateAborted
		tx.ops = nil
	}
}

func (tx *Transaction) setState(s State) {
	tx.mu.Lock()
	tx.state = s
	tx.mu.Unlock()
}

// Commit validates every staged operation against the current durable state
// and applies all of them in one atomic keyspace write together with the
// transaction record and the index changes of eager views.
//
// A validation failure aborts the transaction with a TransactionAborted error
// wrapping the cause (RevisionMismatch, NotFound or DocumentConflict); the
// keyspace is left untouched. A transaction too large for one keyspace batch
// is aborted the same way. Any other keyspace failure marks the database
// suspect.
func (tx *Transaction) Commit(ctx context.Context) (*Executed, error) {
	tx.mu.Lock()
	if tx.state != StateOpen {
		state := tx.state
		tx.mu.Unlock()
		return nil, dberr.Newf(dberr.CodeInvalidOperation, "cannot commit a %s transaction", state)
	}
	tx.state = StateValidating
	ops := tx.ops
	tx.mu.Unlock()

	db := tx.db
	if len(ops) == 0 {
		tx.setState(StateAborted)
		return nil, dberr.New(dberr.CodeInvalidOperation, "transaction has no operations")
	}
	if err := ctx.Err(); err != nil {
		tx.setState(StateAborted)
		return nil, dberr.Wrap(dberr.CodeTransactionAborted, err, "transaction cancelled before commit")
	}

	start := time.Now()
	executed, err := db.commit(ctx, ops, func(s State) { tx.setState(s) })
	if err != nil {
		tx.setState(StateAborted)
		db.metrics.aborted.Inc()
		return nil, err
	}
	tx.setState(StateCommitted)
	db.metrics.committed.Inc()
	db.metrics.documents.Add(len(executed.Changes))
	db.metrics.commitDuration.Update(time.Since(start).Seconds())
	return executed, nil
}

// --------------------------------------------------------------------------
// Commit pipeline
// --------------------------------------------------------------------------

type docRef struct {
	collection string
	id         uint64
}

// plan holds the state a transaction produces before it is written
type plan struct {
	db        *Database
	snap      keyspace.Snapshot
	docs      map[docRef]*document.Document // nil value = never existed
	sequences map[string]uint64
	dirtySeq  map[string]bool
	results   []document.Header
}

func (p *plan) load(ref docRef) (*document.Document, error) {
	if doc, ok := p.docs[ref]; ok {
		return doc, nil
	}
	doc, err := loadDocument(p.snap, ref.collection, ref.id)
	if err != nil {
		return nil, err
	}
	p.docs[ref] = doc
	return doc, nil
}

func (p *plan) sequence(collection string) (uint64, error) {
	if seq, ok := p.sequences[collection]; ok {
		return seq, nil
	}
	seq, err := readU64(p.snap, internal.TreeMeta, internal.MetaSequence(collection))
	if err != nil {
		return 0, err
	}
	p.sequences[collection] = seq
	return seq, nil
}

func (p *plan) bumpSequence(collection string, id uint64) error {
	seq, err := p.sequence(collection)
	if err != nil {
		return err
	}
	if id > seq {
		p.sequences[collection] = id
		p.dirtySeq[collection] = true
	}
	return nil
}

// apply validates op against the planned state and records its effect
func (p *plan) apply(op Operation) error {
	id := op.ID
	if op.Kind == OpInsert && id == 0 {
		seq, err := p.sequence(op.Collection)
		if err != nil {
			return err
		}
		id = seq + 1
	}
	ref := docRef{collection: op.Collection, id: id}

	current, err := p.load(ref)
	if err != nil {
		return err
	}
	live := current != nil && !current.Deleted

	var next *document.Document
	switch op.Kind {
	case OpInsert, OpOverwrite:
		if op.Kind == OpInsert && live {
			return dberr.Newf(dberr.CodeDocumentConflict, "document %s/%d already exists", op.Collection, id)
		}
		rev := document.NewRevision(op.Contents)
		if current != nil {
			// continue the sequence of a tombstone so stale revisions never match again
			if rev, err = current.Revision.Next(op.Contents); err != nil {
				return dberr.Wrap(dberr.CodeInvalidOperation, err, fmt.Sprintf("document %s/%d cannot be written again", op.Collection, id))
			}
		}
		next = &document.Document{
			Header:      document.Header{ID: id, Revision: rev},
			Contents:    op.Contents,
			Attachments: op.Attachments,
		}
		if err := p.bumpSequence(op.Collection, id); err != nil {
			return err
		}

	case OpUpdate, OpDelete:
		if !live {
			return dberr.Newf(dberr.CodeNotFound, "document %s/%d not found", op.Collection, id)
		}
		if current.Revision != op.Revision {
			return dberr.Newf(dberr.CodeRevisionMismatch, "document %s/%d has revision %s, expected %s",
				op.Collection, id, current.Revision, op.Revision)
		}
		if op.Kind == OpDelete {
			next = &document.Document{
				Header:  document.Header{ID: id, Revision: current.Revision},
				Deleted: true,
			}
			break
		}
		attachments := op.Attachments
		if attachments == nil {
			attachments = current.Attachments
		}
		rev, err := current.Revision.Next(op.Contents)
		if err != nil {
			return dberr.Wrap(dberr.CodeInvalidOperation, err, fmt.Sprintf("document %s/%d cannot be updated again", op.Collection, id))
		}
		next = &document.Document{
			Header:      document.Header{ID: id, Revision: rev},
			Contents:    op.Contents,
			Attachments: attachments,
		}
	}

	p.docs[ref] = next
	p.results = append(p.results, next.Header)
	return nil
}

// changed returns the touched documents in collection-then-id order
func (p *plan) changed(original map[docRef]bool) []docRef {
	refs := make([]docRef, 0, len(original))
	for ref := range original {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].collection != refs[j].collection {
			return refs[i].collection < refs[j].collection
		}
		return refs[i].id < refs[j].id
	})
	return refs
}

func (db *Database) commit(ctx context.Context, ops []Operation, setState func(State)) (*Executed, error) {
	if err := db.checkWritable(); err != nil {
		return nil, err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if err := db.checkWritable(); err != nil {
		return nil, err
	}

	snap, err := db.ks.Snapshot()
	if err != nil {
		return nil, db.storageFailure(err, "failed to take commit snapshot")
	}
	defer snap.Release()

	// validate
	p := &plan{
		db:        db,
		snap:      snap,
		docs:      make(map[docRef]*document.Document),
		sequences: make(map[string]uint64),
		dirtySeq:  make(map[string]bool),
	}
	touched := make(map[docRef]bool)
	for i, op := range ops {
		if err := p.apply(op); err != nil {
			if dberr.CodeOf(err) == dberr.CodeStorageIO {
				return nil, err
			}
			return nil, dberr.Wrap(dberr.CodeTransactionAborted, err, fmt.Sprintf("operation %d (%s) failed validation", i, op.Kind))
		}
		touched[docRef{collection: op.Collection, id: p.results[i].ID}] = true
	}
	setState(StateCommitting)

	// build the batch
	txID := db.lastTx.Load() + 1
	now := time.Now()
	refs := p.changed(touched)

	rec := internal.TxRecord{ID: txID, Timestamp: now.UnixNano(), Changes: make([]internal.ChangeRecord, len(refs))}
	batch := make([]keyspace.Operation, 0, len(refs)+len(p.dirtySeq)+2)
	byCollection := make(map[string][]*document.Document)

	for i, ref := range refs {
		doc := p.docs[ref]
		batch = append(batch, keyspace.Put(internal.CollectionTree(ref.collection), internal.U64(ref.id), doc.Serialize()))
		rec.Changes[i] = internal.ChangeRecord{Collection: ref.collection, ID: ref.id, Revision: doc.Revision, Deleted: doc.Deleted}
		byCollection[ref.collection] = append(byCollection[ref.collection], doc)
	}
	for collection := range p.dirtySeq {
		batch = append(batch, keyspace.Put(internal.TreeMeta, internal.MetaSequence(collection), internal.U64(p.sequences[collection])))
	}
	batch = append(batch,
		keyspace.Put(internal.TreeTransactions, internal.U64(txID), rec.Serialize()),
		keyspace.Put(internal.TreeMeta, internal.MetaLastTransaction, internal.U64(txID)),
	)

	// eager index deltas become part of the same batch
	var events []Event
	var corrupt []*viewIndex
	for _, v := range db.eagerViews() {
		if docs := byCollection[v.view.Collection]; len(docs) > 0 {
			delta, err := v.delta(snap, docs)
			if errors.Is(err, dberr.ErrCorruptIndex) {
				corrupt = append(corrupt, v)
				continue
			}
			if err != nil {
				return nil, err
			}
			batch = append(batch, delta.ops...)
			events = append(events, v.events(delta.keys, txID)...)
		}
		batch = append(batch, keyspace.Put(internal.TreeMeta, internal.MetaViewIndexed(v.view.Name), internal.U64(txID)))
	}

	if err := db.ks.Write(batch); err != nil {
		if errors.Is(err, keyspace.ErrBatchTooLarge) {
			return nil, dberr.Wrap(dberr.CodeTransactionAborted, err, fmt.Sprintf("transaction of %d operations is too large", len(ops)))
		}
		return nil, db.storageFailure(err, "failed to write transaction")
	}
	db.lastTx.Store(txID)

	for _, v := range db.views {
		if v.view.Policy == schema.PolicyEager {
			v.watermark.advance(txID)
		} else {
			v.wakeUp()
		}
	}
	for _, v := range corrupt {
		Logger.Warningf("index of view %s is corrupt, rebuilding", v.view.Name)
		if err := v.reindexLocked(ctx); err != nil {
			Logger.Errorf("failed to rebuild view %s: %v", v.view.Name, err)
		}
	}

	executed := &Executed{
		ID:        txID,
		Timestamp: now.UTC(),
		Changes:   make([]ChangedDocument, len(rec.Changes)),
		Results:   p.results,
	}
	docEvents := make([]Event, 0, len(rec.Changes)+len(events))
	for i, c := range rec.Changes {
		executed.Changes[i] = ChangedDocument(c)
		docEvents = append(docEvents, Event{
			Kind:          EventDocumentChanged,
			Database:      db.name,
			Source:        c.Collection,
			DocumentID:    c.ID,
			TransactionID: txID,
			Deleted:       c.Deleted,
		})
	}
	db.storage.notifier.Publish(append(docEvents, events...))
	return executed, nil
}

// eagerViews returns the eager views in name order
func (db *Database) eagerViews() []*viewIndex {
	var out []*viewIndex
	for _, v := range db.schema.Views() {
		if v.Policy == schema.PolicyEager {
			out = append(out, db.views[v.Name])
		}
	}
	return out
}

// ApplyTransaction commits ops as one transaction
func (db *Database) ApplyTransaction(ctx context.Context, ops []Operation) (*Executed, error) {
	tx := db.Begin()
	for _, op := range ops {
		if err := tx.Stage(op); err != nil {
			tx.Abort()
			return nil, err
		}
	}
	return tx.Commit(ctx)
}

// applyOne commits a single operation and reports the validation cause
// instead of the TransactionAborted wrapper
func (db *Database) applyOne(ctx context.Context, op Operation) (document.Header, error) {
	executed, err := db.ApplyTransaction(ctx, []Operation{op})
	if err != nil {
		var e *dberr.Error
		if errors.As(err, &e) && e.Code == dberr.CodeTransactionAborted && e.Cause != nil {
			return document.Header{}, e.Cause
		}
		return document.Header{}, err
	}
	return executed.Results[0], nil
}
