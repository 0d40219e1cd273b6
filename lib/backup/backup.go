// Package backup exports a database to a directory tree and imports it back.
//
// Layout below the backup directory:
//
//	<database>/<collection>/<id>.<sequence>                 document contents
//	<database>/<collection>/<id>.<sequence>.attachments/<n>  attachment n
//	<database>/_transactions/<id>                           executed transaction (JSON)
//
// Both directions only use storage.Connection, so a backup can be taken from
// a local database or through the rpc client. Load restores documents with
// overwrite operations: ids and contents are kept, revisions and transaction
// ids are assigned anew by the target database.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/document"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/goccy/go-json"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("backup")

const (
	transactionsDir   = "_transactions"
	attachmentsSuffix = ".attachments"
	pageSize          = 256
)

// Stats counts what a Save or Load processed
type Stats struct {
	Documents    int `json:"documents"`
	Attachments  int `json:"attachments"`
	Transactions int `json:"transactions"`
}

func (s Stats) String() string {
	return fmt.Sprintf("%d documents, %d attachments, %d transactions", s.Documents, s.Attachments, s.Transactions)
}

// --------------------------------------------------------------------------
// Save
// --------------------------------------------------------------------------

// Save writes every live document and the transaction log of conn to
// dir/<database>. An existing backup of the same database is replaced.
func Save(ctx context.Context, conn storage.Connection, dir string) (Stats, error) {
	var stats Stats

	info, err := conn.Info(ctx)
	if err != nil {
		return stats, err
	}
	root := filepath.Join(dir, info.Name)
	if err := os.RemoveAll(root); err != nil {
		return stats, ioError(err, "failed to clear "+root)
	}

	for _, collection := range info.Collections {
		if err := saveCollection(ctx, conn, filepath.Join(root, collection), collection, &stats); err != nil {
			return stats, err
		}
	}
	if err := saveTransactions(ctx, conn, filepath.Join(root, transactionsDir), &stats); err != nil {
		return stats, err
	}

	Logger.Infof("saved %s to %s: %s", info.Name, root, stats)
	return stats, nil
}

func saveCollection(ctx context.Context, conn storage.Connection, dir, collection string, stats *Stats) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError(err, "failed to create "+dir)
	}

	var start uint64
	for {
		docs, err := conn.ListDocuments(ctx, collection, start, pageSize)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := saveDocument(dir, doc, stats); err != nil {
				return err
			}
			start = doc.ID + 1
		}
		if len(docs) < pageSize {
			return nil
		}
	}
}

func saveDocument(dir string, doc *document.Document, stats *Stats) error {
	name := fmt.Sprintf("%d.%d", doc.ID, doc.Revision.Sequence)
	if err := os.WriteFile(filepath.Join(dir, name), doc.Contents, 0o644); err != nil {
		return ioError(err, "failed to write document "+name)
	}
	stats.Documents++

	if len(doc.Attachments) == 0 {
		return nil
	}
	adir := filepath.Join(dir, name+attachmentsSuffix)
	if err := os.MkdirAll(adir, 0o755); err != nil {
		return ioError(err, "failed to create "+adir)
	}
	for aname, data := range doc.Attachments {
		if aname == "" || strings.ContainsAny(aname, `/\`) || aname == "." || aname == ".." {
			return dberr.Newf(dberr.CodeInvalidOperation, "attachment name %q of document %d cannot be stored as a file", aname, doc.ID)
		}
		if err := os.WriteFile(filepath.Join(adir, aname), data, 0o644); err != nil {
			return ioError(err, "failed to write attachment "+aname)
		}
		stats.Attachments++
	}
	return nil
}

func saveTransactions(ctx context.Context, conn storage.Connection, dir string, stats *Stats) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError(err, "failed to create "+dir)
	}

	start := uint64(1)
	for {
		txs, err := conn.ListExecutedTransactions(ctx, start, pageSize)
		if err != nil {
			return err
		}
		for _, tx := range txs {
			data, err := json.Marshal(tx)
			if err != nil {
				return dberr.Wrap(dberr.CodeInternal, err, "failed to encode transaction")
			}
			if err := os.WriteFile(filepath.Join(dir, strconv.FormatUint(tx.ID, 10)), data, 0o644); err != nil {
				return ioError(err, "failed to write transaction")
			}
			stats.Transactions++
			start = tx.ID + 1
		}
		if len(txs) < pageSize {
			return nil
		}
	}
}

// --------------------------------------------------------------------------
// Load
// --------------------------------------------------------------------------

// archived is one document file of a backup
type archived struct {
	id       uint64
	sequence uint32
	path     string
}

// Load restores the documents saved under dir/<database> into conn. Each
// collection is written in batches of overwrite operations; a batch is one
// transaction. Collections missing from the target schema fail the load.
// Saved transactions are counted but not replayed.
func Load(ctx context.Context, conn storage.Connection, dir string) (Stats, error) {
	var stats Stats

	info, err := conn.Info(ctx)
	if err != nil {
		return stats, err
	}
	root := filepath.Join(dir, info.Name)
	entries, err := os.ReadDir(root)
	if err != nil {
		return stats, ioError(err, "failed to read backup "+root)
	}

	known := make(map[string]bool, len(info.Collections))
	for _, c := range info.Collections {
		known[c] = true
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == transactionsDir {
			txs, err := os.ReadDir(filepath.Join(root, transactionsDir))
			if err != nil {
				return stats, ioError(err, "failed to read transactions")
			}
			stats.Transactions = len(txs)
			continue
		}
		if !known[e.Name()] {
			return stats, dberr.Newf(dberr.CodeNotFound, "backup contains collection %s which database %s does not have", e.Name(), info.Name)
		}
		if err := loadCollection(ctx, conn, filepath.Join(root, e.Name()), e.Name(), &stats); err != nil {
			return stats, err
		}
	}

	Logger.Infof("loaded %s from %s: %s", info.Name, root, stats)
	return stats, nil
}

func loadCollection(ctx context.Context, conn storage.Connection, dir, collection string, stats *Stats) error {
	docs, err := listArchived(dir)
	if err != nil {
		return err
	}

	batch := make([]storage.Operation, 0, pageSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := conn.ApplyTransaction(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for _, d := range docs {
		contents, err := os.ReadFile(d.path)
		if err != nil {
			return ioError(err, "failed to read "+d.path)
		}
		attachments, err := readAttachments(d.path + attachmentsSuffix)
		if err != nil {
			return err
		}
		batch = append(batch, storage.Operation{
			Kind:        storage.OpOverwrite,
			Collection:  collection,
			ID:          d.id,
			Contents:    contents,
			Attachments: attachments,
		})
		stats.Documents++
		stats.Attachments += len(attachments)

		if len(batch) == pageSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// listArchived returns the document files of a collection directory. When a
// document was saved more than once the highest sequence wins.
func listArchived(dir string) ([]archived, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, ioError(err, "failed to read "+dir)
	}

	latest := make(map[uint64]archived)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idPart, seqPart, ok := strings.Cut(e.Name(), ".")
		if !ok {
			return nil, dberr.Newf(dberr.CodeInvalidOperation, "unexpected file %s in %s", e.Name(), dir)
		}
		id, err := strconv.ParseUint(idPart, 10, 64)
		if err != nil {
			return nil, dberr.Newf(dberr.CodeInvalidOperation, "invalid document id in %s", e.Name())
		}
		seq, err := strconv.ParseUint(seqPart, 10, 32)
		if err != nil {
			return nil, dberr.Newf(dberr.CodeInvalidOperation, "invalid sequence in %s", e.Name())
		}
		if prev, ok := latest[id]; ok && prev.sequence >= uint32(seq) {
			continue
		}
		latest[id] = archived{id: id, sequence: uint32(seq), path: filepath.Join(dir, e.Name())}
	}

	out := make([]archived, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

func readAttachments(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError(err, "failed to read "+dir)
	}
	attachments := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, ioError(err, "failed to read attachment "+e.Name())
		}
		attachments[e.Name()] = data
	}
	return attachments, nil
}

func ioError(err error, msg string) error {
	return dberr.Wrap(dberr.CodeStorageIO, err, msg)
}
