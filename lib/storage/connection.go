package storage

import (
	"context"

	"github.com/ValentinKolb/dDoc/lib/document"
)

// Connection is the document contract of one database. *Database implements
// it locally; rpc/client implements it over the network with the same
// atomicity and consistency semantics.
type Connection interface {
	InsertDocument(ctx context.Context, collection string, contents []byte, attachments map[string][]byte) (document.Header, error)
	UpdateDocument(ctx context.Context, collection string, id uint64, expected document.Revision, contents []byte) (document.Revision, error)
	DeleteDocument(ctx context.Context, collection string, id uint64, expected document.Revision) error
	OverwriteDocument(ctx context.Context, collection string, id uint64, contents []byte) (document.Header, error)
	GetDocument(ctx context.Context, collection string, id uint64) (*document.Document, error)
	ListDocuments(ctx context.Context, collection string, start uint64, limit int) ([]*document.Document, error)
	ApplyTransaction(ctx context.Context, ops []Operation) (*Executed, error)

	QueryView(ctx context.Context, view string, q Query) (*QueryResult, error)
	ReduceView(ctx context.Context, view string, q Query) ([]byte, error)
	ReduceGrouped(ctx context.Context, view string, q Query) ([]MappedValue, error)

	LastTransactionID(ctx context.Context) (uint64, error)
	ListExecutedTransactions(ctx context.Context, startingID uint64, limit int) ([]Executed, error)
	Info(ctx context.Context) (*Info, error)
}

var _ Connection = (*Database)(nil)

// --------------------------------------------------------------------------
// Interface Methods (docu see Connection)
// --------------------------------------------------------------------------

func (db *Database) InsertDocument(ctx context.Context, collection string, contents []byte, attachments map[string][]byte) (document.Header, error) {
	c, err := db.Collection(collection)
	if err != nil {
		return document.Header{}, err
	}
	return c.InsertWithAttachments(ctx, contents, attachments)
}

func (db *Database) UpdateDocument(ctx context.Context, collection string, id uint64, expected document.Revision, contents []byte) (document.Revision, error) {
	c, err := db.Collection(collection)
	if err != nil {
		return document.Revision{}, err
	}
	return c.Update(ctx, id, expected, contents)
}

func (db *Database) DeleteDocument(ctx context.Context, collection string, id uint64, expected document.Revision) error {
	c, err := db.Collection(collection)
	if err != nil {
		return err
	}
	return c.Delete(ctx, id, expected)
}

func (db *Database) OverwriteDocument(ctx context.Context, collection string, id uint64, contents []byte) (document.Header, error) {
	c, err := db.Collection(collection)
	if err != nil {
		return document.Header{}, err
	}
	return c.Overwrite(ctx, id, contents)
}

func (db *Database) GetDocument(ctx context.Context, collection string, id uint64) (*document.Document, error) {
	c, err := db.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, id)
}

func (db *Database) ListDocuments(ctx context.Context, collection string, start uint64, limit int) ([]*document.Document, error) {
	c, err := db.Collection(collection)
	if err != nil {
		return nil, err
	}
	return c.List(ctx, start, limit)
}
