package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/dDoc/lib/dberr"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/stretchr/testify/require"
)

func notesSchema(t *testing.T, collections ...string) *schema.Schema {
	s := schema.New("notes")
	for _, c := range collections {
		_, err := s.DefineCollection(c)
		require.NoError(t, err)
	}
	return s
}

func openNotes(t *testing.T, collections ...string) *storage.Database {
	s, err := storage.New(storage.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	db, err := s.Create(context.Background(), notesSchema(t, collections...))
	require.NoError(t, err)
	return db
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := openNotes(t, "notes", "tags")
	a, err := src.InsertDocument(ctx, "notes", []byte("first"), map[string][]byte{"img.png": []byte("png")})
	require.NoError(t, err)
	_, err = src.UpdateDocument(ctx, "notes", a.ID, a.Revision, []byte("first, edited"))
	require.NoError(t, err)
	b, err := src.InsertDocument(ctx, "notes", []byte("second"), nil)
	require.NoError(t, err)
	require.NoError(t, src.DeleteDocument(ctx, "notes", b.ID, b.Revision))
	_, err = src.OverwriteDocument(ctx, "tags", 42, []byte("go"))
	require.NoError(t, err)

	stats, err := Save(ctx, src, dir)
	require.NoError(t, err)
	require.Equal(t, Stats{Documents: 2, Attachments: 1, Transactions: 5}, stats)

	_, err = os.Stat(filepath.Join(dir, "notes", "notes", "1.1"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "notes", "notes", "1.1.attachments", "img.png"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "notes", "_transactions", "5"))
	require.NoError(t, err)

	dst := openNotes(t, "notes", "tags")
	stats, err = Load(ctx, dst, dir)
	require.NoError(t, err)
	require.Equal(t, Stats{Documents: 2, Attachments: 1, Transactions: 5}, stats)

	doc, err := dst.GetDocument(ctx, "notes", a.ID)
	require.NoError(t, err)
	require.Equal(t, "first, edited", string(doc.Contents))
	require.Equal(t, []byte("png"), doc.Attachments["img.png"])

	_, err = dst.GetDocument(ctx, "notes", b.ID)
	require.ErrorIs(t, err, dberr.ErrNotFound)

	doc, err = dst.GetDocument(ctx, "tags", 42)
	require.NoError(t, err)
	require.Equal(t, "go", string(doc.Contents))
}

func TestLoadUnknownCollection(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := openNotes(t, "notes", "tags")
	_, err := src.InsertDocument(ctx, "tags", []byte("x"), nil)
	require.NoError(t, err)
	_, err = Save(ctx, src, dir)
	require.NoError(t, err)

	dst := openNotes(t, "notes")
	_, err = Load(ctx, dst, dir)
	require.ErrorIs(t, err, dberr.ErrNotFound)
}

func TestListArchivedKeepsLatestSequence(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"3.1", "3.4", "1.1", "3.2"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}

	docs, err := listArchived(dir)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, uint64(1), docs[0].id)
	require.Equal(t, uint64(3), docs[1].id)
	require.Equal(t, uint32(4), docs[1].sequence)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk"), nil, 0o644))
	_, err = listArchived(dir)
	require.ErrorIs(t, err, dberr.ErrInvalidOperation)
}
