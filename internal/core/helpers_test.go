package core_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"path/filepath"
	"testing"

	"gridstore/internal/core"
	"gridstore/internal/storage"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// NewTestStore creates a Store backed by a temporary SQLite database with a
// small chunk size so that every test blob spans several chunks.
func NewTestStore(t *testing.T, opts ...core.ConfigOption) (*core.Store, *storage.SQLite) {
	t.Helper()

	engine := storage.NewSQLite(filepath.Join(t.TempDir(), "store.sqlite"), 16)
	opts = append([]core.ConfigOption{core.WithEngine(engine)}, opts...)

	store, err := core.NewStore(core.NewConfig(opts...))
	require.NoError(t, err, "NewStore error")

	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store, engine
}

type testPart struct {
	field       string
	filename    string
	contentType string
	body        string
}

// multipartBody encodes parts and returns the body with its content type.
// Filenames are written as given, without escaping.
func multipartBody(t *testing.T, parts ...testPart) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		field := p.field
		if field == "" {
			field = "file"
		}

		h := textproto.MIMEHeader{}
		if p.filename != "" {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, p.filename))
		} else {
			h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"`, field))
		}
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}

		w, err := mw.CreatePart(h)
		require.NoError(t, err, "CreatePart error")
		_, err = io.WriteString(w, p.body)
		require.NoError(t, err, "write part")
	}
	require.NoError(t, mw.Close(), "close multipart writer")

	return buf.Bytes(), mw.FormDataContentType()
}

func createParts(t *testing.T, store *core.Store, base map[string]any, parts ...testPart) []core.Record {
	t.Helper()

	body, contentType := multipartBody(t, parts...)
	records, err := store.Create(context.Background(), bytes.NewReader(body), contentType, base)
	require.NoError(t, err, "Create error")
	require.Len(t, records, len(parts), "one record per part")
	return records
}

func recordID(t *testing.T, r core.Record) string {
	t.Helper()

	id, ok := r.ID()
	require.True(t, ok, "record should carry an id")
	return id
}

// recordingSink captures everything a dispatch sends.
type recordingSink struct {
	sent   []any
	empty  int
	header *core.StreamHeader
	body   bytes.Buffer
}

func (s *recordingSink) Send(v any) error {
	s.sent = append(s.sent, v)
	return nil
}

func (s *recordingSink) SendEmpty() error {
	s.empty++
	return nil
}

func (s *recordingSink) OpenStream(h core.StreamHeader) (io.Writer, error) {
	s.header = &h
	return &s.body, nil
}

var errInjected = errors.New("injected failure")

// faultyEngine wraps the SQLite engine and fails selected operations.
type faultyEngine struct {
	*storage.SQLite

	failWriteFor  string
	failChunks    bool
	failFiles     bool
	failUploadFor string
}

func (e *faultyEngine) OpenUploadStream(ctx context.Context, id primitive.ObjectID, filename string, md bson.M) (storage.UploadStream, error) {
	if filename == e.failUploadFor {
		return nil, errInjected
	}
	stream, err := e.SQLite.OpenUploadStream(ctx, id, filename, md)
	if err != nil {
		return nil, err
	}
	if filename == e.failWriteFor {
		return &failingUpload{UploadStream: stream}, nil
	}
	return stream, nil
}

func (e *faultyEngine) DeleteChunks(ctx context.Context, id primitive.ObjectID) (int64, error) {
	if e.failChunks {
		return 0, errInjected
	}
	return e.SQLite.DeleteChunks(ctx, id)
}

func (e *faultyEngine) DeleteFiles(ctx context.Context, query bson.M) (int64, error) {
	if e.failFiles {
		return 0, errInjected
	}
	return e.SQLite.DeleteFiles(ctx, query)
}

type failingUpload struct {
	storage.UploadStream
}

func (u *failingUpload) Write(p []byte) (int, error) {
	return 0, errInjected
}

func newFaultyStore(t *testing.T, engine *faultyEngine) *core.Store {
	t.Helper()

	engine.SQLite = storage.NewSQLite(filepath.Join(t.TempDir(), "faulty.sqlite"), 16)
	store, err := core.NewStore(core.NewConfig(core.WithEngine(engine)))
	require.NoError(t, err, "NewStore error")

	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}
