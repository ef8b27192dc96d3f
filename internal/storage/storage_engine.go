package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned when no file document matches a point lookup.
var ErrNotFound = errors.New("file not found")

// File is the descriptor document stored for every blob. Its layout follows
// the GridFS files collection.
type File struct {
	ID           primitive.ObjectID `bson:"_id"`
	Length       int64              `bson:"length"`
	ChunkSize    int32              `bson:"chunkSize"`
	UploadDate   time.Time          `bson:"uploadDate"`
	LastModified *time.Time         `bson:"lastModified,omitempty"`
	Filename     string             `bson:"filename"`
	Metadata     bson.M             `bson:"metadata,omitempty"`
}

// Document returns the file as a generic document keyed by its stored field
// names, suitable for query matching and projection.
func (f File) Document() bson.M {
	doc := bson.M{
		"_id":        f.ID,
		"length":     f.Length,
		"chunkSize":  f.ChunkSize,
		"uploadDate": f.UploadDate,
		"filename":   f.Filename,
	}
	if f.LastModified != nil {
		doc["lastModified"] = *f.LastModified
	}
	if f.Metadata != nil {
		doc["metadata"] = f.Metadata
	}
	return doc
}

// FindOptions bounds a Find call. A zero Limit means unbounded.
type FindOptions struct {
	Skip  int64
	Limit int64
}

// UploadStream receives the bytes of one blob. Chunks are persisted as the
// stream fills; the descriptor document is written by Close.
type UploadStream interface {
	io.Writer

	// Close flushes the final chunk and writes the file document.
	Close() error

	// Abort discards every chunk written so far. The file document is
	// never written.
	Abort() error

	// File returns the persisted descriptor. It is only meaningful after
	// Close returned nil.
	File() File
}

// Engine is the chunked blob backend. Queries are MongoDB-style filter
// documents addressed at the files collection.
type Engine interface {
	// Connect establishes the underlying connection. It is idempotent and
	// safe for concurrent use.
	Connect(ctx context.Context) error

	// Find returns every file document matching query, honouring skip and
	// limit.
	Find(ctx context.Context, query bson.M, opts FindOptions) ([]File, error)

	// FindOne returns the first file document matching query, or
	// ErrNotFound.
	FindOne(ctx context.Context, query bson.M) (File, error)

	// UpdateOne applies set as a field-wise $set on the first matching
	// file document and stamps lastModified with the current time. It
	// returns the number of matched documents.
	UpdateOne(ctx context.Context, query bson.M, set bson.M) (int64, error)

	// OpenUploadStream starts a new blob with the given id.
	OpenUploadStream(ctx context.Context, id primitive.ObjectID, filename string, metadata bson.M) (UploadStream, error)

	// OpenDownloadStream returns the blob bytes in chunk order, or
	// ErrNotFound when no file document exists for id.
	OpenDownloadStream(ctx context.Context, id primitive.ObjectID) (io.ReadCloser, error)

	// DeleteChunks removes every chunk belonging to id.
	DeleteChunks(ctx context.Context, id primitive.ObjectID) (int64, error)

	// DeleteFiles removes every file document matching query. Chunks are
	// left untouched.
	DeleteFiles(ctx context.Context, query bson.M) (int64, error)

	// Close releases the connection, if one was established.
	Close(ctx context.Context) error
}
