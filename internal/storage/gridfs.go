package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFS is an Engine backed by a MongoDB GridFS bucket.
type GridFS struct {
	uri       string
	database  string
	bucket    string
	chunkSize int32
	conn      *Connector[*mongo.Client]
}

// NewGridFS returns an engine for the bucket named bucketName inside
// database. The client is connected lazily.
func NewGridFS(uri string, database string, bucketName string, chunkSizeBytes int32) *GridFS {
	if bucketName == "" {
		bucketName = options.DefaultName
	}
	if chunkSizeBytes <= 0 {
		chunkSizeBytes = DefaultChunkSizeBytes
	}
	g := &GridFS{
		uri:       uri,
		database:  database,
		bucket:    bucketName,
		chunkSize: chunkSizeBytes,
	}
	g.conn = NewConnector(g.open)
	return g
}

func (g *GridFS) open(ctx context.Context) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(g.uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	slog.Info("Mongo connection established", "database", g.database, "bucket", g.bucket)
	return client, nil
}

// Connect establishes and verifies the client connection.
func (g *GridFS) Connect(ctx context.Context) error {
	_, err := g.conn.Get(ctx)
	return err
}

// Close disconnects the client.
func (g *GridFS) Close(ctx context.Context) error {
	return g.conn.Close(func(client *mongo.Client) error {
		return client.Disconnect(ctx)
	})
}

// openBucket returns a bucket handle for one operation. Bucket deadlines are
// per handle, so handles are never shared between operations.
func (g *GridFS) openBucket(ctx context.Context) (*gridfs.Bucket, error) {
	client, err := g.conn.Get(ctx)
	if err != nil {
		return nil, err
	}

	opts := options.GridFSBucket().
		SetName(g.bucket).
		SetChunkSizeBytes(g.chunkSize)

	bucket, err := gridfs.NewBucket(client.Database(g.database), opts)
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket %s: %w", g.bucket, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := bucket.SetWriteDeadline(deadline); err != nil {
			return nil, err
		}
		if err := bucket.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	}
	return bucket, nil
}

func (g *GridFS) files(ctx context.Context) (*mongo.Collection, error) {
	bucket, err := g.openBucket(ctx)
	if err != nil {
		return nil, err
	}
	return bucket.GetFilesCollection(), nil
}

// Find queries the files collection in natural order.
func (g *GridFS) Find(ctx context.Context, query bson.M, opts FindOptions) ([]File, error) {
	coll, err := g.files(ctx)
	if err != nil {
		return nil, err
	}

	findOpts := options.Find()
	if opts.Skip > 0 {
		findOpts.SetSkip(opts.Skip)
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(opts.Limit)
	}

	cursor, err := coll.Find(ctx, query, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}

	var out []File
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return out, nil
}

// FindOne returns the first matching file document.
func (g *GridFS) FindOne(ctx context.Context, query bson.M) (File, error) {
	coll, err := g.files(ctx)
	if err != nil {
		return File{}, err
	}

	var f File
	err = coll.FindOne(ctx, query).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return File{}, ErrNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("find file: %w", err)
	}
	return f, nil
}

// UpdateOne applies set with $set and stamps lastModified.
func (g *GridFS) UpdateOne(ctx context.Context, query bson.M, set bson.M) (int64, error) {
	coll, err := g.files(ctx)
	if err != nil {
		return 0, err
	}

	update := bson.M{
		"$currentDate": bson.M{"lastModified": true},
	}
	if len(set) > 0 {
		update["$set"] = set
	}

	res, err := coll.UpdateOne(ctx, query, update)
	if err != nil {
		return 0, fmt.Errorf("update file: %w", err)
	}
	return res.MatchedCount, nil
}

// OpenUploadStream starts a GridFS upload under id.
func (g *GridFS) OpenUploadStream(ctx context.Context, id primitive.ObjectID, filename string, metadata bson.M) (UploadStream, error) {
	bucket, err := g.openBucket(ctx)
	if err != nil {
		return nil, err
	}

	opts := options.GridFSUpload()
	if metadata != nil {
		opts.SetMetadata(metadata)
	}

	stream, err := bucket.OpenUploadStreamWithID(id, filename, opts)
	if err != nil {
		return nil, fmt.Errorf("open upload stream: %w", err)
	}

	return &gridfsUpload{
		ctx:    ctx,
		engine: g,
		stream: stream,
		file: File{
			ID:        id,
			ChunkSize: g.chunkSize,
			Filename:  filename,
			Metadata:  metadata,
		},
	}, nil
}

type gridfsUpload struct {
	ctx    context.Context
	engine *GridFS
	stream *gridfs.UploadStream
	file   File
}

func (u *gridfsUpload) Write(p []byte) (int, error) {
	n, err := u.stream.Write(p)
	u.file.Length += int64(n)
	return n, err
}

func (u *gridfsUpload) Close() error {
	if err := u.stream.Close(); err != nil {
		return fmt.Errorf("close upload stream: %w", err)
	}

	// Read back the descriptor so the upload date is the stored one.
	stored, err := u.engine.FindOne(u.ctx, bson.M{"_id": u.file.ID})
	if err != nil {
		slog.Warn("Read back uploaded file", "id", u.file.ID.Hex(), "err", err)
		u.file.UploadDate = time.Now().UTC().Truncate(time.Millisecond)
		return nil
	}
	u.file = stored
	return nil
}

func (u *gridfsUpload) Abort() error {
	if err := u.stream.Abort(); err != nil {
		return fmt.Errorf("abort upload stream: %w", err)
	}
	return nil
}

func (u *gridfsUpload) File() File {
	return u.file
}

// OpenDownloadStream opens the blob for reading.
func (g *GridFS) OpenDownloadStream(ctx context.Context, id primitive.ObjectID) (io.ReadCloser, error) {
	bucket, err := g.openBucket(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := bucket.OpenDownloadStream(id)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open download stream: %w", err)
	}
	return stream, nil
}

// DeleteChunks removes every chunk of id from the chunks collection.
func (g *GridFS) DeleteChunks(ctx context.Context, id primitive.ObjectID) (int64, error) {
	bucket, err := g.openBucket(ctx)
	if err != nil {
		return 0, err
	}

	res, err := bucket.GetChunksCollection().DeleteMany(ctx, bson.M{"files_id": id})
	if err != nil {
		return 0, fmt.Errorf("delete chunks of %s: %w", id.Hex(), err)
	}
	return res.DeletedCount, nil
}

// DeleteFiles removes every matching document from the files collection.
func (g *GridFS) DeleteFiles(ctx context.Context, query bson.M) (int64, error) {
	coll, err := g.files(ctx)
	if err != nil {
		return 0, err
	}

	res, err := coll.DeleteMany(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete files: %w", err)
	}
	return res.DeletedCount, nil
}
