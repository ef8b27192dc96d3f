package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gridstore/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"
)

// Service is the operation surface of the store. Host layers bind these
// methods to their own transport.
type Service interface {
	Find(ctx context.Context, f Filter) ([]Record, error)
	FindOne(ctx context.Context, f Filter) (Record, error)
	FindByID(ctx context.Context, id string) (Record, error)
	Count(ctx context.Context, f Filter) (int, error)
	Create(ctx context.Context, body io.Reader, contentType string, base map[string]any) ([]Record, error)
	FindOrCreate(ctx context.Context, f Filter, body io.Reader, contentType string, base map[string]any) ([]Record, bool, error)
	Update(ctx context.Context, id string, patch map[string]any) (Record, error)
	DeleteByID(ctx context.Context, id string) error
	Stream(ctx context.Context, id string, sink Sink) error

	DispatchFind(ctx context.Context, f Filter, cc CallContext) error
	DispatchFindOne(ctx context.Context, f Filter, cc CallContext) error
	DispatchFindByID(ctx context.Context, id string, cc CallContext) error
}

var _ Service = (*Store)(nil)

// Store implements Service on top of a storage engine. It only ever sees
// files whose metadata carries the ownership marker.
type Store struct {
	engine storage.Engine
	marker string
	newID  func() primitive.ObjectID
}

// NewStore returns a store for cfg. The engine connects lazily on first use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Engine == nil {
		return nil, errors.New("store requires a storage engine")
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	if cfg.NewID == nil {
		cfg.NewID = primitive.NewObjectID
	}

	return &Store{
		engine: cfg.Engine,
		marker: cfg.Marker,
		newID:  cfg.NewID,
	}, nil
}

// Marker returns the ownership marker key.
func (s *Store) Marker() string {
	return s.marker
}

// Close releases the engine connection.
func (s *Store) Close(ctx context.Context) error {
	return s.engine.Close(ctx)
}

func (s *Store) owned(id primitive.ObjectID) bson.M {
	return bson.M{
		primaryKey:                id,
		metadataPrefix + s.marker: true,
	}
}

func (s *Store) find(ctx context.Context, f Filter) ([]storage.File, error) {
	q, err := Translate(f, s.marker)
	if err != nil {
		return nil, err
	}

	files, err := s.engine.Find(ctx, q.Where, storage.FindOptions{Skip: q.Skip, Limit: q.Limit})
	if err != nil {
		return nil, fmt.Errorf("find files: %w", err)
	}
	return files, nil
}

func (s *Store) lookup(ctx context.Context, id string) (storage.File, error) {
	oid, err := ParseID(id)
	if err != nil {
		return storage.File{}, err
	}

	f, err := s.engine.FindOne(ctx, s.owned(oid))
	if err != nil {
		return storage.File{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	return f, nil
}

func (s *Store) project(files []storage.File) []Record {
	out := make([]Record, 0, len(files))
	for _, f := range files {
		out = append(out, Project(FromFile(f), s.marker))
	}
	return out
}

// Find returns the projected records matching f. No match is an empty list.
func (s *Store) Find(ctx context.Context, f Filter) ([]Record, error) {
	files, err := s.find(ctx, f)
	if err != nil {
		return nil, err
	}
	return s.project(files), nil
}

// FindOne returns the first record matching f, or ErrNotFound.
func (s *Store) FindOne(ctx context.Context, f Filter) (Record, error) {
	f.Limit = 1
	files, err := s.find(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNotFound
	}
	return Project(FromFile(files[0]), s.marker), nil
}

// FindByID returns the owned record with the given hex id.
func (s *Store) FindByID(ctx context.Context, id string) (Record, error) {
	f, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return Project(FromFile(f), s.marker), nil
}

// Count returns the number of records Find would return for f.
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	files, err := s.find(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(files), nil
}

// Update merges patch into the metadata of the record, stamps lastModified
// and returns the updated record. Keys are set one by one; keys absent from
// patch keep their value. The ownership marker cannot be patched.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (Record, error) {
	oid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	set := bson.M{}
	for key, value := range patch {
		if key == s.marker {
			continue
		}
		set[metadataPrefix+key] = normalizeValue(value)
	}

	matched, err := s.engine.UpdateOne(ctx, s.owned(oid), set)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	if matched == 0 {
		return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}

	slog.Debug("Update file metadata", "id", id, "fields", len(set))
	return s.FindByID(ctx, id)
}

// DeleteByID removes the record and its chunks. The two deletes run
// concurrently and are not atomic; when either fails the returned
// *DeleteError names the half that did.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	f, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}

	// Both halves always run to completion; the group only joins them.
	var g errgroup.Group
	var chunksErr, fileErr error
	g.Go(func() error {
		_, chunksErr = s.engine.DeleteChunks(ctx, f.ID)
		return chunksErr
	})
	g.Go(func() error {
		_, fileErr = s.engine.DeleteFiles(ctx, bson.M{primaryKey: f.ID})
		return fileErr
	})

	if err := g.Wait(); err != nil {
		derr := &DeleteError{ID: f.ID, ChunksErr: chunksErr, FileErr: fileErr}
		slog.Error("Delete file", "id", id, "partial", errors.Is(derr, ErrPartialFailure), "err", derr)
		return derr
	}

	slog.Debug("Delete file", "id", id)
	return nil
}

// FindOrCreate returns the first record matching f. When nothing matches it
// ingests body and reports created as true.
func (s *Store) FindOrCreate(ctx context.Context, f Filter, body io.Reader, contentType string, base map[string]any) ([]Record, bool, error) {
	found, err := s.FindOne(ctx, f)
	if err == nil {
		return []Record{found}, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	created, err := s.Create(ctx, body, contentType, base)
	return created, true, err
}

// normalizeValue turns JSON numbers into int64 or float64 so they are
// stored as native numbers.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeValue(item)
		}
		return out
	}
	return v
}
