package core_test

import (
	"testing"
	"time"

	"gridstore/internal/core"
	"gridstore/internal/storage"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestProject(t *testing.T) {
	t.Parallel()

	id := primitive.NewObjectID()
	in := core.Record{
		"_id":               id,
		"id":                id.Hex(),
		"filename":          "raw%20name.txt",
		"length":            int64(12),
		"__data":            "internal",
		"__dataSource":      "internal",
		"__strict":          true,
		"__persisted":       true,
		"__cachedRelations": bson.M{},
		"metadata": bson.M{
			"mongo-storage": true,
			"filename":      "raw name.txt",
			"mimetype":      "text/plain",
			"owner":         "alice",
		},
	}

	out := core.Project(in, marker)

	require.Equal(t, core.Record{
		"_id":      id,
		"filename": "raw name.txt",
		"length":   int64(12),
		"mimetype": "text/plain",
		"owner":    "alice",
	}, out, "metadata should be flattened and internal fields removed")

	require.Contains(t, in, "metadata", "input must not be modified")
	require.Equal(t, "raw%20name.txt", in["filename"], "input must not be modified")
}

func TestProjectIsIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	f := storage.File{
		ID:         primitive.NewObjectID(),
		Length:     3,
		ChunkSize:  255 * 1024,
		UploadDate: now,
		Filename:   "a.txt",
		Metadata:   bson.M{"mongo-storage": true, "tag": "x"},
	}

	once := core.Project(core.FromFile(f), marker)
	twice := core.Project(once, marker)
	require.Equal(t, once, twice, "projecting twice should change nothing")
	require.NotContains(t, once, "metadata")
	require.NotContains(t, once, marker)
	require.Equal(t, "x", once["tag"])
	require.Equal(t, f.ID, once["_id"], "primary key is kept")
}

func TestProjectAll(t *testing.T) {
	t.Parallel()

	in := []core.Record{
		{"_id": 1, "metadata": map[string]any{"a": 1}},
		{"_id": 2, "metadata": map[string]any{"b": 2, "mongo-storage": true}},
	}
	out := core.ProjectAll(in, marker)
	require.Equal(t, []core.Record{
		{"_id": 1, "a": 1},
		{"_id": 2, "b": 2},
	}, out)

	require.Empty(t, core.ProjectAll(nil, marker))
}

func TestProjectCustomMarker(t *testing.T) {
	t.Parallel()

	out := core.Project(core.Record{"metadata": bson.M{"owned-by-us": true, "mongo-storage": "kept"}}, "owned-by-us")
	require.Equal(t, core.Record{"mongo-storage": "kept"}, out)
}
