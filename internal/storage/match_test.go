package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	id := primitive.NewObjectID()
	uploaded := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := bson.M{
		"_id":        id,
		"filename":   "report.pdf",
		"length":     int64(2048),
		"uploadDate": uploaded,
		"metadata": bson.M{
			"mongo-storage": true,
			"owner":         "alice",
			"size":          int32(7),
			"tags":          primitive.A{"red", "blue"},
			"nested":        bson.M{"level": "deep"},
		},
	}

	tests := []struct {
		name  string
		query bson.M
		want  bool
	}{
		{"empty query", bson.M{}, true},
		{"id equality", bson.M{"_id": id}, true},
		{"id mismatch", bson.M{"_id": primitive.NewObjectID()}, false},
		{"dotted equality", bson.M{"metadata.owner": "alice"}, true},
		{"dotted mismatch", bson.M{"metadata.owner": "bob"}, false},
		{"deep path", bson.M{"metadata.nested.level": "deep"}, true},
		{"missing field equals nil", bson.M{"metadata.absent": nil}, true},
		{"array element", bson.M{"metadata.tags": "blue"}, true},
		{"numeric across types", bson.M{"metadata.size": 7}, true},
		{"$in hit", bson.M{"metadata.owner": bson.M{"$in": []any{"bob", "alice"}}}, true},
		{"$in miss", bson.M{"metadata.owner": bson.M{"$in": []any{"bob"}}}, false},
		{"$nin", bson.M{"metadata.owner": bson.M{"$nin": []any{"bob"}}}, true},
		{"$ne", bson.M{"metadata.owner": bson.M{"$ne": "alice"}}, false},
		{"$gt", bson.M{"metadata.size": bson.M{"$gt": 5}}, true},
		{"$gte boundary", bson.M{"metadata.size": bson.M{"$gte": 7}}, true},
		{"$lt", bson.M{"metadata.size": bson.M{"$lt": 7}}, false},
		{"range", bson.M{"metadata.size": bson.M{"$gt": 1, "$lte": 7}}, true},
		{"$gt on missing", bson.M{"metadata.absent": bson.M{"$gt": 0}}, false},
		{"time comparison", bson.M{"uploadDate": bson.M{"$lt": uploaded.Add(time.Hour)}}, true},
		{"$exists true", bson.M{"metadata.owner": bson.M{"$exists": true}}, true},
		{"$exists false", bson.M{"metadata.owner": bson.M{"$exists": false}}, false},
		{"$regex", bson.M{"filename": bson.M{"$regex": `^REP`, "$options": "i"}}, true},
		{"$and", bson.M{"$and": []any{
			bson.M{"metadata.owner": "alice"},
			bson.M{"metadata.size": bson.M{"$lt": 10}},
		}}, true},
		{"$and short circuit", bson.M{"$and": []any{
			bson.M{"metadata.owner": "alice"},
			bson.M{"metadata.size": bson.M{"$gt": 10}},
		}}, false},
		{"$or", bson.M{"$or": []any{
			bson.M{"metadata.owner": "bob"},
			bson.M{"filename": "report.pdf"},
		}}, true},
		{"$nor", bson.M{"$nor": []any{bson.M{"metadata.owner": "alice"}}}, false},
		{"marker and field", bson.M{"metadata.mongo-storage": true, "metadata.owner": "alice"}, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := Match(doc, tc.query)
			require.NoError(t, err, "Match error")
			require.Equal(t, tc.want, got, "Match(%v)", tc.query)
		})
	}
}

func TestMatchErrors(t *testing.T) {
	t.Parallel()

	doc := bson.M{"filename": "a.txt"}
	queries := []bson.M{
		{"$where": "true"},
		{"filename": bson.M{"$near": 1}},
		{"filename": bson.M{"$in": "a.txt"}},
		{"$and": []any{}},
		{"$or": "nope"},
		{"filename": bson.M{"$exists": 1}},
		{"filename": bson.M{"$regex": "("}},
	}

	for _, q := range queries {
		_, err := Match(doc, q)
		require.Error(t, err, "Match(%v) should fail", q)
	}
}
