package core

import (
	"maps"

	"gridstore/internal/storage"

	"go.mongodb.org/mongo-driver/bson"
)

// Record is a file document as seen by callers: bookkeeping fields and
// metadata share one flat namespace.
type Record map[string]any

// ID returns the record id, if the record carries one.
func (r Record) ID() (string, bool) {
	switch v := r[primaryKey].(type) {
	case interface{ Hex() string }:
		return v.Hex(), true
	case string:
		return v, true
	}
	return "", false
}

// internalFields are removed from every projected record.
var internalFields = []string{
	"metadata",
	"__data",
	"__dataSource",
	"__strict",
	"__persisted",
	"__cachedRelations",
	IdentityKey,
}

// FromFile converts a stored file descriptor into an unprojected record.
func FromFile(f storage.File) Record {
	return Record(f.Document())
}

// Project flattens the metadata namespace of r into its top level and
// strips internal fields. Metadata values win over top-level values with the
// same key. The input is not modified.
func Project(r Record, marker string) Record {
	out := make(Record, len(r))
	maps.Copy(out, r)

	if md, ok := asDocument(r["metadata"]); ok {
		maps.Copy(out, md)
	}

	for _, key := range internalFields {
		delete(out, key)
	}
	delete(out, marker)
	return out
}

// ProjectAll projects every record of rs.
func ProjectAll(rs []Record, marker string) []Record {
	out := make([]Record, 0, len(rs))
	for _, r := range rs {
		out = append(out, Project(r, marker))
	}
	return out
}

func asDocument(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return m, true
	case Record:
		return m, true
	case bson.D:
		return m.Map(), true
	}
	return nil, false
}
