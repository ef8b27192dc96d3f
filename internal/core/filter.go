package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	// IdentityKey is the reserved filter key addressing the record id.
	IdentityKey = "id"

	// DefaultMarker is the metadata key flagging records owned by the store.
	DefaultMarker = "mongo-storage"

	metadataPrefix = "metadata."
	primaryKey     = "_id"
)

// operators maps generic filter operators to their native spelling. Keys
// not listed are passed through unchanged.
var operators = map[string]string{
	"inq": "$in",
	"nin": "$nin",
	"gt":  "$gt",
	"gte": "$gte",
	"lt":  "$lt",
	"lte": "$lte",
	"neq": "$ne",
	"and": "$and",
	"or":  "$or",
}

// Filter is a generic query: Where maps field names to values or operator
// expressions. A zero Limit means unbounded.
type Filter struct {
	Where map[string]any `json:"where,omitempty"`
	Skip  int64          `json:"skip,omitempty"`
	Limit int64          `json:"limit,omitempty"`
}

// Query is a translated Filter, ready for a storage engine.
type Query struct {
	Where bson.M
	Skip  int64
	Limit int64
}

// ParseFilter decodes a JSON filter. Numbers are kept as json.Number until
// translation so integer values survive intact.
func ParseFilter(data []byte) (Filter, error) {
	var f Filter
	if len(bytes.TrimSpace(data)) == 0 {
		return f, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return Filter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return f, nil
}

// ParseID parses the hex form of a record id.
func ParseID(s string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidIdentity, s)
	}
	return id, nil
}

// Translate rewrites f into a native query. Operators are renamed, the
// identity key becomes the primary key, every other top-level field is
// moved under the metadata namespace and the ownership predicate on marker
// is always added.
func Translate(f Filter, marker string) (Query, error) {
	if f.Skip < 0 || f.Limit < 0 {
		return Query{}, fmt.Errorf("%w: skip and limit must not be negative", ErrInvalidFilter)
	}

	where, err := translateWhere(f.Where)
	if err != nil {
		return Query{}, err
	}
	where[metadataPrefix+marker] = true

	return Query{Where: where, Skip: f.Skip, Limit: f.Limit}, nil
}

func translateWhere(where map[string]any) (bson.M, error) {
	out := bson.M{}
	for key, value := range where {
		if native, ok := logicalOperator(key); ok {
			clauses, err := translateClauses(key, value)
			if err != nil {
				return nil, err
			}
			out[native] = clauses
			continue
		}

		if key == IdentityKey {
			v, err := translateIdentity(value)
			if err != nil {
				return nil, err
			}
			out[primaryKey] = v
			continue
		}

		out[metadataPrefix+key] = translateValue(value)
	}
	return out, nil
}

// logicalOperator reports whether key combines where clauses, in either the
// generic or the native spelling, and returns the native operator.
func logicalOperator(key string) (string, bool) {
	switch native := renameOperator(key); native {
	case "$and", "$or", "$nor":
		return native, true
	}
	return "", false
}

func translateClauses(key string, value any) (bson.A, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q expects a list of where clauses", ErrInvalidFilter, key)
	}

	clauses := make(bson.A, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q expects a list of where clauses", ErrInvalidFilter, key)
		}
		clause, err := translateWhere(m)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

// translateIdentity converts an id value, or an operator expression over id
// values, to ObjectIDs.
func translateIdentity(value any) (any, error) {
	switch v := value.(type) {
	case primitive.ObjectID:
		return v, nil
	case string:
		return ParseID(v)
	case []any:
		ids := make(bson.A, 0, len(v))
		for _, item := range v {
			id, err := translateIdentity(item)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	case []string:
		ids := make(bson.A, 0, len(v))
		for _, item := range v {
			id, err := ParseID(item)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	case map[string]any:
		out := bson.M{}
		for op, arg := range v {
			id, err := translateIdentity(arg)
			if err != nil {
				return nil, err
			}
			out[renameOperator(op)] = id
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, value)
}

// translateValue renames operators inside nested documents. Array elements
// are only number-decoded.
func translateValue(value any) any {
	if v, ok := value.(map[string]any); ok {
		out := bson.M{}
		for key, item := range v {
			out[renameOperator(key)] = translateValue(item)
		}
		return out
	}
	return normalizeValue(value)
}

func renameOperator(key string) string {
	if native, ok := operators[key]; ok {
		return native
	}
	return key
}
