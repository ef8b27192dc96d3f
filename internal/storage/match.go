package storage

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Match reports whether doc satisfies the MongoDB-style filter query. It
// implements the subset of the query language produced by the filter
// translator: implicit equality on dotted paths, the comparison operators
// $eq $ne $gt $gte $lt $lte $in $nin $exists $regex, and the logical
// operators $and $or $nor.
func Match(doc bson.M, query bson.M) (bool, error) {
	for key, cond := range query {
		ok, err := matchKey(doc, key, cond)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchKey(doc bson.M, key string, cond any) (bool, error) {
	switch key {
	case "$and", "$or", "$nor":
		clauses, err := clauseList(key, cond)
		if err != nil {
			return false, err
		}
		return matchLogical(doc, key, clauses)
	}

	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("unsupported top-level query operator %q", key)
	}

	value, found := lookupPath(doc, key)
	if ops, ok := operatorDoc(cond); ok {
		return matchOperators(value, found, ops)
	}
	return matchEq(value, found, cond), nil
}

func matchLogical(doc bson.M, op string, clauses []bson.M) (bool, error) {
	for _, clause := range clauses {
		ok, err := Match(doc, clause)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !ok:
			return false, nil
		case op == "$or" && ok:
			return true, nil
		case op == "$nor" && ok:
			return false, nil
		}
	}
	return op != "$or", nil
}

func clauseList(op string, cond any) ([]bson.M, error) {
	items, ok := asSlice(cond)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("%s expects a non-empty array of documents", op)
	}
	clauses := make([]bson.M, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			return nil, fmt.Errorf("%s expects a non-empty array of documents", op)
		}
		clauses = append(clauses, m)
	}
	return clauses, nil
}

func matchOperators(value any, found bool, ops bson.M) (bool, error) {
	for op, arg := range ops {
		var (
			ok  bool
			err error
		)
		switch op {
		case "$eq":
			ok = matchEq(value, found, arg)
		case "$ne":
			ok = !matchEq(value, found, arg)
		case "$in", "$nin":
			list, isList := asSlice(arg)
			if !isList {
				return false, fmt.Errorf("%s expects an array", op)
			}
			for _, want := range list {
				if matchEq(value, found, want) {
					ok = true
					break
				}
			}
			if op == "$nin" {
				ok = !ok
			}
		case "$gt", "$gte", "$lt", "$lte":
			ok = found && matchOrdered(value, op, arg)
		case "$exists":
			want, isBool := arg.(bool)
			if !isBool {
				return false, fmt.Errorf("$exists expects a boolean")
			}
			ok = found == want
		case "$regex":
			ok, err = matchRegex(value, found, arg, ops["$options"])
		case "$options":
			ok = true
		default:
			return false, fmt.Errorf("unsupported query operator %q", op)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchEq(value any, found bool, want any) bool {
	if !found {
		return want == nil
	}
	if equal(value, want) {
		return true
	}
	if items, ok := asSlice(value); ok {
		for _, item := range items {
			if equal(item, want) {
				return true
			}
		}
	}
	return false
}

func matchOrdered(value any, op string, arg any) bool {
	check := func(v any) bool {
		c, ok := compare(v, arg)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	}

	if items, ok := asSlice(value); ok {
		for _, item := range items {
			if check(item) {
				return true
			}
		}
		return false
	}
	return check(value)
}

func matchRegex(value any, found bool, pattern any, options any) (bool, error) {
	var expr string
	switch p := pattern.(type) {
	case string:
		expr = p
	case primitive.Regex:
		expr, options = p.Pattern, p.Options
	default:
		return false, fmt.Errorf("$regex expects a string")
	}
	if flags, ok := options.(string); ok && flags != "" {
		expr = "(?" + strings.ReplaceAll(flags, "x", "") + ")" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, fmt.Errorf("invalid $regex: %w", err)
	}
	if !found {
		return false, nil
	}
	s, ok := value.(string)
	return ok && re.MatchString(s), nil
}

// lookupPath resolves a dotted field path inside doc.
func lookupPath(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// operatorDoc returns cond as an operator document if every key of cond is
// an operator.
func operatorDoc(cond any) (bson.M, bool) {
	m, ok := asMap(cond)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func asMap(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	case primitive.D:
		return m.Map(), true
	}
	return nil, false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case primitive.A:
		return []any(s), true
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	case []primitive.ObjectID:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	}
	return time.Time{}, false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && x == y
	}
	if x, ok := toTime(a); ok {
		y, ok := toTime(b)
		return ok && x.Equal(y)
	}
	if x, ok := asMap(a); ok {
		y, ok := asMap(b)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, present := y[k]
			if !present || !equal(xv, yv) {
				return false
			}
		}
		return true
	}
	if x, ok := asSlice(a); ok {
		y, ok := asSlice(b)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if x, ok := toTime(a); ok {
		y, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	if x, ok := a.(primitive.ObjectID); ok {
		y, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return strings.Compare(x.Hex(), y.Hex()), true
	}
	return 0, false
}
