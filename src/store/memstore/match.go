package memstore

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/helpers"
)

// matches evaluates a filter document against a stored document. Top level
// conditions are ANDed; $or and $and take lists of filters.
func matches(doc bson.M, filter any) (bool, error) {
	if helpers.IsNull(filter) {
		return true, nil
	}
	fd, ok := helpers.ToDocument(filter)
	if !ok {
		return false, fmt.Errorf("filter must be a document, got %T", filter)
	}

	for _, clause := range fd {
		var ok bool
		var err error
		switch clause.Key {
		case "$or":
			ok, err = matchList(doc, clause.Value, false)
		case "$and":
			ok, err = matchList(doc, clause.Value, true)
		default:
			if strings.HasPrefix(clause.Key, "$") {
				return false, fmt.Errorf("unsupported filter operator %q", clause.Key)
			}
			ok, err = evaluateClause(resolve(doc, strings.Split(clause.Key, ".")), clause.Value)
		}
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchList(doc bson.M, v any, all bool) (bool, error) {
	filters, ok := helpers.ToSlice(v)
	if !ok || len(filters) == 0 {
		return false, fmt.Errorf("$or/$and need a non-empty list")
	}
	for _, f := range filters {
		ok, err := matches(doc, f)
		if err != nil {
			return false, err
		}
		if ok != all {
			return ok, nil
		}
	}
	return all, nil
}

// resolve collects the values a dotted path reaches, descending into every
// document of an array like the server does.
func resolve(v any, parts []string) []any {
	if len(parts) == 0 {
		return []any{v}
	}
	switch c := v.(type) {
	case bson.M:
		child, ok := c[parts[0]]
		if !ok {
			return nil
		}
		return resolve(child, parts[1:])
	case bson.A:
		if i, err := strconv.Atoi(parts[0]); err == nil {
			if i >= 0 && i < len(c) {
				return resolve(c[i], parts[1:])
			}
			return nil
		}
		var out []any
		for _, e := range c {
			if _, ok := e.(bson.M); ok {
				out = append(out, resolve(e, parts)...)
			}
		}
		return out
	}
	return nil
}

func isOperatorDoc(v any) (bson.D, bool) {
	d, ok := helpers.ToDocument(v)
	if !ok || !helpers.IsDocument(v) || len(d) == 0 {
		return nil, false
	}
	for _, e := range d {
		if !strings.HasPrefix(e.Key, "$") {
			return nil, false
		}
	}
	return d, true
}

// evaluateClause checks one field condition: either a value compared for
// equality or a document of comparison operators.
func evaluateClause(values []any, cond any) (bool, error) {
	ops, ok := isOperatorDoc(cond)
	if !ok {
		return equalsAny(values, cond), nil
	}

	for _, op := range ops {
		var ok bool
		switch op.Key {
		case "$eq":
			ok = equalsAny(values, op.Value)
		case "$ne":
			ok = !equalsAny(values, op.Value)
		case "$gt":
			ok = compareAny(values, op.Value, func(c int) bool { return c > 0 })
		case "$gte":
			ok = compareAny(values, op.Value, func(c int) bool { return c >= 0 })
		case "$lt":
			ok = compareAny(values, op.Value, func(c int) bool { return c < 0 })
		case "$lte":
			ok = compareAny(values, op.Value, func(c int) bool { return c <= 0 })
		case "$in", "$nin":
			list, isList := helpers.ToSlice(op.Value)
			if !isList {
				return false, fmt.Errorf("%s needs an array", op.Key)
			}
			for _, want := range list {
				if equalsAny(values, want) {
					ok = true
					break
				}
			}
			if op.Key == "$nin" {
				ok = !ok
			}
		case "$exists":
			want, _ := op.Value.(bool)
			ok = (len(values) > 0) == want
		default:
			return false, fmt.Errorf("unsupported query operator %q", op.Key)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// equalsAny matches a value directly or as an element of an array value.
// A missing field equals null.
func equalsAny(values []any, want any) bool {
	if len(values) == 0 {
		return helpers.IsNull(want)
	}
	for _, v := range values {
		if helpers.Equal(v, want) {
			return true
		}
		if a, ok := v.(bson.A); ok {
			for _, e := range a {
				if helpers.Equal(e, want) {
					return true
				}
			}
		}
	}
	return false
}

func compareAny(values []any, bound any, accept func(int) bool) bool {
	for _, v := range values {
		candidates := []any{v}
		if a, ok := v.(bson.A); ok {
			candidates = a
		}
		for _, c := range candidates {
			if r, ok := helpers.Compare(c, bound); ok && accept(r) {
				return true
			}
		}
	}
	return false
}
