package memstore

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/helpers"
	"schemadb/src/store"
)

// applyUpdate applies update operators to a copy of doc.
func applyUpdate(doc bson.M, update any) (bson.M, error) {
	ud, ok := helpers.ToDocument(update)
	if !ok || len(ud) == 0 {
		return nil, fmt.Errorf("%w: update must be a non-empty document", store.ErrInvalidDocument)
	}

	out := helpers.Normalize(doc).(bson.M)
	for _, op := range ud {
		fields, ok := helpers.ToDocument(op.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a document", store.ErrInvalidDocument, op.Key)
		}
		for _, f := range fields {
			if f.Key == helpers.IDField {
				if op.Key == "$set" && helpers.Equal(out[helpers.IDField], f.Value) {
					continue
				}
				return nil, fmt.Errorf("%w: %s cannot modify _id", store.ErrInvalidDocument, op.Key)
			}
			var err error
			switch op.Key {
			case "$set":
				err = setPath(out, f.Key, helpers.Normalize(f.Value))
			case "$unset":
				unsetPath(out, f.Key)
			case "$push":
				if !helpers.PathHas(out, f.Key) {
					err = setPath(out, f.Key, bson.A{helpers.Normalize(f.Value)})
					break
				}
				err = updateArray(out, f.Key, func(a bson.A) bson.A {
					return append(a, helpers.Normalize(f.Value))
				})
			case "$pullAll":
				values, ok := helpers.ToSlice(f.Value)
				if !ok {
					return nil, fmt.Errorf("%w: $pullAll needs an array for %q", store.ErrInvalidDocument, f.Key)
				}
				err = updateArray(out, f.Key, func(a bson.A) bson.A {
					return filterArray(a, func(e any) (bool, error) { return inList(e, values), nil })
				})
			case "$pull":
				var pullErr error
				err = updateArray(out, f.Key, func(a bson.A) bson.A {
					return filterArray(a, func(e any) (bool, error) {
						ok, err := pullMatches(e, f.Value)
						if err != nil {
							pullErr = err
						}
						return ok, err
					})
				})
				if err == nil {
					err = pullErr
				}
			default:
				if strings.HasPrefix(op.Key, "$") {
					return nil, fmt.Errorf("%w: unsupported update operator %q", store.ErrInvalidDocument, op.Key)
				}
				return nil, fmt.Errorf("%w: update requires operators, got field %q", store.ErrInvalidDocument, op.Key)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func inList(v any, list []any) bool {
	for _, e := range list {
		if helpers.Equal(v, e) {
			return true
		}
	}
	return false
}

// pullMatches decides whether an array element is removed by a $pull
// condition: a sub-document filter, an operator document or a plain value.
func pullMatches(elem any, cond any) (bool, error) {
	if _, ok := isOperatorDoc(cond); ok {
		return evaluateClause([]any{elem}, cond)
	}
	if helpers.IsDocument(cond) {
		m, ok := elem.(bson.M)
		if !ok {
			return false, nil
		}
		return matches(m, cond)
	}
	return helpers.Equal(elem, cond), nil
}

func filterArray(a bson.A, remove func(any) (bool, error)) bson.A {
	out := make(bson.A, 0, len(a))
	for _, e := range a {
		drop, err := remove(e)
		if err != nil || !drop {
			out = append(out, e)
		}
	}
	return out
}

// updateArray rewrites the array at path. A missing path is left alone.
func updateArray(doc bson.M, path string, fn func(bson.A) bson.A) error {
	v, ok := helpers.PathGet(doc, path)
	if !ok || v == nil {
		return nil
	}
	a, ok := v.(bson.A)
	if !ok {
		return fmt.Errorf("%w: %q is not an array", store.ErrInvalidDocument, path)
	}
	return setPath(doc, path, fn(a))
}

func setPath(doc bson.M, path string, value any) error {
	parts := strings.Split(path, ".")
	var cur any = doc
	for i, part := range parts {
		last := i == len(parts)-1
		switch c := cur.(type) {
		case bson.M:
			if last {
				c[part] = value
				return nil
			}
			next, ok := c[part]
			if !ok || next == nil {
				next = bson.M{}
				c[part] = next
			}
			cur = next
		case bson.A:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(c) {
				return fmt.Errorf("%w: cannot set %q", store.ErrInvalidDocument, path)
			}
			if last {
				c[idx] = value
				return nil
			}
			cur = c[idx]
		default:
			return fmt.Errorf("%w: cannot set %q through a scalar", store.ErrInvalidDocument, path)
		}
	}
	return nil
}

func unsetPath(doc bson.M, path string) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		delete(doc, path)
		return
	}
	v, ok := helpers.PathGet(doc, path[:i])
	if !ok {
		return
	}
	if m, ok := v.(bson.M); ok {
		delete(m, path[i+1:])
	}
}
