package validator

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/helpers"
)

// docKind remembers the container a document level came in, so the
// normalized result can be handed back in the same form.
type docKind int

const (
	kindD docKind = iota
	kindM
	kindMap
	kindStruct
)

// document copies a document-like value into an ordered working form. Maps are
// ordered by key.
func document(v any) (bson.D, docKind, bool) {
	switch d := v.(type) {
	case bson.D:
		return append(bson.D{}, d...), kindD, true
	case bson.M:
		doc, _ := helpers.ToDocument(d)
		return doc, kindM, true
	case map[string]any:
		doc, _ := helpers.ToDocument(d)
		return doc, kindMap, true
	}
	if helpers.IsStruct(v) {
		if doc, ok := helpers.ToDocument(v); ok {
			return doc, kindStruct, true
		}
	}
	return nil, 0, false
}

// restore converts d back into kind. Structs are decoded into a new value of
// the original type.
func restore(d bson.D, kind docKind, orig any) (any, error) {
	switch kind {
	case kindM:
		m := make(bson.M, len(d))
		for _, e := range d {
			m[e.Key] = e.Value
		}
		return m, nil
	case kindMap:
		m := make(map[string]any, len(d))
		for _, e := range d {
			m[e.Key] = e.Value
		}
		return m, nil
	case kindStruct:
		raw, err := bson.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		t := reflect.TypeOf(orig)
		ptr := t.Kind() == reflect.Ptr
		if ptr {
			t = t.Elem()
		}
		nv := reflect.New(t)
		if err := bson.Unmarshal(raw, nv.Interface()); err != nil {
			return nil, fmt.Errorf("%w: cannot decode into %s: %v", ErrInvalidDocument, t, err)
		}
		if ptr {
			return nv.Interface(), nil
		}
		return nv.Elem().Interface(), nil
	}
	return d, nil
}

// clone deep copies containers so a literal default is never shared between
// documents.
func clone(v any) any {
	switch c := v.(type) {
	case bson.D:
		out := make(bson.D, len(c))
		for i, e := range c {
			out[i] = bson.E{Key: e.Key, Value: clone(e.Value)}
		}
		return out
	case bson.M:
		out := make(bson.M, len(c))
		for k, e := range c {
			out[k] = clone(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			out[k] = clone(e)
		}
		return out
	case bson.A:
		out := make(bson.A, len(c))
		for i, e := range c {
			out[i] = clone(e)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = clone(e)
		}
		return out
	}
	return v
}
