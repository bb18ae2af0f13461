package helpers

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	IDField      = "_id"
	IDFieldAlias = "id"
)

// IDToObjectID turns a 24 character hex string into a primitive.ObjectID.
// Every other value passes through unchanged.
func IDToObjectID(v any) any {
	s, ok := v.(string)
	if !ok || len(s) != 24 || !primitive.IsValidObjectID(s) {
		return v
	}
	oid, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return v
	}
	return oid
}

func IDsToObjectIDs(ids []any) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = IDToObjectID(id)
	}
	return out
}

// IDToString renders a stored identity value the way callers see it.
func IDToString(v any) string {
	switch id := v.(type) {
	case primitive.ObjectID:
		return id.Hex()
	case string:
		return id
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// IsNull reports nil and typed nil pointers, maps and slices.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// IsDocument reports whether v is a key/value container.
func IsDocument(v any) bool {
	switch v.(type) {
	case bson.D, bson.M, map[string]any:
		return true
	}
	return false
}

// IsArray reports slices other than []byte. Arrays such as ObjectID are scalars.
func IsArray(v any) bool {
	if v == nil {
		return false
	}
	switch v.(type) {
	case bson.A, []any:
		return true
	case []byte, bson.D:
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Slice
}

// ToSlice converts any slice to []any.
func ToSlice(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return []any(a), true
	case []any:
		return a, true
	case []byte, bson.D:
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// ToDocument converts a document-like value into an ordered bson.D. Maps are
// ordered by key; structs go through the bson codec.
func ToDocument(v any) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		return mapToD(d), true
	case map[string]any:
		return mapToD(d), true
	}
	if !IsStruct(v) {
		return nil, false
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, false
	}
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, false
	}
	return d, true
}

// IsStruct reports a struct or a non-nil pointer to one.
func IsStruct(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return false
	}
	switch v.(type) {
	case time.Time, *time.Time:
		return false
	}
	return true
}

func mapToD[M ~map[string]any](m M) bson.D {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return d
}

// Normalize deep-copies v, turning every document level into bson.M and every
// array into bson.A.
func Normalize(v any) any {
	switch c := v.(type) {
	case bson.D:
		m := make(bson.M, len(c))
		for _, e := range c {
			m[e.Key] = Normalize(e.Value)
		}
		return m
	case bson.M:
		return normalizeMap(c)
	case map[string]any:
		return normalizeMap(c)
	case []byte:
		return c
	}
	if a, ok := ToSlice(v); ok {
		out := make(bson.A, len(a))
		for i, e := range a {
			out[i] = Normalize(e)
		}
		return out
	}
	if IsStruct(v) {
		if d, ok := ToDocument(v); ok {
			return Normalize(d)
		}
	}
	return v
}

func normalizeMap[M ~map[string]any](m M) bson.M {
	out := make(bson.M, len(m))
	for k, e := range m {
		out[k] = Normalize(e)
	}
	return out
}

// ToMap is Normalize for a top level document.
func ToMap(v any) (bson.M, bool) {
	m, ok := Normalize(v).(bson.M)
	return m, ok
}

// InputID renames a caller supplied "id" key to "_id" and coerces its value.
func InputID(doc any) any {
	switch d := doc.(type) {
	case bson.D:
		out := make(bson.D, 0, len(d))
		for _, e := range d {
			if e.Key == IDFieldAlias || e.Key == IDField {
				e = bson.E{Key: IDField, Value: coerceIDValue(e.Value)}
			}
			out = append(out, e)
		}
		return out
	case bson.M:
		return inputIDMap(d)
	case map[string]any:
		return inputIDMap(d)
	}
	return doc
}

func inputIDMap[M ~map[string]any](m M) bson.M {
	out := make(bson.M, len(m))
	for k, v := range m {
		if k == IDFieldAlias || k == IDField {
			out[IDField] = coerceIDValue(v)
			continue
		}
		out[k] = v
	}
	return out
}

// coerceIDValue coerces scalars, arrays and selector documents ({$in: [...]}).
func coerceIDValue(v any) any {
	switch c := v.(type) {
	case string:
		return IDToObjectID(c)
	case bson.D:
		out := make(bson.D, len(c))
		for i, e := range c {
			out[i] = bson.E{Key: e.Key, Value: coerceIDValue(e.Value)}
		}
		return out
	case bson.M, map[string]any:
		d, _ := ToDocument(c)
		return coerceIDValue(d)
	}
	if a, ok := ToSlice(v); ok {
		return bson.A(IDsToObjectIDs(a))
	}
	return v
}

// Output converts a stored document for callers: "_id" becomes a string "id",
// nested ObjectIDs become hex strings and datetimes become time.Time.
func Output(doc bson.M) bson.M {
	if doc == nil {
		return nil
	}
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if k == IDField {
			out[IDFieldAlias] = IDToString(v)
			continue
		}
		out[k] = outputValue(v)
	}
	return out
}

func outputValue(v any) any {
	switch c := v.(type) {
	case primitive.ObjectID:
		return c.Hex()
	case primitive.DateTime:
		return c.Time()
	case bson.M:
		out := make(bson.M, len(c))
		for k, e := range c {
			out[k] = outputValue(e)
		}
		return out
	case bson.D:
		out := make(bson.D, len(c))
		for i, e := range c {
			out[i] = bson.E{Key: e.Key, Value: outputValue(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(c))
		for i, e := range c {
			out[i] = outputValue(e)
		}
		return out
	}
	return v
}
