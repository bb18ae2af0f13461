package helpers

import (
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// PathGet resolves a dot path ("a.b.0.c") through nested documents and arrays.
func PathGet(doc any, path string) (any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		next, ok := Lookup(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func PathHas(doc any, path string) bool {
	_, ok := PathGet(doc, path)
	return ok
}

// Lookup returns the value under key in a single document level. Arrays accept
// numeric keys.
func Lookup(container any, key string) (any, bool) {
	switch c := container.(type) {
	case bson.D:
		for _, e := range c {
			if e.Key == key {
				return e.Value, true
			}
		}
	case bson.M:
		v, ok := c[key]
		return v, ok
	case map[string]any:
		v, ok := c[key]
		return v, ok
	case bson.A:
		return index(c, key)
	case []any:
		return index(c, key)
	}
	return nil, false
}

func index(a []any, key string) (any, bool) {
	i, err := strconv.Atoi(key)
	if err != nil || i < 0 || i >= len(a) {
		return nil, false
	}
	return a[i], true
}

// PathSet returns d with value stored at path. Missing or non-document levels
// are replaced with bson.D.
func PathSet(d bson.D, path string, value any) bson.D {
	key, rest, nested := strings.Cut(path, ".")
	if !nested {
		return SetKey(d, key, value)
	}
	child, _ := Lookup(d, key)
	sub, ok := child.(bson.D)
	if !ok {
		sub = bson.D{}
	}
	return SetKey(d, key, PathSet(sub, rest, value))
}

// SetKey replaces key in place when present, appends it otherwise.
func SetKey(d bson.D, key string, value any) bson.D {
	for i := range d {
		if d[i].Key == key {
			d[i].Value = value
			return d
		}
	}
	return append(d, bson.E{Key: key, Value: value})
}

// RemoveKey returns d without key.
func RemoveKey(d bson.D, key string) bson.D {
	out := make(bson.D, 0, len(d))
	for _, e := range d {
		if e.Key != key {
			out = append(out, e)
		}
	}
	return out
}
