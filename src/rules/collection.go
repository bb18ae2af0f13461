package rules

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"schemadb/src/helpers"
)

func isArray(v any) bool {
	return helpers.IsArray(v) || helpers.IsDocument(v)
}

func isObject(v any) bool {
	return helpers.IsDocument(v) || helpers.IsStruct(v)
}

// size counts array elements or document keys.
func size(v any) (int, bool) {
	if a, ok := helpers.ToSlice(v); ok {
		return len(a), true
	}
	if d, ok := helpers.ToDocument(v); ok {
		return len(d), true
	}
	return 0, false
}

// values returns array elements or document values.
func values(v any) []any {
	if a, ok := helpers.ToSlice(v); ok {
		return a
	}
	d, _ := helpers.ToDocument(v)
	out := make([]any, len(d))
	for i, e := range d {
		out[i] = e.Value
	}
	return out
}

func registerArray(r *Registry) {
	r.Register(TypeArray, RuleType, Fixed("must be an array or null", func(v any) bool {
		return v == nil || isArray(v)
	}))
	r.Register(TypeArray, MarkerNotNull, Fixed("must be an array", isArray))
	r.Register(TypeArray, MarkerNotEmpty, Fixed("must be a non-empty array", func(v any) bool {
		n, ok := size(v)
		return ok && n > 0
	}))

	r.Register(TypeArray, "allowed", func(params ...any) (Rule, error) {
		return New("array values must be allowed", func(v any) bool {
			if !isArray(v) {
				return false
			}
			for _, e := range values(v) {
				if !inValues(e, params) {
					return false
				}
			}
			return true
		}), nil
	})

	r.Register(TypeArray, "unique", Fixed("array values must be unique", func(v any) bool {
		if !isArray(v) {
			return false
		}
		vals := values(v)
		for i := range vals {
			for j := i + 1; j < len(vals); j++ {
				if helpers.Equal(vals[i], vals[j]) {
					return false
				}
			}
		}
		return true
	}))

	sized := func(name, format string, cmp func(n, want int) bool) {
		r.Register(TypeArray, name, func(params ...any) (Rule, error) {
			want, err := paramInt(name, params)
			if err != nil {
				return nil, err
			}
			return New(fmt.Sprintf(format, want), func(v any) bool {
				n, ok := size(v)
				return ok && cmp(n, want)
			}), nil
		})
	}
	sized("length", "array must have %d values", func(n, want int) bool { return n == want })
	sized("min", "array must have a minimum of %d values", func(n, want int) bool { return n >= want })
	sized("max", "array must have a maximum of %d values", func(n, want int) bool { return n <= want })
}

func registerObject(r *Registry) {
	r.Register(TypeObject, RuleType, Fixed("must be an object or null", func(v any) bool {
		return v == nil || isObject(v)
	}))
	r.Register(TypeObject, MarkerNotNull, Fixed("must be an object", isObject))
	r.Register(TypeObject, MarkerNotEmpty, Fixed("must be a non-empty object", func(v any) bool {
		d, ok := helpers.ToDocument(v)
		return ok && len(d) > 0
	}))
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func isDatetime(v any) bool {
	switch v.(type) {
	case time.Time, primitive.DateTime:
		return true
	}
	return false
}

func registerScalar(r *Registry) {
	r.Register(TypeGeneric, RuleType, Fixed("must be any type", func(any) bool { return true }))
	r.Register(TypeGeneric, MarkerNotNull, Fixed("must not be null", func(v any) bool { return !helpers.IsNull(v) }))
	r.Register(TypeGeneric, MarkerID, Fixed("must not be null", func(v any) bool { return !helpers.IsNull(v) }))
	r.Register(TypeGeneric, MarkerNotEmpty, Fixed("must not be empty", func(v any) bool {
		if helpers.IsNull(v) || v == "" {
			return false
		}
		n, ok := size(v)
		return !ok || n > 0
	}))

	r.Register(TypeBoolean, RuleType, Fixed("must be a boolean or null", func(v any) bool {
		return v == nil || isBool(v)
	}))
	r.Register(TypeBoolean, MarkerNotNull, Fixed("must be a boolean", isBool))

	r.Register(TypeTimestamp, RuleType, Fixed("must be a timestamp or null", func(v any) bool {
		return v == nil || helpers.IsInt(v)
	}))
	r.Register(TypeTimestamp, MarkerNotNull, Fixed("must be a timestamp", helpers.IsInt))

	r.Register(TypeDatetime, RuleType, Fixed("must be a datetime object or null", func(v any) bool {
		return v == nil || isDatetime(v)
	}))
	r.Register(TypeDatetime, MarkerNotNull, Fixed("must be a datetime object", isDatetime))
}

func registerBuiltins(r *Registry) {
	registerScalar(r)
	registerString(r)
	registerNumeric(r)
	registerArray(r)
	registerObject(r)
}
