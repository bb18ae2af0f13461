package helpers

import (
	"reflect"
	"strconv"
	"strings"
)

// ToInt64 converts any Go integer kind. Floats and strings are not integers.
func ToInt64(v any) (int64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}

func IsInt(v any) bool {
	_, ok := ToInt64(v)
	return ok
}

func IsFloat(v any) bool {
	switch v.(type) {
	case float32, float64:
		return true
	}
	return false
}

// ToFloat converts integer and float kinds. Numeric strings are accepted only
// when numericStrings is set.
func ToFloat(v any, numericStrings bool) (float64, bool) {
	if i, ok := ToInt64(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		if !numericStrings {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
