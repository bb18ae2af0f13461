package helpers

import (
	"bytes"
	"reflect"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Compare orders two scalars of a comparable family: numbers (any Go numeric
// kind), strings, booleans, ObjectIDs and datetimes. ok is false when the
// values cannot be ordered against each other.
func Compare(a, b any) (int, bool) {
	if af, aok := ToFloat(a, false); aok {
		bf, bok := ToFloat(b, false)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case primitive.ObjectID:
		bv, ok := b.(primitive.ObjectID)
		if !ok {
			return 0, false
		}
		return bytes.Compare(av[:], bv[:]), true
	}

	at, aok := toTime(a)
	bt, bok := toTime(b)
	if aok && bok {
		return at.Compare(bt), true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case primitive.DateTime:
		return t.Time(), true
	}
	return time.Time{}, false
}

// Equal compares numbers across kinds and everything else structurally.
func Equal(a, b any) bool {
	if IsNull(a) || IsNull(b) {
		return IsNull(a) && IsNull(b)
	}
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	if IsDocument(a) && IsDocument(b) {
		return reflect.DeepEqual(Normalize(a), Normalize(b))
	}
	as, aok := ToSlice(a)
	bs, bok := ToSlice(b)
	if aok && bok {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}
