package schema

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashCallback returns a per-write callback that replaces plain text strings
// with their bcrypt hash. Values that already look like a bcrypt hash, and
// non-strings, are left alone. A value bcrypt cannot hash, such as one longer
// than 72 bytes, is an error.
func HashCallback(cost int) Callback {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return func(value any) (any, error) {
		s, ok := value.(string)
		if !ok || s == "" || isBcrypt(s) {
			return value, nil
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(s), cost)
		if err != nil {
			return nil, fmt.Errorf("cannot be hashed: %w", err)
		}
		return string(hash), nil
	}
}

func isBcrypt(s string) bool {
	if len(s) != 60 {
		return false
	}
	_, err := bcrypt.Cost([]byte(s))
	return err == nil && strings.HasPrefix(s, "$2")
}

// LowerCallback lower-cases string values, e.g. for email fields.
func LowerCallback(value any) (any, error) {
	if s, ok := value.(string); ok {
		return strings.ToLower(s), nil
	}
	return value, nil
}
