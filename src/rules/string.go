package rules

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/mail"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
)

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

// stringCheck wraps fn so non-strings fail.
func stringCheck(fn func(s string) bool) func(any) bool {
	return func(v any) bool {
		s, ok := v.(string)
		return ok && fn(s)
	}
}

func registerString(r *Registry) {
	r.Register(TypeString, RuleType, Fixed("must be a string", func(v any) bool {
		return v == nil || isString(v)
	}))
	r.Register(TypeString, MarkerNotNull, Fixed("must be a string", isString))
	r.Register(TypeString, MarkerID, Fixed("must be a string", isString))
	r.Register(TypeString, MarkerNotEmpty, Fixed("must be a non-empty string", stringCheck(func(s string) bool {
		return strings.TrimSpace(s) != ""
	})))

	r.Register(TypeString, "allowed", func(params ...any) (Rule, error) {
		return New("value must be allowed", func(v any) bool { return inValues(v, params) }), nil
	})
	r.Register(TypeString, "notAllowed", func(params ...any) (Rule, error) {
		return New("value is not allowed", func(v any) bool { return isString(v) && !inValues(v, params) }), nil
	})

	r.Register(TypeString, "alpha", Fixed("must only contain alphabetic characters", stringCheck(func(s string) bool {
		return strings.IndexFunc(s, func(c rune) bool { return !unicode.IsLetter(c) }) < 0
	})))
	r.Register(TypeString, "alnum", Fixed("must only contain alphanumeric characters", stringCheck(func(s string) bool {
		return strings.IndexFunc(s, func(c rune) bool { return !unicode.IsLetter(c) && !unicode.IsDigit(c) }) < 0
	})))

	r.Register(TypeString, "contains", func(params ...any) (Rule, error) {
		needle, err := paramString("contains", params)
		if err != nil {
			return nil, err
		}
		fold := len(params) > 1 && params[1] == true
		return New(fmt.Sprintf("must contain value %q", needle), stringCheck(func(s string) bool {
			if fold {
				return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
			}
			return strings.Contains(s, needle)
		})), nil
	})

	r.Register(TypeString, "email", Fixed("must be a valid email address", stringCheck(func(s string) bool {
		addr, err := mail.ParseAddress(s)
		return err == nil && addr.Address == s
	})))

	r.Register(TypeString, "hash", func(params ...any) (Rule, error) {
		known, err := paramString("hash", params)
		if err != nil {
			return nil, err
		}
		return New("hashes must be equal", stringCheck(func(s string) bool {
			return subtle.ConstantTimeCompare([]byte(known), []byte(s)) == 1
		})), nil
	})

	r.Register(TypeString, "ipv4", Fixed("must be valid IPv4 address", stringCheck(func(s string) bool {
		ip, err := netip.ParseAddr(s)
		return err == nil && ip.Is4()
	})))
	r.Register(TypeString, "ipv6", Fixed("must be valid IPv6 address", stringCheck(func(s string) bool {
		ip, err := netip.ParseAddr(s)
		return err == nil && ip.Is6()
	})))

	r.Register(TypeString, "json", Fixed("must be a valid JSON", stringCheck(func(s string) bool {
		return json.Valid([]byte(s))
	})))

	r.Register(TypeString, "length", func(params ...any) (Rule, error) {
		n, err := paramInt("length", params)
		if err != nil {
			return nil, err
		}
		return New(fmt.Sprintf("length must be %d characters", n), stringCheck(func(s string) bool {
			return utf8.RuneCountInString(s) == n
		})), nil
	})
	r.Register(TypeString, "min", func(params ...any) (Rule, error) {
		n, err := paramInt("min", params)
		if err != nil {
			return nil, err
		}
		return New(fmt.Sprintf("length must be a minimum of %d characters", n), stringCheck(func(s string) bool {
			return utf8.RuneCountInString(s) >= n
		})), nil
	})
	r.Register(TypeString, "max", func(params ...any) (Rule, error) {
		n, err := paramInt("max", params)
		if err != nil {
			return nil, err
		}
		return New(fmt.Sprintf("length must be a maximum of %d characters", n), stringCheck(func(s string) bool {
			return utf8.RuneCountInString(s) <= n
		})), nil
	})

	r.Register(TypeString, "match", func(params ...any) (Rule, error) {
		pattern, err := paramString("match", params)
		if err != nil {
			return nil, err
		}
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: match pattern %q: %v", ErrInvalidParams, pattern, err)
		}
		return New("value must be a match", stringCheck(re.MatchString)), nil
	})

	r.Register(TypeString, "password", func(params ...any) (Rule, error) {
		hash, err := paramString("password", params)
		if err != nil {
			return nil, err
		}
		return New("passwords must match", stringCheck(func(s string) bool {
			return bcrypt.CompareHashAndPassword([]byte(hash), []byte(s)) == nil
		})), nil
	})

	r.Register(TypeString, "url", Fixed("must be a valid URL", stringCheck(func(s string) bool {
		u, err := url.ParseRequestURI(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	})))

	r.Register(TypeString, "uuid", Fixed("must be a valid UUID", stringCheck(func(s string) bool {
		_, err := uuid.Parse(s)
		return err == nil
	})))

	r.Register(TypeString, "objectId", Fixed("must be a valid ObjectId", stringCheck(primitive.IsValidObjectID)))
}

// compilePattern accepts a bare pattern or a delimited one like "/^a+$/i".
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if len(pattern) > 1 && pattern[0] == '/' {
		if end := strings.LastIndexByte(pattern, '/'); end > 0 {
			body, flags := pattern[1:end], pattern[end+1:]
			if strings.Trim(flags, "imsU") == "" {
				if flags != "" {
					body = "(?" + flags + ")" + body
				}
				pattern = body
			}
		}
	}
	return regexp.Compile(pattern)
}
