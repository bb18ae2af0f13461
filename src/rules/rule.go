// Package rules holds the field predicates a schema refers to by type tag and
// rule name, and the registry that resolves them.
package rules

import (
	"errors"
	"fmt"

	"schemadb/src/helpers"
)

var (
	ErrUnknownRule   = errors.New("unknown rule")
	ErrInvalidParams = errors.New("invalid rule parameters")
)

// Type tags.
const (
	TypeArray     = "array"
	TypeBoolean   = "boolean"
	TypeDatetime  = "datetime"
	TypeFloat     = "float"
	TypeGeneric   = "generic"
	TypeInteger   = "integer"
	TypeNumber    = "number"
	TypeObject    = "object"
	TypeString    = "string"
	TypeTimestamp = "timestamp"
)

// Marker tokens with meaning outside the rule set.
const (
	MarkerID       = "id"
	MarkerVoidable = "voidable"
	MarkerNotNull  = "notNull"
	MarkerNotEmpty = "notEmpty"
	MarkerDefault  = "default"
	MarkerFields   = "fields"
	SchemaArray    = "schema:array"
	SchemaObject   = "schema:object"
	RuleType       = "type"
)

var typeAliases = map[string]string{
	"arr":        TypeArray,
	"array":      TypeArray,
	"bool":       TypeBoolean,
	"boolean":    TypeBoolean,
	"datetime":   TypeDatetime,
	"dbdatetime": TypeDatetime,
	"float":      TypeFloat,
	"int":        TypeInteger,
	"integer":    TypeInteger,
	"num":        TypeNumber,
	"number":     TypeNumber,
	"obj":        TypeObject,
	"object":     TypeObject,
	"str":        TypeString,
	"string":     TypeString,
	"timestamp":  TypeTimestamp,
}

// NormalizeType maps a type token (including short aliases) to its tag.
func NormalizeType(token string) (string, bool) {
	tag, ok := typeAliases[token]
	return tag, ok
}

// Rule is a single predicate over a field value.
type Rule interface {
	Validate(value any) bool
	Message() string
}

// Factory builds a rule from the parameters written next to its name in a schema.
type Factory func(params ...any) (Rule, error)

type check struct {
	message string
	fn      func(value any) bool
}

func (c *check) Validate(value any) bool { return c.fn(value) }
func (c *check) Message() string         { return c.message }

// New returns a Rule from a message and a predicate.
func New(message string, fn func(value any) bool) Rule {
	return &check{message: message, fn: fn}
}

// Fixed returns a Factory for a rule without parameters.
func Fixed(message string, fn func(value any) bool) Factory {
	return func(params ...any) (Rule, error) {
		return New(message, fn), nil
	}
}

func paramError(rule string, want string, params []any) error {
	return fmt.Errorf("%w: %s expects %s, got %v", ErrInvalidParams, rule, want, params)
}

func paramFloat(rule string, params []any, n int) ([]float64, error) {
	if len(params) != n {
		return nil, paramError(rule, fmt.Sprintf("%d numeric parameter(s)", n), params)
	}
	out := make([]float64, n)
	for i, p := range params {
		f, ok := helpers.ToFloat(p, false)
		if !ok {
			return nil, paramError(rule, "numeric parameters", params)
		}
		out[i] = f
	}
	return out, nil
}

func paramString(rule string, params []any) (string, error) {
	if len(params) < 1 {
		return "", paramError(rule, "a string parameter", params)
	}
	s, ok := params[0].(string)
	if !ok {
		return "", paramError(rule, "a string parameter", params)
	}
	return s, nil
}

func paramInt(rule string, params []any) (int, error) {
	if len(params) != 1 {
		return 0, paramError(rule, "an integer parameter", params)
	}
	i, ok := helpers.ToInt64(params[0])
	if !ok || i < 0 {
		return 0, paramError(rule, "a non-negative integer parameter", params)
	}
	return int(i), nil
}

func formatNumber(f float64) string {
	return fmt.Sprintf("%v", f)
}

func inValues(v any, values []any) bool {
	for _, a := range values {
		if helpers.Equal(v, a) {
			return true
		}
	}
	return false
}
