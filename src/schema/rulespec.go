package schema

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/helpers"
	"schemadb/src/rules"
)

// RuleSpec is one entry of a field's rule list: a bare token ("notNull") or a
// rule with parameters ({min: 3}).
type RuleSpec struct {
	Name      string
	Params    any
	HasParams bool
}

// ParseRules reads a field's rule entry. A string is a single token, a list
// holds tokens and {name: params} documents, a document is read as a list of
// {name: params} rules.
func ParseRules(v any) ([]RuleSpec, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		return []RuleSpec{{Name: s}}, nil
	}
	if d, ok := helpers.ToDocument(v); ok && helpers.IsDocument(v) {
		return paramRules(d), nil
	}
	items, ok := helpers.ToSlice(v)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported rule entry %T", ErrInvalidRule, v)
	}

	specs := make([]RuleSpec, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			specs = append(specs, RuleSpec{Name: s})
			continue
		}
		d, ok := helpers.ToDocument(item)
		if !ok || !helpers.IsDocument(item) {
			return nil, fmt.Errorf("%w: unsupported rule %v", ErrInvalidRule, item)
		}
		specs = append(specs, paramRules(d)...)
	}
	return specs, nil
}

// paramRules reads {name: params} entries. A null parameter ({notEmpty} in
// YAML flow style) is a bare token.
func paramRules(d bson.D) []RuleSpec {
	specs := make([]RuleSpec, 0, len(d))
	for _, e := range d {
		if e.Value == nil {
			specs = append(specs, RuleSpec{Name: e.Key})
			continue
		}
		specs = append(specs, RuleSpec{Name: e.Key, Params: e.Value, HasParams: true})
	}
	return specs
}

// SplitType removes the first type token from specs and returns its tag,
// rules.TypeGeneric when none is declared.
func SplitType(specs []RuleSpec) (string, []RuleSpec) {
	for i, spec := range specs {
		if spec.HasParams {
			continue
		}
		if tag, ok := rules.NormalizeType(spec.Name); ok {
			rest := make([]RuleSpec, 0, len(specs)-1)
			rest = append(rest, specs[:i]...)
			rest = append(rest, specs[i+1:]...)
			return tag, rest
		}
	}
	return rules.TypeGeneric, specs
}

// HasToken reports a bare token among specs.
func HasToken(specs []RuleSpec, tokens ...string) bool {
	for _, spec := range specs {
		if spec.HasParams {
			continue
		}
		for _, t := range tokens {
			if spec.Name == t {
				return true
			}
		}
	}
	return false
}

// NestedFields returns the nested schema declared by fields, schema:array or
// schema:object, and which of the three declared it.
func NestedFields(specs []RuleSpec) (bson.D, string, bool) {
	for _, spec := range specs {
		if !spec.HasParams {
			continue
		}
		switch spec.Name {
		case rules.MarkerFields, rules.SchemaArray, rules.SchemaObject:
			d, ok := helpers.ToDocument(spec.Params)
			if !ok {
				return nil, "", false
			}
			return d, spec.Name, true
		}
	}
	return nil, "", false
}
