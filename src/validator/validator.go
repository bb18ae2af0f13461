// Package validator checks and normalizes documents against a schema before
// they are written. Validation stops at the first failing rule.
package validator

import (
	"errors"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/helpers"
	"schemadb/src/rules"
	"schemadb/src/schema"
)

var (
	ErrInvalidMode     = errors.New("invalid validation mode")
	ErrInvalidDocument = errors.New("document must be an object")
	ErrValidation      = errors.New("validation failed")

	// errAbort unwinds the walk after a failure has been recorded.
	errAbort = errors.New("validation aborted")
)

const (
	MessageUnknownField = "field does not exist in schema"
	MessageNotArray     = "must be an array"
	MessageNotDocument  = "must be an object"
)

type Mode string

const (
	ModeCreate    Mode = "create"
	ModeReplace   Mode = "replace"
	ModeReplaceID Mode = "replace+id"
	ModeUpdate    Mode = "update"
	ModeUpdateID  Mode = "update+id"
)

func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
	return m, nil
}

func (m Mode) Valid() bool {
	switch m {
	case ModeCreate, ModeReplace, ModeReplaceID, ModeUpdate, ModeUpdateID:
		return true
	}
	return false
}

func (m Mode) String() string { return string(m) }

// IDRequired reports whether a missing id field is written as null.
func (m Mode) IDRequired() bool { return m == ModeReplaceID || m == ModeUpdateID }

// Partial reports whether missing fields are left out.
func (m Mode) Partial() bool { return m == ModeUpdate || m == ModeUpdateID }

// ValidationError is the first failure of a document.
type ValidationError struct {
	Name    string
	Field   string
	Message string
	Doc     any
}

func (e *ValidationError) Error() string {
	field := e.Field
	if e.Name != "" {
		field = e.Name + "." + field
	}
	return fmt.Sprintf("validation failed: %q %s", field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// RuleError is a schema authoring bug met while validating: an unknown rule,
// bad rule parameters or a malformed rule entry.
type RuleError struct {
	Field string
	Type  string
	Rule  string
	Err   error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("invalid %s rule %q for field %q: %v", e.Type, e.Rule, e.Field, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Validator validates one document once; results are memoized.
type Validator struct {
	doc      any
	schema   *schema.Schema
	mode     Mode
	registry *rules.Registry

	done   bool
	valid  bool
	out    any
	err    error
	errs   map[string]string
	fields []string
}

// New freezes s: defaults and callbacks cannot change once a document has
// been validated against it.
func New(doc any, s *schema.Schema, mode Mode) (*Validator, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if s == nil {
		return nil, errors.New("validator needs a schema")
	}
	s.Freeze()
	return &Validator{
		doc:      doc,
		schema:   s,
		mode:     mode,
		registry: s.Registry(),
		errs:     map[string]string{},
	}, nil
}

func (v *Validator) Validate() bool {
	if v.done {
		return v.valid
	}
	v.done = true

	data, kind, ok := document(v.doc)
	if !ok {
		v.err = fmt.Errorf("%w, got %T", ErrInvalidDocument, v.doc)
		return false
	}

	out, err := v.validateData(data, v.schema.Fields(), "", "", false)
	switch {
	case errors.Is(err, errAbort):
	case err != nil:
		v.err = err
	case len(v.errs) == 0:
		v.out, v.err = restore(out, kind, v.doc)
	}
	v.valid = v.err == nil && len(v.errs) == 0
	if !v.valid {
		v.out = nil
	}
	return v.valid
}

// Errors returns the recorded failures keyed by field path.
func (v *Validator) Errors() map[string]string {
	v.Validate()
	out := make(map[string]string, len(v.errs))
	for k, msg := range v.errs {
		out[k] = msg
	}
	return out
}

// Document returns the normalized document, nil unless it is valid.
func (v *Validator) Document() any {
	v.Validate()
	return v.out
}

// Err returns the error that kept validation from running to a verdict.
func (v *Validator) Err() error {
	v.Validate()
	return v.err
}

// Assert returns nil for a valid document, a *RuleError (or document error)
// when validation could not run, or a *ValidationError for the first failure.
func (v *Validator) Assert() error {
	if v.Validate() {
		return nil
	}
	if v.err != nil {
		return v.err
	}
	field := v.fields[0]
	return &ValidationError{
		Name:    v.schema.Name(),
		Field:   field,
		Message: v.errs[field],
		Doc:     v.doc,
	}
}

// Make returns the normalized document or the Assert error.
func (v *Validator) Make() (any, error) {
	if err := v.Assert(); err != nil {
		return nil, err
	}
	return v.out, nil
}

func (v *Validator) addError(field, message string) {
	if _, ok := v.errs[field]; !ok {
		v.fields = append(v.fields, field)
	}
	v.errs[field] = message
}

// validateData fills missing fields then checks present ones. errPath carries
// array positions for error keys; schemaPath does not and keys defaults and
// callbacks. nested is set below schema:array and schema:object, where partial
// updates do not apply.
func (v *Validator) validateData(data, fields bson.D, errPath, schemaPath string, nested bool) (bson.D, error) {
	data, nullIDs, err := v.fill(data, fields, schemaPath, nested)
	if err != nil {
		return nil, err
	}

	out := make(bson.D, 0, len(data))
	for _, e := range data {
		field := join(errPath, e.Key)
		path := join(schemaPath, e.Key)

		value := e.Value
		if v.schema.HasCallback(path, true) {
			fn, _ := v.schema.GetCallback(path, true)
			derived, err := fn(nil)
			if err != nil {
				return nil, &RuleError{Field: field, Err: err}
			}
			value = derived
		}
		if v.schema.HasCallback(path, false) {
			fn, _ := v.schema.GetCallback(path, false)
			derived, err := fn(value)
			if err != nil {
				v.addError(field, err.Error())
				return nil, errAbort
			}
			value = derived
		}

		entry, ok := helpers.Lookup(fields, e.Key)
		if !ok {
			v.addError(field, MessageUnknownField)
			continue
		}
		if entry == nil || nullIDs[e.Key] {
			out = append(out, bson.E{Key: e.Key, Value: value})
			continue
		}

		value, err = v.checkField(value, entry, field, path, nested)
		if err != nil {
			return nil, err
		}
		out = append(out, bson.E{Key: e.Key, Value: value})
	}
	return out, nil
}

// fill adds the fields missing from data. It also returns the id fields it
// wrote as null, which are not rule checked.
func (v *Validator) fill(data, fields bson.D, schemaPath string, nested bool) (bson.D, map[string]bool, error) {
	out := append(make(bson.D, 0, len(data)+len(fields)), data...)
	nullIDs := map[string]bool{}
	for _, f := range fields {
		if _, ok := helpers.Lookup(data, f.Key); ok {
			continue
		}
		specs, err := schema.ParseRules(f.Value)
		if err != nil {
			return nil, nil, &RuleError{Field: join(schemaPath, f.Key), Err: err}
		}
		path := join(schemaPath, f.Key)

		var value any
		switch {
		case schema.HasToken(specs, rules.MarkerID):
			if v.mode.IDRequired() {
				out = append(out, bson.E{Key: f.Key, Value: nil})
				nullIDs[f.Key] = true
			}
			continue
		case schema.HasToken(specs, rules.MarkerVoidable):
			continue
		case v.schema.HasCallback(path, true):
			fn, _ := v.schema.GetCallback(path, true)
			if value, err = fn(nil); err != nil {
				return nil, nil, &RuleError{Field: path, Err: err}
			}
		case v.mode.Partial() && !nested:
			continue
		case v.mode == ModeCreate:
			value = clone(v.schema.GetDefault(path))
		}

		if tag, _ := schema.SplitType(specs); tag == rules.TypeObject && helpers.IsNull(value) {
			value = bson.D{}
		}
		out = append(out, bson.E{Key: f.Key, Value: value})
	}
	return out, nullIDs, nil
}

// checkField runs the type check and then the declared rules in order.
func (v *Validator) checkField(value, entry any, field, path string, nested bool) (any, error) {
	specs, err := schema.ParseRules(entry)
	if err != nil {
		return nil, &RuleError{Field: field, Err: err}
	}
	tag, specs := schema.SplitType(specs)
	required := schema.HasToken(specs, rules.MarkerNotNull, rules.MarkerNotEmpty, rules.MarkerID)

	checks := append([]schema.RuleSpec{{Name: rules.RuleType}}, specs...)
	for _, spec := range checks {
		switch spec.Name {
		case rules.MarkerVoidable, rules.MarkerDefault:
			continue
		case rules.MarkerFields:
			if value, err = v.nestedObject(value, spec, field, path, nested); err != nil {
				return nil, err
			}
			continue
		case rules.SchemaArray, rules.SchemaObject:
			if value, err = v.nestedList(value, spec, field, path); err != nil {
				return nil, err
			}
			continue
		}

		rule, err := v.registry.Build(tag, spec.Name, ruleParams(spec)...)
		if err != nil {
			return nil, &RuleError{Field: field, Type: tag, Rule: spec.Name, Err: err}
		}
		if rule.Validate(value) {
			continue
		}
		if !required && helpers.IsNull(value) {
			continue
		}
		v.addError(field, rule.Message())
		return nil, errAbort
	}
	return value, nil
}

func ruleParams(spec schema.RuleSpec) []any {
	if !spec.HasParams {
		return nil
	}
	if list, ok := helpers.ToSlice(spec.Params); ok {
		return list
	}
	return []any{spec.Params}
}

func nestedSchema(spec schema.RuleSpec, field string) (bson.D, error) {
	fields, ok := helpers.ToDocument(spec.Params)
	if !spec.HasParams || !ok || !helpers.IsDocument(spec.Params) {
		return nil, &RuleError{Field: field, Rule: spec.Name, Err: fmt.Errorf("%w: %s expects a document", schema.ErrInvalidRule, spec.Name)}
	}
	return fields, nil
}

// nestedObject validates a single nested document. A value that is not a
// document is replaced by an empty one, which the fill pass then populates.
func (v *Validator) nestedObject(value any, spec schema.RuleSpec, field, path string, nested bool) (any, error) {
	fields, err := nestedSchema(spec, field)
	if err != nil {
		return nil, err
	}
	data, kind, ok := document(value)
	if !ok {
		data, kind, value = bson.D{}, kindD, nil
	}
	out, err := v.validateData(data, fields, field, path, nested)
	if err != nil {
		return nil, err
	}
	return restore(out, kind, value)
}

// nestedList validates every element of an array against the nested schema.
// Errors carry the element position ("items.1.name").
func (v *Validator) nestedList(value any, spec schema.RuleSpec, field, path string) (any, error) {
	fields, err := nestedSchema(spec, field)
	if err != nil {
		return nil, err
	}
	if helpers.IsNull(value) {
		return value, nil
	}
	items, ok := helpers.ToSlice(value)
	if !ok {
		v.addError(field, MessageNotArray)
		return nil, errAbort
	}

	out := make([]any, len(items))
	for i, item := range items {
		itemField := join(field, strconv.Itoa(i))
		data, kind, ok := document(item)
		if !ok {
			v.addError(itemField, MessageNotDocument)
			return nil, errAbort
		}
		validated, err := v.validateData(data, fields, itemField, path, true)
		if err != nil {
			return nil, err
		}
		if out[i], err = restore(validated, kind, item); err != nil {
			return nil, err
		}
	}
	if _, plain := value.([]any); plain {
		return out, nil
	}
	return bson.A(out), nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
