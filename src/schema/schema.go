// Package schema parses declarative field schemas: field rules plus the "$"
// directives for defaults, derived values, indexes, read filters and
// referential constraints.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/constraint"
	"schemadb/src/helpers"
	"schemadb/src/rules"
)

var (
	ErrEmptySchema      = errors.New("schema cannot be empty")
	ErrReservedField    = errors.New(`schema field names cannot start with "$"`)
	ErrDirective        = errors.New("invalid schema directive")
	ErrInvalidRule      = errors.New("invalid schema rule")
	ErrImportNotFound   = errors.New("schema import not found")
	ErrFrozen           = errors.New("schema is in use and can no longer be changed")
	ErrDuplicateDefault = errors.New("default already declared")
	ErrNoCallback       = errors.New("no callback registered")
)

const (
	DirectiveCreated   = "$created"
	DirectiveFilter    = "$filter"
	DirectiveImport    = "$import"
	DirectiveIndex     = "$index"
	DirectiveIndexes   = "$indexes"
	DirectiveRefClear  = "$ref:clear"
	DirectiveRefDelete = "$ref:delete"
	DirectiveRefFk     = "$ref:fk"
	DirectiveUpdated   = "$updated"
)

// Time kinds accepted by $created and $updated.
const (
	TimeTimestamp  = "timestamp"
	TimeDatetime   = "datetime"
	TimeDBDatetime = "dbdatetime"
)

// SchemaError reports a construction failure with the offending key.
type SchemaError struct {
	Name string
	Key  string
	Err  error
}

func (e *SchemaError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("schema %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("schema %q, %q: %v", e.Name, e.Key, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Callback derives a field value. Per-write callbacks receive the written value,
// static callbacks receive nil. An error fails the field; the value is never
// written as is.
type Callback func(value any) (any, error)

// Producer is a default evaluated on every access.
type Producer func() any

type Schema struct {
	name     string
	original bson.D
	fields   bson.D

	defaults  map[string]any
	callbacks map[string]Callback
	static    map[string]Callback
	updated   []string

	filter  bson.D
	indexes []IndexSpec

	fk    []*constraint.RefFk
	clear []*constraint.RefClear
	del   []*constraint.RefDelete

	paths    pathTree
	registry *rules.Registry
	importer Importer
	clock    func() time.Time
	frozen   atomic.Bool
}

type Option func(*Schema)

func WithName(name string) Option {
	return func(s *Schema) { s.name = name }
}

func WithRegistry(r *rules.Registry) Option {
	return func(s *Schema) { s.registry = r }
}

func WithImporter(i Importer) Option {
	return func(s *Schema) { s.importer = i }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Schema) { s.clock = clock }
}

// New builds a schema from its source. Directives are consumed; everything
// else is a field.
func New(source bson.D, opts ...Option) (*Schema, error) {
	s := &Schema{
		original:  source,
		defaults:  map[string]any{},
		callbacks: map[string]Callback{},
		static:    map[string]Callback{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = rules.Default()
	}

	if len(source) == 0 {
		return nil, s.fail("", ErrEmptySchema)
	}

	var imports bson.D
	for _, e := range source {
		if !strings.HasPrefix(e.Key, "$") {
			s.fields = append(s.fields, e)
			continue
		}

		var err error
		switch e.Key {
		case DirectiveCreated:
			err = s.parseCreated(e.Value)
		case DirectiveUpdated:
			err = s.parseUpdated(e.Value)
		case DirectiveFilter:
			err = s.parseFilter(e.Value)
		case DirectiveIndex:
			err = s.addIndex(e.Value)
		case DirectiveIndexes:
			err = s.parseIndexes(e.Value)
		case DirectiveImport:
			d, ok := helpers.ToDocument(e.Value)
			if !ok {
				err = fmt.Errorf("%w: expected {path: fragment}", ErrDirective)
			}
			imports = append(imports, d...)
		case DirectiveRefFk:
			err = s.parseFk(e.Value)
		case DirectiveRefClear, DirectiveRefDelete:
			err = s.parseCascade(e.Key, e.Value)
		default:
			err = ErrReservedField
		}
		if err != nil {
			return nil, s.fail(e.Key, err)
		}
	}

	for _, e := range imports {
		if err := s.importFragment(e.Key, e.Value); err != nil {
			return nil, s.fail(DirectiveImport, err)
		}
	}

	if len(s.fields) == 0 {
		return nil, s.fail("", ErrEmptySchema)
	}

	if err := s.extractDefaults(s.fields, ""); err != nil {
		return nil, err
	}

	paths, err := buildPaths(s.fields)
	if err != nil {
		return nil, s.fail("", err)
	}
	s.paths = paths

	return s, nil
}

func (s *Schema) fail(key string, err error) error {
	return &SchemaError{Name: s.name, Key: key, Err: err}
}

func (s *Schema) importFragment(path string, ref any) error {
	name, ok := ref.(string)
	if !ok {
		return fmt.Errorf("%w: import %q must name a fragment", ErrDirective, path)
	}
	if s.importer == nil {
		importer, err := DefaultImporter()
		if err != nil {
			return err
		}
		s.importer = importer
	}
	fragment, err := s.importer.Import(name)
	if err != nil {
		return err
	}
	fields, err := importAt(s.fields, strings.Split(path, "."), fragment)
	if err != nil {
		return err
	}
	s.fields = fields
	return nil
}

// importAt stores fragment under the field path, descending through the nested
// schemas of fields, schema:array and schema:object rules.
func importAt(fields bson.D, parts []string, fragment any) (bson.D, error) {
	if len(parts) == 1 {
		return helpers.SetKey(fields, parts[0], fragment), nil
	}
	entry, ok := helpers.Lookup(fields, parts[0])
	if !ok {
		return nil, fmt.Errorf("%w: cannot import below unknown field %q", ErrDirective, parts[0])
	}
	specs, err := ParseRules(entry)
	if err != nil {
		return nil, err
	}
	nested, marker, ok := NestedFields(specs)
	if !ok {
		return nil, fmt.Errorf("%w: field %q has no nested schema", ErrDirective, parts[0])
	}
	nested, err = importAt(append(bson.D{}, nested...), parts[1:], fragment)
	if err != nil {
		return nil, err
	}
	return helpers.SetKey(fields, parts[0], replaceNested(entry, marker, nested)), nil
}

// replaceNested returns a copy of a rule entry with the nested schema under
// marker swapped for nested.
func replaceNested(entry any, marker string, nested bson.D) any {
	if d, ok := helpers.ToDocument(entry); ok && helpers.IsDocument(entry) {
		return helpers.SetKey(append(bson.D{}, d...), marker, nested)
	}
	items, _ := helpers.ToSlice(entry)
	out := make(bson.A, len(items))
	for i, item := range items {
		out[i] = item
		if d, ok := helpers.ToDocument(item); ok && helpers.IsDocument(item) && helpers.PathHas(d, marker) {
			out[i] = helpers.SetKey(append(bson.D{}, d...), marker, nested)
		}
	}
	return out
}

// extractDefaults collects every {default: v} rule into a dot path map. Nesting
// markers do not contribute to the path.
func (s *Schema) extractDefaults(fields bson.D, prefix string) error {
	for _, e := range fields {
		path := joinPath(prefix, e.Key)
		specs, err := ParseRules(e.Value)
		if err != nil {
			return s.fail(path, err)
		}
		for _, spec := range specs {
			if !spec.HasParams {
				continue
			}
			switch spec.Name {
			case rules.MarkerDefault:
				if _, exists := s.defaults[path]; exists {
					return s.fail(path, ErrDuplicateDefault)
				}
				s.defaults[path] = spec.Params
			case rules.MarkerFields, rules.SchemaArray, rules.SchemaObject:
				nested, ok := helpers.ToDocument(spec.Params)
				if !ok {
					return s.fail(path, fmt.Errorf("%w: %s expects a document", ErrInvalidRule, spec.Name))
				}
				if err := s.extractDefaults(nested, path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Freeze marks the schema as in use. Builder calls fail afterwards.
func (s *Schema) Freeze() { s.frozen.Store(true) }

func (s *Schema) Frozen() bool { return s.frozen.Load() }

// Default binds a default to a dot path, replacing any earlier binding. A
// Producer or func() any is invoked on every access.
func (s *Schema) Default(path string, value any) error {
	if s.Frozen() {
		return s.fail(path, ErrFrozen)
	}
	s.defaults[path] = value
	return nil
}

// Apply binds a per-write callback to a dot path, replacing any earlier one.
func (s *Schema) Apply(path string, fn Callback) error {
	if s.Frozen() {
		return s.fail(path, ErrFrozen)
	}
	s.callbacks[path] = fn
	return nil
}

// GetDefault resolves the default for a path, nil when there is none.
func (s *Schema) GetDefault(path string) any {
	switch v := s.defaults[path].(type) {
	case Producer:
		return v()
	case func() any:
		return v()
	default:
		return v
	}
}

// Defaults returns the declared defaults keyed by dot path. Producers are
// returned unevaluated.
func (s *Schema) Defaults() map[string]any {
	out := make(map[string]any, len(s.defaults))
	for k, v := range s.defaults {
		out[k] = v
	}
	return out
}

func (s *Schema) HasCallback(path string, static bool) bool {
	_, ok := s.callbackMap(static)[path]
	return ok
}

func (s *Schema) GetCallback(path string, static bool) (Callback, error) {
	fn, ok := s.callbackMap(static)[path]
	if !ok {
		return nil, fmt.Errorf("%w for %q", ErrNoCallback, path)
	}
	return fn, nil
}

func (s *Schema) callbackMap(static bool) map[string]Callback {
	if static {
		return s.static
	}
	return s.callbacks
}

func (s *Schema) Name() string { return s.name }

// SetName sets the display name used in validation errors.
func (s *Schema) SetName(name string) *Schema {
	s.name = name
	return s
}

// Fields returns the field rules with directives removed.
func (s *Schema) Fields() bson.D { return s.fields }

// Original returns the source the schema was built from.
func (s *Schema) Original() bson.D { return s.original }

// UpdatedFields lists the fields $updated sets on every validation. The
// derived value replaces any value the caller supplied.
func (s *Schema) UpdatedFields() []string { return s.updated }

func (s *Schema) Registry() *rules.Registry { return s.registry }

func (s *Schema) HasFilter() bool { return len(s.filter) > 0 }

func (s *Schema) Filter() bson.D { return s.filter }

func (s *Schema) HasConstraint(kind string) bool {
	switch kind {
	case constraint.TypeFk:
		return len(s.fk) > 0
	case constraint.TypeClear:
		return len(s.clear) > 0
	case constraint.TypeDelete:
		return len(s.del) > 0
	}
	return false
}

func (s *Schema) FkConstraints() []*constraint.RefFk { return s.fk }

func (s *Schema) ClearConstraints() []*constraint.RefClear { return s.clear }

func (s *Schema) DeleteConstraints() []*constraint.RefDelete { return s.del }

// HasField reports whether a dot path names a field, descending through nested
// schemas.
func (s *Schema) HasField(path string) bool {
	return s.paths.has(strings.Split(path, "."))
}

// FieldPaths lists every field dot path, sorted.
func (s *Schema) FieldPaths() []string {
	var out []string
	s.paths.collect("", &out)
	sort.Strings(out)
	return out
}

// pathTree maps field names to their nested fields; leaves are nil.
type pathTree map[string]pathTree

func buildPaths(fields bson.D) (pathTree, error) {
	tree := pathTree{}
	for _, e := range fields {
		specs, err := ParseRules(e.Value)
		if err != nil {
			return nil, err
		}
		tree[e.Key] = nil
		if nested, _, ok := NestedFields(specs); ok {
			sub, err := buildPaths(nested)
			if err != nil {
				return nil, err
			}
			tree[e.Key] = sub
		}
	}
	return tree, nil
}

func (t pathTree) has(parts []string) bool {
	sub, ok := t[parts[0]]
	if !ok {
		return false
	}
	if len(parts) == 1 {
		return true
	}
	return sub != nil && sub.has(parts[1:])
}

func (t pathTree) collect(prefix string, out *[]string) {
	for k, sub := range t {
		path := joinPath(prefix, k)
		*out = append(*out, path)
		sub.collect(path, out)
	}
}
