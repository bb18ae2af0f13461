// Package constraint enforces the cross-collection rules a schema declares:
// foreign key existence on write and cascading clear/delete on delete.
//
// Verification and cascades are plain reads followed by writes. They are not
// wrapped in a transaction, so a referenced document deleted between Verify
// and the write is not detected.
package constraint

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"schemadb/src/helpers"
)

const (
	TypeFk     = "fk"
	TypeClear  = "clear"
	TypeDelete = "delete"
)

var (
	ErrFkViolation        = errors.New("foreign key constraint failed")
	ErrMalformedPath      = errors.New("malformed constraint field path")
	ErrInvalidConstraint  = errors.New("invalid constraint")
	ErrArrayID            = errors.New(`field ID cannot be an array, use "field.$" instead`)
	ErrInvalidFieldValues = errors.New("invalid constraint field value")
)

// ViolationError reports referenced ids missing from the foreign collection.
type ViolationError struct {
	LocalField string
	Collection string
	IDs        []any
	Expected   int64
	Actual     int64
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("failed to insert or update document(s), foreign key constraint failed for %q", e.LocalField)
}

func (e *ViolationError) Unwrap() error { return ErrFkViolation }

const (
	nullablePrefix = "nullable$"
	arraySuffix    = ".$"
	objectMarker   = ".$."
)

type pathKind int

const (
	plainPath pathKind = iota
	idArrayPath
	objectArrayPath
)

// cascadePath is a parsed dependent field: "field", "field.$" or
// "prefix.$.sub" where prefix and sub may be dotted.
type cascadePath struct {
	field  string
	kind   pathKind
	prefix string
	sub    string
}

func parseCascadePath(field string) (cascadePath, error) {
	p := cascadePath{field: field}
	switch {
	case field == "":
		return p, fmt.Errorf("%w: empty field", ErrMalformedPath)
	case strings.Contains(field, objectMarker):
		p.kind = objectArrayPath
		p.prefix, p.sub, _ = strings.Cut(field, objectMarker)
	case strings.HasSuffix(field, arraySuffix):
		p.kind = idArrayPath
		p.prefix = strings.TrimSuffix(field, arraySuffix)
	default:
		p.prefix = field
	}
	if p.prefix == "" || strings.Contains(p.prefix, "$") || strings.Contains(p.sub, "$") {
		return p, fmt.Errorf("%w: %q", ErrMalformedPath, field)
	}
	return p, nil
}

// filterKey is the dotted path matched against the deleted ids.
func (p cascadePath) filterKey() string {
	if p.kind == objectArrayPath {
		return p.prefix + "." + p.sub
	}
	return p.prefix
}

func (p cascadePath) filter(ids []any) bson.D {
	return bson.D{{Key: p.filterKey(), Value: bson.D{{Key: "$in", Value: ids}}}}
}

// pull builds the update removing ids from an array path.
func (p cascadePath) pull(ids []any) (bson.D, error) {
	switch p.kind {
	case idArrayPath:
		return bson.D{{Key: "$pullAll", Value: bson.D{{Key: p.prefix, Value: ids}}}}, nil
	case objectArrayPath:
		if p.sub == "" {
			return nil, fmt.Errorf("%w: failed to generate update for %q", ErrMalformedPath, p.field)
		}
		return bson.D{{Key: "$pull", Value: bson.D{{Key: p.prefix, Value: bson.D{
			{Key: p.sub, Value: bson.D{{Key: "$in", Value: ids}}},
		}}}}}, nil
	}
	return nil, fmt.Errorf("%w: failed to generate update for %q", ErrMalformedPath, p.field)
}

func parseCascadePaths(collection string, fields []string) ([]cascadePath, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: empty collection", ErrInvalidConstraint)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields for collection %q", ErrInvalidConstraint, collection)
	}
	paths := make([]cascadePath, 0, len(fields))
	for _, f := range fields {
		p, err := parseCascadePath(f)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// matchIDs returns ids in both stored forms: as given and as ObjectID or hex
// string, so references written either way are found.
func matchIDs(ids []any) []any {
	set := newIDSet()
	for _, id := range ids {
		set.add(id)
		set.add(helpers.IDToObjectID(id))
		if oid, ok := id.(primitive.ObjectID); ok {
			set.add(oid.Hex())
		}
	}
	return set.values
}

type idSet struct {
	seen   map[string]bool
	values []any
}

func newIDSet() *idSet {
	return &idSet{seen: map[string]bool{}}
}

func (s *idSet) add(v any) {
	key := fmt.Sprintf("%T|%v", v, v)
	if s.seen[key] {
		return
	}
	s.seen[key] = true
	s.values = append(s.values, v)
}

func (s *idSet) size() int { return len(s.values) }
