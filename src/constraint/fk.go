package constraint

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/helpers"
	"schemadb/src/store"
)

// RefFk requires every id referenced by a local field to exist in a foreign
// collection.
//
// Local field shapes:
//
//	owner          a single id
//	tags.$         an array of ids
//	items.$.ref    an array of documents, each holding an id under ref
//	nullable$owner null is accepted without a lookup
type RefFk struct {
	collection     string
	localField     string
	localFieldOrig string
	subField       string
	foreignField   string
	nullable       bool
	kind           pathKind
}

func NewRefFk(collection, localField, foreignField string) (*RefFk, error) {
	if collection == "" || localField == "" {
		return nil, fmt.Errorf("%w: fk needs a collection and a local field", ErrInvalidConstraint)
	}
	if foreignField == "" || foreignField == helpers.IDFieldAlias {
		foreignField = helpers.IDField
	}

	c := &RefFk{collection: collection, foreignField: foreignField}
	if rest, ok := strings.CutPrefix(localField, nullablePrefix); ok {
		c.nullable = true
		localField = rest
	}
	c.localFieldOrig = localField

	switch {
	case strings.Contains(localField, objectMarker):
		c.kind = objectArrayPath
		c.localField, c.subField, _ = strings.Cut(localField, objectMarker)
		if c.subField == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedPath, localField)
		}
	case strings.HasSuffix(localField, arraySuffix):
		c.kind = idArrayPath
		c.localField = strings.TrimSuffix(localField, arraySuffix)
	default:
		c.localField = localField
	}
	if c.localField == "" || strings.Contains(c.localField, "$") || strings.Contains(c.subField, "$") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedPath, localField)
	}
	return c, nil
}

func (c *RefFk) Collection() string   { return c.collection }
func (c *RefFk) LocalField() string   { return c.localFieldOrig }
func (c *RefFk) ForeignField() string { return c.foreignField }
func (c *RefFk) Nullable() bool       { return c.nullable }

// Verify counts the distinct ids referenced by docs in the foreign collection
// and fails unless every one of them exists. Documents without the local field
// are skipped, which keeps partial updates valid.
func (c *RefFk) Verify(ctx context.Context, db store.Store, docs []any) error {
	ids, err := c.collect(docs)
	if err != nil {
		return err
	}
	if ids.size() == 0 {
		return nil
	}

	filter := bson.D{{Key: c.foreignField, Value: bson.D{{Key: "$in", Value: ids.values}}}}
	count, err := db.Collection(c.collection).Count(ctx, filter, nil)
	if err != nil {
		return fmt.Errorf("error verifying foreign key %q: %w", c.localFieldOrig, err)
	}

	if expected := int64(ids.size()); count != expected {
		return &ViolationError{
			LocalField: c.localFieldOrig,
			Collection: c.collection,
			IDs:        ids.values,
			Expected:   expected,
			Actual:     count,
		}
	}
	return nil
}

func (c *RefFk) collect(docs []any) (*idSet, error) {
	ids := newIDSet()
	for _, doc := range docs {
		m, ok := helpers.ToMap(doc)
		if !ok {
			continue
		}
		v, ok := helpers.PathGet(m, c.localField)
		if !ok {
			continue
		}

		if c.kind == plainPath {
			if err := c.add(ids, v); err != nil {
				return nil, err
			}
			continue
		}

		if helpers.IsNull(v) {
			continue
		}
		items, ok := helpers.ToSlice(v)
		if !ok {
			return nil, fmt.Errorf("%w: %q must be an array", ErrInvalidFieldValues, c.localFieldOrig)
		}
		for _, item := range items {
			if c.kind == objectArrayPath {
				sub, ok := helpers.PathGet(item, c.subField)
				if !ok {
					continue
				}
				item = sub
			}
			if err := c.add(ids, item); err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func (c *RefFk) add(ids *idSet, v any) error {
	if helpers.IsArray(v) {
		return fmt.Errorf("%q: %w", c.localFieldOrig, ErrArrayID)
	}
	if helpers.IsNull(v) {
		if c.nullable {
			return nil
		}
		v = nil
	}
	ids.add(helpers.IDToObjectID(v))
	return nil
}
