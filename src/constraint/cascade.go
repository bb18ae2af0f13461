package constraint

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/store"
)

// RefClear removes references to deleted ids from a dependent collection:
// plain fields are set to null, array fields have the ids pulled.
type RefClear struct {
	collection string
	paths      []cascadePath
}

func NewRefClear(collection string, fields []string) (*RefClear, error) {
	paths, err := parseCascadePaths(collection, fields)
	if err != nil {
		return nil, err
	}
	return &RefClear{collection: collection, paths: paths}, nil
}

func (c *RefClear) Collection() string { return c.collection }
func (c *RefClear) Fields() []string   { return fieldNames(c.paths) }

// Clear returns the number of dependent documents modified.
func (c *RefClear) Clear(ctx context.Context, db store.Store, ids []any) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ids = matchIDs(ids)
	coll := db.Collection(c.collection)

	var affected int64
	for _, p := range c.paths {
		var update bson.D
		if p.kind == plainPath {
			update = bson.D{{Key: "$set", Value: bson.D{{Key: p.prefix, Value: nil}}}}
		} else {
			var err error
			if update, err = p.pull(ids); err != nil {
				return affected, err
			}
		}

		n, err := coll.UpdateMany(ctx, p.filter(ids), update)
		if err != nil {
			return affected, fmt.Errorf("error clearing %s.%s: %w", c.collection, p.field, err)
		}
		affected += n
	}
	return affected, nil
}

// RefDelete deletes dependent documents referencing deleted ids through plain
// fields and pulls the ids out of array fields.
type RefDelete struct {
	collection string
	paths      []cascadePath
}

func NewRefDelete(collection string, fields []string) (*RefDelete, error) {
	paths, err := parseCascadePaths(collection, fields)
	if err != nil {
		return nil, err
	}
	return &RefDelete{collection: collection, paths: paths}, nil
}

func (c *RefDelete) Collection() string { return c.collection }
func (c *RefDelete) Fields() []string   { return fieldNames(c.paths) }

// Delete returns the number of dependent documents deleted or modified.
func (c *RefDelete) Delete(ctx context.Context, db store.Store, ids []any) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ids = matchIDs(ids)
	coll := db.Collection(c.collection)

	var affected int64
	for _, p := range c.paths {
		if p.kind == plainPath {
			n, err := coll.DeleteMany(ctx, p.filter(ids))
			if err != nil {
				return affected, fmt.Errorf("error deleting from %s by %s: %w", c.collection, p.field, err)
			}
			affected += n
			continue
		}

		update, err := p.pull(ids)
		if err != nil {
			return affected, err
		}
		n, err := coll.UpdateMany(ctx, p.filter(ids), update)
		if err != nil {
			return affected, fmt.Errorf("error pulling %s.%s: %w", c.collection, p.field, err)
		}
		affected += n
	}
	return affected, nil
}

func fieldNames(paths []cascadePath) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = p.field
	}
	return out
}
