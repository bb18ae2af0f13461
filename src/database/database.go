// Package database binds a model schema to a store collection. Writes are
// validated and foreign keys verified before they reach the store, reads go
// through the query compiler, and deletes run the schema's cascades.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"schemadb/src/helpers"
	"schemadb/src/schema"
	"schemadb/src/settings"
	"schemadb/src/store"
	"schemadb/src/validator"
)

var (
	ErrEmptyFilter       = errors.New("filter cannot be empty for this method")
	ErrEmptyID           = errors.New("invalid id, cannot be empty")
	ErrMissingID         = errors.New("bulk write requires an id for all documents")
	ErrInvalidCollection = errors.New("invalid collection name (empty)")
)

// Database is the store-access layer for one collection. A nil schema makes
// it schemaless: nothing is validated and queries are passed through.
type Database struct {
	store      store.Store
	collection string
	schema     *schema.Schema
	settings   *settings.Arguments
	logger     *zap.SugaredLogger
}

type Option func(*Database)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(d *Database) { d.logger = logger }
}

func WithSettings(args *settings.Arguments) Option {
	return func(d *Database) { d.settings = args }
}

func New(st store.Store, collection string, s *schema.Schema, opts ...Option) (*Database, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, ErrInvalidCollection
	}
	if st == nil {
		return nil, errors.New("database needs a store")
	}
	d := &Database{store: st, collection: collection, schema: s}
	for _, opt := range opts {
		opt(d)
	}
	if d.settings == nil {
		d.settings = settings.GetSettings()
	}
	if d.logger == nil {
		d.logger = zap.NewNop().Sugar()
	}
	return d, nil
}

func (d *Database) Collection() store.Collection { return d.store.Collection(d.collection) }

func (d *Database) CollectionName() string { return d.collection }

func (d *Database) Schema() *schema.Schema { return d.schema }

func (d *Database) HasSchema() bool { return d.schema != nil }

// PageSize is find.limit, the default and maximum number of documents a find
// returns.
func (d *Database) PageSize() int {
	if d.settings.PageSize > 0 {
		return d.settings.PageSize
	}
	return settings.DefaultPageSize
}

func (d *Database) debug(method string, start time.Time, keysAndValues ...any) {
	fields := append([]any{"collection", d.collection, "elapsed", time.Since(start)}, keysAndValues...)
	d.logger.Debugw(method, fields...)
}

// make validates one document in mode. Schemaless databases return it as is.
func (d *Database) make(doc any, mode validator.Mode) (any, error) {
	if d.schema == nil {
		return doc, nil
	}
	v, err := validator.New(doc, d.schema, mode)
	if err != nil {
		return nil, err
	}
	return v.Make()
}

func (d *Database) makeAll(docs []any, mode validator.Mode) ([]any, error) {
	out := make([]any, len(docs))
	for i, doc := range docs {
		made, err := d.make(doc, mode)
		if err != nil {
			return nil, err
		}
		out[i] = made
	}
	return out, nil
}

// verify checks every foreign key the schema declares against docs.
func (d *Database) verify(ctx context.Context, docs []any) error {
	if d.schema == nil {
		return nil
	}
	for _, fk := range d.schema.FkConstraints() {
		if err := fk.Verify(ctx, d.store, docs); err != nil {
			return err
		}
	}
	return nil
}

// cascade runs the clear and then the delete constraints for removed ids and
// returns the documents they affected.
func (d *Database) cascade(ctx context.Context, ids []any) (int64, error) {
	if d.schema == nil {
		return 0, nil
	}
	var affected int64
	for _, c := range d.schema.ClearConstraints() {
		n, err := c.Clear(ctx, d.store, ids)
		if err != nil {
			return affected, fmt.Errorf("clear %s: %w", c.Collection(), err)
		}
		affected += n
	}
	for _, c := range d.schema.DeleteConstraints() {
		n, err := c.Delete(ctx, d.store, ids)
		if err != nil {
			return affected, fmt.Errorf("delete from %s: %w", c.Collection(), err)
		}
		affected += n
	}
	return affected, nil
}

// inputFilter renames "id" and coerces id values. A nil filter matches all.
func inputFilter(filter any) (bson.D, error) {
	if helpers.IsNull(filter) {
		return bson.D{}, nil
	}
	d, ok := helpers.ToDocument(helpers.InputID(filter))
	if !ok {
		return nil, fmt.Errorf("filter must be a document, got %T", filter)
	}
	return d, nil
}

func idFilter(id any) (bson.D, error) {
	if helpers.IsNull(id) || id == "" {
		return nil, ErrEmptyID
	}
	return bson.D{{Key: helpers.IDField, Value: helpers.IDToObjectID(id)}}, nil
}

func idsFilter(ids []any) bson.D {
	return bson.D{{Key: helpers.IDField, Value: bson.D{{Key: "$in", Value: bson.A(helpers.IDsToObjectIDs(ids))}}}}
}

func output(docs []bson.M) []bson.M {
	out := make([]bson.M, len(docs))
	for i, doc := range docs {
		out[i] = helpers.Output(doc)
	}
	return out
}
