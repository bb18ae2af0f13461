package database

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"schemadb/src/helpers"
	"schemadb/src/query"
)

// Compile compiles a client query against the schema. Schemaless databases
// use the raw query as the filter.
func (d *Database) Compile(raw any) (*query.Query, error) {
	if d.schema != nil {
		return query.Compile(d.schema, raw, d.PageSize())
	}
	filter, err := inputFilter(raw)
	if err != nil {
		return nil, err
	}
	return &query.Query{Filter: filter, PageSize: d.PageSize()}, nil
}

// findOptions fills in the defaults a find leaves unset: the page size as
// limit and the schema $filter as projection.
func (d *Database) findOptions(opts query.FindOptions) query.FindOptions {
	if opts.Limit == nil {
		limit := int64(d.PageSize())
		opts.Limit = &limit
	}
	if len(opts.Projection) == 0 && d.schema != nil && d.schema.HasFilter() {
		opts.Projection = d.schema.Filter()
	}
	return opts
}

// Find runs a client query. Results carry "id" instead of "_id".
func (d *Database) Find(ctx context.Context, raw any) ([]bson.M, error) {
	start := time.Now()
	q, err := d.Compile(raw)
	if err != nil {
		return nil, err
	}
	q.Options = d.findOptions(q.Options)
	docs, err := q.Find(ctx, d.Collection())
	if err != nil {
		return nil, err
	}
	d.debug("Find", start, "filter", q.Filter, "found", len(docs))
	return output(docs), nil
}

// Count counts the documents a client query matches, ignoring paging.
func (d *Database) Count(ctx context.Context, raw any) (int64, error) {
	start := time.Now()
	q, err := d.Compile(raw)
	if err != nil {
		return 0, err
	}
	n, err := q.Count(ctx, d.Collection())
	if err != nil {
		return 0, err
	}
	d.debug("Count", start, "filter", q.Filter, "count", n)
	return n, nil
}

// FindOne takes a store filter, not a client query. It returns nil when
// nothing matches.
func (d *Database) FindOne(ctx context.Context, filter any) (bson.M, error) {
	start := time.Now()
	f, err := inputFilter(filter)
	if err != nil {
		return nil, err
	}
	opts := options.FindOne()
	if d.schema != nil && d.schema.HasFilter() {
		opts.SetProjection(d.schema.Filter())
	}
	doc, err := d.Collection().FindOne(ctx, f, opts)
	if err != nil {
		return nil, err
	}
	d.debug("FindOne", start, "filter", f, "found", doc != nil)
	return helpers.Output(doc), nil
}

func (d *Database) FindID(ctx context.Context, id any) (bson.M, error) {
	f, err := idFilter(id)
	if err != nil {
		return nil, err
	}
	return d.FindOne(ctx, f)
}

func (d *Database) FindIDs(ctx context.Context, ids []any) ([]bson.M, error) {
	if len(ids) == 0 {
		return []bson.M{}, nil
	}
	start := time.Now()
	opts := d.findOptions(query.FindOptions{})
	docs, err := d.Collection().Find(ctx, idsFilter(ids), opts.Mongo())
	if err != nil {
		return nil, err
	}
	d.debug("FindIDs", start, "ids", ids, "found", len(docs))
	return output(docs), nil
}

// Has reports whether any document matches a store filter.
func (d *Database) Has(ctx context.Context, filter any) (bool, error) {
	f, err := inputFilter(filter)
	if err != nil {
		return false, err
	}
	n, err := d.Collection().Count(ctx, f, options.Count().SetLimit(1))
	return n > 0, err
}

func (d *Database) HasIDs(ctx context.Context, ids []any) (bool, error) {
	if len(ids) == 0 {
		return false, nil
	}
	return d.Has(ctx, idsFilter(ids))
}

// Delete removes every document a store filter matches. Cascades are not run;
// use DeleteIDs for that.
func (d *Database) Delete(ctx context.Context, filter any) (int64, error) {
	start := time.Now()
	f, err := inputFilter(filter)
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, ErrEmptyFilter
	}
	n, err := d.Collection().DeleteMany(ctx, f)
	if err != nil {
		return 0, err
	}
	d.debug("Delete", start, "filter", f, "affected", n)
	return n, nil
}

// DeleteOne removes the first document a store filter matches. Cascades are
// not run.
func (d *Database) DeleteOne(ctx context.Context, filter any) (int64, error) {
	start := time.Now()
	f, err := inputFilter(filter)
	if err != nil {
		return 0, err
	}
	if len(f) == 0 {
		return 0, ErrEmptyFilter
	}
	n, err := d.Collection().DeleteOne(ctx, f)
	if err != nil {
		return 0, err
	}
	d.debug("DeleteOne", start, "filter", f, "affected", n)
	return n, nil
}

// DeleteAll empties the collection without running cascades.
func (d *Database) DeleteAll(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := d.Collection().DeleteMany(ctx, bson.D{})
	if err != nil {
		return 0, err
	}
	d.debug("DeleteAll", start, "affected", n)
	return n, nil
}

// DeleteIDs removes the documents and runs the schema's clear and delete
// cascades. The count covers both.
func (d *Database) DeleteIDs(ctx context.Context, ids []any) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()
	n, err := d.Delete(ctx, idsFilter(ids))
	if err != nil {
		return 0, err
	}
	cascaded, err := d.cascade(ctx, ids)
	if err != nil {
		return n + cascaded, err
	}
	d.debug("DeleteIDs", start, "ids", ids, "deleted", n, "cascaded", cascaded)
	return n + cascaded, nil
}

// CreateIndexes creates the schema's $index/$indexes on the collection.
func (d *Database) CreateIndexes(ctx context.Context) ([]string, error) {
	if d.schema == nil {
		return []string{}, nil
	}
	names, err := d.Collection().CreateIndexes(ctx, d.schema.IndexModels())
	if err != nil {
		return nil, err
	}
	d.logger.Infow("Created indexes", "collection", d.collection, "indexes", names)
	return names, nil
}
