// Package query compiles client supplied query documents into store filters
// and find options. Every field a query names must exist in the model schema,
// so a query can never reach fields the schema does not declare.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"
	"schemadb/src/helpers"
	"schemadb/src/schema"
	"schemadb/src/store"
)

const (
	OptionFilter     = "$filter"
	OptionProjection = "$projection"
	OptionLimit      = "$limit"
	OptionSkip       = "$skip"
	OptionSort       = "$sort"
	OptionPage       = "$page"
	OptionOr         = "$or"

	// DefaultPageSize applies when Compile is given no page size.
	DefaultPageSize = 1000
)

var ErrInvalidQuery = errors.New("invalid query")

// QueryError names the query key that failed to compile.
type QueryError struct {
	Field   string
	Message string
}

func (e *QueryError) Error() string { return e.Message }

func (e *QueryError) Unwrap() error { return ErrInvalidQuery }

func fail(field, format string, args ...any) error {
	return &QueryError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// comparison operators a selector may use
var selectors = map[string]bool{
	"$eq": true, "$gt": true, "$gte": true, "$in": true,
	"$lt": true, "$lte": true, "$ne": true, "$nin": true,
}

// FindOptions are the compiled query options. Nil and empty values are unset.
type FindOptions struct {
	Projection bson.D
	Sort       bson.D
	Skip       *int64
	Limit      *int64
}

func (o FindOptions) Mongo() *options.FindOptions {
	opts := options.Find()
	if len(o.Projection) > 0 {
		opts.SetProjection(o.Projection)
	}
	if len(o.Sort) > 0 {
		opts.SetSort(o.Sort)
	}
	if o.Skip != nil {
		opts.SetSkip(*o.Skip)
	}
	if o.Limit != nil {
		opts.SetLimit(*o.Limit)
	}
	return opts
}

// MongoCount counts within the skip/limit window of the options.
func (o FindOptions) MongoCount() *options.CountOptions {
	opts := options.Count()
	if o.Skip != nil {
		opts.SetSkip(*o.Skip)
	}
	if o.Limit != nil {
		opts.SetLimit(*o.Limit)
	}
	return opts
}

type Query struct {
	Filter   bson.D
	Options  FindOptions
	Or       bool
	PageSize int
	// Page is the requested page, 0 when the query did not paginate.
	Page int64
}

// pending is an option generated by $page. override replaces an option the
// query set itself.
type pending struct {
	key      string
	value    any
	override bool
}

type compiler struct {
	schema   *schema.Schema
	pageSize int64
	query    *Query
	options  map[string]any
}

// Compile validates raw against s and builds the store query. pageSize caps
// $limit and sizes $page; an explicit $limit becomes the page size for $page.
func Compile(s *schema.Schema, raw any, pageSize int) (*Query, error) {
	if s == nil {
		return nil, errors.New("query needs a schema")
	}
	s.Freeze()
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var doc bson.D
	if !helpers.IsNull(raw) {
		d, ok := helpers.ToDocument(raw)
		if !ok {
			return nil, fail("", "Query must be a document, got %T", raw)
		}
		doc = d
	}

	c := &compiler{
		schema:   s,
		pageSize: int64(pageSize),
		query:    &Query{Filter: bson.D{}, PageSize: pageSize},
		options:  map[string]any{},
	}

	if v, ok := helpers.Lookup(doc, OptionLimit); ok {
		limit, err := validateLimit(v, c.pageSize)
		if err != nil {
			return nil, err
		}
		c.pageSize = limit
	}
	if v, ok := helpers.Lookup(doc, OptionOr); ok {
		or, isBool := v.(bool)
		if !isBool {
			return nil, fail(OptionOr, "Query option $or value must be a boolean")
		}
		c.query.Or = or
	}

	var queued []pending
	for _, e := range doc {
		if e.Key == OptionOr {
			continue
		}
		if e.Key == "" {
			return nil, fail(e.Key, "Query field name or selector must be a string")
		}
		if e.Key[0] != '$' {
			if err := c.condition(e.Key, e.Value); err != nil {
				return nil, err
			}
			continue
		}
		more, err := c.option(e.Key, e.Value)
		if err != nil {
			return nil, err
		}
		queued = append(queued, more...)
	}

	for _, p := range queued {
		if _, ok := c.options[p.key]; !ok || p.override {
			c.options[p.key] = p.value
		}
	}
	c.finish()
	return c.query, nil
}

func fieldName(field string) string {
	if field == helpers.IDFieldAlias {
		return helpers.IDField
	}
	return field
}

func (c *compiler) checkField(field string) error {
	if field == helpers.IDField || c.schema.HasField(field) {
		return nil
	}
	return fail(field, "Query field %q must exist in model schema", field)
}

func (c *compiler) condition(key string, value any) error {
	field := fieldName(key)
	if err := c.checkField(field); err != nil {
		return err
	}
	if _, ok := helpers.Lookup(c.query.Filter, field); ok {
		return fail(key, "Invalid query condition for %q, condition can only exists once in query", key)
	}

	isID := field == helpers.IDField
	switch {
	case isScalar(value):
		if isID {
			value = helpers.IDToObjectID(value)
		}
	case helpers.IsDocument(value):
		sel, err := selector(field, value, isID)
		if err != nil {
			return err
		}
		value = sel
	default:
		return fail(key, "Invalid query field value and/or selector for field %q", field)
	}
	c.query.Filter = append(c.query.Filter, bson.E{Key: field, Value: value})
	return nil
}

// selector compiles {gte: 18} into {$gte: 18}. Operators may omit the $.
func selector(field string, value any, isID bool) (bson.D, error) {
	doc, _ := helpers.ToDocument(value)
	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		op := e.Key
		if !strings.HasPrefix(op, "$") {
			op = "$" + op
		}
		if !selectors[op] {
			return nil, fail(field, "Invalid query selector %q for field %q", e.Key, field)
		}
		if _, ok := helpers.Lookup(out, op); ok {
			return nil, fail(field, "Query selector %q for field %q can only exists once", op, field)
		}

		v := e.Value
		if list, ok := helpers.ToSlice(v); ok {
			items := make(bson.A, len(list))
			for i, item := range list {
				if !isScalar(item) {
					return nil, selectorValueError(field)
				}
				if isID {
					item = helpers.IDToObjectID(item)
				}
				items[i] = item
			}
			v = items
		} else if !isScalar(v) {
			return nil, selectorValueError(field)
		} else if isID {
			v = helpers.IDToObjectID(v)
		}
		out = append(out, bson.E{Key: op, Value: v})
	}
	return out, nil
}

func selectorValueError(field string) error {
	return fail(field, "Query selector value for field %q must be scalar or null, or an array of scalar or null values", field)
}

func (c *compiler) setOption(key, name string, value any) error {
	if _, ok := c.options[name]; ok {
		return fail(key, "Invalid query option for %q, option can only exists once in query", key)
	}
	c.options[name] = value
	return nil
}

func (c *compiler) option(key string, value any) ([]pending, error) {
	switch key {
	case OptionFilter, OptionProjection:
		projection, err := c.fieldValues(key, value, []int64{0, 1},
			"Query option $filter/$projection values must be an integer and only 1 or 0")
		if err != nil {
			return nil, err
		}
		for _, e := range projection {
			if e.Value != projection[0].Value {
				return nil, fail(key, "Query option $filter/$projection values must all be either 1s or 0s")
			}
		}
		return nil, c.setOption(key, "projection", projection)

	case OptionLimit:
		limit, err := validateLimit(value, c.pageSize)
		if err != nil {
			return nil, err
		}
		return nil, c.setOption(key, "limit", limit)

	case OptionPage:
		page, ok := helpers.ToInt64(value)
		if !ok {
			return nil, fail(key, "Query option $page value must be an integer")
		}
		if page < 1 {
			return nil, fail(key, "Query option $page value must be greater than or equal to 1")
		}
		if err := c.setOption(key, "page", page); err != nil {
			return nil, err
		}
		return []pending{
			{key: "limit", value: c.pageSize},
			{key: "skip", value: (page - 1) * c.pageSize, override: true},
			{key: "sort", value: bson.D{{Key: helpers.IDField, Value: int64(1)}}},
		}, nil

	case OptionSkip:
		skip, ok := helpers.ToInt64(value)
		if !ok {
			return nil, fail(key, "Query option $skip value must be an integer")
		}
		if skip < 0 {
			return nil, fail(key, "Query option $skip value must be greater than or equal to 0")
		}
		return nil, c.setOption(key, "skip", skip)

	case OptionSort:
		sort, err := c.fieldValues(key, value, []int64{-1, 1},
			"Query option $sorts values must be an integer and only 1 or -1")
		if err != nil {
			return nil, err
		}
		return nil, c.setOption(key, "sort", sort)
	}
	return nil, fail(key, "Invalid query option %q", key)
}

// fieldValues checks a {field: n} option document: known fields, allowed
// integer values. Values are returned as int64.
func (c *compiler) fieldValues(key string, value any, allowed []int64, message string) (bson.D, error) {
	doc, ok := helpers.ToDocument(value)
	if !ok || !helpers.IsDocument(value) {
		return nil, fail(key, "Query option %s value must be a document", key)
	}
	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		field := fieldName(e.Key)
		if err := c.checkField(field); err != nil {
			return nil, err
		}
		n, ok := helpers.ToInt64(e.Value)
		if !ok || !contains(allowed, n) {
			return nil, fail(key, "%s", message)
		}
		out = append(out, bson.E{Key: field, Value: n})
	}
	return out, nil
}

func contains(list []int64, n int64) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

func validateLimit(value any, pageSize int64) (int64, error) {
	limit, ok := helpers.ToInt64(value)
	if !ok {
		return 0, fail(OptionLimit, "Query option $limit value must be an integer")
	}
	if limit < 1 {
		return 0, fail(OptionLimit, "Query option $limit value must be greater than 0")
	}
	if limit > pageSize {
		return 0, fail(OptionLimit, "Query option $limit must be less than or equal to %d", pageSize)
	}
	return limit, nil
}

func (c *compiler) finish() {
	q := c.query
	if v, ok := c.options["projection"]; ok {
		q.Options.Projection = v.(bson.D)
	}
	if v, ok := c.options["sort"]; ok {
		q.Options.Sort = v.(bson.D)
	}
	if v, ok := c.options["skip"]; ok {
		skip := v.(int64)
		q.Options.Skip = &skip
	}
	if v, ok := c.options["limit"]; ok {
		limit := v.(int64)
		q.Options.Limit = &limit
	}
	if v, ok := c.options["page"]; ok {
		q.Page = v.(int64)
	}

	if q.Or && len(q.Filter) > 0 {
		or := make(bson.A, len(q.Filter))
		for i, e := range q.Filter {
			or[i] = bson.D{e}
		}
		q.Filter = bson.D{{Key: OptionOr, Value: or}}
	}
}

func (q *Query) Find(ctx context.Context, coll store.Collection) ([]bson.M, error) {
	return coll.Find(ctx, q.Filter, q.Options.Mongo())
}

// Count counts every document the filter matches; paging is ignored.
func (q *Query) Count(ctx context.Context, coll store.Collection) (int64, error) {
	return coll.Count(ctx, q.Filter, nil)
}

// isScalar admits nil, numbers, strings, booleans and the BSON scalar types.
func isScalar(v any) bool {
	if helpers.IsNull(v) {
		return true
	}
	if _, ok := v.(primitive.Decimal128); ok {
		return true
	}
	if helpers.IsDocument(v) || helpers.IsArray(v) || helpers.IsStruct(v) {
		return false
	}
	return true
}
