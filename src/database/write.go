package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"schemadb/src/helpers"
	"schemadb/src/validator"
)

const OperatorSet = "$set"

type writeConfig struct {
	operator string
}

// WriteOption tunes a single update call.
type WriteOption func(*writeConfig)

// WithOperator applies the update with op ($push, $unset, ...) instead of $set.
func WithOperator(op string) WriteOption {
	return func(c *writeConfig) { c.operator = op }
}

func newWriteConfig(opts []WriteOption) writeConfig {
	c := writeConfig{operator: OperatorSet}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// storeDocument turns a validated document into the stored form.
func storeDocument(doc any) (bson.D, error) {
	d, ok := helpers.ToDocument(helpers.InputID(doc))
	if !ok {
		return nil, fmt.Errorf("%w: got %T", validator.ErrInvalidDocument, doc)
	}
	return d, nil
}

func isEmpty(doc any) bool {
	if helpers.IsNull(doc) {
		return true
	}
	d, ok := helpers.ToDocument(doc)
	return ok && len(d) == 0
}

// Insert validates docs in create mode, verifies foreign keys and inserts
// them all. It returns the inserted ids as strings.
func (d *Database) Insert(ctx context.Context, docs []any) ([]string, error) {
	if len(docs) == 0 {
		d.logger.Debugw("Insert: documents is empty, nothing to do", "collection", d.collection)
		return []string{}, nil
	}
	start := time.Now()
	made, err := d.makeAll(docs, validator.ModeCreate)
	if err != nil {
		return nil, err
	}
	if err := d.verify(ctx, made); err != nil {
		return nil, err
	}

	stored := make([]any, len(made))
	for i, doc := range made {
		if stored[i], err = storeDocument(doc); err != nil {
			return nil, err
		}
	}
	res, err := d.Collection().InsertMany(ctx, stored)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(res))
	for i, id := range res {
		ids[i] = helpers.IDToString(id)
	}
	d.debug("Insert", start, "documents", len(stored), "ids", ids)
	return ids, nil
}

// InsertOne returns "" for an empty document.
func (d *Database) InsertOne(ctx context.Context, doc any) (string, error) {
	if isEmpty(doc) {
		return "", nil
	}
	ids, err := d.Insert(ctx, []any{doc})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// updateDocument wraps a validated update in its operator. Fields maintained
// by $updated are always $set, whatever operator the caller chose.
func (d *Database) updateDocument(update any, operator string) (bson.D, error) {
	doc, err := storeDocument(update)
	if err != nil {
		return nil, err
	}
	var updated []string
	if d.schema != nil {
		updated = d.schema.UpdatedFields()
	}
	if strings.EqualFold(operator, OperatorSet) || len(updated) == 0 {
		return bson.D{{Key: operator, Value: doc}}, nil
	}

	set := bson.D{}
	for _, f := range updated {
		if v, ok := helpers.Lookup(doc, f); ok {
			set = append(set, bson.E{Key: f, Value: v})
			doc = helpers.RemoveKey(doc, f)
		}
	}
	out := bson.D{{Key: operator, Value: doc}}
	if len(set) > 0 {
		out = append(out, bson.E{Key: OperatorSet, Value: set})
	}
	return out, nil
}

// Update validates update in update mode and applies it to every document
// filter matches. An empty update is a no-op.
func (d *Database) Update(ctx context.Context, filter, update any, opts ...WriteOption) (int64, error) {
	if isEmpty(update) {
		d.logger.Debugw("Update: update is empty, nothing to do", "collection", d.collection)
		return 0, nil
	}
	start := time.Now()
	cfg := newWriteConfig(opts)
	f, err := inputFilter(filter)
	if err != nil {
		return 0, err
	}
	made, err := d.make(update, validator.ModeUpdate)
	if err != nil {
		return 0, err
	}
	if err := d.verify(ctx, []any{made}); err != nil {
		return 0, err
	}
	doc, err := d.updateDocument(made, cfg.operator)
	if err != nil {
		return 0, err
	}
	n, err := d.Collection().UpdateMany(ctx, f, doc)
	if err != nil {
		return 0, err
	}
	d.debug("Update", start, "filter", f, "update", doc, "affected", n)
	return n, nil
}

// UpdateOne returns the updated document, nil when nothing matched.
func (d *Database) UpdateOne(ctx context.Context, filter, update any, opts ...WriteOption) (bson.M, error) {
	if isEmpty(update) {
		return nil, nil
	}
	start := time.Now()
	cfg := newWriteConfig(opts)
	f, err := inputFilter(filter)
	if err != nil {
		return nil, err
	}
	made, err := d.make(update, validator.ModeUpdate)
	if err != nil {
		return nil, err
	}
	if err := d.verify(ctx, []any{made}); err != nil {
		return nil, err
	}
	doc, err := d.updateDocument(made, cfg.operator)
	if err != nil {
		return nil, err
	}
	out, err := d.Collection().UpdateOne(ctx, f, doc)
	if err != nil {
		return nil, err
	}
	d.debug("UpdateOne", start, "filter", f, "update", doc, "found", out != nil)
	return helpers.Output(out), nil
}

func (d *Database) UpdateID(ctx context.Context, id, update any, opts ...WriteOption) (bson.M, error) {
	f, err := idFilter(id)
	if err != nil {
		return nil, err
	}
	return d.UpdateOne(ctx, f, update, opts...)
}

// UpdateBulk validates docs in update+id mode and updates each by its id, in
// order. It returns the modified count and the ids.
func (d *Database) UpdateBulk(ctx context.Context, docs []any, opts ...WriteOption) (int64, []string, error) {
	cfg := newWriteConfig(opts)
	return d.bulkWrite(ctx, "UpdateBulk", docs, validator.ModeUpdateID, func(filter, doc bson.D) (bool, error) {
		update, err := d.updateDocument(doc, cfg.operator)
		if err != nil {
			return false, err
		}
		out, err := d.Collection().UpdateOne(ctx, filter, update)
		return out != nil, err
	})
}

// ReplaceOne returns the replacement as stored, nil when nothing matched.
func (d *Database) ReplaceOne(ctx context.Context, filter, doc any) (bson.M, error) {
	start := time.Now()
	f, err := inputFilter(filter)
	if err != nil {
		return nil, err
	}
	made, err := d.make(doc, validator.ModeReplace)
	if err != nil {
		return nil, err
	}
	if err := d.verify(ctx, []any{made}); err != nil {
		return nil, err
	}
	replacement, err := storeDocument(made)
	if err != nil {
		return nil, err
	}
	out, err := d.Collection().ReplaceOne(ctx, f, replacement)
	if err != nil {
		return nil, err
	}
	d.debug("ReplaceOne", start, "filter", f, "found", out != nil)
	return helpers.Output(out), nil
}

func (d *Database) ReplaceID(ctx context.Context, id, doc any) (bson.M, error) {
	f, err := idFilter(id)
	if err != nil {
		return nil, err
	}
	return d.ReplaceOne(ctx, f, doc)
}

// ReplaceBulk validates docs in replace+id mode and replaces each by its id.
func (d *Database) ReplaceBulk(ctx context.Context, docs []any) (int64, []string, error) {
	return d.bulkWrite(ctx, "ReplaceBulk", docs, validator.ModeReplaceID, func(filter, doc bson.D) (bool, error) {
		out, err := d.Collection().ReplaceOne(ctx, filter, doc)
		return out != nil, err
	})
}

// bulkWrite validates and verifies the whole batch before the first write.
// Every document must carry an id, which becomes the write filter.
func (d *Database) bulkWrite(ctx context.Context, method string, docs []any, mode validator.Mode, write func(filter, doc bson.D) (bool, error)) (int64, []string, error) {
	if len(docs) == 0 {
		d.logger.Debugw(method+": documents is empty, nothing to do", "collection", d.collection)
		return 0, []string{}, nil
	}
	start := time.Now()
	made, err := d.makeAll(docs, mode)
	if err != nil {
		return 0, nil, err
	}
	if err := d.verify(ctx, made); err != nil {
		return 0, nil, err
	}

	filters := make([]bson.D, len(made))
	bodies := make([]bson.D, len(made))
	ids := make([]string, len(made))
	for i, doc := range made {
		stored, err := storeDocument(doc)
		if err != nil {
			return 0, nil, err
		}
		id, ok := helpers.Lookup(stored, helpers.IDField)
		if !ok || helpers.IsNull(id) {
			return 0, nil, ErrMissingID
		}
		filters[i] = bson.D{{Key: helpers.IDField, Value: id}}
		bodies[i] = helpers.RemoveKey(stored, helpers.IDField)
		ids[i] = helpers.IDToString(id)
	}

	var affected int64
	for i := range bodies {
		ok, err := write(filters[i], bodies[i])
		if err != nil {
			return affected, ids[:i], err
		}
		if ok {
			affected++
		}
	}
	d.debug(method, start, "documents", len(bodies), "affected", affected)
	return affected, ids, nil
}
