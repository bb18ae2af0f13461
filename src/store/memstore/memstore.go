// Package memstore is an in-process document store implementing store.Store.
// It understands the filter and update subset the schema layers emit, enforces
// unique indexes, and can persist collections as BSON snapshot files.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"schemadb/src/helpers"
	"schemadb/src/store"
)

type Store struct {
	mu          sync.RWMutex
	collections map[string]*Collection
	logger      *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{collections: map[string]*Collection{}, logger: logger}
}

// Collection returns the named collection, creating it on first use.
func (s *Store) Collection(name string) store.Collection {
	return s.collection(name)
}

func (s *Store) collection(name string) *Collection {
	s.mu.RLock()
	c, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.collections[name]; !ok {
		c = &Collection{name: name, logger: s.logger}
		s.collections[name] = c
	}
	return c
}

// Names lists the collections, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type uniqueIndex struct {
	name string
	keys []string
}

type Collection struct {
	name    string
	mu      sync.RWMutex
	docs    []bson.M
	indexes []uniqueIndex
	logger  *zap.SugaredLogger
}

func (c *Collection) Name() string { return c.name }

// matching returns the positions of documents matching filter.
func (c *Collection) matching(filter any) ([]int, error) {
	var out []int
	for i, doc := range c.docs {
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, i)
		}
	}
	return out, nil
}

func (c *Collection) Find(ctx context.Context, filter any, opts *options.FindOptions) ([]bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	idx, err := c.matching(filter)
	found := make([]bson.M, len(idx))
	for i, pos := range idx {
		found[i] = helpers.Normalize(c.docs[pos]).(bson.M)
	}
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if opts == nil {
		return found, nil
	}
	if opts.Sort != nil {
		if err := sortDocs(found, opts.Sort); err != nil {
			return nil, err
		}
	}
	if opts.Skip != nil {
		skip := int(min(*opts.Skip, int64(len(found))))
		found = found[skip:]
	}
	if opts.Limit != nil && *opts.Limit > 0 && int(*opts.Limit) < len(found) {
		found = found[:*opts.Limit]
	}
	if opts.Projection != nil {
		for i := range found {
			if found[i], err = project(found[i], opts.Projection); err != nil {
				return nil, err
			}
		}
	}
	return found, nil
}

func (c *Collection) FindOne(ctx context.Context, filter any, opts *options.FindOneOptions) (bson.M, error) {
	findOpts := options.Find().SetLimit(1)
	if opts != nil {
		findOpts.Sort = opts.Sort
		findOpts.Skip = opts.Skip
		findOpts.Projection = opts.Projection
	}
	docs, err := c.Find(ctx, filter, findOpts)
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (c *Collection) Count(ctx context.Context, filter any, opts *options.CountOptions) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, err := c.matching(filter)
	if err != nil {
		return 0, err
	}
	n := int64(len(idx))
	if opts != nil && opts.Skip != nil {
		n = max(n-*opts.Skip, 0)
	}
	if opts != nil && opts.Limit != nil && *opts.Limit > 0 {
		n = min(n, *opts.Limit)
	}
	return n, nil
}

func (c *Collection) InsertOne(ctx context.Context, doc any) (any, error) {
	ids, err := c.InsertMany(ctx, []any{doc})
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// InsertMany inserts every document or none of them.
func (c *Collection) InsertMany(ctx context.Context, docs []any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	prepared := make([]bson.M, len(docs))
	ids := make([]any, len(docs))
	for i, doc := range docs {
		m, ok := helpers.ToMap(doc)
		if !ok {
			return nil, fmt.Errorf("%w: cannot insert %T", store.ErrInvalidDocument, doc)
		}
		if _, ok := m[helpers.IDField]; !ok {
			m[helpers.IDField] = primitive.NewObjectID()
		}
		prepared[i] = m
		ids[i] = m[helpers.IDField]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.docs)
	for _, m := range prepared {
		if err := c.checkUnique(m, -1); err != nil {
			c.docs = c.docs[:n]
			return nil, err
		}
		c.docs = append(c.docs, m)
	}

	c.logger.Debugw("memstore insert", "collection", c.name, "inserted", len(prepared), "elapsed", time.Since(start))
	return ids, nil
}

func (c *Collection) ReplaceOne(ctx context.Context, filter, doc any) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := helpers.ToMap(doc)
	if !ok {
		return nil, fmt.Errorf("%w: cannot replace with %T", store.ErrInvalidDocument, doc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err := c.matching(filter)
	if err != nil || len(idx) == 0 {
		return nil, err
	}
	pos := idx[0]
	id := c.docs[pos][helpers.IDField]
	if newID, ok := m[helpers.IDField]; ok && !helpers.Equal(newID, id) {
		return nil, fmt.Errorf("%w: replacement cannot change _id", store.ErrInvalidDocument)
	}
	m[helpers.IDField] = id
	if err := c.checkUnique(m, pos); err != nil {
		return nil, err
	}
	c.docs[pos] = m
	return helpers.Normalize(m).(bson.M), nil
}

func (c *Collection) UpdateOne(ctx context.Context, filter, update any) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err := c.matching(filter)
	if err != nil || len(idx) == 0 {
		return nil, err
	}
	updated, err := applyUpdate(c.docs[idx[0]], update)
	if err != nil {
		return nil, err
	}
	if err := c.checkUnique(updated, idx[0]); err != nil {
		return nil, err
	}
	c.docs[idx[0]] = updated
	return helpers.Normalize(updated).(bson.M), nil
}

// UpdateMany applies update to every match and returns how many documents
// actually changed.
func (c *Collection) UpdateMany(ctx context.Context, filter, update any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err := c.matching(filter)
	if err != nil {
		return 0, err
	}

	changed := map[int]bson.M{}
	for _, pos := range idx {
		updated, err := applyUpdate(c.docs[pos], update)
		if err != nil {
			return 0, err
		}
		if !reflect.DeepEqual(updated, c.docs[pos]) {
			changed[pos] = updated
		}
	}
	for pos, updated := range changed {
		if err := c.checkUnique(updated, pos); err != nil {
			return 0, err
		}
	}
	for pos, updated := range changed {
		c.docs[pos] = updated
	}

	c.logger.Debugw("memstore update", "collection", c.name, "matched", len(idx), "modified", len(changed), "elapsed", time.Since(start))
	return int64(len(changed)), nil
}

// DeleteOne removes the first document in insertion order that filter matches.
func (c *Collection) DeleteOne(ctx context.Context, filter any) (int64, error) {
	return c.delete(ctx, filter, true)
}

func (c *Collection) DeleteMany(ctx context.Context, filter any) (int64, error) {
	return c.delete(ctx, filter, false)
}

func (c *Collection) delete(ctx context.Context, filter any, one bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, err := c.matching(filter)
	if err != nil || len(idx) == 0 {
		return 0, err
	}
	if one {
		idx = idx[:1]
	}

	drop := make(map[int]bool, len(idx))
	for _, pos := range idx {
		drop[pos] = true
	}
	kept := c.docs[:0:0]
	for i, doc := range c.docs {
		if !drop[i] {
			kept = append(kept, doc)
		}
	}
	c.docs = kept

	c.logger.Debugw("memstore delete", "collection", c.name, "deleted", len(idx))
	return int64(len(idx)), nil
}

// CreateIndexes records unique indexes; other indexes only get a name.
func (c *Collection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(models))
	for _, model := range models {
		keys, ok := helpers.ToDocument(model.Keys)
		if !ok || len(keys) == 0 {
			return nil, fmt.Errorf("%w: index keys must be a document", store.ErrInvalidDocument)
		}
		name := indexName(keys)
		unique := false
		if model.Options != nil {
			if model.Options.Name != nil {
				name = *model.Options.Name
			}
			unique = model.Options.Unique != nil && *model.Options.Unique
		}
		names = append(names, name)
		if !unique || c.hasIndex(name) {
			continue
		}

		index := uniqueIndex{name: name}
		for _, k := range keys {
			index.keys = append(index.keys, k.Key)
		}
		c.indexes = append(c.indexes, index)
		for pos, doc := range c.docs {
			if err := c.checkUnique(doc, pos); err != nil {
				c.indexes = c.indexes[:len(c.indexes)-1]
				return nil, err
			}
		}
	}
	return names, nil
}

func (c *Collection) hasIndex(name string) bool {
	for _, index := range c.indexes {
		if index.name == name {
			return true
		}
	}
	return false
}

func indexName(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s_%v", k.Key, k.Value))
	}
	return strings.Join(parts, "_")
}

// checkUnique rejects doc if it collides on _id or a unique index with any
// stored document other than the one at skip.
func (c *Collection) checkUnique(doc bson.M, skip int) error {
	indexes := append([]uniqueIndex{{name: "_id_", keys: []string{helpers.IDField}}}, c.indexes...)
	for _, index := range indexes {
		key := indexKey(doc, index.keys)
		for pos, other := range c.docs {
			if pos == skip {
				continue
			}
			if helpers.Equal(key, indexKey(other, index.keys)) {
				return fmt.Errorf("%w: collection %s index %s", store.ErrDuplicateKey, c.name, index.name)
			}
		}
	}
	return nil
}

func indexKey(doc bson.M, keys []string) bson.A {
	out := make(bson.A, len(keys))
	for i, k := range keys {
		out[i], _ = helpers.PathGet(doc, k)
	}
	return out
}

func sortDocs(docs []bson.M, spec any) error {
	keys, ok := helpers.ToDocument(spec)
	if !ok {
		return fmt.Errorf("sort must be a document, got %T", spec)
	}
	var sortErr error
	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			dir, ok := helpers.ToInt64(k.Value)
			if !ok || (dir != 1 && dir != -1) {
				sortErr = fmt.Errorf("sort direction for %q must be 1 or -1", k.Key)
				return false
			}
			a, _ := helpers.PathGet(docs[i], k.Key)
			b, _ := helpers.PathGet(docs[j], k.Key)
			c := orderValues(a, b)
			if c != 0 {
				return c*int(dir) < 0
			}
		}
		return false
	})
	return sortErr
}

// orderValues puts nulls first and falls back to the printed form when values
// cannot be compared.
func orderValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := helpers.Compare(a, b); ok {
		return c
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func project(doc bson.M, projection any) (bson.M, error) {
	spec, ok := helpers.ToDocument(projection)
	if !ok {
		return nil, fmt.Errorf("projection must be a document, got %T", projection)
	}
	include := false
	keepID := true
	for _, e := range spec {
		on := truthy(e.Value)
		if e.Key == helpers.IDField {
			keepID = on
			continue
		}
		include = include || on
	}

	if !include {
		for _, e := range spec {
			if !truthy(e.Value) {
				unsetPath(doc, e.Key)
			}
		}
		return doc, nil
	}

	out := bson.M{}
	if keepID {
		if id, ok := doc[helpers.IDField]; ok {
			out[helpers.IDField] = id
		}
	}
	for _, e := range spec {
		if e.Key == helpers.IDField || !truthy(e.Value) {
			continue
		}
		if v, ok := helpers.PathGet(doc, e.Key); ok {
			if err := setPath(out, e.Key, v); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func truthy(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	n, ok := helpers.ToFloat(v, false)
	return ok && n != 0
}
