// Package mongostore implements the document store on a MongoDB server.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"
	"schemadb/src/settings"
	"schemadb/src/store"
)

type Store struct {
	client   *mongo.Client
	database *mongo.Database
	logger   *zap.SugaredLogger
}

// Connect opens a client for args.MongoURI bound to args.Database. Databases
// rejected by db.allow/db.deny fail before any connection is made.
func Connect(ctx context.Context, args *settings.Arguments, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if args.Database == "" {
		return nil, errors.New("mongo.database is not set")
	}
	if !args.DatabaseAllowed(args.Database) {
		return nil, fmt.Errorf("%w: %q", store.ErrDatabaseDenied, args.Database)
	}

	dbOpts, err := DatabaseOptions(args)
	if err != nil {
		return nil, err
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(args.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", args.MongoURI, err)
	}

	logger.Infow("Connected to mongo", "uri", args.MongoURI, "database", args.Database)
	return &Store{
		client:   client,
		database: client.Database(args.Database, dbOpts),
		logger:   logger,
	}, nil
}

// DatabaseOptions maps the read.concern and write.concern settings. A numeric
// write concern is a node count; anything else is a tag set name.
func DatabaseOptions(args *settings.Arguments) (*options.DatabaseOptions, error) {
	opts := options.Database()
	if args.ReadConcern != "" {
		switch args.ReadConcern {
		case "local", "available", "majority", "linearizable", "snapshot":
			opts.SetReadConcern(&readconcern.ReadConcern{Level: args.ReadConcern})
		default:
			return nil, fmt.Errorf("invalid read.concern %q", args.ReadConcern)
		}
	}
	switch wc := args.WriteConcern; {
	case wc == "":
	case wc == "majority":
		opts.SetWriteConcern(writeconcern.Majority())
	default:
		if n, err := strconv.Atoi(wc); err == nil {
			if n < 0 {
				return nil, fmt.Errorf("invalid write.concern %q", wc)
			}
			opts.SetWriteConcern(&writeconcern.WriteConcern{W: n})
		} else {
			opts.SetWriteConcern(&writeconcern.WriteConcern{W: wc})
		}
	}
	return opts, nil
}

func (s *Store) Collection(name string) store.Collection {
	return &Collection{coll: s.database.Collection(name), logger: s.logger}
}

func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type Collection struct {
	coll   *mongo.Collection
	logger *zap.SugaredLogger
}

func (c *Collection) Name() string { return c.coll.Name() }

// filterDoc replaces a nil filter, which the server rejects, with {}.
func filterDoc(filter any) any {
	if filter == nil {
		return bson.D{}
	}
	return filter
}

func (c *Collection) debug(op string, filter any, n int64, start time.Time) {
	c.logger.Debugw("Store call", "op", op, "collection", c.coll.Name(),
		"filter", filter, "affected", n, "elapsed", time.Since(start))
}

func (c *Collection) Find(ctx context.Context, filter any, opts *options.FindOptions) ([]bson.M, error) {
	start := time.Now()
	cursor, err := c.coll.Find(ctx, filterDoc(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.coll.Name(), err)
	}
	docs := []bson.M{}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.coll.Name(), err)
	}
	c.debug("find", filter, int64(len(docs)), start)
	return docs, nil
}

func (c *Collection) FindOne(ctx context.Context, filter any, opts *options.FindOneOptions) (bson.M, error) {
	var doc bson.M
	err := c.coll.FindOne(ctx, filterDoc(filter), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find one in %s: %w", c.coll.Name(), err)
	}
	return doc, nil
}

func (c *Collection) Count(ctx context.Context, filter any, opts *options.CountOptions) (int64, error) {
	start := time.Now()
	n, err := c.coll.CountDocuments(ctx, filterDoc(filter), opts)
	if err != nil {
		return 0, fmt.Errorf("count in %s: %w", c.coll.Name(), err)
	}
	c.debug("count", filter, n, start)
	return n, nil
}

func (c *Collection) InsertOne(ctx context.Context, doc any) (any, error) {
	ids, err := c.InsertMany(ctx, []any{doc})
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

func (c *Collection) InsertMany(ctx context.Context, docs []any) ([]any, error) {
	if len(docs) == 0 {
		return []any{}, nil
	}
	start := time.Now()
	res, err := c.coll.InsertMany(ctx, docs)
	if err != nil {
		return nil, writeError("insert into", c.coll.Name(), err)
	}
	c.debug("insert", nil, int64(len(res.InsertedIDs)), start)
	return res.InsertedIDs, nil
}

func (c *Collection) ReplaceOne(ctx context.Context, filter, doc any) (bson.M, error) {
	start := time.Now()
	opts := options.FindOneAndReplace().SetReturnDocument(options.After)
	var out bson.M
	err := c.coll.FindOneAndReplace(ctx, filterDoc(filter), doc, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, writeError("replace in", c.coll.Name(), err)
	}
	c.debug("replace", filter, 1, start)
	return out, nil
}

func (c *Collection) UpdateOne(ctx context.Context, filter, update any) (bson.M, error) {
	start := time.Now()
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out bson.M
	err := c.coll.FindOneAndUpdate(ctx, filterDoc(filter), update, opts).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, writeError("update in", c.coll.Name(), err)
	}
	c.debug("update", filter, 1, start)
	return out, nil
}

func (c *Collection) UpdateMany(ctx context.Context, filter, update any) (int64, error) {
	start := time.Now()
	res, err := c.coll.UpdateMany(ctx, filterDoc(filter), update)
	if err != nil {
		return 0, writeError("update in", c.coll.Name(), err)
	}
	c.debug("update many", filter, res.ModifiedCount, start)
	return res.ModifiedCount, nil
}

func (c *Collection) DeleteOne(ctx context.Context, filter any) (int64, error) {
	start := time.Now()
	res, err := c.coll.DeleteOne(ctx, filterDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("delete one from %s: %w", c.coll.Name(), err)
	}
	c.debug("delete one", filter, res.DeletedCount, start)
	return res.DeletedCount, nil
}

func (c *Collection) DeleteMany(ctx context.Context, filter any) (int64, error) {
	start := time.Now()
	res, err := c.coll.DeleteMany(ctx, filterDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", c.coll.Name(), err)
	}
	c.debug("delete", filter, res.DeletedCount, start)
	return res.DeletedCount, nil
}

func (c *Collection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) ([]string, error) {
	if len(models) == 0 {
		return []string{}, nil
	}
	names, err := c.coll.Indexes().CreateMany(ctx, models)
	if err != nil {
		return nil, writeError("create indexes on", c.coll.Name(), err)
	}
	c.logger.Infow("Created indexes", "collection", c.coll.Name(), "indexes", names)
	return names, nil
}

// writeError maps server duplicate key failures onto store.ErrDuplicateKey.
func writeError(op, name string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s %s: %w: %v", op, name, store.ErrDuplicateKey, err)
	}
	return fmt.Errorf("%s %s: %w", op, name, err)
}
