// Package store defines the document store operations the validation, query
// and constraint layers rely on.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrDatabaseDenied  = errors.New("database is not allowed")
	ErrInvalidDocument = errors.New("invalid document")
)

// Collection is a named set of documents addressed by "_id".
type Collection interface {
	Name() string
	Find(ctx context.Context, filter any, opts *options.FindOptions) ([]bson.M, error)
	// FindOne returns nil, nil when nothing matches.
	FindOne(ctx context.Context, filter any, opts *options.FindOneOptions) (bson.M, error)
	Count(ctx context.Context, filter any, opts *options.CountOptions) (int64, error)
	InsertMany(ctx context.Context, docs []any) ([]any, error)
	InsertOne(ctx context.Context, doc any) (any, error)
	// ReplaceOne and UpdateOne return the document after the write, nil when
	// nothing matched.
	ReplaceOne(ctx context.Context, filter, doc any) (bson.M, error)
	UpdateOne(ctx context.Context, filter, update any) (bson.M, error)
	UpdateMany(ctx context.Context, filter, update any) (int64, error)
	DeleteOne(ctx context.Context, filter any) (int64, error)
	DeleteMany(ctx context.Context, filter any) (int64, error)
	CreateIndexes(ctx context.Context, models []mongo.IndexModel) ([]string, error)
}

type Store interface {
	Collection(name string) Collection
}
