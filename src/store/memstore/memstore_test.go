package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"schemadb/src/store"
)

func seed(t *testing.T) (*Store, store.Collection) {
	t.Helper()
	s := New(nil)
	c := s.Collection("users")
	_, err := c.InsertMany(context.Background(), []any{
		bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "ann"}, {Key: "age", Value: 31}, {Key: "tags", Value: bson.A{"a", "b"}}},
		bson.D{{Key: "_id", Value: 2}, {Key: "name", Value: "bob"}, {Key: "age", Value: 25}, {Key: "tags", Value: bson.A{"b"}}},
		bson.D{{Key: "_id", Value: 3}, {Key: "name", Value: "cid"}, {Key: "age", Value: 40}, {Key: "address", Value: bson.M{"city": "Oslo"}}},
	})
	require.NoError(t, err)
	return s, c
}

func ids(docs []bson.M) []any {
	out := make([]any, len(docs))
	for i, d := range docs {
		out[i] = d["_id"]
	}
	return out
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	_, c := seed(t)

	t.Run("filters", func(t *testing.T) {
		require := require.New(t)
		cases := []struct {
			filter bson.D
			want   []any
		}{
			{bson.D{}, []any{1, 2, 3}},
			{bson.D{{Key: "name", Value: "bob"}}, []any{2}},
			{bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: 31}}}}, []any{1, 3}},
			{bson.D{{Key: "tags", Value: "b"}}, []any{1, 2}},
			{bson.D{{Key: "tags", Value: bson.D{{Key: "$in", Value: bson.A{"a"}}}}}, []any{1}},
			{bson.D{{Key: "address.city", Value: "Oslo"}}, []any{3}},
			{bson.D{{Key: "address", Value: bson.D{{Key: "$exists", Value: false}}}}, []any{1, 2}},
			{bson.D{{Key: "address", Value: nil}}, []any{1, 2}},
			{bson.D{{Key: "$or", Value: bson.A{bson.D{{Key: "_id", Value: 1}}, bson.D{{Key: "age", Value: bson.D{{Key: "$lt", Value: 30}}}}}}}, []any{1, 2}},
			{bson.D{{Key: "_id", Value: bson.D{{Key: "$nin", Value: bson.A{1, 2}}}}}, []any{3}},
		}
		for _, tc := range cases {
			docs, err := c.Find(ctx, tc.filter, nil)
			require.NoError(err, tc.filter)
			require.Equal(tc.want, ids(docs), tc.filter)
		}
	})

	t.Run("sort skip limit", func(t *testing.T) {
		require := require.New(t)
		opts := options.Find().SetSort(bson.D{{Key: "age", Value: -1}}).SetSkip(1).SetLimit(1)
		docs, err := c.Find(ctx, bson.D{}, opts)
		require.NoError(err)
		require.Equal([]any{1}, ids(docs))

		n, err := c.Count(ctx, bson.D{}, options.Count().SetSkip(2))
		require.NoError(err)
		require.EqualValues(1, n)
	})

	t.Run("projection", func(t *testing.T) {
		require := require.New(t)
		docs, err := c.Find(ctx, bson.D{{Key: "_id", Value: 3}}, options.Find().SetProjection(bson.D{{Key: "address.city", Value: 1}}))
		require.NoError(err)
		require.Equal(bson.M{"_id": 3, "address": bson.M{"city": "Oslo"}}, docs[0])

		docs, err = c.Find(ctx, bson.D{{Key: "_id", Value: 2}}, options.Find().SetProjection(bson.D{{Key: "tags", Value: 0}, {Key: "age", Value: 0}}))
		require.NoError(err)
		require.Equal(bson.M{"_id": 2, "name": "bob"}, docs[0])
	})

	t.Run("returns copies", func(t *testing.T) {
		require := require.New(t)
		doc, err := c.FindOne(ctx, bson.D{{Key: "_id", Value: 1}}, nil)
		require.NoError(err)
		doc["name"] = "changed"

		doc, err = c.FindOne(ctx, bson.D{{Key: "_id", Value: 1}}, nil)
		require.NoError(err)
		require.Equal("ann", doc["name"])

		doc, err = c.FindOne(ctx, bson.D{{Key: "_id", Value: 9}}, nil)
		require.NoError(err)
		require.Nil(doc)
	})

	t.Run("unsupported operator", func(t *testing.T) {
		_, err := c.Find(ctx, bson.D{{Key: "name", Value: bson.D{{Key: "$regex", Value: "a"}}}}, nil)
		require.Error(t, err)
	})
}

func TestInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("generates ids", func(t *testing.T) {
		require := require.New(t)
		c := New(nil).Collection("c")
		id, err := c.InsertOne(ctx, bson.M{"a": 1})
		require.NoError(err)
		_, ok := id.(primitive.ObjectID)
		require.True(ok)
	})

	t.Run("all or nothing", func(t *testing.T) {
		require := require.New(t)
		_, c := seed(t)
		_, err := c.InsertMany(ctx, []any{bson.M{"_id": 4}, bson.M{"_id": 1}})
		require.ErrorIs(err, store.ErrDuplicateKey)

		n, err := c.Count(ctx, bson.D{}, nil)
		require.NoError(err)
		require.EqualValues(3, n)
	})

	t.Run("unique index", func(t *testing.T) {
		require := require.New(t)
		_, c := seed(t)
		names, err := c.CreateIndexes(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "age", Value: -1}}},
		})
		require.NoError(err)
		require.Equal([]string{"name_1", "age_-1"}, names)

		_, err = c.InsertOne(ctx, bson.M{"name": "ann"})
		require.ErrorIs(err, store.ErrDuplicateKey)
		_, err = c.UpdateOne(ctx, bson.D{{Key: "_id", Value: 2}}, bson.D{{Key: "$set", Value: bson.D{{Key: "name", Value: "ann"}}}})
		require.ErrorIs(err, store.ErrDuplicateKey)

		// two documents without an address share the null key
		_, err = c.CreateIndexes(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "address.city", Value: 1}}, Options: options.Index().SetUnique(true).SetName("city")},
		})
		require.ErrorIs(err, store.ErrDuplicateKey)
		_, err = c.InsertOne(ctx, bson.M{"name": "dan"})
		require.NoError(err)
	})

	t.Run("invalid document", func(t *testing.T) {
		_, err := New(nil).Collection("c").InsertOne(ctx, 42)
		require.ErrorIs(t, err, store.ErrInvalidDocument)
	})
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("operators", func(t *testing.T) {
		require := require.New(t)
		_, c := seed(t)
		doc, err := c.UpdateOne(ctx, bson.D{{Key: "_id", Value: 1}}, bson.D{
			{Key: "$set", Value: bson.D{{Key: "address.city", Value: "Rome"}, {Key: "_id", Value: 1}}},
			{Key: "$unset", Value: bson.D{{Key: "age", Value: ""}}},
			{Key: "$push", Value: bson.D{{Key: "tags", Value: "c"}, {Key: "new", Value: 1}}},
			{Key: "$pullAll", Value: bson.D{{Key: "tags", Value: bson.A{"a"}}}},
		})
		require.NoError(err)
		require.Equal(bson.M{
			"_id":     1,
			"name":    "ann",
			"tags":    bson.A{"b", "c"},
			"new":     bson.A{1},
			"address": bson.M{"city": "Rome"},
		}, doc)
	})

	t.Run("cannot change id", func(t *testing.T) {
		_, c := seed(t)
		_, err := c.UpdateOne(ctx, bson.D{{Key: "_id", Value: 1}}, bson.D{{Key: "$set", Value: bson.D{{Key: "_id", Value: 7}}}})
		require.ErrorIs(t, err, store.ErrInvalidDocument)
	})

	t.Run("pull sub documents", func(t *testing.T) {
		require := require.New(t)
		c := New(nil).Collection("orders")
		_, err := c.InsertOne(ctx, bson.M{"_id": 1, "items": bson.A{bson.M{"ref": "x", "n": 1}, bson.M{"ref": "y", "n": 2}}})
		require.NoError(err)

		n, err := c.UpdateMany(ctx, bson.D{{Key: "items.ref", Value: bson.D{{Key: "$in", Value: bson.A{"x"}}}}},
			bson.D{{Key: "$pull", Value: bson.D{{Key: "items", Value: bson.D{{Key: "ref", Value: bson.D{{Key: "$in", Value: bson.A{"x"}}}}}}}}})
		require.NoError(err)
		require.EqualValues(1, n)

		doc, err := c.FindOne(ctx, bson.D{{Key: "_id", Value: 1}}, nil)
		require.NoError(err)
		require.Equal(bson.A{bson.M{"ref": "y", "n": 2}}, doc["items"])

		// nothing left to pull
		n, err = c.UpdateMany(ctx, bson.D{}, bson.D{{Key: "$pull", Value: bson.D{{Key: "items", Value: bson.D{{Key: "ref", Value: "x"}}}}}})
		require.NoError(err)
		require.Zero(n)
	})

	t.Run("replace keeps id", func(t *testing.T) {
		require := require.New(t)
		_, c := seed(t)
		doc, err := c.ReplaceOne(ctx, bson.D{{Key: "name", Value: "bob"}}, bson.D{{Key: "name", Value: "rob"}})
		require.NoError(err)
		require.Equal(bson.M{"_id": 2, "name": "rob"}, doc)

		doc, err = c.ReplaceOne(ctx, bson.D{{Key: "name", Value: "nobody"}}, bson.D{{Key: "name", Value: "x"}})
		require.NoError(err)
		require.Nil(doc)
	})

	t.Run("rejects plain fields", func(t *testing.T) {
		_, c := seed(t)
		_, err := c.UpdateMany(ctx, bson.D{}, bson.D{{Key: "name", Value: "x"}})
		require.True(t, errors.Is(err, store.ErrInvalidDocument))
	})
}

func TestDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	_, c := seed(t)

	n, err := c.DeleteMany(ctx, bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: 30}}}})
	req.NoError(err)
	req.EqualValues(2, n)

	docs, err := c.Find(ctx, nil, nil)
	req.NoError(err)
	req.Equal([]any{2}, ids(docs))

	t.Run("one", func(t *testing.T) {
		require := require.New(t)
		_, c := seed(t)
		n, err := c.DeleteOne(ctx, bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: 30}}}})
		require.NoError(err)
		require.EqualValues(1, n)

		docs, err := c.Find(ctx, nil, nil)
		require.NoError(err)
		require.Equal([]any{2, 3}, ids(docs))

		n, err = c.DeleteOne(ctx, bson.D{{Key: "name", Value: "nobody"}})
		require.NoError(err)
		require.Zero(n)
	})
}

func TestSnapshot(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	s, c := seed(t)
	_, err := c.CreateIndexes(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	req.NoError(err)
	s.Collection("empty")
	req.NoError(s.Save(dir))

	loaded, err := Open(dir, nil)
	req.NoError(err)
	req.Equal([]string{"empty", "users"}, loaded.Names())

	lc := loaded.Collection("users")
	n, err := lc.Count(ctx, bson.D{{Key: "address.city", Value: "Oslo"}}, nil)
	req.NoError(err)
	req.EqualValues(1, n)

	_, err = lc.InsertOne(ctx, bson.M{"name": "bob"})
	req.ErrorIs(err, store.ErrDuplicateKey)

	missing, err := Open(dir+"/missing", nil)
	req.NoError(err)
	req.Empty(missing.Names())

	t.Run("load logs through the store logger", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		_, err := Open(dir, zap.New(core).Sugar())
		require.NoError(t, err)
		require.Equal(t, 2, logs.FilterMessage("memstore loaded collection").Len())
	})
}
