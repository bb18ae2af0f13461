package validator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
	"schemadb/src/rules"
	"schemadb/src/schema"
)

func mustSchema(t *testing.T, source bson.D, opts ...schema.Option) *schema.Schema {
	t.Helper()
	s, err := schema.New(source, append([]schema.Option{schema.WithRegistry(rules.NewDefaultRegistry(nil))}, opts...)...)
	require.NoError(t, err)
	return s
}

func mustValidator(t *testing.T, doc any, s *schema.Schema, mode Mode) *Validator {
	t.Helper()
	v, err := New(doc, s, mode)
	require.NoError(t, err)
	return v
}

func TestModes(t *testing.T) {
	require := require.New(t)
	for _, m := range []string{"create", "replace", "replace+id", "update", "update+id"} {
		mode, err := ParseMode(m)
		require.NoError(err)
		require.Equal(m, mode.String())
	}
	_, err := ParseMode("upsert")
	require.ErrorIs(err, ErrInvalidMode)

	s := mustSchema(t, bson.D{{Key: "a", Value: "string"}})
	_, err = New(bson.M{}, s, Mode("upsert"))
	require.ErrorIs(err, ErrInvalidMode)
	require.True(ModeUpdateID.Partial())
	require.True(ModeReplaceID.IDRequired())
	require.False(ModeCreate.Partial())
}

func TestScenarios(t *testing.T) {
	t.Run("not empty integer", func(t *testing.T) {
		require := require.New(t)
		s := mustSchema(t, bson.D{
			{Key: "name", Value: "string"},
			{Key: "age", Value: bson.A{"integer", "notEmpty"}},
		}, schema.WithName("user"))

		v := mustValidator(t, bson.M{"name": "Bob", "age": 0}, s, ModeCreate)
		require.False(v.Validate())
		require.Equal(map[string]string{"age": "must be an integer greater than zero"}, v.Errors())
		require.Nil(v.Document())

		doc, err := v.Make()
		require.Nil(doc)
		require.ErrorIs(err, ErrValidation)
		var ve *ValidationError
		require.True(errors.As(err, &ve))
		require.Equal("user", ve.Name)
		require.Equal("age", ve.Field)
		require.Equal(bson.M{"name": "Bob", "age": 0}, ve.Doc)
		require.Equal(`validation failed: "user.age" must be an integer greater than zero`, err.Error())
	})

	t.Run("nested object", func(t *testing.T) {
		require := require.New(t)
		s := mustSchema(t, bson.D{
			{Key: "address", Value: bson.A{"object", bson.D{{Key: "fields", Value: bson.D{{Key: "city", Value: "string"}}}}}},
		})
		doc, err := mustValidator(t, bson.M{"address": bson.M{"city": "NYC"}}, s, ModeCreate).Make()
		require.NoError(err)
		require.Equal(bson.M{"address": bson.M{"city": "NYC"}}, doc)
	})
}

func TestTypeFirst(t *testing.T) {
	require := require.New(t)
	s := mustSchema(t, bson.D{{Key: "code", Value: bson.A{bson.D{{Key: "min", Value: 3}}, "string"}}})

	v := mustValidator(t, bson.M{"code": 12}, s, ModeCreate)
	require.False(v.Validate())
	require.Equal("must be a string", v.Errors()["code"])

	v = mustValidator(t, bson.M{"code": "ab"}, s, ModeCreate)
	require.False(v.Validate())
	require.Equal("length must be a minimum of 3 characters", v.Errors()["code"])
}

func TestFailFast(t *testing.T) {
	require := require.New(t)
	s := mustSchema(t, bson.D{
		{Key: "a", Value: bson.A{"string", "notNull"}},
		{Key: "b", Value: bson.A{"integer", "notNull"}},
		{Key: "c", Value: bson.A{"boolean", "notNull"}},
	})

	v := mustValidator(t, bson.D{{Key: "b", Value: "x"}, {Key: "c", Value: 1}}, s, ModeCreate)
	require.False(v.Validate())
	require.Equal(map[string]string{"b": "must be an integer or null"}, v.Errors())

	v = mustValidator(t, bson.D{}, s, ModeCreate)
	require.False(v.Validate())
	require.Equal(map[string]string{"a": "must be a string"}, v.Errors())
}

func TestDefaultsByMode(t *testing.T) {
	s := mustSchema(t, bson.D{{Key: "a", Value: bson.A{"string", bson.D{{Key: "default", Value: "x"}}}}})

	cases := []struct {
		mode Mode
		want bson.M
	}{
		{ModeCreate, bson.M{"a": "x"}},
		{ModeReplace, bson.M{"a": nil}},
		{ModeReplaceID, bson.M{"a": nil}},
		{ModeUpdate, bson.M{}},
		{ModeUpdateID, bson.M{}},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			doc, err := mustValidator(t, bson.M{}, s, tc.mode).Make()
			require.NoError(t, err)
			require.Equal(t, tc.want, doc)
		})
	}

	t.Run("defaults are copied", func(t *testing.T) {
		require := require.New(t)
		s := mustSchema(t, bson.D{{Key: "tags", Value: bson.A{"array", bson.D{{Key: "default", Value: bson.A{"a"}}}}}})
		first, err := mustValidator(t, bson.M{}, s, ModeCreate).Make()
		require.NoError(err)
		first.(bson.M)["tags"].(bson.A)[0] = "changed"

		second, err := mustValidator(t, bson.M{}, s, ModeCreate).Make()
		require.NoError(err)
		require.Equal(bson.M{"tags": bson.A{"a"}}, second)
	})
}

func TestIDField(t *testing.T) {
	s := mustSchema(t, bson.D{
		{Key: "id", Value: bson.A{"string", "id"}},
		{Key: "name", Value: "string"},
	})

	cases := []struct {
		mode Mode
		want bson.M
	}{
		{ModeCreate, bson.M{"name": "n"}},
		{ModeReplace, bson.M{"name": "n"}},
		{ModeUpdate, bson.M{"name": "n"}},
		{ModeReplaceID, bson.M{"name": "n", "id": nil}},
		{ModeUpdateID, bson.M{"name": "n", "id": nil}},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			doc, err := mustValidator(t, bson.M{"name": "n"}, s, tc.mode).Make()
			require.NoError(t, err)
			require.Equal(t, tc.want, doc)
		})
	}

	t.Run("present id is checked", func(t *testing.T) {
		v := mustValidator(t, bson.M{"id": nil, "name": "n"}, s, ModeUpdateID)
		require.False(t, v.Validate())
		require.Equal(t, "must be a string", v.Errors()["id"])
	})
}

func TestMemoized(t *testing.T) {
	require := require.New(t)
	calls := 0
	registry := rules.NewDefaultRegistry(nil)
	registry.Register(rules.TypeString, "counted", rules.Fixed("counted", func(any) bool {
		calls++
		return true
	}))
	s, err := schema.New(bson.D{{Key: "a", Value: bson.A{"string", "counted"}}}, schema.WithRegistry(registry))
	require.NoError(err)

	v := mustValidator(t, bson.M{"a": "x"}, s, ModeCreate)
	require.True(v.Validate())
	require.True(v.Validate())
	_, err = v.Make()
	require.NoError(err)
	require.Equal(1, calls)
}

func TestNestedSchemas(t *testing.T) {
	s := mustSchema(t, bson.D{
		{Key: "title", Value: "string"},
		{Key: "items", Value: bson.A{"array", bson.D{{Key: "schema:array", Value: bson.D{
			{Key: "name", Value: bson.A{"string", "notNull"}},
			{Key: "qty", Value: bson.A{"integer", bson.D{{Key: "default", Value: 1}}}},
		}}}}},
		{Key: "address", Value: bson.A{"object", bson.D{{Key: "fields", Value: bson.D{
			{Key: "city", Value: "string"},
			{Key: "zip", Value: bson.A{"string", bson.D{{Key: "default", Value: "0000"}}}},
		}}}}},
	})

	t.Run("positional errors", func(t *testing.T) {
		require := require.New(t)
		v := mustValidator(t, bson.M{"items": bson.A{bson.M{"name": "a"}, bson.M{"name": 5}}}, s, ModeCreate)
		require.False(v.Validate())
		require.Equal(map[string]string{"items.1.name": "must be a string"}, v.Errors())

		v = mustValidator(t, bson.M{"items": bson.A{bson.M{"name": "a"}, "x"}}, s, ModeCreate)
		require.False(v.Validate())
		require.Equal(map[string]string{"items.1": MessageNotDocument}, v.Errors())

		v = mustValidator(t, bson.M{"items": bson.M{"name": "a"}}, s, ModeCreate)
		require.False(v.Validate())
		require.Equal(map[string]string{"items": MessageNotArray}, v.Errors())
	})

	t.Run("create fills nested defaults", func(t *testing.T) {
		require := require.New(t)
		doc, err := mustValidator(t, bson.M{"items": bson.A{bson.M{"name": "a"}}}, s, ModeCreate).Make()
		require.NoError(err)
		require.Equal(bson.M{
			"title":   nil,
			"items":   bson.A{bson.M{"name": "a", "qty": 1}},
			"address": bson.D{{Key: "city", Value: nil}, {Key: "zip", Value: "0000"}},
		}, doc)
	})

	t.Run("update fills array entries but not plain nesting", func(t *testing.T) {
		require := require.New(t)
		doc, err := mustValidator(t, bson.M{
			"items":   bson.A{bson.M{"name": "a"}},
			"address": bson.M{"city": "Oslo"},
		}, s, ModeUpdate).Make()
		require.NoError(err)
		require.Equal(bson.M{
			"items":   bson.A{bson.M{"name": "a", "qty": nil}},
			"address": bson.M{"city": "Oslo"},
		}, doc)
	})

	t.Run("unknown nested field", func(t *testing.T) {
		v := mustValidator(t, bson.M{"address": bson.M{"street": "x"}}, s, ModeCreate)
		require.False(t, v.Validate())
		require.Equal(t, map[string]string{"address.street": MessageUnknownField}, v.Errors())
	})
}

func TestUnknownField(t *testing.T) {
	require := require.New(t)
	s := mustSchema(t, bson.D{{Key: "name", Value: "string"}})
	v := mustValidator(t, bson.M{"name": "a", "extra": 1, "more": 2}, s, ModeCreate)
	require.False(v.Validate())
	require.Equal(map[string]string{
		"extra": MessageUnknownField,
		"more":  MessageUnknownField,
	}, v.Errors())

	var ve *ValidationError
	require.True(errors.As(v.Assert(), &ve))
	require.Equal("extra", ve.Field)
}

func TestOptionalNull(t *testing.T) {
	require := require.New(t)
	s := mustSchema(t, bson.D{
		{Key: "nick", Value: bson.A{"string", bson.D{{Key: "min", Value: 3}}}},
		{Key: "note", Value: nil},
		{Key: "mail", Value: bson.A{"string", "voidable", "email"}},
	})
	doc, err := mustValidator(t, bson.M{"note": bson.A{1, "x"}}, s, ModeCreate).Make()
	require.NoError(err)
	require.Equal(bson.M{"nick": nil, "note": bson.A{1, "x"}}, doc)

	v := mustValidator(t, bson.M{"mail": "nope"}, s, ModeCreate)
	require.False(v.Validate())
	require.Equal("must be a valid email address", v.Errors()["mail"])
}

func TestCallbacks(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	build := func(t *testing.T) *schema.Schema {
		s := mustSchema(t, bson.D{
			{Key: "email", Value: bson.A{"string", "email"}},
			{Key: "created", Value: "datetime"},
			{Key: "updated", Value: "datetime"},
			{Key: "$created", Value: bson.D{{Key: "created", Value: "datetime"}}},
			{Key: "$updated", Value: bson.D{{Key: "updated", Value: "dbdatetime"}}},
		}, schema.WithClock(func() time.Time { return now }))
		require.NoError(t, s.Apply("email", schema.LowerCallback))
		return s
	}

	t.Run("create", func(t *testing.T) {
		require := require.New(t)
		doc, err := mustValidator(t, bson.M{"email": "Ann@Example.COM"}, build(t), ModeCreate).Make()
		require.NoError(err)
		require.Equal(bson.M{
			"email":   "ann@example.com",
			"created": now,
			"updated": primitive.NewDateTimeFromTime(now),
		}, doc)
	})

	t.Run("update", func(t *testing.T) {
		require := require.New(t)
		doc, err := mustValidator(t, bson.M{"email": "B@X.IO"}, build(t), ModeUpdate).Make()
		require.NoError(err)
		require.Equal(bson.M{"email": "b@x.io", "updated": primitive.NewDateTimeFromTime(now)}, doc)
	})

	t.Run("updated replaces a supplied value", func(t *testing.T) {
		require := require.New(t)
		stale := primitive.NewDateTimeFromTime(now.Add(-time.Hour))
		doc, err := mustValidator(t, bson.M{"email": "c@x.io", "updated": stale}, build(t), ModeUpdate).Make()
		require.NoError(err)
		require.Equal(primitive.NewDateTimeFromTime(now), doc.(bson.M)["updated"])
	})

	t.Run("schema is frozen", func(t *testing.T) {
		s := build(t)
		mustValidator(t, bson.M{}, s, ModeCreate)
		require.ErrorIs(t, s.Apply("email", schema.LowerCallback), schema.ErrFrozen)
	})

	t.Run("failing callback rejects the field", func(t *testing.T) {
		require := require.New(t)
		s := mustSchema(t, bson.D{{Key: "password", Value: "string"}})
		require.NoError(s.Apply("password", schema.HashCallback(bcrypt.MinCost)))

		plain := strings.Repeat("p", 73)
		doc, err := mustValidator(t, bson.M{"password": plain}, s, ModeCreate).Make()
		require.ErrorIs(err, ErrValidation)
		require.Nil(doc)
		var ve *ValidationError
		require.True(errors.As(err, &ve))
		require.Equal("password", ve.Field)
		require.NotContains(ve.Message, plain)

		doc, err = mustValidator(t, bson.M{"password": "short"}, s, ModeCreate).Make()
		require.NoError(err)
		require.NotEqual("short", doc.(bson.M)["password"])
	})
}

type account struct {
	Name   string `bson:"name"`
	Age    int    `bson:"age"`
	Status string `bson:"status"`
}

func TestContainerKinds(t *testing.T) {
	s := mustSchema(t, bson.D{
		{Key: "name", Value: "string"},
		{Key: "age", Value: "integer"},
		{Key: "status", Value: bson.A{"string", bson.D{{Key: "default", Value: "active"}}}},
	})

	t.Run("ordered", func(t *testing.T) {
		require := require.New(t)
		doc, err := mustValidator(t, bson.D{{Key: "age", Value: 3}, {Key: "name", Value: "a"}}, s, ModeCreate).Make()
		require.NoError(err)
		require.Equal(bson.D{{Key: "age", Value: 3}, {Key: "name", Value: "a"}, {Key: "status", Value: "active"}}, doc)
	})

	t.Run("plain map", func(t *testing.T) {
		require := require.New(t)
		doc, err := mustValidator(t, map[string]any{"name": "a"}, s, ModeCreate).Make()
		require.NoError(err)
		require.Equal(map[string]any{"name": "a", "age": nil, "status": "active"}, doc)
	})

	t.Run("struct pointer", func(t *testing.T) {
		require := require.New(t)
		in := &account{Name: "a", Age: 3}
		doc, err := mustValidator(t, in, s, ModeCreate).Make()
		require.NoError(err)
		out, ok := doc.(*account)
		require.True(ok)
		require.NotSame(in, out)
		require.Equal(account{Name: "a", Age: 3}, *out)
	})

	t.Run("not a document", func(t *testing.T) {
		require := require.New(t)
		v := mustValidator(t, 42, s, ModeCreate)
		require.False(v.Validate())
		require.ErrorIs(v.Err(), ErrInvalidDocument)
		require.ErrorIs(v.Assert(), ErrInvalidDocument)
	})

	t.Run("input untouched", func(t *testing.T) {
		require := require.New(t)
		in := bson.D{{Key: "name", Value: "a"}}
		_, err := mustValidator(t, in, s, ModeCreate).Make()
		require.NoError(err)
		require.Equal(bson.D{{Key: "name", Value: "a"}}, in)
	})
}

func TestRuleErrors(t *testing.T) {
	cases := []struct {
		name  string
		rules any
		value any
		err   error
	}{
		{"bad params", bson.A{"string", bson.D{{Key: "min", Value: "x"}}}, "abc", rules.ErrInvalidParams},
		{"unknown rule", bson.A{"string", "bogus"}, "abc", rules.ErrUnknownRule},
		{"nested schema without fields", bson.A{"object", "fields"}, bson.M{}, schema.ErrInvalidRule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			s := mustSchema(t, bson.D{{Key: "a", Value: tc.rules}})
			v := mustValidator(t, bson.M{"a": tc.value}, s, ModeCreate)
			require.False(v.Validate())
			require.ErrorIs(v.Err(), tc.err)
			var re *RuleError
			require.True(errors.As(v.Assert(), &re))
			require.Equal("a", re.Field)
			require.Empty(v.Errors())
		})
	}
}
