package schema

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
	"schemadb/src/constraint"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestNew(t *testing.T) {
	t.Run("directives are stripped", func(t *testing.T) {
		require := require.New(t)
		s, err := New(bson.D{
			{Key: "name", Value: bson.A{"string", "notEmpty"}},
			{Key: "$created", Value: "created"},
			{Key: "age", Value: "integer"},
			{Key: "$filter", Value: bson.D{{Key: "name", Value: 1}}},
		}, WithName("user"))
		require.NoError(err)
		require.Equal("user", s.Name())
		require.Equal(bson.D{
			{Key: "name", Value: bson.A{"string", "notEmpty"}},
			{Key: "age", Value: "integer"},
		}, s.Fields())
		require.Len(s.Original(), 4)
		require.True(s.HasFilter())
		require.Equal(bson.D{{Key: "name", Value: 1}}, s.Filter())
	})

	t.Run("errors", func(t *testing.T) {
		cases := []struct {
			name   string
			source bson.D
			err    error
		}{
			{"empty", bson.D{}, ErrEmptySchema},
			{"directives only", bson.D{{Key: "$created", Value: "at"}}, ErrEmptySchema},
			{"reserved", bson.D{{Key: "a", Value: "string"}, {Key: "$secret", Value: "string"}}, ErrReservedField},
			{"bad created kind", bson.D{{Key: "a", Value: "string"}, {Key: "$created", Value: bson.D{{Key: "at", Value: "never"}}}}, ErrDirective},
			{"bad index option", bson.D{{Key: "a", Value: "string"}, {Key: "$index", Value: bson.D{{Key: "a", Value: 1}, {Key: "$weird", Value: true}}}}, ErrDirective},
			{"index without keys", bson.D{{Key: "a", Value: "string"}, {Key: "$index", Value: bson.D{{Key: "$unique", Value: true}}}}, ErrDirective},
			{"bad rule entry", bson.D{{Key: "a", Value: 42}}, ErrInvalidRule},
			{"created and default", bson.D{
				{Key: "at", Value: bson.A{"timestamp", bson.D{{Key: "default", Value: 1}}}},
				{Key: "$created", Value: "at"},
			}, ErrDuplicateDefault},
			{"malformed fk", bson.D{{Key: "a", Value: "string"}, {Key: "$ref:fk", Value: bson.D{{Key: "users", Value: bson.D{{Key: "a.$.", Value: "id"}}}}}}, constraint.ErrMalformedPath},
			{"cascade without fields", bson.D{{Key: "a", Value: "string"}, {Key: "$ref:clear", Value: bson.D{{Key: "posts", Value: bson.A{}}}}}, constraint.ErrInvalidConstraint},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := New(tc.source, WithName("m"))
				require.ErrorIs(t, err, tc.err)
				var se *SchemaError
				require.True(t, errors.As(err, &se))
				require.Equal(t, "m", se.Name)
			})
		}
	})
}

func TestDefaults(t *testing.T) {
	require := require.New(t)
	s, err := New(bson.D{
		{Key: "status", Value: bson.A{"string", bson.D{{Key: "default", Value: "new"}}}},
		{Key: "address", Value: bson.A{"object", bson.D{{Key: "fields", Value: bson.D{
			{Key: "country", Value: bson.A{"string", bson.D{{Key: "default", Value: "NO"}}}},
		}}}}},
		{Key: "items", Value: bson.A{"array", bson.D{{Key: "schema:array", Value: bson.D{
			{Key: "qty", Value: bson.A{"integer", bson.D{{Key: "default", Value: 1}}}},
		}}}}},
		{Key: "created", Value: "datetime"},
		{Key: "updated", Value: "dbdatetime"},
		{Key: "$created", Value: bson.D{{Key: "created", Value: "datetime"}}},
		{Key: "$updated", Value: bson.D{{Key: "updated", Value: "dbdatetime"}}},
	}, WithClock(clock))
	require.NoError(err)

	require.Equal("new", s.GetDefault("status"))
	require.Equal("NO", s.GetDefault("address.country"))
	require.Equal(1, s.GetDefault("items.qty"))
	require.Nil(s.GetDefault("missing"))
	require.Equal(fixedNow, s.GetDefault("created"))
	require.Len(s.Defaults(), 4)

	require.True(s.HasCallback("updated", true))
	require.False(s.HasCallback("updated", false))
	fn, err := s.GetCallback("updated", true)
	require.NoError(err)
	updated, err := fn(nil)
	require.NoError(err)
	require.Equal(primitive.NewDateTimeFromTime(fixedNow), updated)
	require.Equal([]string{"updated"}, s.UpdatedFields())

	_, err = s.GetCallback("status", false)
	require.ErrorIs(err, ErrNoCallback)

	t.Run("builder calls", func(t *testing.T) {
		var calls atomic.Int32
		fresh := Producer(func() any {
			calls.Add(1)
			return "fresh"
		})
		require.NoError(s.Default("status", fresh))
		require.Equal("fresh", s.GetDefault("status"))
		require.Equal("fresh", s.GetDefault("status"))
		require.EqualValues(2, calls.Load())

		require.NoError(s.Apply("status", LowerCallback))
		require.True(s.HasCallback("status", false))

		s.Freeze()
		require.True(s.Frozen())
		require.ErrorIs(s.Default("status", "x"), ErrFrozen)
		require.ErrorIs(s.Apply("status", LowerCallback), ErrFrozen)
	})
}

func TestTimestampDirective(t *testing.T) {
	require := require.New(t)
	s, err := New(bson.D{{Key: "at", Value: "timestamp"}, {Key: "$created", Value: "at"}}, WithClock(clock))
	require.NoError(err)
	require.Equal(fixedNow.Unix(), s.GetDefault("at"))
}

func TestIndexes(t *testing.T) {
	require := require.New(t)
	s, err := New(bson.D{
		{Key: "email", Value: "string"},
		{Key: "age", Value: "integer"},
		{Key: "$index", Value: bson.D{{Key: "email", Value: 1}, {Key: "$unique", Value: true}, {Key: "$name", Value: "email_unique"}}},
		{Key: "$indexes", Value: bson.A{
			bson.D{{Key: "age", Value: -1}, {Key: "email", Value: 1}},
			bson.D{{Key: "age", Value: 1}, {Key: "$expireAfterSeconds", Value: 60}, {Key: "$sparse", Value: true}},
		}},
	})
	require.NoError(err)

	specs := s.Indexes()
	require.Len(specs, 3)
	require.Equal(bson.D{{Key: "email", Value: 1}}, specs[0].Keys)
	require.Equal(bson.D{{Key: "unique", Value: true}, {Key: "name", Value: "email_unique"}}, specs[0].Options)

	models := s.IndexModels()
	require.Len(models, 3)
	require.Equal("email_unique", *models[0].Options.Name)
	require.True(*models[0].Options.Unique)
	require.Nil(models[1].Options.Unique)
	require.EqualValues(60, *models[2].Options.ExpireAfterSeconds)
	require.True(*models[2].Options.Sparse)
}

func TestConstraints(t *testing.T) {
	require := require.New(t)
	s, err := New(bson.D{
		{Key: "owner", Value: "string"},
		{Key: "$ref:fk", Value: bson.D{{Key: "users", Value: bson.D{{Key: "owner", Value: "id"}, {Key: "nullable$editor", Value: ""}}}}},
		{Key: "$ref:clear", Value: bson.D{{Key: "posts", Value: "author"}}},
		{Key: "$ref:delete", Value: bson.D{{Key: "comments", Value: bson.A{"post", "thread.$"}}}},
	})
	require.NoError(err)

	require.True(s.HasConstraint(constraint.TypeFk))
	require.True(s.HasConstraint(constraint.TypeClear))
	require.True(s.HasConstraint(constraint.TypeDelete))
	require.False(s.HasConstraint("unknown"))

	fks := s.FkConstraints()
	require.Len(fks, 2)
	require.Equal("owner", fks[0].LocalField())
	require.Equal("_id", fks[0].ForeignField())
	require.True(fks[1].Nullable())
	require.Equal("posts", s.ClearConstraints()[0].Collection())
	require.Equal([]string{"post", "thread.$"}, s.DeleteConstraints()[0].Fields())
}

func TestFieldPaths(t *testing.T) {
	require := require.New(t)
	s, err := New(bson.D{
		{Key: "name", Value: "string"},
		{Key: "note", Value: nil},
		{Key: "address", Value: bson.A{"object", bson.D{{Key: "fields", Value: bson.D{{Key: "city", Value: "string"}}}}}},
		{Key: "items", Value: bson.A{"array", bson.D{{Key: "schema:array", Value: bson.D{{Key: "sku", Value: "string"}}}}}},
	})
	require.NoError(err)

	require.Equal([]string{"address", "address.city", "items", "items.sku", "name", "note"}, s.FieldPaths())
	require.True(s.HasField("address.city"))
	require.True(s.HasField("note"))
	require.False(s.HasField("address.zip"))
	require.False(s.HasField("name.first"))
}

func TestParseRules(t *testing.T) {
	require := require.New(t)

	specs, err := ParseRules(bson.A{"str", "notNull", bson.D{{Key: "min", Value: 2}}, bson.M{"max": 5}})
	require.NoError(err)
	require.Len(specs, 4)

	tag, rest := SplitType(specs)
	require.Equal("string", tag)
	require.Len(rest, 3)
	require.True(HasToken(rest, "notNull", "notEmpty"))
	require.False(HasToken(rest, "min"))

	tag, rest = SplitType([]RuleSpec{{Name: "notNull"}})
	require.Equal("generic", tag)
	require.Len(rest, 1)

	specs, err = ParseRules(bson.D{{Key: "fields", Value: bson.D{{Key: "a", Value: "string"}}}})
	require.NoError(err)
	nested, marker, ok := NestedFields(specs)
	require.True(ok)
	require.Equal("fields", marker)
	require.Equal(bson.D{{Key: "a", Value: "string"}}, nested)

	_, err = ParseRules(bson.A{"string", 3})
	require.ErrorIs(err, ErrInvalidRule)
}

const userYAML = `
name: [string, notEmpty]
email:
  - string
  - email
address:
  - object
  - fields:
      city: string
      zip: string
$import:
  address.geo: geo
$index:
  email: 1
  $unique: true
`

func TestYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geo.yml"), []byte("[object, {fields: {lat: float, lng: float}}]\n"), 0o644))
	importer, err := NewFileImporter(dir, 4)
	require.NoError(t, err)

	t.Run("parse keeps order", func(t *testing.T) {
		require := require.New(t)
		s, err := Parse([]byte(userYAML), WithImporter(importer))
		require.NoError(err)

		keys := make([]string, 0, len(s.Fields()))
		for _, e := range s.Fields() {
			keys = append(keys, e.Key)
		}
		require.Equal([]string{"name", "email", "address"}, keys)
		require.True(s.HasField("address.geo.lat"))
		require.True(s.HasField("address.zip"))
		require.Len(s.Indexes(), 1)
	})

	t.Run("load file", func(t *testing.T) {
		require := require.New(t)
		file := filepath.Join(dir, "user.yaml")
		require.NoError(os.WriteFile(file, []byte(userYAML), 0o644))
		s, err := LoadFile(file, WithImporter(importer))
		require.NoError(err)
		require.Equal("user", s.Name())

		_, err = LoadFile(filepath.Join(dir, "none.yaml"))
		require.Error(err)
	})

	t.Run("missing fragment", func(t *testing.T) {
		_, err := Parse([]byte("a: string\n$import: {b: nothing}\n"), WithImporter(importer))
		require.ErrorIs(t, err, ErrImportNotFound)
	})

	t.Run("fragments are copies", func(t *testing.T) {
		require := require.New(t)
		first, err := importer.Import("/geo")
		require.NoError(err)
		first.(bson.A)[0] = "changed"
		second, err := importer.Import("geo")
		require.NoError(err)
		require.Equal("object", second.(bson.A)[0])
	})

	t.Run("not a mapping", func(t *testing.T) {
		_, err := Parse([]byte("- a\n- b\n"))
		require.ErrorIs(t, err, ErrInvalidRule)
	})
}

func TestCache(t *testing.T) {
	require := require.New(t)
	c := NewCache()
	var builds atomic.Int32
	build := func() (*Schema, error) {
		builds.Add(1)
		return New(bson.D{{Key: "a", Value: "string"}})
	}

	var wg sync.WaitGroup
	results := make([]*Schema, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Get("widget", build)
		}(i)
	}
	wg.Wait()

	require.EqualValues(1, builds.Load())
	for _, s := range results {
		require.Same(results[0], s)
	}
	require.Equal("widget", results[0].Name())

	c.Forget("widget")
	again, err := c.Get("widget", build)
	require.NoError(err)
	require.NotSame(results[0], again)
	require.Same(Models(), Models())
}

func TestCallbacks(t *testing.T) {
	require := require.New(t)
	hash := HashCallback(bcrypt.MinCost)
	call := func(fn Callback, v any) any {
		out, err := fn(v)
		require.NoError(err)
		return out
	}

	hashed := call(hash, "secret").(string)
	require.NoError(bcrypt.CompareHashAndPassword([]byte(hashed), []byte("secret")))
	require.Equal(hashed, call(hash, hashed))
	require.Equal(42, call(hash, 42))
	require.Equal("", call(hash, ""))

	out, err := hash(strings.Repeat("p", 73))
	require.ErrorIs(err, bcrypt.ErrPasswordTooLong)
	require.Nil(out)

	require.Equal("a@b.io", call(LowerCallback, "A@B.io"))
	require.Nil(call(LowerCallback, nil))
}
