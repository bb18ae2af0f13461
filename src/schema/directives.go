package schema

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"schemadb/src/constraint"
	"schemadb/src/helpers"
)

// timeFields reads "field" or {field: kind}. A bare field is a timestamp.
func timeFields(v any) (bson.D, error) {
	if name, ok := v.(string); ok {
		return bson.D{{Key: name, Value: TimeTimestamp}}, nil
	}
	d, ok := helpers.ToDocument(v)
	if !ok || len(d) == 0 {
		return nil, fmt.Errorf("%w: expected a field name or {field: type}", ErrDirective)
	}
	return d, nil
}

func (s *Schema) timeProducer(field string, kind any) (Producer, error) {
	switch kind {
	case TimeTimestamp:
		return func() any { return s.clock().Unix() }, nil
	case TimeDatetime:
		return func() any { return s.clock() }, nil
	case TimeDBDatetime:
		return func() any { return primitive.NewDateTimeFromTime(s.clock()) }, nil
	}
	return nil, fmt.Errorf("%w: invalid time type %v for %q", ErrDirective, kind, field)
}

func (s *Schema) parseCreated(v any) error {
	fields, err := timeFields(v)
	if err != nil {
		return err
	}
	for _, e := range fields {
		p, err := s.timeProducer(e.Key, e.Value)
		if err != nil {
			return err
		}
		s.defaults[e.Key] = p
	}
	return nil
}

func (s *Schema) parseUpdated(v any) error {
	fields, err := timeFields(v)
	if err != nil {
		return err
	}
	for _, e := range fields {
		p, err := s.timeProducer(e.Key, e.Value)
		if err != nil {
			return err
		}
		s.static[e.Key] = func(any) (any, error) { return p(), nil }
		s.updated = append(s.updated, e.Key)
	}
	return nil
}

func (s *Schema) parseFilter(v any) error {
	d, ok := helpers.ToDocument(v)
	if !ok {
		return fmt.Errorf("%w: expected {field: 0|1}", ErrDirective)
	}
	s.filter = d
	return nil
}

// IndexSpec is one index: field directions plus options ($-prefixed in the
// source, stored without the sigil).
type IndexSpec struct {
	Keys    bson.D
	Options bson.D
}

var indexOptions = map[string]bool{
	"name":               true,
	"unique":             true,
	"sparse":             true,
	"expireAfterSeconds": true,
}

func (s *Schema) parseIndexes(v any) error {
	items, ok := helpers.ToSlice(v)
	if !ok {
		return fmt.Errorf("%w: expected a list of indexes", ErrDirective)
	}
	for _, item := range items {
		if err := s.addIndex(item); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema) addIndex(v any) error {
	d, ok := helpers.ToDocument(v)
	if !ok {
		return fmt.Errorf("%w: expected an index document", ErrDirective)
	}
	var spec IndexSpec
	for _, e := range d {
		if opt, found := strings.CutPrefix(e.Key, "$"); found {
			if !indexOptions[opt] {
				return fmt.Errorf("%w: unknown index option %q", ErrDirective, e.Key)
			}
			spec.Options = append(spec.Options, bson.E{Key: opt, Value: e.Value})
			continue
		}
		spec.Keys = append(spec.Keys, e)
	}
	if len(spec.Keys) == 0 {
		return fmt.Errorf("%w: index without fields", ErrDirective)
	}
	s.indexes = append(s.indexes, spec)
	return nil
}

// Indexes returns the declared index specs.
func (s *Schema) Indexes() []IndexSpec { return s.indexes }

// IndexModels converts the index specs for mongo-driver.
func (s *Schema) IndexModels() []mongo.IndexModel {
	models := make([]mongo.IndexModel, 0, len(s.indexes))
	for _, spec := range s.indexes {
		models = append(models, spec.Model())
	}
	return models
}

func (spec IndexSpec) Model() mongo.IndexModel {
	opts := options.Index()
	for _, e := range spec.Options {
		switch e.Key {
		case "name":
			if name, ok := e.Value.(string); ok {
				opts.SetName(name)
			}
		case "unique":
			if b, ok := e.Value.(bool); ok {
				opts.SetUnique(b)
			}
		case "sparse":
			if b, ok := e.Value.(bool); ok {
				opts.SetSparse(b)
			}
		case "expireAfterSeconds":
			if n, ok := helpers.ToInt64(e.Value); ok {
				opts.SetExpireAfterSeconds(int32(n))
			}
		}
	}
	return mongo.IndexModel{Keys: spec.Keys, Options: opts}
}

// parseFk reads {collection: {localField: foreignField}}.
func (s *Schema) parseFk(v any) error {
	d, ok := helpers.ToDocument(v)
	if !ok {
		return fmt.Errorf("%w: expected {collection: {localField: foreignField}}", ErrDirective)
	}
	for _, coll := range d {
		fields, ok := helpers.ToDocument(coll.Value)
		if !ok {
			return fmt.Errorf("%w: fk fields for %q must be {localField: foreignField}", ErrDirective, coll.Key)
		}
		for _, f := range fields {
			foreign, _ := f.Value.(string)
			fk, err := constraint.NewRefFk(coll.Key, f.Key, foreign)
			if err != nil {
				return err
			}
			s.fk = append(s.fk, fk)
		}
	}
	return nil
}

// parseCascade reads {collection: field} or {collection: [fields]}.
func (s *Schema) parseCascade(directive string, v any) error {
	d, ok := helpers.ToDocument(v)
	if !ok {
		return fmt.Errorf("%w: expected {collection: [fields]}", ErrDirective)
	}
	for _, coll := range d {
		var fields []string
		if f, ok := coll.Value.(string); ok {
			fields = []string{f}
		} else if items, ok := helpers.ToSlice(coll.Value); ok {
			for _, item := range items {
				f, ok := item.(string)
				if !ok {
					return fmt.Errorf("%w: %s fields for %q must be strings", ErrDirective, directive, coll.Key)
				}
				fields = append(fields, f)
			}
		}

		if directive == DirectiveRefClear {
			c, err := constraint.NewRefClear(coll.Key, fields)
			if err != nil {
				return err
			}
			s.clear = append(s.clear, c)
			continue
		}
		c, err := constraint.NewRefDelete(coll.Key, fields)
		if err != nil {
			return err
		}
		s.del = append(s.del, c)
	}
	return nil
}
