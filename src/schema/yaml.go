package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"gopkg.in/yaml.v3"
)

// DecodeYAML reads a YAML mapping into an ordered bson.D.
func DecodeYAML(data []byte) (bson.D, error) {
	v, err := decodeYAMLValue(data)
	if err != nil {
		return nil, err
	}
	d, ok := v.(bson.D)
	if !ok {
		return nil, fmt.Errorf("%w: schema source must be a mapping", ErrInvalidRule)
	}
	return d, nil
}

func decodeYAMLValue(data []byte) (any, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("error decoding YAML: %w", err)
	}
	return fromNode(&root)
}

// fromNode keeps mapping order, which yaml.Unmarshal into a map would lose.
func fromNode(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return fromNode(n.Content[0])
	case yaml.MappingNode:
		d := make(bson.D, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			var key string
			if err := n.Content[i].Decode(&key); err != nil {
				return nil, fmt.Errorf("line %d: %w", n.Content[i].Line, err)
			}
			v, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			d = append(d, bson.E{Key: key, Value: v})
		}
		return d, nil
	case yaml.SequenceNode:
		a := make(bson.A, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := fromNode(c)
			if err != nil {
				return nil, err
			}
			a = append(a, v)
		}
		return a, nil
	case yaml.AliasNode:
		return fromNode(n.Alias)
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node", n.Line)
}

// Parse builds a schema from YAML source.
func Parse(data []byte, opts ...Option) (*Schema, error) {
	source, err := DecodeYAML(data)
	if err != nil {
		return nil, err
	}
	return New(source, opts...)
}

// LoadFile builds a schema from a YAML file. The schema is named after the file
// unless an option says otherwise.
func LoadFile(path string, opts ...Option) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading schema file %s: %w", path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(data, append([]Option{WithName(name)}, opts...)...)
}

func cloneValue(v any) any {
	switch c := v.(type) {
	case bson.D:
		out := make(bson.D, len(c))
		for i, e := range c {
			out[i] = bson.E{Key: e.Key, Value: cloneValue(e.Value)}
		}
		return out
	case bson.A:
		out := make(bson.A, len(c))
		for i, e := range c {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
