package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"schemadb/src/settings"
)

const DefaultImportCacheSize = 128

// Importer resolves $import fragment names to rule entries.
type Importer interface {
	Import(name string) (any, error)
}

// ImporterFunc adapts a function to Importer.
type ImporterFunc func(name string) (any, error)

func (f ImporterFunc) Import(name string) (any, error) { return f(name) }

// FileImporter loads fragments from <dir>/<name>.yaml (or .yml) and keeps the
// parsed result in an LRU cache.
type FileImporter struct {
	dir   string
	cache *lru.Cache[string, any]
}

func NewFileImporter(dir string, size int) (*FileImporter, error) {
	if size <= 0 {
		size = DefaultImportCacheSize
	}
	cache, err := lru.New[string, any](size)
	if err != nil {
		return nil, fmt.Errorf("error creating import cache: %w", err)
	}
	return &FileImporter{dir: dir, cache: cache}, nil
}

func (f *FileImporter) Import(name string) (any, error) {
	name = strings.TrimLeft(name, "/")
	if v, ok := f.cache.Get(name); ok {
		return cloneValue(v), nil
	}

	for _, ext := range []string{".yaml", ".yml"} {
		data, err := os.ReadFile(filepath.Join(f.dir, name+ext))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error reading fragment %q: %w", name, err)
		}
		v, err := decodeYAMLValue(data)
		if err != nil {
			return nil, fmt.Errorf("fragment %q: %w", name, err)
		}
		f.cache.Add(name, v)
		return cloneValue(v), nil
	}
	return nil, fmt.Errorf("%w: %q in %s", ErrImportNotFound, name, f.dir)
}

var (
	defaultImporter     *FileImporter
	defaultImporterErr  error
	defaultImporterOnce sync.Once
)

// DefaultImporter reads fragments from the schema.dir setting.
func DefaultImporter() (*FileImporter, error) {
	defaultImporterOnce.Do(func() {
		defaultImporter, defaultImporterErr = NewFileImporter(settings.GetSettings().SchemaDir, DefaultImportCacheSize)
	})
	return defaultImporter, defaultImporterErr
}
