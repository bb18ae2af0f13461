package schema

import (
	"sync"
)

// Cache holds one schema per model name. Each entry is built exactly once;
// concurrent callers for the same name wait for the first build.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	once   sync.Once
	schema *Schema
	err    error
}

func NewCache() *Cache {
	return &Cache{entries: map[string]*cacheEntry{}}
}

var (
	models     *Cache
	modelsOnce sync.Once
)

// Models returns the process-wide model schema cache.
func Models() *Cache {
	modelsOnce.Do(func() {
		models = NewCache()
	})
	return models
}

// Get returns the schema for name, calling build on first use. A failed build
// is cached as well; schema errors are authoring bugs.
func (c *Cache) Get(name string, build func() (*Schema, error)) (*Schema, error) {
	c.mu.Lock()
	entry, ok := c.entries[name]
	if !ok {
		entry = &cacheEntry{}
		c.entries[name] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.schema, entry.err = build()
		if entry.err == nil && entry.schema.Name() == "" {
			entry.schema.SetName(name)
		}
	})
	return entry.schema, entry.err
}

// Load returns the schema for name, reading it from file on first use.
func (c *Cache) Load(name, file string, opts ...Option) (*Schema, error) {
	return c.Get(name, func() (*Schema, error) {
		return LoadFile(file, append(append([]Option{}, opts...), WithName(name))...)
	})
}

// Forget drops name so the next Get rebuilds it.
func (c *Cache) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
}
