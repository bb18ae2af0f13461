package rules

import (
	"fmt"
	"strings"
	"sync"

	"schemadb/src/settings"
)

// Registry resolves (type tag, rule name) pairs to rule factories. An override
// table of bindings is consulted before the conventional registrations.
type Registry struct {
	mu       sync.RWMutex
	rules    map[string]map[string]Factory
	impls    map[string]Factory
	bindings map[string]map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rules:    map[string]map[string]Factory{},
		impls:    map[string]Factory{},
		bindings: map[string]map[string]string{},
	}
}

// NewDefaultRegistry returns a registry with every built-in rule and the given
// override table.
func NewDefaultRegistry(bindings map[string]map[string]string) *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	for tag, names := range bindings {
		for name, ref := range names {
			r.Bind(tag, name, ref)
		}
	}
	return r
}

var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the process-wide registry, built once from the built-ins and
// the validator.rule settings.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewDefaultRegistry(settings.GetSettings().RuleBindings)
	})
	return defaultRegistry
}

// Register adds the conventional implementation of tag.name. It is also
// available to bindings under the reference "tag.name".
func (r *Registry) Register(tag, name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rules[tag] == nil {
		r.rules[tag] = map[string]Factory{}
	}
	r.rules[tag][name] = f
	r.impls[tag+"."+name] = f
}

// Provide registers an implementation under a reference usable from Bind.
func (r *Registry) Provide(ref string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[ref] = f
}

// Bind points tag.name at the implementation registered under ref. Rule names
// are matched case-insensitively, config loaders lowercase keys.
func (r *Registry) Bind(tag, name, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindings[tag] == nil {
		r.bindings[tag] = map[string]string{}
	}
	r.bindings[tag][strings.ToLower(name)] = ref
}

func (r *Registry) Lookup(tag, name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ref, ok := r.bindings[tag][strings.ToLower(name)]; ok {
		f, ok := r.impls[ref]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s is bound to unregistered %q", ErrUnknownRule, tag, name, ref)
		}
		return f, nil
	}

	f, ok := r.rules[tag][name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownRule, tag, name)
	}
	return f, nil
}

// Build looks up tag.name and instantiates it with params.
func (r *Registry) Build(tag, name string, params ...any) (Rule, error) {
	f, err := r.Lookup(tag, name)
	if err != nil {
		return nil, err
	}
	return f(params...)
}
