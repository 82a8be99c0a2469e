package mailstore

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/infodancer/mailstore/errors"
)

// BackendFactory creates a Backend from configuration.
type BackendFactory func(config StoreConfig) (Backend, error)

// StoreConfig contains settings for opening a backend.
type StoreConfig struct {
	// Type is the backend type name (e.g., "maildir", "memory").
	Type string

	// BasePath is the root directory for file-based backends.
	BasePath string

	// Options contains implementation-specific settings.
	Options map[string]string

	// Logger receives backend logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// Option returns the named option, or def if it is unset.
func (c StoreConfig) Option(name, def string) string {
	if v, ok := c.Options[name]; ok && v != "" {
		return v
	}
	return def
}

// BoolOption parses the named option as a boolean.
func (c StoreConfig) BoolOption(name string, def bool) (bool, error) {
	v, ok := c.Options[name]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, errors.ErrStoreConfigInvalid
	}
	return b, nil
}

// IntOption parses the named option as an integer.
func (c StoreConfig) IntOption(name string, def int) (int, error) {
	v, ok := c.Options[name]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, errors.ErrStoreConfigInvalid
	}
	return n, nil
}

// Log returns the configured logger.
func (c StoreConfig) Log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]BackendFactory)
)

// Register adds a backend factory to the registry.
// It panics if called with an empty name or nil factory,
// or if the name is already registered.
func Register(name string, factory BackendFactory) {
	if name == "" {
		panic("mailstore: Register called with empty name")
	}
	if factory == nil {
		panic("mailstore: Register called with nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic("mailstore: Register called twice for " + name)
	}
	registry[name] = factory
}

// Open creates a Backend using the registered factory for the config type.
func Open(config StoreConfig) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[config.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.ErrStoreNotRegistered
	}
	return factory(config)
}

// RegisteredTypes returns a sorted list of registered backend type names.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
