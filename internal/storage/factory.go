package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a backend.
type Config struct {
	// Kind is the registered backend name, e.g. "postgres" or "sqlite".
	Kind string
	// DSN is passed to the backend driver unchanged.
	DSN string
}

// Factory opens a Store for cfg.
type Factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the Factory for kind. Backends call it
// from init.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// Kinds lists the registered backend names in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a Store using the Factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Store, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: no backend registered for kind %q (have %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}
