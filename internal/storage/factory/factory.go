// Package factory provides functions for creating storage backends based on configuration.
package factory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/storage/jsonfile"
	"github.com/circlerelay/proxybot/internal/storage/memory"
	"github.com/circlerelay/proxybot/internal/storage/sqlite"
)

// Backend names accepted by New.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// BackendFactory is a function that creates a storage backend rooted at dir.
type BackendFactory func(ctx context.Context, dir string) (storage.Store, error)

// backendRegistry holds registered backend factories
var backendRegistry = map[string]BackendFactory{
	BackendJSON: func(_ context.Context, dir string) (storage.Store, error) {
		return jsonfile.New(dir)
	},
	BackendSQLite: func(ctx context.Context, dir string) (storage.Store, error) {
		return sqlite.New(ctx, filepath.Join(dir, sqlite.FileName))
	},
	BackendMemory: func(context.Context, string) (storage.Store, error) {
		return memory.New(), nil
	},
}

// RegisterBackend registers a storage backend factory
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a storage backend based on the backend type.
// An empty backend selects the JSON file store.
func New(ctx context.Context, backend, dir string) (storage.Store, error) {
	if backend == "" {
		backend = BackendJSON
	}
	if factory, ok := backendRegistry[backend]; ok {
		return factory(ctx, dir)
	}
	return nil, fmt.Errorf("unknown storage backend: %s (supported: %s)", backend, strings.Join(Backends(), ", "))
}
