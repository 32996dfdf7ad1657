package factory

import (
	"context"
	"strings"
	"testing"

	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/storage/jsonfile"
	"github.com/circlerelay/proxybot/internal/storage/sqlite"
)

func TestNew_JSONBackend(t *testing.T) {
	store, err := New(context.Background(), BackendJSON, t.TempDir())
	if err != nil {
		t.Fatalf("New(json) failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.(*jsonfile.Store); !ok {
		t.Fatalf("New(json) returned %T", store)
	}
}

func TestNew_EmptyBackendDefaultsToJSON(t *testing.T) {
	store, err := New(context.Background(), "", t.TempDir())
	if err != nil {
		t.Fatalf("New('') failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.(*jsonfile.Store); !ok {
		t.Fatalf("New('') returned %T, want *jsonfile.Store", store)
	}
	if storage.IsAtomic(store) {
		t.Error("json backend must not claim atomic multi-collection persists")
	}
}

func TestNew_SQLiteBackend(t *testing.T) {
	store, err := New(context.Background(), BackendSQLite, t.TempDir())
	if err != nil {
		t.Fatalf("New(sqlite) failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.(*sqlite.Store); !ok {
		t.Fatalf("New(sqlite) returned %T", store)
	}
	if !storage.IsAtomic(store) {
		t.Error("sqlite backend should be atomic")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), "dolt", t.TempDir())
	if err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if !strings.Contains(err.Error(), "json") {
		t.Errorf("error should list supported backends: %v", err)
	}
}
