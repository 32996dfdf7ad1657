package main

import (
	"context"
	"fmt"

	"github.com/circlerelay/proxybot/internal/directory"
	"github.com/circlerelay/proxybot/internal/storage"
	"github.com/circlerelay/proxybot/internal/storage/factory"
	"github.com/circlerelay/proxybot/internal/telemetry"
	"github.com/circlerelay/proxybot/internal/ui"
)

// openStore opens the configured backend, instrumented when telemetry is on.
func openStore(ctx context.Context) (storage.Store, error) {
	store, err := factory.New(ctx, cfg.Storage.Backend, cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("open %s store in %s: %w", cfg.Storage.Backend, cfg.Storage.Dir, err)
	}
	if telemetry.Enabled() {
		store = telemetry.WrapStore(store)
	}
	return store, nil
}

// openDirectory opens the store and loads the directories from it. The
// caller closes the returned store.
func openDirectory(ctx context.Context) (*directory.Directory, storage.Store, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	dir, err := directory.Open(ctx, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return dir, store, nil
}

func disableColor() {
	ui.DisableColor()
}
