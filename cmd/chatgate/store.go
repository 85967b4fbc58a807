package main

import (
	"context"
	"fmt"

	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/pairing"
)

func openPairingStore(ctx context.Context, cfg config.PairingConfig) (pairing.Store, error) {
	switch cfg.Backend {
	case "memory":
		return pairing.NewMemoryStore(), nil
	case "file", "":
		return pairing.OpenFileStore(cfg.Path)
	case "sqlite":
		return pairing.OpenSQLiteStore(cfg.Path)
	case "postgres":
		return pairing.OpenPostgresStore(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown pairing backend %q", cfg.Backend)
}

func newCoordinator(cfg config.Config, store pairing.Store) *pairing.Coordinator {
	return pairing.NewCoordinator(nil, store, pairing.Options{
		TTL:        config.Duration(cfg.Pairing.TTL),
		MaxPending: cfg.Pairing.MaxPending,
	})
}
