// Package backend builds the configured ledger store. Both binaries go
// through here so backend selection stays in one place.
package backend

import (
	"fmt"

	"splitledger/internal/config"
	"splitledger/internal/services"
	"splitledger/internal/storage"
	"splitledger/internal/storage/memory"
)

// New returns the ledger store selected by cfg.DataBackend. The caller owns
// the returned store and must Close it.
func New(cfg *config.Config) (services.LedgerStore, error) {
	switch cfg.DataBackend {
	case "sqlite":
		repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("initialize sqlite repository: %w", err)
		}
		return repo, nil
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported data backend: %s", cfg.DataBackend)
	}
}
