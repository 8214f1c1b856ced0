package store

import (
	"fmt"

	"github.com/gridwatt/dukeusage/internal/auth"
	"github.com/gridwatt/dukeusage/internal/config"
	"go.uber.org/fx"
)

// New builds the token store selected by the storage config. The "none"
// backend returns a nil store, leaving the session in-memory only.
func New(cfg *config.StorageConfig) (auth.Store, error) {
	switch cfg.Backend {
	case config.StorageBackendFile:
		return NewFileStore(cfg.Path), nil
	case config.StorageBackendKeyring:
		return NewKeyringStore(cfg.Service, cfg.Account), nil
	case config.StorageBackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// Module provides the store module dependencies
var Module = fx.Module("store",
	fx.Provide(New),
)
