package storage

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// Storage drivers.
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverFile   = "file"
	DriverMemory = "memory"
)

// Config selects and configures a backend store.
type Config struct {
	Driver string
	Dir    string
	Redis  RedisOptions
}

// Open opens the configured store. When the primary store cannot be opened
// it falls back to flat files in Dir.
func Open(cfg Config, log zerolog.Logger) (ports.KVStore, error) {
	log = log.With().Str("component", "storage").Logger()
	if cfg.Dir == "" {
		cfg.Dir = "./data"
	}

	var (
		store ports.KVStore
		err   error
	)
	switch cfg.Driver {
	case "", DriverBolt:
		store, err = NewBoltStore(filepath.Join(cfg.Dir, "docintel.bolt"))
	case DriverSQLite:
		store, err = NewSQLiteStore(filepath.Join(cfg.Dir, "docintel.db"))
	case DriverRedis:
		store, err = NewRedisStore(cfg.Redis)
	case DriverFile:
		return NewFileStore(cfg.Dir)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err == nil {
		log.Debug().Str("driver", cfg.Driver).Msg("storage opened")
		return store, nil
	}

	log.Warn().Err(err).Str("driver", cfg.Driver).Msg("storage unavailable, falling back to files")
	fallback, ferr := NewFileStore(cfg.Dir)
	if ferr != nil {
		return nil, fmt.Errorf("opening fallback store: %w (primary: %v)", ferr, err)
	}
	return fallback, nil
}
