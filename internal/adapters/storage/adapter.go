package storage

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// Adapter turns a KVStore into the never-failing ports.Storage contract:
// a failed read is an absent value and a failed write is a lost write.
type Adapter struct {
	store ports.KVStore
	log   zerolog.Logger
}

// NewAdapter wraps store.
func NewAdapter(store ports.KVStore, log zerolog.Logger) *Adapter {
	return &Adapter{
		store: store,
		log:   log.With().Str("component", "storage").Logger(),
	}
}

// Get returns the value and whether it is present.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool) {
	v, err := a.store.Get(ctx, key)
	if err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("storage read failed")
		return nil, false
	}
	return v, v != nil
}

// Set reports whether the write succeeded.
func (a *Adapter) Set(ctx context.Context, key string, value []byte) bool {
	if err := a.store.Set(ctx, key, value); err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("storage write lost")
		return false
	}
	return true
}

// Delete reports whether the delete succeeded.
func (a *Adapter) Delete(ctx context.Context, key string) bool {
	if err := a.store.Delete(ctx, key); err != nil {
		a.log.Warn().Err(err).Str("key", key).Msg("storage delete failed")
		return false
	}
	return true
}

var _ ports.Storage = (*Adapter)(nil)
