package usecases

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/docintel-client/internal/domain/entities"
	"github.com/0xcro3dile/docintel-client/internal/domain/ports"
)

// SettingsKey is the storage record holding user settings.
const SettingsKey = "docintel:settings"

// SettingsStore owns the client settings: config defaults overlaid with the
// persisted record. It is read by the backend client on every request.
type SettingsStore struct {
	defaults entities.Settings
	store    ports.Storage
	log      zerolog.Logger

	writeMu sync.Mutex // serializes Update and Reset so records persist in order

	mu      sync.RWMutex
	current entities.Settings

	observers observers
}

// NewSettingsStore creates a store seeded with defaults. A nil store keeps
// settings in memory only.
func NewSettingsStore(defaults entities.Settings, store ports.Storage, log zerolog.Logger) *SettingsStore {
	return &SettingsStore{
		defaults: defaults,
		store:    store,
		log:      log.With().Str("component", "settings").Logger(),
		current:  defaults,
	}
}

// Load overlays the persisted record on the defaults. Fields missing from the
// record keep their default; a corrupt record is ignored.
func (s *SettingsStore) Load(ctx context.Context) {
	if s.store == nil {
		return
	}
	data, ok := s.store.Get(ctx, SettingsKey)
	if !ok {
		return
	}

	merged := s.defaults
	if err := json.Unmarshal(data, &merged); err != nil {
		s.log.Warn().Err(err).Msg("ignoring corrupt settings record")
		return
	}

	s.mu.Lock()
	s.current = merged
	s.mu.Unlock()
	s.observers.notify()
}

// Settings returns the current settings.
func (s *SettingsStore) Settings() entities.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update applies fn and persists the whole record. It returns the new settings.
func (s *SettingsStore) Update(ctx context.Context, fn func(*entities.Settings)) entities.Settings {
	s.writeMu.Lock()

	s.mu.Lock()
	next := s.current
	fn(&next)
	s.current = next
	s.mu.Unlock()

	data, err := json.Marshal(next)
	if err != nil {
		s.log.Error().Err(err).Msg("encoding settings")
	} else if s.store != nil {
		s.store.Set(ctx, SettingsKey, data)
	}
	s.writeMu.Unlock()

	s.observers.notify()
	return next
}

// Reset restores the defaults and drops the persisted record.
func (s *SettingsStore) Reset(ctx context.Context) {
	s.writeMu.Lock()

	s.mu.Lock()
	s.current = s.defaults
	s.mu.Unlock()

	if s.store != nil {
		s.store.Delete(ctx, SettingsKey)
	}
	s.writeMu.Unlock()

	s.observers.notify()
}

// Subscribe registers fn to run after every change. The returned func unsubscribes.
func (s *SettingsStore) Subscribe(fn func()) func() {
	return s.observers.subscribe(fn)
}

var _ ports.SettingsSource = (*SettingsStore)(nil)
