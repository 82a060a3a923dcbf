package storage

import (
	"context"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/patrickmn/go-cache"
)

const settingsKey = "generation_settings"

// MemoryStore keeps the settings for the life of the process
type MemoryStore struct {
	settings *cache.Cache
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: cache.New(cache.NoExpiration, cache.NoExpiration)}
}

// Load ignores base; the memory store always holds a complete document
func (m *MemoryStore) Load(_ context.Context, _ models.GenerationSettings) (*models.GenerationSettings, error) {
	if val, found := m.settings.Get(settingsKey); found {
		s := val.(models.GenerationSettings)
		return &s, nil
	}
	return nil, nil
}

func (m *MemoryStore) Save(_ context.Context, settings *models.GenerationSettings) error {
	m.settings.Set(settingsKey, *settings, cache.NoExpiration)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
