package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/storage"
	"github.com/sirupsen/logrus"
)

// Manager holds the live global generation settings and persists updates
type Manager struct {
	store     storage.Store
	logger    *logrus.Logger
	mu        sync.RWMutex
	current   models.GenerationSettings
	listeners []func(models.GenerationSettings)
}

// NewManager creates a manager seeded with defaults until Load is called
func NewManager(store storage.Store, defaults models.GenerationSettings, logger *logrus.Logger) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		current: defaults,
	}
}

// Load merges the stored document over the defaults. A stored document that
// fails validation is ignored and the defaults stay in effect.
func (m *Manager) Load(ctx context.Context) error {
	stored, err := m.store.Load(ctx, m.Current())
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if stored == nil {
		m.logger.Info("No stored settings, using defaults")
		return nil
	}
	if err := stored.Validate(); err != nil {
		m.logger.WithError(err).Warn("Stored settings are invalid, using defaults")
		return nil
	}

	m.mu.Lock()
	m.current = *stored
	m.mu.Unlock()
	m.logger.WithField("temperature", stored.Temperature).Info("Settings loaded")
	return nil
}

// Current returns a copy of the live settings
func (m *Manager) Current() models.GenerationSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update merges patch over the live settings, validates the result, saves it
// and notifies listeners. Omitted fields keep their prior values.
func (m *Manager) Update(ctx context.Context, patch models.SettingsPatch) (models.GenerationSettings, error) {
	m.mu.Lock()
	next := patch.Apply(m.current)
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return m.Current(), err
	}
	if err := m.store.Save(ctx, &next); err != nil {
		m.mu.Unlock()
		return m.Current(), fmt.Errorf("failed to save settings: %w", err)
	}
	m.current = next
	listeners := append([]func(models.GenerationSettings){}, m.listeners...)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"temperature": next.Temperature,
		"top_p":       next.TopP,
		"top_k":       next.TopK,
	}).Info("Settings updated")

	for _, listener := range listeners {
		go listener(next)
	}
	return next, nil
}

// RegisterChangeListener registers a callback run after each successful update
func (m *Manager) RegisterChangeListener(listener func(models.GenerationSettings)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}
