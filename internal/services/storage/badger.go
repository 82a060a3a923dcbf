package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerStore keeps the settings in an embedded badger database
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(cfg *config.BadgerConfig, logger *logrus.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(logger)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(logger)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger failed: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Load(_ context.Context, base models.GenerationSettings) (*models.GenerationSettings, error) {
	var settings *models.GenerationSettings
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(settingsKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			merged := base
			settings = &merged
			return json.Unmarshal(val, settings)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badger load failed: %w", err)
	}
	return settings, nil
}

func (b *BadgerStore) Save(_ context.Context, settings *models.GenerationSettings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(settingsKey), data)
	})
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
