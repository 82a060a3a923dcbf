package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/cf-ai-groupchat-go/internal/middleware"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Store persists the global generation settings document
type Store interface {
	// Load decodes the stored document over base, so fields the document
	// omits keep their base value. It returns nil when nothing was saved yet.
	Load(ctx context.Context, base models.GenerationSettings) (*models.GenerationSettings, error)
	Save(ctx context.Context, settings *models.GenerationSettings) error
	Close() error
}

// NewStore opens the backend selected by cfg.Type
func NewStore(cfg *config.StorageConfig, metrics *middleware.Metrics, logger *logrus.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Type {
	case "file", "":
		store = NewFileStore(cfg.File.Path)
	case "memory":
		store = NewMemoryStore()
	case "redis":
		store, err = NewRedisStore(&cfg.Redis, logger)
	case "badger":
		store, err = NewBadgerStore(&cfg.Badger, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	logger.WithField("type", cfg.Type).Info("Settings storage ready")
	return &instrumented{Store: store, metrics: metrics}, nil
}

// instrumented records latency and outcome of every store call
type instrumented struct {
	Store
	metrics *middleware.Metrics
}

func (s *instrumented) Load(ctx context.Context, base models.GenerationSettings) (*models.GenerationSettings, error) {
	start := time.Now()
	settings, err := s.Store.Load(ctx, base)
	s.metrics.RecordStorageOperation("load", status(err), time.Since(start))
	return settings, err
}

func (s *instrumented) Save(ctx context.Context, settings *models.GenerationSettings) error {
	start := time.Now()
	err := s.Store.Save(ctx, settings)
	s.metrics.RecordStorageOperation("save", status(err), time.Since(start))
	return err
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
