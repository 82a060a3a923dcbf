package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/storage"
	"github.com/cf-ai-groupchat-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaults = models.GenerationSettings{Temperature: 0.8, TopP: 0.9, TopK: -1, RepetitionPenalty: 1}

func ptr[T any](v T) *T { return &v }

func TestUpdateMergesAndPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	m := NewManager(storage.NewFileStore(path), defaults, logger.Discard())
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, defaults, m.Current())

	got, err := m.Update(ctx, models.SettingsPatch{Temperature: ptr(1.5), SystemPrompt: ptr("Be kind.")})
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.Temperature)
	assert.Equal(t, 0.9, got.TopP, "omitted fields keep prior values")

	got, err = m.Update(ctx, models.SettingsPatch{TopK: ptr(20)})
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.Temperature)
	assert.Equal(t, 20, got.TopK)

	reloaded := NewManager(storage.NewFileStore(path), defaults, logger.Discard())
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, m.Current(), reloaded.Current())
}

func TestUpdateRejectsOutOfRange(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := NewManager(store, defaults, logger.Discard())

	for _, patch := range []models.SettingsPatch{
		{Temperature: ptr(2.5)},
		{TopP: ptr(0.0)},
		{TopK: ptr(0)},
		{FrequencyPenalty: ptr(-3.0)},
		{RepetitionPenalty: ptr(0.05)},
		{MinP: ptr(1.5)},
	} {
		_, err := m.Update(ctx, patch)
		var ve *models.ValidationError
		assert.ErrorAs(t, err, &ve)
	}
	assert.Equal(t, defaults, m.Current())

	stored, err := store.Load(ctx, defaults)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

type failingStore struct{ storage.MemoryStore }

func (failingStore) Save(context.Context, *models.GenerationSettings) error {
	return errors.New("disk full")
}

func TestUpdateKeepsStateWhenSaveFails(t *testing.T) {
	m := NewManager(&failingStore{}, defaults, logger.Discard())
	_, err := m.Update(context.Background(), models.SettingsPatch{Temperature: ptr(1.0)})
	assert.Error(t, err)
	assert.Equal(t, 0.8, m.Current().Temperature)
}

func TestLoadIgnoresInvalidDocument(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bad := defaults
	bad.Temperature = 9
	require.NoError(t, store.Save(ctx, &bad))

	m := NewManager(store, defaults, logger.Discard())
	require.NoError(t, m.Load(ctx))
	assert.Equal(t, defaults, m.Current())
}

func TestLoadMergesPartialDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("temperature: 1.2\nsystem_prompt: Stay short.\n"), 0o644))

	m := NewManager(storage.NewFileStore(path), defaults, logger.Discard())
	require.NoError(t, m.Load(ctx))

	want := defaults
	want.Temperature = 1.2
	want.SystemPrompt = "Stay short."
	assert.Equal(t, want, m.Current())
}

func TestChangeListeners(t *testing.T) {
	m := NewManager(storage.NewMemoryStore(), defaults, logger.Discard())
	got := make(chan models.GenerationSettings, 1)
	m.RegisterChangeListener(func(s models.GenerationSettings) { got <- s })

	_, err := m.Update(context.Background(), models.SettingsPatch{MinP: ptr(0.1)})
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, 0.1, s.MinP)
	case <-time.After(time.Second):
		t.Fatal("listener not notified")
	}
}
