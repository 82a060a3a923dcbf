package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(i int) models.ConversationMessage {
	return models.ConversationMessage{
		Content:    fmt.Sprintf("m%d", i),
		AuthorName: "alice",
		Timestamp:  time.Unix(int64(1000+i), 0),
	}
}

func TestAppendEvictsOldestFirst(t *testing.T) {
	h := New(3)
	for i := 0; i < 5; i++ {
		h.Append(msg(i))
		assert.LessOrEqual(t, h.Len(), 3)
	}

	snap := h.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "m2", snap[0].Content)
	assert.Equal(t, "m4", snap[2].Content)
	assert.Equal(t, time.Unix(1004, 0), h.LastActivity())
}

func TestDefaultCap(t *testing.T) {
	h := New(0)
	assert.Equal(t, DefaultMaxSize, h.MaxSize())
	for i := 0; i < 120; i++ {
		h.Append(msg(i))
	}
	assert.Equal(t, DefaultMaxSize, h.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	h := New(5)
	h.Append(msg(1))
	snap := h.Snapshot()
	snap[0].Content = "changed"
	assert.Equal(t, "m1", h.Snapshot()[0].Content)
}

func TestConcurrentAppendKeepsCap(t *testing.T) {
	h := New(10)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Append(msg(i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, h.Len())
}

func TestClearKeepsLastActivity(t *testing.T) {
	h := New(5)
	assert.True(t, h.LastActivity().IsZero())
	h.Append(msg(1))
	h.Clear()
	assert.Equal(t, 0, h.Len())
	assert.False(t, h.LastActivity().IsZero())
}
