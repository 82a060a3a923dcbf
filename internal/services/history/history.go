package history

import (
	"sync"
	"time"

	"github.com/cf-ai-groupchat-go/internal/models"
)

// DefaultMaxSize is the default number of messages kept
const DefaultMaxSize = 50

// History is the bounded, append-only conversation transcript of a room.
// The oldest message is evicted first once the cap is reached.
type History struct {
	mu           sync.RWMutex
	maxSize      int
	messages     []models.ConversationMessage
	lastActivity time.Time
}

// New creates a history holding at most maxSize messages
func New(maxSize int) *History {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &History{maxSize: maxSize}
}

// Append adds msg and evicts from the front to keep the cap
func (h *History) Append(msg models.ConversationMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msg)
	if over := len(h.messages) - h.maxSize; over > 0 {
		// copy so the evicted prefix can be collected
		h.messages = append([]models.ConversationMessage(nil), h.messages[over:]...)
	}
	if msg.Timestamp.After(h.lastActivity) {
		h.lastActivity = msg.Timestamp
	}
}

// Snapshot returns a chronological copy of the transcript
func (h *History) Snapshot() []models.ConversationMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.ConversationMessage(nil), h.messages...)
}

// Len returns the number of stored messages
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// MaxSize returns the cap
func (h *History) MaxSize() int {
	return h.maxSize
}

// LastActivity returns the timestamp of the newest message, zero when empty
func (h *History) LastActivity() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastActivity
}

// Clear drops every message
func (h *History) Clear() {
	h.mu.Lock()
	h.messages = nil
	h.mu.Unlock()
}
