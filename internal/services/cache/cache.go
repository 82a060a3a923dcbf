package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/cf-ai-groupchat-go/internal/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Memo is a short-lived string memo for derived values such as composed prompts
type Memo struct {
	cache   *cache.Cache
	logger  *logrus.Logger
	metrics *middleware.Metrics
}

// NewMemo creates a memo whose entries expire after ttl
func NewMemo(ttl time.Duration, metrics *middleware.Metrics, logger *logrus.Logger) *Memo {
	return &Memo{
		cache:   cache.New(ttl, ttl*2),
		logger:  logger,
		metrics: metrics,
	}
}

// GetOrCompute returns the memoized value for key, computing and storing it on a miss
func (m *Memo) GetOrCompute(key string, compute func() string) string {
	if val, found := m.cache.Get(key); found {
		m.metrics.RecordCacheHit()
		return val.(string)
	}

	m.metrics.RecordCacheMiss()
	v := compute()
	m.cache.SetDefault(key, v)
	if m.logger != nil {
		m.logger.WithField("key", key[:min(len(key), 12)]).Debug("Memo entry stored")
	}
	return v
}

// Len reports the number of live entries
func (m *Memo) Len() int {
	return m.cache.ItemCount()
}

// Clear removes all memoized entries
func (m *Memo) Clear() {
	m.cache.Flush()
}

// Key builds a unique memo key from its parts
func Key(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(hash[:])
}
