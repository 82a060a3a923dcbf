package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// MaxMessageLength bounds inbound chat messages, in bytes
const MaxMessageLength = 4096

// RateLimiter limits inbound messages per author
type RateLimiter interface {
	Allow(author string) bool
	Reset(author string)
	Stop()
}

type authorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AuthorRateLimiter implements per-author rate limiting
type AuthorRateLimiter struct {
	enabled         bool
	limiters        map[string]*authorLimiter
	mu              sync.Mutex
	rpm             int
	burst           int
	logger          *logrus.Logger
	metrics         *Metrics
	cleanupInterval time.Duration
	idleTTL         time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, metrics *Metrics, logger *logrus.Logger) RateLimiter {
	if !cfg.Enabled {
		return &AuthorRateLimiter{enabled: false}
	}

	rl := &AuthorRateLimiter{
		enabled:         true,
		limiters:        make(map[string]*authorLimiter),
		rpm:             cfg.RequestsPerMinute,
		burst:           cfg.Burst,
		logger:          logger,
		metrics:         metrics,
		cleanupInterval: 10 * time.Minute,
		idleTTL:         time.Hour,
		stop:            make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if an author may post another message
func (r *AuthorRateLimiter) Allow(author string) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(author).Allow()
	if !allowed {
		r.logger.WithFields(logrus.Fields{
			"author": author,
		}).Warn("Rate limit exceeded")
		if r.metrics != nil {
			r.metrics.RecordRateLimitExceeded()
		}
	}

	return allowed
}

// Reset resets the rate limiter for an author
func (r *AuthorRateLimiter) Reset(author string) {
	if !r.enabled {
		return
	}

	r.mu.Lock()
	delete(r.limiters, author)
	r.mu.Unlock()
}

// Stop ends the cleanup goroutine
func (r *AuthorRateLimiter) Stop() {
	if !r.enabled {
		return
	}
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *AuthorRateLimiter) getLimiter(author string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, exists := r.limiters[author]; exists {
		l.lastSeen = time.Now()
		return l.limiter
	}

	// Rate per second = RPM / 60
	rps := float64(r.rpm) / 60.0
	l := &authorLimiter{limiter: rate.NewLimiter(rate.Limit(rps), r.burst), lastSeen: time.Now()}
	r.limiters[author] = l

	return l.limiter
}

// cleanup removes limiters of authors that went quiet
func (r *AuthorRateLimiter) cleanup() {
	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.mu.Lock()
			for author, l := range r.limiters {
				if now.Sub(l.lastSeen) > r.idleTTL {
					delete(r.limiters, author)
				}
			}
			r.mu.Unlock()
		}
	}
}

// SecurityMiddleware provides security checks
type SecurityMiddleware struct {
	logger *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(logger *logrus.Logger) *SecurityMiddleware {
	return &SecurityMiddleware{
		logger: logger,
	}
}

// ValidateInput performs input validation
func (s *SecurityMiddleware) ValidateInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is empty")
	}
	if len(text) > MaxMessageLength {
		return fmt.Errorf("message too long: %d bytes", len(text))
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}

// SanitizeOutput removes control characters from model output
func (s *SecurityMiddleware) SanitizeOutput(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
}
