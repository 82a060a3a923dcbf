package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cf-ai-groupchat-go/internal/middleware"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/provider"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Concurrency limits accepted by SetMaxConcurrent
const (
	MinConcurrent = 1
	MaxConcurrent = 20
)

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.New("request queue closed")

// Options configure a Queue
type Options struct {
	MaxConcurrent     int
	MaxQueueSize      int
	RateLimitDelay    time.Duration
	MaxRateLimitDelay time.Duration
	BackoffFactor     float64
	RetryDelays       []time.Duration

	// Sleep waits between retries; tests replace it
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns the stock queue tuning
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:     3,
		MaxQueueSize:      50,
		RateLimitDelay:    time.Second,
		MaxRateLimitDelay: 10 * time.Second,
		BackoffFactor:     1.5,
		RetryDelays:       []time.Duration{time.Second, 3 * time.Second, 10 * time.Second},
	}
}

type item struct {
	req    *models.GenerationRequest
	future *Future
}

// Queue dispatches generation requests to the provider in priority order,
// bounded by a concurrency cap and a queue-wide rate-limit delay.
type Queue struct {
	provider provider.Provider
	opts     Options
	logger   *logrus.Logger
	metrics  *middleware.Metrics

	mu            sync.Mutex
	pending       []*item
	active        map[string]*item
	maxConcurrent int
	delay         time.Duration
	lastDispatch  time.Time
	timer         *time.Timer
	paused        bool
	closed        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a queue in front of p
func New(p provider.Provider, opts Options, metrics *middleware.Metrics, logger *logrus.Logger) *Queue {
	def := DefaultOptions()
	if opts.MaxConcurrent < MinConcurrent {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = def.MaxQueueSize
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = def.BackoffFactor
	}
	if opts.MaxRateLimitDelay < opts.RateLimitDelay {
		opts.MaxRateLimitDelay = opts.RateLimitDelay
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		provider:      p,
		opts:          opts,
		logger:        logger,
		metrics:       metrics,
		active:        make(map[string]*item),
		maxConcurrent: opts.MaxConcurrent,
		delay:         opts.RateLimitDelay,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Enqueue admits req at priority (higher runs sooner). It fails fast with
// models.ErrQueueFull, models.ErrDuplicateRequest or a *models.ValidationError.
func (q *Queue) Enqueue(req *models.GenerationRequest, priority int) (*Future, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.pending) >= q.opts.MaxQueueSize {
		q.metrics.RecordQueueRejection("full")
		return nil, fmt.Errorf("%w (%d queued)", models.ErrQueueFull, len(q.pending))
	}
	if req.Fingerprint != "" {
		for _, it := range q.pending {
			if it.req.Fingerprint == req.Fingerprint {
				q.metrics.RecordQueueRejection("duplicate")
				return nil, fmt.Errorf("%w: bot %s", models.ErrDuplicateRequest, req.BotID)
			}
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Priority = priority
	req.Status = models.StatusPending
	req.RetryCount = 0
	req.CreatedAt = time.Now()

	it := &item{req: req, future: newFuture(req.ID)}

	// before the first item of strictly lower priority
	idx := len(q.pending)
	for i, p := range q.pending {
		if p.req.Priority < priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = it

	q.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"bot_id":     req.BotID,
		"priority":   priority,
		"position":   idx,
		"queued":     len(q.pending),
	}).Debug("Request enqueued")

	q.pumpLocked()
	return it.future, nil
}

func validate(req *models.GenerationRequest) error {
	if req == nil {
		return &models.ValidationError{Field: "request", Reason: "is nil"}
	}
	if len(req.Messages) == 0 {
		return &models.ValidationError{Field: "messages", Value: 0, Reason: "at least one message is required"}
	}
	return req.Params.Validate()
}

// pumpLocked dispatches while slots are free and the rate-limit delay has
// passed since the previous dispatch; otherwise it arms a timer for the
// remaining delay. Callers hold q.mu.
func (q *Queue) pumpLocked() {
	defer q.publishStateLocked()

	if q.paused || q.closed {
		return
	}
	for len(q.active) < q.maxConcurrent && len(q.pending) > 0 {
		if !q.lastDispatch.IsZero() {
			if wait := time.Until(q.lastDispatch.Add(q.delay)); wait > 0 {
				q.armLocked(wait)
				return
			}
		}

		it := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		it.req.Status = models.StatusProcessing
		q.active[it.req.ID] = it
		q.lastDispatch = time.Now()

		q.wg.Add(1)
		go q.run(it)
	}
}

func (q *Queue) armLocked(wait time.Duration) {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(wait, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.timer = nil
		q.pumpLocked()
	})
}

func (q *Queue) publishStateLocked() {
	q.metrics.SetQueueState(len(q.pending), len(q.active), q.delay)
}

func (q *Queue) run(it *item) {
	defer q.wg.Done()

	res := q.execute(it.req)

	q.mu.Lock()
	delete(q.active, it.req.ID)
	q.pumpLocked()
	q.mu.Unlock()

	it.future.resolve(res, nil)
}

// execute calls the provider, retrying transient failures on the fixed
// schedule while holding the slot. It always returns a result; exhausted
// or fatal requests resolve with the fallback text.
func (q *Queue) execute(req *models.GenerationRequest) models.GenerationResult {
	log := q.logger.WithFields(logrus.Fields{
		"request_id": req.ID,
		"bot_id":     req.BotID,
		"model":      req.Model,
	})
	preq := &provider.Request{Model: req.Model, Messages: req.Messages, Params: req.Params}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		text, err := q.provider.Complete(q.ctx, preq)
		if err == nil {
			q.metrics.RecordGeneration(req.Model, "success", time.Since(start))
			q.onSuccess()
			q.setStatus(req, models.StatusCompleted)
			return models.GenerationResult{RequestID: req.ID, BotID: req.BotID, Text: text, Attempts: attempt + 1}
		}

		rateLimited := models.IsRateLimit(err)
		status := "error"
		if rateLimited {
			status = "rate_limited"
			q.onRateLimit()
		}
		q.metrics.RecordGeneration(req.Model, status, time.Since(start))

		if models.IsFatal(err) || attempt >= len(q.opts.RetryDelays) {
			log.WithError(err).WithField("attempts", attempt+1).Warn("Generation failed, using fallback")
			return q.fallback(req, attempt+1, err)
		}

		wait := q.opts.RetryDelays[attempt]
		if rateLimited {
			if d := q.currentDelay(); d > wait {
				wait = d
			}
		}

		q.mu.Lock()
		req.Status = models.StatusRetrying
		req.RetryCount++
		q.mu.Unlock()

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"wait":    wait,
		}).Warn("Generation failed, retrying...")

		if serr := q.opts.Sleep(q.ctx, wait); serr != nil {
			return q.fallback(req, attempt+1, err)
		}
		q.setStatus(req, models.StatusProcessing)
	}
}

func (q *Queue) fallback(req *models.GenerationRequest, attempts int, err error) models.GenerationResult {
	q.setStatus(req, models.StatusFailed)
	q.metrics.RecordFallback()
	return models.GenerationResult{
		RequestID: req.ID,
		BotID:     req.BotID,
		Text:      req.FallbackText,
		Fallback:  true,
		Attempts:  attempts,
		Err:       err,
	}
}

func (q *Queue) setStatus(req *models.GenerationRequest, s models.RequestStatus) {
	q.mu.Lock()
	req.Status = s
	q.mu.Unlock()
}

// onRateLimit escalates the queue-wide dispatch delay
func (q *Queue) onRateLimit() {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := time.Duration(float64(q.delay) * q.opts.BackoffFactor)
	if next > q.opts.MaxRateLimitDelay {
		next = q.opts.MaxRateLimitDelay
	}
	q.delay = next
	q.publishStateLocked()

	q.logger.WithField("delay", q.delay).Warn("Provider rate limit hit, backing off")
}

// onSuccess resets the dispatch delay to its baseline
func (q *Queue) onSuccess() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delay != q.opts.RateLimitDelay {
		q.delay = q.opts.RateLimitDelay
		q.publishStateLocked()
	}
}

func (q *Queue) currentDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delay
}

// SetMaxConcurrent changes the concurrency cap. In-flight requests above a
// lowered cap finish normally.
func (q *Queue) SetMaxConcurrent(n int) error {
	if n < MinConcurrent || n > MaxConcurrent {
		return &models.ValidationError{Field: "max_concurrent", Value: n, Reason: fmt.Sprintf("must be within [%d, %d]", MinConcurrent, MaxConcurrent)}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxConcurrent = n
	q.logger.WithField("max_concurrent", n).Info("Queue concurrency changed")
	q.pumpLocked()
	return nil
}

// ClearQueue cancels every request not yet dispatched and returns how many
// were cancelled. In-flight requests are unaffected.
func (q *Queue) ClearQueue() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clearLocked()
}

func (q *Queue) clearLocked() int {
	n := len(q.pending)
	for _, it := range q.pending {
		it.req.Status = models.StatusCancelled
		it.future.resolve(models.GenerationResult{RequestID: it.req.ID, BotID: it.req.BotID}, models.ErrRequestCancelled)
	}
	q.pending = nil
	if n > 0 {
		q.logger.WithField("cancelled", n).Info("Queue cleared")
	}
	q.publishStateLocked()
	return n
}

// Pause stops dispatching; admission continues
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	q.publishStateLocked()
}

// Resume restarts dispatching
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.pumpLocked()
}

// Status returns an administrative snapshot
func (q *Queue) Status() models.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return models.QueueStatus{
		MaxConcurrent:  q.maxConcurrent,
		Active:         len(q.active),
		Queued:         len(q.pending),
		MaxQueueSize:   q.opts.MaxQueueSize,
		CanAccept:      !q.closed && len(q.pending) < q.opts.MaxQueueSize,
		Paused:         q.paused,
		RateLimitDelay: q.delay.Milliseconds(),
	}
}

// Direct bypasses the queue: one provider call raced against timeout,
// with no retry and no fallback.
func (q *Queue) Direct(ctx context.Context, req *models.GenerationRequest, timeout time.Duration) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	text, err := q.provider.Complete(ctx, &provider.Request{Model: req.Model, Messages: req.Messages, Params: req.Params})
	if err != nil {
		q.metrics.RecordGeneration(req.Model, "direct_error", time.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &models.ProviderError{Code: models.CodeTimeout, Message: fmt.Sprintf("no response within %s", timeout), Err: err}
		}
		return "", err
	}
	q.metrics.RecordGeneration(req.Model, "direct_success", time.Since(start))
	return text, nil
}

// Close cancels pending requests, aborts in-flight calls and waits for them
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.clearLocked()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
