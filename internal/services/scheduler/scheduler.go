package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cf-ai-groupchat-go/internal/middleware"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Interval bounds for the base rearm interval
const (
	MinInterval     = 30 * time.Second
	MaxInterval     = 300 * time.Second
	DefaultInterval = 60 * time.Second
)

// ErrNoSpeaker is returned by Start before SetSpeaker was called
var ErrNoSpeaker = errors.New("scheduler has no speaker")

// State is the scheduler lifecycle state
type State string

const (
	StateStopped    State = "stopped"
	StateScheduled  State = "scheduled"
	StateEvaluating State = "evaluating"
	StateGenerating State = "generating"
)

// Speaker makes a bot talk without a triggering message
type Speaker interface {
	SpeakAutonomously(ctx context.Context, bot models.Bot) error
}

// Activity reports when the room last saw a message
type Activity interface {
	LastActivity() time.Time
}

// Presence lists the bots currently online
type Presence interface {
	Online() []models.Bot
}

// Options configure a Scheduler
type Options struct {
	BaseInterval        time.Duration
	InactivityThreshold time.Duration
	SkipProbability     float64
}

// DefaultOptions rearms about once a minute and waits for two quiet minutes
func DefaultOptions() Options {
	return Options{
		BaseInterval:        DefaultInterval,
		InactivityThreshold: 120 * time.Second,
		SkipProbability:     0.5,
	}
}

// ClampInterval bounds d to [MinInterval, MaxInterval]; zero means the default
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

// JitterSchedule fires base * U(0.7, 1.3) after each activation
type JitterSchedule struct {
	Base time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewJitterSchedule creates a schedule around the clamped base interval
func NewJitterSchedule(base time.Duration, rng *rand.Rand) *JitterSchedule {
	return &JitterSchedule{Base: ClampInterval(base), rng: rng}
}

// Next implements cron.Schedule
func (s *JitterSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	f := 0.7 + 0.6*s.rng.Float64()
	s.mu.Unlock()
	return t.Add(time.Duration(float64(s.Base) * f))
}

// Scheduler lets a random online bot speak when the room has been quiet
type Scheduler struct {
	opts     Options
	activity Activity
	presence Presence
	metrics  *middleware.Metrics
	logger   *logrus.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	speaker Speaker
	state   State
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a stopped scheduler. The speaker is attached later with SetSpeaker.
func New(opts Options, activity Activity, presence Presence, rng *rand.Rand, metrics *middleware.Metrics, logger *logrus.Logger) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	opts.BaseInterval = ClampInterval(opts.BaseInterval)
	return &Scheduler{
		opts:     opts,
		activity: activity,
		presence: presence,
		rng:      rng,
		metrics:  metrics,
		logger:   logger,
		state:    StateStopped,
	}
}

// SetSpeaker attaches the component that performs autonomous speech
func (s *Scheduler) SetSpeaker(sp Speaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaker = sp
}

// State returns the current lifecycle state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		s.state = st
	}
}

// Start arms the schedule. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.speaker == nil {
		return ErrNoSpeaker
	}
	if s.cron != nil {
		return nil
	}

	cl := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.cron.Schedule(NewJitterSchedule(s.opts.BaseInterval, rand.New(rand.NewSource(s.rng.Int63()))), cron.FuncJob(s.tick))
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.state = StateScheduled
	s.cron.Start()

	s.logger.WithFields(logrus.Fields{
		"base_interval":        s.opts.BaseInterval,
		"inactivity_threshold": s.opts.InactivityThreshold,
		"skip_probability":     s.opts.SkipProbability,
	}).Info("Autonomous scheduler started")
	return nil
}

// Stop cancels a running evaluation and waits for it to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.state = StateStopped
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info("Autonomous scheduler stopped")
}

// Evaluate decides whether a bot should speak at now. It skips while the
// room saw activity within the inactivity threshold, then skips with the
// configured probability, and otherwise picks one online bot uniformly.
func (s *Scheduler) Evaluate(now time.Time) (models.Bot, bool) {
	if last := s.activity.LastActivity(); !last.IsZero() && now.Sub(last) < s.opts.InactivityThreshold {
		s.metrics.RecordSchedulerTick("active")
		return models.Bot{}, false
	}

	s.mu.Lock()
	skip := s.rng.Float64() < s.opts.SkipProbability
	s.mu.Unlock()
	if skip {
		s.metrics.RecordSchedulerTick("skipped")
		return models.Bot{}, false
	}

	online := s.presence.Online()
	if len(online) == 0 {
		s.metrics.RecordSchedulerTick("no_bots")
		return models.Bot{}, false
	}

	s.mu.Lock()
	bot := online[s.rng.Intn(len(online))]
	s.mu.Unlock()
	s.metrics.RecordSchedulerTick("speak")
	return bot, true
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx, speaker := s.ctx, s.speaker
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.setState(StateEvaluating)
	defer s.setState(StateScheduled)

	bot, ok := s.Evaluate(time.Now())
	if !ok {
		return
	}

	s.setState(StateGenerating)
	log := s.logger.WithField("bot_id", bot.ID)
	log.Debug("Bot speaking autonomously")
	if err := speaker.SpeakAutonomously(ctx, bot); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("Autonomous speech failed")
	}
}

// cronLogger routes cron's logs to logrus
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return f
}
