package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/cf-ai-groupchat-go/internal/handlers"
	"github.com/cf-ai-groupchat-go/internal/i18n"
	"github.com/cf-ai-groupchat-go/internal/middleware"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/cache"
	"github.com/cf-ai-groupchat-go/internal/services/contextwindow"
	"github.com/cf-ai-groupchat-go/internal/services/decision"
	"github.com/cf-ai-groupchat-go/internal/services/events"
	"github.com/cf-ai-groupchat-go/internal/services/history"
	"github.com/cf-ai-groupchat-go/internal/services/orchestrator"
	"github.com/cf-ai-groupchat-go/internal/services/prompt"
	"github.com/cf-ai-groupchat-go/internal/services/provider"
	"github.com/cf-ai-groupchat-go/internal/services/queue"
	"github.com/cf-ai-groupchat-go/internal/services/roster"
	"github.com/cf-ai-groupchat-go/internal/services/scheduler"
	"github.com/cf-ai-groupchat-go/internal/services/settings"
	"github.com/cf-ai-groupchat-go/internal/services/storage"
	"github.com/cf-ai-groupchat-go/internal/services/tokens"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// App owns every long-lived service of the engine
type App struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *middleware.Metrics

	Router       *provider.Router
	Queue        *queue.Queue
	Bus          *events.Bus
	History      *history.History
	Roster       *roster.Roster
	Store        storage.Store
	Settings     *settings.Manager
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Admin        *handlers.AdminHandler
	RateLimiter  middleware.RateLimiter

	server        *http.Server
	metricsServer *http.Server
	unsubscribe   func()
	shutdownOnce  sync.Once
}

// Option customizes construction
type Option func(*buildOptions)

type buildOptions struct {
	providers map[string]providerOverride
	bots      []models.Bot
}

type providerOverride struct {
	p      provider.Provider
	models []config.ModelInfo
}

// WithProvider registers an extra completion endpoint next to the configured ones
func WithProvider(endpoint string, p provider.Provider, served ...config.ModelInfo) Option {
	return func(o *buildOptions) {
		o.providers[endpoint] = providerOverride{p: p, models: served}
	}
}

// WithBots replaces the roster file with bots
func WithBots(bots ...models.Bot) Option {
	return func(o *buildOptions) {
		o.bots = bots
	}
}

// New builds every service and links the ones that depend on each other
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*App, error) {
	bo := &buildOptions{providers: make(map[string]providerOverride)}
	for _, opt := range opts {
		opt(bo)
	}

	a := &App{cfg: cfg, logger: logger, metrics: middleware.NewMetrics()}
	if err := a.build(ctx, bo); err != nil {
		a.closeStores()
		return nil, err
	}
	a.link()
	return a, nil
}

func (a *App) build(ctx context.Context, bo *buildOptions) error {
	cfg, log := a.cfg, a.logger
	engine := cfg.Engine

	router, err := provider.NewRouter(&cfg.Providers, log)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}
	for name, po := range bo.providers {
		if err := router.Register(name, po.p, po.models); err != nil {
			return err
		}
	}
	a.Router = router

	a.Queue = queue.New(router, queue.Options{
		MaxConcurrent:     engine.Queue.MaxConcurrent,
		MaxQueueSize:      engine.Queue.MaxQueueSize,
		RateLimitDelay:    engine.Queue.RateLimitDelay,
		MaxRateLimitDelay: engine.Queue.MaxRateLimitDelay,
		BackoffFactor:     engine.Queue.BackoffFactor,
		RetryDelays:       engine.Queue.RetryDelays,
	}, a.metrics, log)

	if bo.bots != nil {
		a.Roster, err = roster.New(bo.bots, log)
	} else if _, statErr := os.Stat(cfg.Bots.File); statErr == nil {
		a.Roster, err = roster.Load(cfg.Bots.File, log)
	} else {
		log.WithField("file", cfg.Bots.File).Warn("Bot roster file not found, starting with no bots")
		a.Roster, err = roster.New(nil, log)
	}
	if err != nil {
		return fmt.Errorf("failed to load bots: %w", err)
	}
	a.metrics.SetOnlineBots(len(a.Roster.Online()))

	a.Store, err = storage.NewStore(&cfg.Storage, a.metrics, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Settings = settings.NewManager(a.Store, cfg.Settings.Defaults, log)
	if err := a.Settings.Load(ctx); err != nil {
		return err
	}

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		return fmt.Errorf("failed to initialize i18n: %w", err)
	}
	language := engine.Orchestrator.Language
	if language == "" {
		language = cfg.I18n.DefaultLanguage
	}
	log.WithFields(logrus.Fields{
		"language":  language,
		"supported": localizer.Supported(),
	}).Debug("Localizer ready")

	memo := cache.NewMemo(engine.Prompt.CacheTTL, a.metrics, log)
	a.Settings.RegisterChangeListener(func(models.GenerationSettings) { memo.Clear() })

	estimator := tokens.New(engine.Context.Tokenizer, engine.Context.Encoding, engine.Context.CharsPerToken, log)
	a.History = history.New(engine.Context.MaxHistory)
	a.Bus = events.NewBus(64, log)
	a.unsubscribe = a.Bus.Subscribe(transcript(log))

	security := middleware.NewSecurityMiddleware(log)
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Decision: decision.NewEngine(decision.Options{
			Cap:                 engine.Decision.ResponderCap,
			QuestionProbability: engine.Decision.QuestionProbability,
			RandomProbability:   engine.Decision.RandomProbability,
			QuestionWords:       engine.Decision.QuestionWords,
		}, nil, log),
		Composer: prompt.NewComposer(memo, localizer, language, engine.Prompt.PrefixLength),
		Assembler: contextwindow.NewAssembler(estimator, contextwindow.Options{
			UserMessageReserve: engine.Context.UserMessageReserve,
			ResponseReserve:    engine.Context.ResponseReserve,
			Utilization:        engine.Context.Utilization,
		}),
		History:    a.History,
		Queue:      a.Queue,
		Publisher:  a.Bus,
		Roster:     a.Roster,
		Settings:   a.Settings,
		Catalog:    router,
		Translator: localizer,
		Security:   security,
		Metrics:    a.metrics,
		Logger:     log,
	}, orchestrator.Options{
		TypingStagger:        engine.Orchestrator.TypingStagger,
		DeliveryStagger:      engine.Orchestrator.DeliveryStagger,
		TypingPause:          engine.Orchestrator.TypingPause,
		UserPriority:         engine.Orchestrator.UserPriority,
		AutonomousPriority:   engine.Orchestrator.AutonomousPriority,
		StripThinking:        engine.Orchestrator.StripThinking,
		Language:             language,
		Note:                 engine.Prompt.Note,
		DefaultContextLength: engine.Context.DefaultContextLength,
		MaxTokens:            engine.Context.ResponseReserve,
	})

	a.Scheduler = scheduler.New(scheduler.Options{
		BaseInterval:        engine.Scheduler.BaseInterval,
		InactivityThreshold: engine.Scheduler.InactivityThreshold,
		SkipProbability:     engine.Scheduler.SkipProbability,
	}, a.History, a.Roster, nil, a.metrics, log)

	a.RateLimiter = middleware.NewRateLimiter(&cfg.RateLimit, a.metrics, log)
	a.Admin = handlers.NewAdminHandler(handlers.AdminDeps{
		Queue:         a.Queue,
		Settings:      a.Settings,
		Bots:          a.Roster,
		Sink:          a.Orchestrator,
		History:       a.History,
		Models:        router,
		RateLimiter:   a.RateLimiter,
		Security:      security,
		Metrics:       a.metrics,
		Logger:        log,
		DirectTimeout: engine.Queue.DirectTimeout,
	})
	return nil
}

// link wires the services that refer back to each other
func (a *App) link() {
	a.Scheduler.SetSpeaker(a.Orchestrator)
}

// Handler returns the admin HTTP handler
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()
	a.Admin.Register(r)
	return r
}

// Start serves the admin API and arms the autonomous scheduler
func (a *App) Start() error {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      a.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: a.cfg.Engine.Queue.DirectTimeout + 15*time.Second,
	}
	go func() {
		a.logger.WithField("port", a.cfg.Server.Port).Info("Starting admin server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("Admin server failed")
		}
	}()

	if a.cfg.Monitoring.Metrics.Enabled {
		a.metricsServer = middleware.NewMetricsServer(a.cfg.Monitoring.Metrics.Port, a.cfg.Monitoring.Metrics.Path)
		go func() {
			a.logger.WithFields(logrus.Fields{
				"port": a.cfg.Monitoring.Metrics.Port,
				"path": a.cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	if a.cfg.Engine.Scheduler.Enabled {
		if err := a.Scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return nil
}

// Shutdown stops intake first, then drains replies, then closes the queue and storage
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.shutdownOnce.Do(func() {
		a.logger.Info("Shutting down...")

		for _, srv := range []*http.Server{a.server, a.metricsServer} {
			if srv == nil {
				continue
			}
			if serr := srv.Shutdown(ctx); serr != nil {
				err = errors.Join(err, serr)
			}
		}

		a.Scheduler.Stop()
		a.Orchestrator.Close()
		a.Queue.Close()
		a.RateLimiter.Stop()
		if a.unsubscribe != nil {
			a.unsubscribe()
		}
		a.Bus.Close()
		err = errors.Join(err, a.closeStores())

		a.logger.Info("Engine stopped")
	})
	return err
}

func (a *App) closeStores() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// transcript logs the room's traffic; chat transports subscribe the same way
func transcript(log *logrus.Logger) events.Subscriber {
	return events.Handlers{
		MessageReceived: func(e events.MessageReceived) {
			log.WithFields(logrus.Fields{
				"author": e.Message.AuthorName,
				"is_bot": e.Message.IsBot,
			}).Debug(e.Message.Content)
		},
		ResponseGenerated: func(e events.ResponseGenerated) {
			log.WithFields(logrus.Fields{
				"bot":        e.BotName,
				"request_id": e.RequestID,
				"fallback":   e.Fallback,
				"autonomous": e.Autonomous,
			}).Info(e.Content)
		},
		TypingChanged: func(e events.TypingChanged) {
			log.WithFields(logrus.Fields{"bot": e.BotName, "typing": e.Typing}).Debug("Typing changed")
		},
	}
}
