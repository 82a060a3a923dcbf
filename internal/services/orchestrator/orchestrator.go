package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cf-ai-groupchat-go/internal/i18n"
	"github.com/cf-ai-groupchat-go/internal/middleware"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/contextwindow"
	"github.com/cf-ai-groupchat-go/internal/services/decision"
	"github.com/cf-ai-groupchat-go/internal/services/events"
	"github.com/cf-ai-groupchat-go/internal/services/history"
	"github.com/cf-ai-groupchat-go/internal/services/prompt"
	"github.com/cf-ai-groupchat-go/internal/services/provider"
	"github.com/cf-ai-groupchat-go/internal/services/queue"
	"github.com/cf-ai-groupchat-go/pkg/logger"
	"github.com/cf-ai-groupchat-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// State is a step of the per-bot response cycle
type State string

const (
	StateIdle       State = "idle"
	StateTypingOn   State = "typing-on"
	StateGenerating State = "generating"
	StateTypingOff  State = "typing-off"
	StateDelivering State = "delivering"
)

// ErrClosed is returned once Close has been called
var ErrClosed = errors.New("orchestrator closed")

// Requester submits generation requests
type Requester interface {
	Enqueue(req *models.GenerationRequest, priority int) (*queue.Future, error)
}

// SettingsSource exposes the current global generation settings
type SettingsSource interface {
	Current() models.GenerationSettings
}

// Catalog resolves model metadata
type Catalog interface {
	DefaultModel() string
	GetModelByID(modelID string) (*provider.ModelOption, error)
}

// Roster is the bot presence registry
type Roster interface {
	Online() []models.Bot
	Touch(id string, at time.Time)
}

// Options tune response pacing and prompt assembly
type Options struct {
	TypingStagger        time.Duration
	DeliveryStagger      time.Duration
	TypingPause          time.Duration
	UserPriority         int
	AutonomousPriority   int
	StripThinking        bool
	Language             string
	Note                 string
	DefaultContextLength int
	// MaxTokens caps replies for models without their own limit
	MaxTokens int

	// Sleep waits for stagger delays; tests replace it
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions staggers typing by 200ms and delivery by 1.5s per responder
func DefaultOptions() Options {
	return Options{
		TypingStagger:        200 * time.Millisecond,
		DeliveryStagger:      1500 * time.Millisecond,
		TypingPause:          500 * time.Millisecond,
		AutonomousPriority:   -5,
		StripThinking:        true,
		Language:             "en",
		DefaultContextLength: 4096,
		MaxTokens:            512,
	}
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Decision   *decision.Engine
	Composer   *prompt.Composer
	Assembler  *contextwindow.Assembler
	History    *history.History
	Queue      Requester
	Publisher  events.Publisher
	Roster     Roster
	Settings   SettingsSource
	Catalog    Catalog
	Translator prompt.Translator
	Security   *middleware.SecurityMiddleware
	Metrics    *middleware.Metrics
	Logger     *logrus.Logger
}

// Orchestrator drives every bot reply through typing, generation and delivery
type Orchestrator struct {
	Deps
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	states map[string]State
}

// New creates an orchestrator
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if opts.DefaultContextLength <= 0 {
		opts.DefaultContextLength = DefaultOptions().DefaultContextLength
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Deps:   deps,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		states: make(map[string]State),
	}
}

// HandleMessage records an inbound message and starts a reply from every
// selected bot. Replies run in the background; the chosen candidates are
// returned immediately. Messages written by bots never trigger replies.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg models.ConversationMessage, addressed []string) ([]models.ResponseCandidate, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	o.History.Append(msg)
	o.Metrics.RecordMessageReceived(msg.IsBot)

	if err := o.Publisher.PublishMessageReceived(ctx, events.MessageReceived{Message: msg, Addressed: addressed}); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	if msg.IsBot {
		return nil, nil
	}

	candidates := o.Decision.Decide(msg, o.Roster.Online(), addressed)
	for i, c := range candidates {
		if !o.track() {
			return candidates[:i], ErrClosed
		}
		o.Metrics.RecordDecision(string(c.Reason))

		go func(bot models.Bot, index int) {
			defer o.wg.Done()
			o.respond(o.ctx, bot, index, &msg)
		}(c.Bot, i)
	}

	o.Logger.WithFields(logrus.Fields{
		"author":     msg.AuthorName,
		"responders": len(candidates),
	}).Debug("Message handled")
	return candidates, nil
}

// SpeakAutonomously has bot speak from its persona with no triggering
// message, through the same path as a reply. It returns once delivered.
func (o *Orchestrator) SpeakAutonomously(ctx context.Context, bot models.Bot) error {
	if !o.track() {
		return ErrClosed
	}
	defer o.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()

	if !o.respond(ctx, bot, 0, nil) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("bot %s did not speak", bot.ID)
	}
	return nil
}

// State returns the current response state of a bot
func (o *Orchestrator) State(botID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.states[botID]; ok {
		return s
	}
	return StateIdle
}

// Wait blocks until every running reply finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close aborts running replies and waits for them. Later calls to
// HandleMessage and SpeakAutonomously start nothing.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// track registers one more running reply unless the orchestrator is closed
func (o *Orchestrator) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	return true
}

func (o *Orchestrator) setState(botID string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s == StateIdle {
		delete(o.states, botID)
		return
	}
	o.states[botID] = s
}

// respond runs one bot through Idle → TypingOn → Generating → TypingOff →
// Delivering → Idle. A nil trigger means autonomous speech. It reports
// whether a reply was delivered.
func (o *Orchestrator) respond(ctx context.Context, bot models.Bot, index int, trigger *models.ConversationMessage) bool {
	log := logger.ForBot(o.Logger, bot.ID, bot.DisplayName).WithField("autonomous", trigger == nil)
	defer o.setState(bot.ID, StateIdle)

	if err := o.opts.Sleep(ctx, time.Duration(index)*o.opts.TypingStagger); err != nil {
		return false
	}
	o.setState(bot.ID, StateTypingOn)
	o.typing(ctx, bot, true)

	o.setState(bot.ID, StateGenerating)
	req, priority := o.buildRequest(bot, trigger)
	var res models.GenerationResult
	future, err := o.Queue.Enqueue(req, priority)
	var invalid *models.ValidationError
	switch {
	case errors.As(err, &invalid):
		// a request that can never be generated still gets the bot's fallback line
		log.WithError(err).Error("Generation request is invalid, using fallback")
		res = models.GenerationResult{BotID: bot.ID, Text: req.FallbackText, Fallback: true, Err: err}
	case err != nil:
		log.WithError(err).Warn("Generation request rejected")
		o.typing(context.Background(), bot, false)
		return false
	default:
		res, err = future.Wait(ctx)
		if err != nil {
			log.WithError(err).Info("Generation abandoned")
			o.typing(context.Background(), bot, false)
			return false
		}
	}

	text := o.clean(res.Text, bot.DisplayName)
	if text == "" {
		text = req.FallbackText
		res.Fallback = true
	}

	if err := o.opts.Sleep(ctx, time.Duration(index+1)*o.opts.DeliveryStagger); err != nil {
		o.typing(context.Background(), bot, false)
		return false
	}
	o.setState(bot.ID, StateTypingOff)
	o.typing(ctx, bot, false)
	if err := o.opts.Sleep(ctx, o.opts.TypingPause); err != nil {
		return false
	}

	o.setState(bot.ID, StateDelivering)
	now := time.Now()
	o.History.Append(models.ConversationMessage{
		Content:    text,
		AuthorName: bot.DisplayName,
		BotID:      bot.ID,
		IsBot:      true,
		Timestamp:  now,
	})
	o.Roster.Touch(bot.ID, now)

	if err := o.Publisher.PublishResponseGenerated(ctx, events.ResponseGenerated{
		RequestID:  res.RequestID,
		BotID:      bot.ID,
		BotName:    bot.DisplayName,
		Content:    text,
		HTML:       markdown.ToChatHTML(text),
		Fallback:   res.Fallback,
		Autonomous: trigger == nil,
		Timestamp:  now,
	}); err != nil {
		log.WithError(err).Warn("Failed to publish response")
	}

	log.WithFields(logrus.Fields{
		"request_id": res.RequestID,
		"fallback":   res.Fallback,
		"attempts":   res.Attempts,
	}).Info("Response delivered")
	return true
}

func (o *Orchestrator) typing(ctx context.Context, bot models.Bot, on bool) {
	if err := o.Publisher.PublishTypingChanged(ctx, events.TypingChanged{BotID: bot.ID, BotName: bot.DisplayName, Typing: on}); err != nil {
		o.Logger.WithError(err).WithField("bot_id", bot.ID).Debug("Typing event dropped")
	}
}

// buildRequest composes the prompt and selects history for bot
func (o *Orchestrator) buildRequest(bot models.Bot, trigger *models.ConversationMessage) (*models.GenerationRequest, int) {
	settings := o.Settings.Current()

	note := o.opts.Note
	priority := o.opts.UserPriority
	fingerprint := bot.ID + "|autonomous"
	if trigger == nil {
		note = joinNotes(note, o.translate(i18n.MsgAutonomousNote, nil))
		priority = o.opts.AutonomousPriority
	} else {
		fingerprint = bot.ID + "|" + trigger.AuthorName + "|" + trigger.Content
	}
	systemPrompt := o.Composer.Compose(bot, settings.SystemPrompt, note)

	model := bot.Model
	if model == "" {
		model = o.Catalog.DefaultModel()
	}
	contextLength := bot.ContextLength
	maxTokens := o.opts.MaxTokens
	if m, err := o.Catalog.GetModelByID(model); err == nil {
		if contextLength <= 0 {
			contextLength = m.ContextLength
		}
		if m.MaxTokens > 0 {
			maxTokens = m.MaxTokens
		}
	}
	if contextLength <= 0 {
		contextLength = o.opts.DefaultContextLength
	}

	sel := o.Assembler.SelectHistory(o.History.Snapshot(), contextLength, systemPrompt)
	if sel.BestEffort {
		logger.ForBot(o.Logger, bot.ID, bot.DisplayName).WithFields(logrus.Fields{
			"tokens": sel.Tokens,
			"budget": sel.Budget,
		}).Warn("Newest message exceeds the context budget, sending it anyway")
	}

	messages := make([]models.Message, 0, len(sel.Messages)+2)
	messages = append(messages, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	for _, m := range sel.Messages {
		if m.IsBot && m.BotID == bot.ID {
			messages = append(messages, models.Message{Role: models.RoleAssistant, Content: m.Content})
			continue
		}
		messages = append(messages, models.Message{Role: models.RoleUser, Content: m.AuthorName + ": " + m.Content})
	}
	if len(sel.Messages) == 0 {
		messages = append(messages, models.Message{Role: models.RoleUser, Content: o.translate(i18n.MsgConversationStart, nil)})
	}

	fallback := strings.TrimSpace(bot.FirstMessage)
	if fallback == "" {
		fallback = o.translate(i18n.MsgFallbackGreeting, map[string]interface{}{"Name": bot.DisplayName})
	}

	return &models.GenerationRequest{
		Model:        model,
		Messages:     messages,
		Params:       settings.Params(bot.Overrides, maxTokens),
		BotID:        bot.ID,
		BotName:      bot.DisplayName,
		FallbackText: fallback,
		Fingerprint:  fingerprint,
	}, priority
}

func (o *Orchestrator) translate(id string, data map[string]interface{}) string {
	if o.Translator == nil {
		return id
	}
	return o.Translator.Get(o.opts.Language, id, data)
}

func joinNotes(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}

var speakerPrefix = regexp.MustCompile(`^\s*\*{0,2}([^:\n]{1,64}?)\*{0,2}\s*:\s*`)

// clean strips reasoning blocks and an echoed "Name:" prefix from a reply
func (o *Orchestrator) clean(text, botName string) string {
	if o.opts.StripThinking {
		text = stripThinking(text)
	}
	text = strings.TrimSpace(text)
	if m := speakerPrefix.FindStringSubmatch(text); m != nil && strings.EqualFold(strings.TrimSpace(m[1]), botName) {
		text = strings.TrimSpace(text[len(m[0]):])
	}
	if o.Security != nil {
		text = o.Security.SanitizeOutput(text)
	}
	return text
}

// stripThinking drops everything up to the last </think> tag
func stripThinking(response string) string {
	const thinkEndTag = "</think>"
	if lastIndex := strings.LastIndex(response, thinkEndTag); lastIndex != -1 {
		return strings.TrimSpace(response[lastIndex+len(thinkEndTag):])
	}
	// an unterminated block means the model ran out of tokens while thinking
	if strings.HasPrefix(strings.TrimSpace(response), "<think>") {
		return ""
	}
	return response
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
