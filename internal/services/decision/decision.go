package decision

import (
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultQuestionWords mark a message as a question wherever they appear
var DefaultQuestionWords = []string{"what", "why", "how", "when", "where", "who", "whom", "whose", "which"}

// leading auxiliaries only count as a question opener
var leadingAuxiliaries = map[string]bool{
	"can": true, "could": true, "would": true, "should": true, "is": true,
	"are": true, "do": true, "does": true, "did": true, "will": true,
}

// Options tune responder selection
type Options struct {
	Cap                 int
	QuestionProbability float64
	RandomProbability   float64
	QuestionWords       []string
}

// DefaultOptions caps replies at 2 and rolls 15% on questions, 5% otherwise
func DefaultOptions() Options {
	return Options{
		Cap:                 2,
		QuestionProbability: 0.15,
		RandomProbability:   0.05,
		QuestionWords:       DefaultQuestionWords,
	}
}

// Engine decides which bots answer an incoming message
type Engine struct {
	opts          Options
	questionWords map[string]bool
	logger        *logrus.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates a decision engine. A nil rng is seeded from the clock.
func NewEngine(opts Options, rng *rand.Rand, logger *logrus.Logger) *Engine {
	if opts.Cap <= 0 {
		opts.Cap = DefaultOptions().Cap
	}
	if len(opts.QuestionWords) == 0 {
		opts.QuestionWords = DefaultQuestionWords
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	words := make(map[string]bool, len(opts.QuestionWords))
	for _, w := range opts.QuestionWords {
		words[strings.ToLower(w)] = true
	}
	return &Engine{opts: opts, questionWords: words, logger: logger, rng: rng}
}

// Decide returns the bots that respond to msg, addressed bots first, then
// mentioned bots, then bots that won a probability roll. addressed holds
// bot ids or display names the sender explicitly targeted. A bot never
// answers its own message.
func (e *Engine) Decide(msg models.ConversationMessage, online []models.Bot, addressed []string) []models.ResponseCandidate {
	target := make(map[string]bool, len(addressed))
	for _, a := range addressed {
		target[strings.ToLower(strings.TrimSpace(a))] = true
	}

	lower := strings.ToLower(msg.Content)
	question := e.IsQuestion(msg.Content)

	var tiers [3][]models.ResponseCandidate
	for _, bot := range online {
		if msg.BotID != "" && bot.ID == msg.BotID {
			continue
		}
		switch {
		case target[strings.ToLower(bot.ID)] || target[strings.ToLower(bot.DisplayName)]:
			tiers[0] = append(tiers[0], models.ResponseCandidate{Bot: bot, Reason: models.ReasonAddressed})
		case Mentions(lower, bot.DisplayName):
			tiers[1] = append(tiers[1], models.ResponseCandidate{Bot: bot, Reason: models.ReasonMentioned})
		case question && e.roll(e.opts.QuestionProbability):
			tiers[2] = append(tiers[2], models.ResponseCandidate{Bot: bot, Reason: models.ReasonQuestionRoll})
		case !question && e.roll(e.opts.RandomProbability):
			tiers[2] = append(tiers[2], models.ResponseCandidate{Bot: bot, Reason: models.ReasonRandomRoll})
		}
	}

	var out []models.ResponseCandidate
	for _, tier := range tiers {
		room := e.opts.Cap - len(out)
		if room <= 0 {
			break
		}
		out = append(out, e.sample(tier, room)...)
	}

	if e.logger != nil && len(out) > 0 {
		e.logger.WithFields(logrus.Fields{
			"addressed": len(tiers[0]),
			"mentioned": len(tiers[1]),
			"rolled":    len(tiers[2]),
			"selected":  len(out),
		}).Debug("Responders selected")
	}
	return out
}

// sample keeps n random candidates of tier, preserving their order
func (e *Engine) sample(tier []models.ResponseCandidate, n int) []models.ResponseCandidate {
	if len(tier) <= n {
		return tier
	}
	e.mu.Lock()
	picked := e.rng.Perm(len(tier))[:n]
	e.mu.Unlock()

	keep := make(map[int]bool, n)
	for _, i := range picked {
		keep[i] = true
	}
	out := make([]models.ResponseCandidate, 0, n)
	for i, c := range tier {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < p
}

// IsQuestion reports whether text reads as a question: it contains a
// question mark or a question word, or opens with an auxiliary verb.
func (e *Engine) IsQuestion(text string) bool {
	if strings.ContainsAny(text, "?？") {
		return true
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) == 0 {
		return false
	}
	if leadingAuxiliaries[words[0]] {
		return true
	}
	for _, w := range words {
		if e.questionWords[w] {
			return true
		}
	}
	return false
}

// Mentions reports whether lowerText names the bot. Multi-word names also
// match on any of their words longer than two characters.
func Mentions(lowerText, name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	if strings.Contains(lowerText, name) {
		return true
	}
	parts := strings.Fields(name)
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if len([]rune(p)) > 2 && strings.Contains(lowerText, p) {
			return true
		}
	}
	return false
}
