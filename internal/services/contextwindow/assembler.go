package contextwindow

import (
	"math"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/tokens"
)

// Options are the reservations applied before budgeting history
type Options struct {
	UserMessageReserve int
	ResponseReserve    int
	// Utilization is the share of the remaining window spent on history
	Utilization float64
}

// DefaultOptions reserves 100 tokens for the trailing message and 512 for the reply
func DefaultOptions() Options {
	return Options{UserMessageReserve: 100, ResponseReserve: 512, Utilization: 0.8}
}

// Selection is the chronological slice of history chosen for a prompt
type Selection struct {
	Messages []models.ConversationMessage
	Tokens   int
	Budget   int
	Reserved int
	// BestEffort is set when the newest message alone exceeds the budget
	// and was included anyway.
	BestEffort bool
}

// Assembler selects the most recent history that fits a model's context window
type Assembler struct {
	estimator tokens.Estimator
	opts      Options
}

// NewAssembler creates an assembler
func NewAssembler(estimator tokens.Estimator, opts Options) *Assembler {
	if opts.Utilization <= 0 || opts.Utilization > 1 {
		opts.Utilization = DefaultOptions().Utilization
	}
	return &Assembler{estimator: estimator, opts: opts}
}

// Budget returns the tokens available for history and the reserved amount
func (a *Assembler) Budget(contextLength int, systemPrompt string) (budget, reserved int) {
	reserved = a.estimator.Estimate(systemPrompt) + a.opts.UserMessageReserve + a.opts.ResponseReserve
	budget = int(math.Floor(float64(contextLength-reserved) * a.opts.Utilization))
	if budget < 0 {
		budget = 0
	}
	return budget, reserved
}

// SelectHistory walks history from newest to oldest and keeps messages until
// the next one would exceed the budget. The result is chronological.
func (a *Assembler) SelectHistory(history []models.ConversationMessage, contextLength int, systemPrompt string) Selection {
	budget, reserved := a.Budget(contextLength, systemPrompt)
	sel := Selection{Budget: budget, Reserved: reserved}
	if len(history) == 0 {
		return sel
	}

	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := tokens.MessageCost(a.estimator, history[i].AuthorName, history[i].Content)
		if sel.Tokens+cost > budget {
			if i == len(history)-1 {
				sel.Tokens = cost
				sel.BestEffort = true
				start = i
			}
			break
		}
		sel.Tokens += cost
		start = i
	}

	sel.Messages = append([]models.ConversationMessage(nil), history[start:]...)
	return sel
}
