package prompt

import (
	"strings"

	"github.com/cf-ai-groupchat-go/internal/i18n"
	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/cf-ai-groupchat-go/internal/services/cache"
)

// Source names the layer a system prompt was resolved from
type Source string

const (
	SourceGlobal      Source = "global"
	SourceBotOverride Source = "bot-override"
	SourceBotBase     Source = "bot-base"
	SourceDescription Source = "description"
	SourceFallback    Source = "fallback"
)

// DefaultPrefixLength is how much of each prompt source feeds the memo key
const DefaultPrefixLength = 100

// Translator renders localized fallback text
type Translator interface {
	Get(lang, messageID string, data map[string]interface{}) string
}

// Composer resolves a bot's effective system prompt from the layered sources
type Composer struct {
	memo         *cache.Memo
	translator   Translator
	language     string
	prefixLength int
}

// NewComposer creates a composer. A nil memo disables memoization.
func NewComposer(memo *cache.Memo, translator Translator, language string, prefixLength int) *Composer {
	if prefixLength <= 0 {
		prefixLength = DefaultPrefixLength
	}
	return &Composer{
		memo:         memo,
		translator:   translator,
		language:     language,
		prefixLength: prefixLength,
	}
}

// Resolve returns the first non-empty system prompt source for bot:
// the global override, the bot's override, its base prompt, a sentence
// built from its description, then a generic fallback naming it.
func (c *Composer) Resolve(bot models.Bot, globalPrompt string) (string, Source) {
	if s := strings.TrimSpace(globalPrompt); s != "" {
		return s, SourceGlobal
	}
	if bot.Overrides != nil {
		if s := strings.TrimSpace(bot.Overrides.SystemPrompt); s != "" {
			return s, SourceBotOverride
		}
	}
	if s := strings.TrimSpace(bot.SystemPrompt); s != "" {
		return s, SourceBotBase
	}
	if d := strings.TrimSpace(bot.Description); d != "" {
		return "You are " + bot.DisplayName + ". " + d, SourceDescription
	}
	return c.fallback(bot), SourceFallback
}

// Compose returns the final system prompt: the resolved text, followed by
// note after a blank line when note is non-empty.
func (c *Composer) Compose(bot models.Bot, globalPrompt, note string) string {
	build := func() string {
		text, _ := c.Resolve(bot, globalPrompt)
		if note = strings.TrimSpace(note); note != "" {
			text += "\n\n" + note
		}
		return text
	}
	if c.memo == nil {
		return build()
	}

	var override string
	if bot.Overrides != nil {
		override = bot.Overrides.SystemPrompt
	}
	key := cache.Key(
		bot.ID,
		c.prefix(globalPrompt),
		c.prefix(override),
		c.prefix(bot.SystemPrompt),
		c.prefix(bot.Description),
		note,
	)
	return c.memo.GetOrCompute(key, build)
}

func (c *Composer) fallback(bot models.Bot) string {
	if c.translator == nil {
		return "You are " + bot.DisplayName + ", a participant in a group chat."
	}
	return c.translator.Get(c.language, i18n.MsgFallbackSystemPrompt, map[string]interface{}{"Name": bot.DisplayName})
}

func (c *Composer) prefix(s string) string {
	r := []rune(s)
	if len(r) > c.prefixLength {
		return string(r[:c.prefixLength])
	}
	return s
}
