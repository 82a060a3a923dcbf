package i18n

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cf-ai-groupchat-go/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// Message IDs used by the prompt composer and the orchestrator
const (
	MsgFallbackGreeting     = "fallback_greeting"
	MsgFallbackSystemPrompt = "fallback_system_prompt"
	MsgAutonomousNote       = "autonomous_note"
	MsgConversationStart    = "conversation_start"
)

//go:embed locales/*.json
var locales embed.FS

// Localizer renders the engine's canned texts in the configured languages.
// Requested languages are negotiated against the loaded ones, so "zh-CN"
// resolves to the "zh" catalog and anything unsupported to the default.
type Localizer struct {
	tags       []language.Tag
	matcher    language.Matcher
	localizers []*i18n.Localizer
}

// NewLocalizer loads one embedded catalog per configured language
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	if len(cfg.Languages) == 0 {
		return nil, errors.New("no languages configured")
	}

	// the default goes first so the matcher falls back to it
	ordered := make([]string, 0, len(cfg.Languages))
	for _, lang := range cfg.Languages {
		if lang == cfg.DefaultLanguage {
			ordered = append([]string{lang}, ordered...)
		} else {
			ordered = append(ordered, lang)
		}
	}

	tags := make([]language.Tag, 0, len(ordered))
	for _, lang := range ordered {
		tag, err := language.Parse(lang)
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", lang, err)
		}
		tags = append(tags, tag)
	}

	bundle := i18n.NewBundle(tags[0])
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	l := &Localizer{tags: tags, matcher: language.NewMatcher(tags)}
	for _, lang := range ordered {
		if _, err := bundle.LoadMessageFileFS(locales, "locales/"+lang+".json"); err != nil {
			return nil, fmt.Errorf("failed to load catalog for %s: %w", lang, err)
		}
		l.localizers = append(l.localizers, i18n.NewLocalizer(bundle, lang))
	}
	return l, nil
}

// Get renders messageID in the closest supported language. Unknown IDs
// come back unchanged.
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	msg, err := l.localizers[l.resolve(lang)].Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID
	}
	return msg
}

// Supported lists the loaded languages, default first
func (l *Localizer) Supported() []string {
	out := make([]string, len(l.tags))
	for i, t := range l.tags {
		out[i] = t.String()
	}
	return out
}

func (l *Localizer) resolve(lang string) int {
	tag, err := language.Parse(lang)
	if err != nil {
		return 0
	}
	_, idx, conf := l.matcher.Match(tag)
	if conf == language.No {
		return 0
	}
	return idx
}
