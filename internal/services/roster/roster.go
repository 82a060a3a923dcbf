package roster

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrBotNotFound is returned for ids missing from the roster
var ErrBotNotFound = errors.New("bot not found")

type file struct {
	Bots []models.Bot `yaml:"bots"`
}

// Roster is the set of bots taking part in the room
type Roster struct {
	mu     sync.RWMutex
	bots   map[string]*models.Bot
	order  []string
	logger *logrus.Logger
}

// New creates a roster from bots. IDs must be unique and non-empty.
func New(bots []models.Bot, logger *logrus.Logger) (*Roster, error) {
	r := &Roster{bots: make(map[string]*models.Bot), logger: logger}
	for _, b := range bots {
		if err := r.add(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Load reads the roster from a YAML file with a top-level "bots" list
func Load(path string, logger *logrus.Logger) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bots file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse bots file: %w", err)
	}

	r, err := New(f.Bots, logger)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"path":   path,
		"bots":   len(f.Bots),
		"online": len(r.Online()),
	}).Info("Bot roster loaded")
	return r, nil
}

func (r *Roster) add(b models.Bot) error {
	b.ID = strings.TrimSpace(b.ID)
	if b.ID == "" {
		return &models.ValidationError{Field: "id", Value: b.DisplayName, Reason: "bot id is required"}
	}
	if _, exists := r.bots[b.ID]; exists {
		return &models.ValidationError{Field: "id", Value: b.ID, Reason: "duplicate bot id"}
	}
	if b.DisplayName == "" {
		b.DisplayName = b.ID
	}
	if b.Status == "" {
		b.Status = models.BotOnline
	}
	if !b.Status.Valid() {
		return &models.ValidationError{Field: "status", Value: b.Status, Reason: "must be online, away or offline"}
	}
	if err := b.Overrides.Validate(); err != nil {
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			return &models.ValidationError{Field: "overrides." + ve.Field, Value: ve.Value, Reason: fmt.Sprintf("bot %s: %s", b.ID, ve.Reason)}
		}
		return err
	}
	r.bots[b.ID] = &b
	r.order = append(r.order, b.ID)
	return nil
}

// Get returns a copy of the bot with id
func (r *Roster) Get(id string) (models.Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bots[id]
	if !ok {
		return models.Bot{}, false
	}
	return *b, true
}

// All returns every bot in roster order
func (r *Roster) All() []models.Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Bot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.bots[id])
	}
	return out
}

// Online returns the bots currently online, in roster order
func (r *Roster) Online() []models.Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Bot
	for _, id := range r.order {
		if b := r.bots[id]; b.Status == models.BotOnline {
			out = append(out, *b)
		}
	}
	return out
}

// SetStatus changes a bot's presence
func (r *Roster) SetStatus(id string, status models.BotStatus) error {
	if !status.Valid() {
		return &models.ValidationError{Field: "status", Value: status, Reason: "must be online, away or offline"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bots[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrBotNotFound, id)
	}
	b.Status = status

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{"bot_id": id, "status": status}).Info("Bot status changed")
	}
	return nil
}

// Touch records that the bot just spoke
func (r *Roster) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bots[id]; ok && at.After(b.LastActive) {
		b.LastActive = at
	}
}

// Names returns the display names of all bots, sorted
func (r *Roster) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.bots))
	for _, b := range r.bots {
		names = append(names, b.DisplayName)
	}
	sort.Strings(names)
	return names
}
