package decision

import (
	"math/rand"
	"testing"

	"github.com/cf-ai-groupchat-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bots(names ...string) []models.Bot {
	out := make([]models.Bot, len(names))
	for i, n := range names {
		out[i] = models.Bot{ID: "id-" + n, DisplayName: n, Status: models.BotOnline}
	}
	return out
}

func ids(cs []models.ResponseCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Bot.ID
	}
	return out
}

func TestExactNameAlwaysSelected(t *testing.T) {
	roster := bots("Alice", "Bob", "Carol", "Dave")
	for seed := int64(0); seed < 200; seed++ {
		opts := DefaultOptions()
		opts.RandomProbability = 1 // every other bot wants in too
		e := NewEngine(opts, rand.New(rand.NewSource(seed)), nil)

		got := e.Decide(models.ConversationMessage{Content: "hey carol, thoughts"}, roster, nil)
		require.Len(t, got, 2)
		assert.Equal(t, "id-Carol", got[0].Bot.ID)
		assert.Equal(t, models.ReasonMentioned, got[0].Reason)
	}
}

func TestAddressedBeatsMentionedUnderCap(t *testing.T) {
	opts := DefaultOptions()
	opts.Cap = 1
	e := NewEngine(opts, rand.New(rand.NewSource(1)), nil)

	got := e.Decide(models.ConversationMessage{Content: "alice and bob"}, bots("Alice", "Bob", "Carol"), []string{"id-Carol"})
	require.Len(t, got, 1)
	assert.Equal(t, "id-Carol", got[0].Bot.ID)
	assert.Equal(t, models.ReasonAddressed, got[0].Reason)
}

func TestAddressedByDisplayName(t *testing.T) {
	e := NewEngine(DefaultOptions(), rand.New(rand.NewSource(1)), nil)
	got := e.Decide(models.ConversationMessage{Content: "hello"}, bots("Alice", "Bob"), []string{"bob"})
	assert.Equal(t, []string{"id-Bob"}, ids(got))
}

func TestMultiWordNameMatchesLongParts(t *testing.T) {
	assert.True(t, Mentions("i think stone is right", "Bob Stone"))
	assert.True(t, Mentions("bob stone!", "Bob Stone"))
	assert.False(t, Mentions("al is here", "Al Gore Jr"))
	assert.True(t, Mentions("gore said", "Al Gore Jr"))
	assert.False(t, Mentions("anything", ""))
	// single-word names need the whole name
	assert.False(t, Mentions("ali", "Alice"))
}

func TestNoSelfReply(t *testing.T) {
	e := NewEngine(DefaultOptions(), rand.New(rand.NewSource(1)), nil)
	got := e.Decide(models.ConversationMessage{Content: "I am Alice", BotID: "id-Alice", IsBot: true}, bots("Alice"), nil)
	assert.Empty(t, got)
}

func TestRollsUseQuestionProbability(t *testing.T) {
	opts := Options{Cap: 10, QuestionProbability: 1, RandomProbability: 0}
	e := NewEngine(opts, rand.New(rand.NewSource(1)), nil)

	got := e.Decide(models.ConversationMessage{Content: "what now"}, bots("A1", "B1", "C1"), nil)
	require.Len(t, got, 3)
	for _, c := range got {
		assert.Equal(t, models.ReasonQuestionRoll, c.Reason)
	}

	assert.Empty(t, e.Decide(models.ConversationMessage{Content: "nice weather"}, bots("A1", "B1"), nil))

	opts = Options{Cap: 10, QuestionProbability: 0, RandomProbability: 1}
	e = NewEngine(opts, rand.New(rand.NewSource(1)), nil)
	got = e.Decide(models.ConversationMessage{Content: "nice weather"}, bots("A1", "B1"), nil)
	require.Len(t, got, 2)
	assert.Equal(t, models.ReasonRandomRoll, got[0].Reason)
	assert.Empty(t, e.Decide(models.ConversationMessage{Content: "why not"}, bots("A1"), nil))
}

func TestCapDownsamplesRolledTierRandomly(t *testing.T) {
	opts := Options{Cap: 2, RandomProbability: 1}
	seen := map[string]bool{}
	for seed := int64(0); seed < 50; seed++ {
		e := NewEngine(opts, rand.New(rand.NewSource(seed)), nil)
		got := e.Decide(models.ConversationMessage{Content: "ok"}, bots("A1", "B1", "C1", "D1"), nil)
		require.Len(t, got, 2)
		for _, id := range ids(got) {
			seen[id] = true
		}
	}
	assert.Len(t, seen, 4)
}

func TestIsQuestion(t *testing.T) {
	e := NewEngine(DefaultOptions(), nil, nil)
	for _, q := range []string{"really?", "好吗？", "tell me why", "Can you help", "does it work", "Who's there"} {
		assert.True(t, e.IsQuestion(q), q)
	}
	for _, s := range []string{"", "I can do it", "nice day", "somewhere else"} {
		assert.False(t, e.IsQuestion(s), s)
	}
}
