package replyworth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

func TestScore_ExplicitAlwaysLLM(t *testing.T) {
	s := New(DefaultConfig())
	got := s.Score(schema.Message{Text: "ok"}, schema.Signals{Explicit: true})
	assert.Equal(t, schema.ReplyWorthLLM, got.Decision)
	assert.Equal(t, 1.0, got.NormalizedScore)
}

func TestScore_AcknowledgementIgnored(t *testing.T) {
	s := New(DefaultConfig())
	for _, text := range []string{"ok", "lol", "好的", "thanks!"} {
		got := s.Score(schema.Message{Text: text}, schema.Signals{})
		assert.Equal(t, schema.ReplyWorthIgnore, got.Decision, text)
	}
}

func TestScore_EmptyIgnored(t *testing.T) {
	s := New(DefaultConfig())
	got := s.Score(schema.Message{Text: "   "}, schema.Signals{})
	assert.Equal(t, schema.ReplyWorthIgnore, got.Decision)
	assert.Equal(t, []string{"empty"}, got.Reasons)
}

func TestScore_QuestionAndBotName(t *testing.T) {
	s := New(Config{IgnoreThreshold: 0.2, BotNames: []string{"Dolphin"}})

	q := s.Score(schema.Message{Text: "anyone know how to fix this?"}, schema.Signals{})
	assert.Equal(t, schema.ReplyWorthLLM, q.Decision)
	assert.Contains(t, q.Reasons, "question")

	named := s.Score(schema.Message{Text: "dolphin thoughts on this one"}, schema.Signals{})
	assert.Greater(t, named.NormalizedScore, q.NormalizedScore-0.01)
	assert.Contains(t, named.Reasons, "bot_name")
	assert.LessOrEqual(t, named.NormalizedScore, 1.0)
}
