package schema

import (
	"context"
	"time"
)

// ChatOptions configures a single LLM chat request.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

func NewChatOptions(model string, maxTokens int, temperature float64) ChatOptions {
	return ChatOptions{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

// LLMProvider is the one-shot completion capability. It may fail on timeout
// or transport errors; callers degrade rather than propagate.
type LLMProvider interface {
	Chat(ctx context.Context, messages Messages, opts ChatOptions) (string, error)
}

// SimilarityScorer returns the cosine similarity of two texts in [-1, 1].
// ok is false when the score is unavailable.
type SimilarityScorer interface {
	Similarity(ctx context.Context, a, b string) (score float64, ok bool)
}

// TokenCounter counts model tokens in a text.
type TokenCounter interface {
	Count(text string) int
}

// Signals carries the caller-side facts about a message that admission
// and the reply-worth scorer consult.
type Signals struct {
	// Explicit is set when the bot was mentioned or replied to directly.
	Explicit bool
	// Private is set for one-to-one chats.
	Private bool
	Extra   map[string]any
}

// ReplyWorthDecision is the outcome of the cheap pre-filter.
type ReplyWorthDecision string

const (
	ReplyWorthIgnore ReplyWorthDecision = "ignore"
	ReplyWorthLLM    ReplyWorthDecision = "llm"
)

// ReplyWorth is the result of ReplyWorthScorer.Score.
type ReplyWorth struct {
	Decision        ReplyWorthDecision
	NormalizedScore float64
	Reasons         []string
}

// ReplyWorthScorer is the cheap local heuristic consulted before the LLM gate.
type ReplyWorthScorer interface {
	Score(msg Message, sig Signals) ReplyWorth
}

// GateJudge is the expensive LLM-backed "should the bot reply" decision.
type GateJudge interface {
	ShouldReply(ctx context.Context, msg Message, sig Signals) (reply bool, reason string, err error)
}

// DedupJudge decides whether two outbound replies say the same thing.
type DedupJudge interface {
	IsDuplicate(ctx context.Context, a, b string) (bool, error)
}

// Clock abstracts wall-clock time so time-window logic can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
