package providers

import (
	"github.com/sashabaranov/go-openai"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

// Set is every external capability built from configuration. Similarity
// and Judge are nil when disabled.
type Set struct {
	Chat       *OpenAIProvider
	Similarity *EmbeddingSimilarity
	Judge      *Judge
}

// New builds the chat provider and, when enabled, the embedding scorer
// and judge.
func New(llm LLMConfig, emb EmbeddingConfig, judge JudgeConfig) Set {
	chat := NewOpenAIProvider(llm)
	set := Set{Chat: chat}

	if emb.Enabled {
		client := chat.Client()
		if emb.APIKey != "" || emb.APIBase != "" {
			oc := openai.DefaultConfig(emb.APIKey)
			oc.BaseURL = ResolveAPIBase(chat.Spec(), emb.APIBase)
			client = openai.NewClientWithConfig(oc)
		}
		if emb.Model == "" && chat.Spec() != nil {
			emb.Model = chat.Spec().EmbeddingModel
		}
		if emb.Model != "" {
			set.Similarity = NewEmbeddingSimilarity(emb, client)
		}
	}

	if judge.GateEnabled || judge.DedupEnabled {
		set.Judge = NewJudge(chat, judge)
	}
	return set
}

// GateJudge returns the judge as a schema.GateJudge, or nil when disabled.
func (s Set) GateJudge(cfg JudgeConfig) schema.GateJudge {
	if s.Judge == nil || !cfg.GateEnabled {
		return nil
	}
	return s.Judge
}

// DedupJudge returns the judge as a schema.DedupJudge, or nil when disabled.
func (s Set) DedupJudge(cfg JudgeConfig) schema.DedupJudge {
	if s.Judge == nil || !cfg.DedupEnabled {
		return nil
	}
	return s.Judge
}

// SimilarityScorer returns the scorer, or nil when disabled.
func (s Set) SimilarityScorer() schema.SimilarityScorer {
	if s.Similarity == nil {
		return nil
	}
	return s.Similarity
}
