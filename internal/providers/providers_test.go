package providers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		apiKey   string
		apiBase  string
		model    string
		want     string
	}{
		{"explicit name wins", "deepseek", "sk-or-abc", "", "gpt-4o", "deepseek"},
		{"gateway by key prefix", "", "sk-or-abc", "", "deepseek-chat", "openrouter"},
		{"gateway by base keyword", "", "", "https://api.siliconflow.cn/v1", "qwen-max", "siliconflow"},
		{"model keyword", "", "", "", "qwen-plus", "dashscope"},
		{"model prefix", "", "", "", "moonshot/kimi-k2", "moonshot"},
		{"fallback", "", "", "", "mystery", "openai"},
		{"unknown provider falls through", "nope", "", "", "groq-llama", "groq"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := Resolve(tt.provider, tt.apiKey, tt.apiBase, tt.model)
			require.NotNil(t, spec)
			assert.Equal(t, tt.want, spec.Name)
		})
	}
}

func TestResolveAPIBase(t *testing.T) {
	assert.Equal(t, "http://x/v1", ResolveAPIBase(FindByName("openai"), "http://x/v1/"))
	assert.Equal(t, "https://api.deepseek.com/v1", ResolveAPIBase(FindByName("deepseek"), ""))
	assert.Equal(t, "https://api.openai.com/v1", ResolveAPIBase(nil, ""))
}

func TestStripProviderPrefix(t *testing.T) {
	assert.Equal(t, "deepseek-chat", stripProviderPrefix("deepseek/deepseek-chat", FindByName("deepseek")))
	assert.Equal(t, "deepseek/deepseek-chat", stripProviderPrefix("deepseek/deepseek-chat", FindByName("openrouter")))
	assert.Equal(t, "gpt-4o", stripProviderPrefix("gpt-4o", FindByName("openai")))
}

func TestToOpenAIMessages_MapsRoles(t *testing.T) {
	msgs := schema.NewMessages(schema.NewSystemMessage("sys"))
	msgs.AddUser("hi")
	msgs.AddAssistant("hello")
	msgs.Messages = append(msgs.Messages, schema.ChatMessage{Role: "tool", Content: "x"})

	out := toOpenAIMessages(msgs)
	require.Len(t, out, 4)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "user", out[1].Role)
	assert.Equal(t, "assistant", out[2].Role)
	assert.Equal(t, "user", out[3].Role)
}

func TestCosine(t *testing.T) {
	s, ok := Cosine([]float32{1, 0}, []float32{1, 0})
	require.True(t, ok)
	assert.InDelta(t, 1.0, s, 1e-9)

	s, ok = Cosine([]float32{1, 0}, []float32{0, 1})
	require.True(t, ok)
	assert.InDelta(t, 0.0, s, 1e-9)

	s, ok = Cosine([]float32{1, 1}, []float32{-1, -1})
	require.True(t, ok)
	assert.InDelta(t, -1.0, s, 1e-9)

	_, ok = Cosine([]float32{1}, []float32{1, 2})
	assert.False(t, ok)
	_, ok = Cosine([]float32{0, 0}, []float32{1, 2})
	assert.False(t, ok)
}

type fakeEmbedder struct {
	mu      sync.Mutex
	calls   int
	fetched []string
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.fetched = append(f.fetched, texts...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

func TestEmbeddingSimilarity_CachesVectors(t *testing.T) {
	fe := &fakeEmbedder{vectors: map[string][]float32{
		"a": {1, 0},
		"b": {1, 1},
		"c": {0, 1},
	}}
	s := newEmbeddingSimilarity(EmbeddingConfig{CacheSize: 2}, fe.embed)
	ctx := context.Background()

	score, ok := s.Similarity(ctx, "a", "b")
	require.True(t, ok)
	assert.InDelta(t, 0.7071, score, 1e-3)
	assert.Equal(t, 1, fe.calls)

	_, ok = s.Similarity(ctx, "b", "a")
	require.True(t, ok)
	assert.Equal(t, 1, fe.calls, "both vectors cached")

	// The previous lookup touched b then a, so b is evicted for c.
	_, ok = s.Similarity(ctx, "a", "c")
	require.True(t, ok)
	assert.Equal(t, 2, fe.calls)
	assert.Equal(t, []string{"a", "b", "c"}, fe.fetched)

	_, ok = s.Similarity(ctx, "b", "c")
	require.True(t, ok)
	assert.Equal(t, 3, fe.calls)
	assert.Equal(t, "b", fe.fetched[len(fe.fetched)-1])
}

func TestEmbeddingSimilarity_Degrades(t *testing.T) {
	fe := &fakeEmbedder{err: errors.New("boom")}
	s := newEmbeddingSimilarity(EmbeddingConfig{}, fe.embed)
	ctx := context.Background()

	_, ok := s.Similarity(ctx, "x", "y")
	assert.False(t, ok)

	_, ok = s.Similarity(ctx, "", "y")
	assert.False(t, ok)

	score, ok := s.Similarity(ctx, " same ", "same")
	assert.True(t, ok)
	assert.Equal(t, 1.0, score)
	assert.Equal(t, 1, fe.calls, "identical text skips the endpoint")
}

type fakeLLM struct {
	reply string
	err   error
	last  schema.Messages
	opts  schema.ChatOptions
}

func (f *fakeLLM) Chat(_ context.Context, messages schema.Messages, opts schema.ChatOptions) (string, error) {
	f.last = messages
	f.opts = opts
	return f.reply, f.err
}

func TestJudge_ShouldReply(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    bool
		wantErr bool
		wantWhy string
	}{
		{"json yes", `{"reply": true, "reason": "asked a question"}`, true, false, "asked a question"},
		{"fenced json", "```json\n{\"reply\": false, \"reason\": \"chatter\"}\n```", false, false, "chatter"},
		{"bare yes", "Yes.", true, false, "unstructured verdict"},
		{"bare no", "no", false, false, "unstructured verdict"},
		{"garbage", "maybe later", false, true, ""},
		{"missing field", `{"reason": "?"}`, false, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &fakeLLM{reply: tt.reply}
			j := NewJudge(llm, JudgeConfig{Model: "judge-model", BotName: "dolphin"})

			ok, why, err := j.ShouldReply(context.Background(),
				schema.Message{SenderID: "u1", SenderName: "Ann", Text: "anyone around?"},
				schema.Signals{})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.wantWhy, why)
			assert.Equal(t, "judge-model", llm.opts.Model)
			require.Equal(t, 2, llm.last.Len())
			assert.Contains(t, llm.last.Messages[0].Content, "dolphin")
			assert.Equal(t, "[Ann] anyone around?", llm.last.Messages[1].Content)
		})
	}
}

func TestJudge_ProviderErrorPropagates(t *testing.T) {
	j := NewJudge(&fakeLLM{err: errors.New("timeout")}, DefaultJudgeConfig())
	_, _, err := j.ShouldReply(context.Background(), schema.Message{Text: "hi"}, schema.Signals{})
	require.Error(t, err)

	_, err = j.IsDuplicate(context.Background(), "a", "b")
	require.Error(t, err)
}

func TestJudge_IsDuplicate(t *testing.T) {
	j := NewJudge(&fakeLLM{reply: `Sure: {"duplicate": true}`}, DefaultJudgeConfig())
	dup, err := j.IsDuplicate(context.Background(), "hello there", "hi there")
	require.NoError(t, err)
	assert.True(t, dup)

	j = NewJudge(&fakeLLM{reply: `{"duplicate": false}`}, DefaultJudgeConfig())
	dup, err = j.IsDuplicate(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestNew_DisabledFeaturesAreNil(t *testing.T) {
	set := New(DefaultLLMConfig(), EmbeddingConfig{}, JudgeConfig{})
	require.NotNil(t, set.Chat)
	assert.Nil(t, set.Similarity)
	assert.Nil(t, set.Judge)
	assert.Nil(t, set.SimilarityScorer())
	assert.Nil(t, set.GateJudge(JudgeConfig{}))
	assert.Nil(t, set.DedupJudge(JudgeConfig{}))
}

func TestNew_EnabledFeatures(t *testing.T) {
	jc := JudgeConfig{GateEnabled: true}
	set := New(DefaultLLMConfig(), DefaultEmbeddingConfig(), jc)
	assert.NotNil(t, set.Similarity, "openai spec supplies a default embedding model")
	assert.NotNil(t, set.GateJudge(jc))
	assert.Nil(t, set.DedupJudge(jc))
}
