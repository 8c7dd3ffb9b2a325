package providers

import "time"

// LLMConfig configures the chat endpoint.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	APIKey      string        `mapstructure:"apiKey" yaml:"apiKey"`
	APIBase     string        `mapstructure:"apiBase" yaml:"apiBase"`
	Model       string        `mapstructure:"model" yaml:"model"`
	MaxTokens   int           `mapstructure:"maxTokens" yaml:"maxTokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		MaxTokens:   1024,
		Temperature: 0.7,
		Timeout:     60 * time.Second,
	}
}

// EmbeddingConfig configures similarity scoring. Empty APIKey/APIBase fall
// back to the LLM settings.
type EmbeddingConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	APIKey    string        `mapstructure:"apiKey" yaml:"apiKey"`
	APIBase   string        `mapstructure:"apiBase" yaml:"apiBase"`
	Model     string        `mapstructure:"model" yaml:"model"`
	CacheSize int           `mapstructure:"cacheSize" yaml:"cacheSize"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Enabled:   true,
		CacheSize: 512,
		Timeout:   10 * time.Second,
	}
}

// JudgeConfig configures the LLM gate and dedup judge.
type JudgeConfig struct {
	GateEnabled  bool          `mapstructure:"gateEnabled" yaml:"gateEnabled"`
	DedupEnabled bool          `mapstructure:"dedupEnabled" yaml:"dedupEnabled"`
	Model        string        `mapstructure:"model" yaml:"model"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BotName      string        `mapstructure:"botName" yaml:"botName"`
}

func DefaultJudgeConfig() JudgeConfig {
	return JudgeConfig{
		GateEnabled:  true,
		DedupEnabled: true,
		Timeout:      8 * time.Second,
		BotName:      "replyflow",
	}
}
