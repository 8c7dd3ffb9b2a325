package providers

import "strings"

// ProviderSpec is the metadata record for one OpenAI-compatible endpoint.
type ProviderSpec struct {
	Name        string   // config value, e.g. "deepseek"
	Keywords    []string // model-name keywords for matching (lowercase)
	DisplayName string   // shown in `replyflow status`

	DetectByKeyPrefix   string // api key prefix identifying a gateway
	DetectByBaseKeyword string // api base substring identifying a gateway
	DefaultAPIBase      string

	// EmbeddingModel is the default model for similarity scoring; empty
	// means the endpoint has no embeddings API we rely on.
	EmbeddingModel string
}

// Label returns the display name, defaulting to Title-cased Name.
func (s ProviderSpec) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return strings.ToUpper(s.Name[:1]) + s.Name[1:]
}

// PROVIDERS is the registry. Order = match priority.
var PROVIDERS = []ProviderSpec{
	{
		Name:                "openrouter",
		Keywords:            []string{"openrouter"},
		DisplayName:         "OpenRouter",
		DetectByKeyPrefix:   "sk-or-",
		DetectByBaseKeyword: "openrouter",
		DefaultAPIBase:      "https://openrouter.ai/api/v1",
	},
	{
		Name:                "siliconflow",
		Keywords:            []string{"siliconflow"},
		DisplayName:         "SiliconFlow",
		DetectByBaseKeyword: "siliconflow",
		DefaultAPIBase:      "https://api.siliconflow.cn/v1",
		EmbeddingModel:      "BAAI/bge-m3",
	},
	{
		Name:           "openai",
		Keywords:       []string{"openai", "gpt"},
		DisplayName:    "OpenAI",
		DefaultAPIBase: "https://api.openai.com/v1",
		EmbeddingModel: "text-embedding-3-small",
	},
	{
		Name:           "deepseek",
		Keywords:       []string{"deepseek"},
		DisplayName:    "DeepSeek",
		DefaultAPIBase: "https://api.deepseek.com/v1",
	},
	{
		Name:           "dashscope",
		Keywords:       []string{"qwen", "dashscope"},
		DisplayName:    "DashScope",
		DefaultAPIBase: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		EmbeddingModel: "text-embedding-v3",
	},
	{
		Name:           "moonshot",
		Keywords:       []string{"moonshot", "kimi"},
		DisplayName:    "Moonshot",
		DefaultAPIBase: "https://api.moonshot.ai/v1",
	},
	{
		Name:           "groq",
		Keywords:       []string{"groq"},
		DisplayName:    "Groq",
		DefaultAPIBase: "https://api.groq.com/openai/v1",
	},
	{
		Name:           "vllm",
		Keywords:       []string{"vllm"},
		DisplayName:    "vLLM/Local",
		DefaultAPIBase: "http://localhost:8000/v1",
	},
}

// FindByName returns the ProviderSpec whose Name equals name.
func FindByName(name string) *ProviderSpec {
	for i := range PROVIDERS {
		if PROVIDERS[i].Name == name {
			return &PROVIDERS[i]
		}
	}
	return nil
}

// FindByModel matches a provider by model-name keyword (case-insensitive).
// An explicit "provider/" prefix wins over keywords.
func FindByModel(model string) *ProviderSpec {
	lower := strings.ToLower(model)
	if prefix, _, ok := strings.Cut(lower, "/"); ok {
		if s := FindByName(prefix); s != nil {
			return s
		}
	}
	for i := range PROVIDERS {
		for _, kw := range PROVIDERS[i].Keywords {
			if strings.Contains(lower, kw) {
				return &PROVIDERS[i]
			}
		}
	}
	return nil
}

// FindGateway detects a gateway by api key prefix or api base keyword.
func FindGateway(apiKey, apiBase string) *ProviderSpec {
	for i := range PROVIDERS {
		spec := &PROVIDERS[i]
		if spec.DetectByKeyPrefix != "" && strings.HasPrefix(apiKey, spec.DetectByKeyPrefix) {
			return spec
		}
		if spec.DetectByBaseKeyword != "" && strings.Contains(apiBase, spec.DetectByBaseKeyword) {
			return spec
		}
	}
	return nil
}

// Resolve picks the spec for a configuration. Priority: explicit provider
// name, gateway detection, model keyword, then OpenAI.
func Resolve(providerName, apiKey, apiBase, model string) *ProviderSpec {
	if providerName != "" {
		if s := FindByName(providerName); s != nil {
			return s
		}
	}
	if s := FindGateway(apiKey, apiBase); s != nil {
		return s
	}
	if s := FindByModel(model); s != nil {
		return s
	}
	return FindByName("openai")
}

// ResolveAPIBase returns apiBase if set, otherwise the spec's default.
func ResolveAPIBase(spec *ProviderSpec, apiBase string) string {
	if apiBase != "" {
		return strings.TrimRight(apiBase, "/")
	}
	if spec != nil && spec.DefaultAPIBase != "" {
		return spec.DefaultAPIBase
	}
	return "https://api.openai.com/v1"
}
