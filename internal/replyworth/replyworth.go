// Package replyworth is the cheap local pre-filter consulted by admission
// before any LLM gate runs.
package replyworth

import (
	"strings"
	"unicode/utf8"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

type Config struct {
	IgnoreThreshold float64  `mapstructure:"ignoreThreshold" yaml:"ignoreThreshold"`
	BotNames        []string `mapstructure:"botNames" yaml:"botNames"`
}

func DefaultConfig() Config {
	return Config{IgnoreThreshold: 0.2}
}

// Short acknowledgements that rarely need an answer.
var acknowledgements = map[string]struct{}{
	"ok": {}, "okay": {}, "k": {}, "kk": {}, "lol": {}, "lmao": {}, "haha": {},
	"hah": {}, "thx": {}, "thanks": {}, "ty": {}, "yes": {}, "no": {}, "yep": {},
	"nope": {}, "sure": {}, "nice": {}, "cool": {}, "+1": {}, "嗯": {}, "哦": {},
	"好": {}, "好的": {}, "哈哈": {}, "哈哈哈": {},
}

var questionWords = []string{"how", "why", "what", "when", "where", "who", "which", "can you", "could you", "吗", "什么", "怎么", "为什么"}

// Scorer is a keyword and shape heuristic. It never calls out.
type Scorer struct {
	cfg   Config
	names []string
}

func New(cfg Config) *Scorer {
	names := make([]string, 0, len(cfg.BotNames))
	for _, n := range cfg.BotNames {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			names = append(names, n)
		}
	}
	return &Scorer{cfg: cfg, names: names}
}

// Score implements schema.ReplyWorthScorer.
func (s *Scorer) Score(msg schema.Message, sig schema.Signals) schema.ReplyWorth {
	if sig.Explicit || sig.Private {
		return schema.ReplyWorth{
			Decision:        schema.ReplyWorthLLM,
			NormalizedScore: 1,
			Reasons:         []string{"explicit"},
		}
	}

	text := strings.ToLower(msg.PlainText())
	score := 0.3
	var reasons []string

	if text == "" {
		return s.decide(0, []string{"empty"})
	}
	if _, ok := acknowledgements[strings.Trim(text, "!.~ ")]; ok {
		score -= 0.25
		reasons = append(reasons, "acknowledgement")
	}
	if strings.ContainsAny(text, "?？") {
		score += 0.25
		reasons = append(reasons, "question")
	} else {
		for _, w := range questionWords {
			if strings.Contains(text, w) {
				score += 0.15
				reasons = append(reasons, "question_word")
				break
			}
		}
	}
	for _, n := range s.names {
		if strings.Contains(text, n) {
			score += 0.4
			reasons = append(reasons, "bot_name")
			break
		}
	}

	switch n := utf8.RuneCountInString(text); {
	case n <= 2:
		score -= 0.15
		reasons = append(reasons, "very_short")
	case n >= 20:
		score += 0.1
		reasons = append(reasons, "substantial")
	}

	return s.decide(score, reasons)
}

func (s *Scorer) decide(score float64, reasons []string) schema.ReplyWorth {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	decision := schema.ReplyWorthLLM
	if score < s.cfg.IgnoreThreshold {
		decision = schema.ReplyWorthIgnore
	}
	return schema.ReplyWorth{Decision: decision, NormalizedScore: score, Reasons: reasons}
}
