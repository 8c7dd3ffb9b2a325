package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/crystaldolphin/replyflow/internal/schema"
	"github.com/crystaldolphin/replyflow/internal/shared/llmutils"
)

const gatePrompt = `You decide whether %s, a participant in a group chat, should reply to the latest message.
Reply only when the message asks something, addresses %s, or clearly invites a response.
Answer with a single JSON object: {"reply": true|false, "reason": "<short reason>"}`

const dedupPrompt = `You compare two chat replies that are about to be sent to the same conversation.
They are duplicates when they convey the same information, even if worded differently.
Answer with a single JSON object: {"duplicate": true|false}`

// Judge is the LLM-backed gate and dedup judge.
type Judge struct {
	provider schema.LLMProvider
	cfg      JudgeConfig
}

func NewJudge(provider schema.LLMProvider, cfg JudgeConfig) *Judge {
	return &Judge{provider: provider, cfg: cfg}
}

type gateVerdict struct {
	Reply  *bool  `json:"reply"`
	Reason string `json:"reason"`
}

type dedupVerdict struct {
	Duplicate *bool `json:"duplicate"`
}

// ShouldReply implements schema.GateJudge.
func (j *Judge) ShouldReply(ctx context.Context, msg schema.Message, sig schema.Signals) (bool, string, error) {
	name := llmutils.StringOrDefault(j.cfg.BotName, "the assistant")
	messages := schema.NewMessages(
		schema.NewSystemMessage(fmt.Sprintf(gatePrompt, name, name)),
	)
	sender := llmutils.StringOrDefault(msg.SenderName, msg.SenderID)
	messages.AddUser(fmt.Sprintf("[%s] %s", sender, llmutils.Truncate(msg.PlainText(), 2000)))

	raw, err := j.ask(ctx, messages)
	if err != nil {
		return false, "", err
	}

	var v gateVerdict
	if err := decodeVerdict(raw, &v); err != nil || v.Reply == nil {
		if b, ok := yesNo(raw); ok {
			return b, "unstructured verdict", nil
		}
		return false, "", fmt.Errorf("gate verdict unparseable: %q", llmutils.Truncate(raw, 120))
	}
	return *v.Reply, v.Reason, nil
}

// IsDuplicate implements schema.DedupJudge.
func (j *Judge) IsDuplicate(ctx context.Context, a, b string) (bool, error) {
	messages := schema.NewMessages(schema.NewSystemMessage(dedupPrompt))
	messages.AddUser(fmt.Sprintf("Reply A:\n%s\n\nReply B:\n%s", llmutils.Truncate(a, 2000), llmutils.Truncate(b, 2000)))

	raw, err := j.ask(ctx, messages)
	if err != nil {
		return false, err
	}

	var v dedupVerdict
	if err := decodeVerdict(raw, &v); err != nil || v.Duplicate == nil {
		if b, ok := yesNo(raw); ok {
			return b, nil
		}
		return false, fmt.Errorf("dedup verdict unparseable: %q", llmutils.Truncate(raw, 120))
	}
	return *v.Duplicate, nil
}

func (j *Judge) ask(ctx context.Context, messages schema.Messages) (string, error) {
	if j.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.Timeout)
		defer cancel()
	}
	raw, err := j.provider.Chat(ctx, messages, schema.NewChatOptions(j.cfg.Model, 128, 0))
	if err != nil {
		return "", fmt.Errorf("judge call: %w", err)
	}
	return raw, nil
}

// decodeVerdict extracts the first JSON object from raw, tolerating code
// fences and surrounding prose.
func decodeVerdict(raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return errors.New("no JSON object in verdict")
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}

func yesNo(raw string) (bool, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, ".!\"'` \n")
	switch s {
	case "yes", "true", "y":
		return true, true
	case "no", "false", "n":
		return false, true
	}
	return false, false
}
