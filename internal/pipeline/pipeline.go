// Package pipeline drives each inbound message through admission,
// bundling, history, the model and the send queue.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crystaldolphin/replyflow/internal/admission"
	"github.com/crystaldolphin/replyflow/internal/bundler"
	"github.com/crystaldolphin/replyflow/internal/bus"
	"github.com/crystaldolphin/replyflow/internal/history"
	"github.com/crystaldolphin/replyflow/internal/schema"
	"github.com/crystaldolphin/replyflow/internal/sendqueue"
	"github.com/crystaldolphin/replyflow/internal/shared/llmutils"
)

const defaultSystemPrompt = "You are a helpful participant in a chat. Keep replies short and on topic."

// Config tunes how model turns are built.
type Config struct {
	SystemPrompt     string        `mapstructure:"systemPrompt" yaml:"systemPrompt"`
	HistoryPairs     int           `mapstructure:"historyPairs" yaml:"historyPairs"`
	HistoryMaxTokens int           `mapstructure:"historyMaxTokens" yaml:"historyMaxTokens"`
	HistoryWindow    time.Duration `mapstructure:"historyWindow" yaml:"historyWindow"`
	// ScopedPrivate commits private-chat pairs to the sender's scoped buffer.
	ScopedPrivate bool `mapstructure:"scopedPrivate" yaml:"scopedPrivate"`
	// Supersede cancels a sender's in-flight generation when a new window
	// opens while it runs.
	Supersede bool `mapstructure:"supersede" yaml:"supersede"`
}

func DefaultConfig() Config {
	return Config{
		SystemPrompt:     defaultSystemPrompt,
		HistoryPairs:     8,
		HistoryMaxTokens: 2000,
		HistoryWindow:    30 * time.Minute,
		ScopedPrivate:    true,
	}
}

// Pipeline is the core processing engine.
//
// It reads Inbound messages from the agent bus and handles each in its own
// goroutine. Replies leave through the send queue onto the channel bus.
type Pipeline struct {
	cfg      Config
	chatOpts schema.ChatOptions

	inbound  *bus.AgentBus
	outbound *bus.ChannelBus

	admission *admission.Controller
	bundler   *bundler.Bundler
	history   *history.Manager
	sends     *sendqueue.Queue
	llm       schema.LLMProvider

	mu      sync.Mutex
	sources map[string]bus.Source // conversation key -> transport
	waiting map[string]string     // sender key -> queued task id owning the open window
	wg      sync.WaitGroup
}

// New creates a Pipeline over the supplied components.
func New(
	cfg Config,
	chatOpts schema.ChatOptions,
	inbound *bus.AgentBus,
	outbound *bus.ChannelBus,
	ctrl *admission.Controller,
	bnd *bundler.Bundler,
	hist *history.Manager,
	sends *sendqueue.Queue,
	llm schema.LLMProvider,
) *Pipeline {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Pipeline{
		cfg:       cfg,
		chatOpts:  chatOpts,
		inbound:   inbound,
		outbound:  outbound,
		admission: ctrl,
		bundler:   bnd,
		history:   hist,
		sends:     sends,
		llm:       llm,
		sources:   make(map[string]bus.Source),
		waiting:   make(map[string]string),
	}
}

// Run reads from the inbound bus and processes each message in a goroutine.
// Blocks until ctx is cancelled, then waits for in-flight tasks.
func (p *Pipeline) Run(ctx context.Context) error {
	slog.Info("Pipeline started")

	for {
		select {
		case in := <-p.inbound.Subscribe():
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.HandleMessage(ctx, in)
			}()
		case <-ctx.Done():
			slog.Info("Pipeline stopping")
			p.wg.Wait()
			return ctx.Err()
		}
	}
}

// Wait blocks until every task started so far has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// HandleMessage routes one inbound message. Admitted work runs on the
// calling goroutine.
func (p *Pipeline) HandleMessage(ctx context.Context, in bus.Inbound) {
	msg := in.Message
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	p.mu.Lock()
	if in.Source != "" {
		p.sources[msg.ConversationKey()] = in.Source
	}
	p.mu.Unlock()

	slog.Info("Processing message",
		"conversation", msg.ConversationKey(),
		"sender", msg.SenderID,
		"content", llmutils.Truncate(msg.Text, 80),
	)

	if !p.history.AddPendingMessage(ctx, msg.HistoryGroup(), msg) {
		slog.Info("duplicate message ignored", "conversation", msg.ConversationKey(), "id", msg.ID)
		return
	}
	p.route(ctx, msg)
}

func (p *Pipeline) route(ctx context.Context, msg schema.Message) {
	senderKey := msg.SenderKey()
	// A queued owner that expired or was rejected leaves its window
	// orphaned. Drop it before msg can join it.
	if p.orphaned(senderKey) {
		slog.Debug("pipeline: dropping orphaned window", "sender", senderKey)
		p.bundler.Discard(senderKey)
	}

	action := p.bundler.HandleIncoming(ctx, senderKey, msg, p.admission.ActiveCount(senderKey))
	switch action {
	case bundler.ActionBuffered, bundler.ActionPendingQueued:
		return
	case bundler.ActionPendingCollect:
		if p.cfg.Supersede {
			p.CancelSender(ctx, msg.HistoryGroup(), msg.SenderID)
		}
	}

	d := p.admission.Decide(ctx, msg, signalsFor(msg))
	switch {
	case d.Admit:
		p.runTask(ctx, d.Task)
	case d.Queued:
		p.mu.Lock()
		p.waiting[senderKey] = d.TaskID
		p.mu.Unlock()
	default:
		p.bundler.Discard(senderKey)
	}
}

// orphaned reports whether senderKey's window belongs to a queued task
// that is no longer waiting and no task is running to pick it up.
func (p *Pipeline) orphaned(senderKey string) bool {
	p.mu.Lock()
	taskID, ok := p.waiting[senderKey]
	p.mu.Unlock()
	if !ok || p.admission.IsQueued(senderKey, taskID) || p.admission.ActiveCount(senderKey) > 0 {
		return false
	}
	p.mu.Lock()
	if p.waiting[senderKey] == taskID {
		delete(p.waiting, senderKey)
	}
	p.mu.Unlock()
	return true
}

// runTask processes task and then every queued task admission hands back.
func (p *Pipeline) runTask(ctx context.Context, task *admission.Task) {
	for task != nil {
		p.process(ctx, task)

		group := task.Message.HistoryGroup()
		p.history.CompleteProcessingMessages(ctx, group, task.Message.SenderID)

		next, ok := p.admission.Complete(ctx, task.SenderKey, task.ID)
		if !ok && p.orphaned(task.SenderKey) {
			p.bundler.Discard(task.SenderKey)
		}
		if drained, has := p.bundler.DrainPending(task.SenderKey); has {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.route(ctx, drained)
			}()
		}
		if !ok {
			return
		}
		p.mu.Lock()
		if p.waiting[next.SenderKey] == next.ID {
			delete(p.waiting, next.SenderKey)
		}
		p.mu.Unlock()
		task = next
	}
}

func (p *Pipeline) process(ctx context.Context, task *admission.Task) {
	msg := task.Message
	if merged, ok := p.bundler.Collect(ctx, task.SenderKey); ok {
		msg = merged
	}
	if ctx.Err() != nil {
		return
	}

	group := msg.HistoryGroup()
	// The bundle is what this turn answers. The sender's pending list may
	// also hold side-queued messages, which are claimed here too and answered
	// when the side queue drains.
	claimed := p.history.StartProcessingMessages(ctx, group, msg.SenderID)
	if missing := unclaimedIDs(msg, claimed); len(missing) > 0 {
		slog.Debug("pipeline: bundled messages already claimed", "conversation", msg.ConversationKey(), "task", task.ID, "ids", missing)
	}

	opts := history.PairOptions{CommitMode: history.CommitShared, ScopeSenderID: msg.SenderID}
	if msg.IsPrivate() && p.cfg.ScopedPrivate {
		opts.CommitMode = history.CommitScoped
	}
	pairID := p.history.StartAssistantMessage(ctx, group, opts)
	userContent := userTurn(msg)

	conversation := p.buildMessages(ctx, group, msg, userContent)
	reply, err := p.llm.Chat(ctx, conversation, p.chatOpts)
	if err != nil {
		slog.Error("LLM error", "conversation", msg.ConversationKey(), "task", task.ID, "err", err)
		p.history.CancelConversationPairByID(ctx, group, pairID)
		return
	}

	if !p.history.IsPairBuilding(ctx, group, pairID) {
		slog.Info("generation superseded", "conversation", msg.ConversationKey(), "pair", pairID)
		return
	}
	p.history.AppendToAssistantMessage(ctx, group, pairID, reply)
	if !p.history.FinishConversationPair(ctx, group, pairID, userContent) {
		return
	}

	slog.Info("Response", "conversation", msg.ConversationKey(), "sender", msg.SenderID, "length", len(reply))
	p.deliver(ctx, task, msg, group, pairID, reply)
}

// deliver hands the reply to the send queue and waits for its outcome. A
// reply dropped as a duplicate is purged from history.
func (p *Pipeline) deliver(ctx context.Context, task *admission.Task, msg schema.Message, group, pairID, reply string) {
	out := bus.Outbound{
		Source:          p.sourceFor(msg.ConversationKey()),
		ConversationKey: msg.ConversationKey(),
		GroupID:         msg.GroupID,
		SenderID:        msg.SenderID,
		Text:            reply,
		ReplyTo:         msg.ID,
		TaskID:          task.ID,
	}
	send := func(sendCtx context.Context) (any, error) {
		if err := p.outbound.Publish(sendCtx, out); err != nil {
			return nil, fmt.Errorf("publish reply: %w", err)
		}
		return out, nil
	}

	outcome, err := p.sends.Send(ctx, send, task.ID, sendqueue.Meta{
		ConversationKey: msg.ConversationKey(),
		DedupText:       reply,
		GroupID:         msg.GroupID,
		SenderID:        msg.SenderID,
	})
	switch {
	case err != nil:
		slog.Warn("reply not delivered", "conversation", msg.ConversationKey(), "task", task.ID, "err", err)
	case outcome.Dropped:
		p.history.CancelConversationPairByID(ctx, group, pairID)
	}
}

// buildMessages assembles system prompt, recent history and the new user turn.
func (p *Pipeline) buildMessages(ctx context.Context, group string, msg schema.Message, userContent string) schema.Messages {
	conversation := schema.NewMessages(schema.NewSystemMessage(p.systemPrompt(msg)))

	opts := history.ContextOptions{
		RecentPairs: p.cfg.HistoryPairs,
		MaxTokens:   p.cfg.HistoryMaxTokens,
		SenderID:    msg.SenderID,
	}
	if p.cfg.HistoryWindow > 0 {
		opts.TimeEnd = msg.Time
		opts.TimeStart = msg.Time.Add(-p.cfg.HistoryWindow)
	}
	conversation.AddTurns(p.history.GetConversationHistoryForContext(ctx, group, opts))
	conversation.AddUser(userContent)
	return conversation
}

func (p *Pipeline) systemPrompt(msg schema.Message) string {
	var sb strings.Builder
	sb.WriteString(p.cfg.SystemPrompt)
	if msg.IsPrivate() {
		sb.WriteString("\n\nThis is a private conversation.")
	} else {
		fmt.Fprintf(&sb, "\n\nThis is group %s. Several people talk here; user turns are prefixed with the speaker's name.", msg.GroupID)
	}
	return sb.String()
}

// CancelSender cancels every in-flight generation of senderID in group.
// Running tasks notice at their next checkpoint and drop their reply.
func (p *Pipeline) CancelSender(ctx context.Context, group, senderID string) int {
	n := p.history.CancelConversationPairsForSender(ctx, group, senderID)
	if n > 0 {
		slog.Info("in-flight generation cancelled", "group", group, "sender", senderID, "pairs", n)
	}
	return n
}

func (p *Pipeline) sourceFor(conversationKey string) bus.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sources[conversationKey]
}

// unclaimedIDs lists the ids bundled into msg that are not in claimed.
func unclaimedIDs(msg schema.Message, claimed []schema.Message) []string {
	ids := msg.MergedIDs
	if len(ids) == 0 && msg.ID != "" {
		ids = []string{msg.ID}
	}
	held := make(map[string]struct{}, len(claimed))
	for _, m := range claimed {
		held[m.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := held[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func signalsFor(msg schema.Message) schema.Signals {
	explicit := msg.Mentioned
	if v, ok := msg.Metadata["reply_to_bot"].(bool); ok && v {
		explicit = true
	}
	return schema.Signals{Explicit: explicit, Private: msg.IsPrivate()}
}

// userTurn renders msg as the user side of a pair. Group turns carry the
// speaker's name so the model can tell people apart.
func userTurn(msg schema.Message) string {
	text := msg.PlainText()
	if msg.IsPrivate() {
		return text
	}
	return fmt.Sprintf("[%s] %s", llmutils.StringOrDefault(msg.SenderName, msg.SenderID), text)
}
