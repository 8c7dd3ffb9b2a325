package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/replyflow/internal/admission"
	"github.com/crystaldolphin/replyflow/internal/bundler"
	"github.com/crystaldolphin/replyflow/internal/bus"
	"github.com/crystaldolphin/replyflow/internal/history"
	"github.com/crystaldolphin/replyflow/internal/schema"
	"github.com/crystaldolphin/replyflow/internal/sendqueue"
	"github.com/crystaldolphin/replyflow/internal/store"
)

type scriptedLLM struct {
	mu      sync.Mutex
	calls   []schema.Messages
	reply   func(schema.Messages) (string, error)
	release chan struct{}
}

func (l *scriptedLLM) Chat(ctx context.Context, messages schema.Messages, _ schema.ChatOptions) (string, error) {
	l.mu.Lock()
	l.calls = append(l.calls, messages.Clone())
	release := l.release
	l.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if l.reply == nil {
		return "ok", nil
	}
	return l.reply(messages)
}

func (l *scriptedLLM) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// userTurns returns the final user turn of every call so far.
func (l *scriptedLLM) userTurns() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.calls))
	for _, c := range l.calls {
		out = append(out, c.Messages[len(c.Messages)-1].Content)
	}
	return out
}

func (l *scriptedLLM) lastUser() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.calls[len(l.calls)-1].Messages
	return msgs[len(msgs)-1].Content
}

type ignoreAll struct{}

func (ignoreAll) Score(_ schema.Message, sig schema.Signals) schema.ReplyWorth {
	if sig.Explicit || sig.Private {
		return schema.ReplyWorth{Decision: schema.ReplyWorthLLM, NormalizedScore: 1}
	}
	return schema.ReplyWorth{Decision: schema.ReplyWorthIgnore}
}

// offTopic scores every pair as unrelated.
type offTopic struct{}

func (offTopic) Similarity(context.Context, string, string) (float64, bool) { return 0, true }

// echoLLM answers each turn with a distinct reply so the send queue never
// folds two of them together.
func echoLLM(release chan struct{}) *scriptedLLM {
	return &scriptedLLM{
		release: release,
		reply: func(msgs schema.Messages) (string, error) {
			return "re: " + msgs.Messages[len(msgs.Messages)-1].Content, nil
		},
	}
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	admission  admission.Config
	bundler    bundler.Config
	similarity schema.SimilarityScorer
}

func withQueueTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.admission.QueueTimeout = d }
}

// withTopicScorer diverts a message to the side queue after maxLowSim
// low-similarity scores from s.
func withTopicScorer(s schema.SimilarityScorer, maxLowSim int) harnessOption {
	return func(c *harnessConfig) {
		c.similarity = s
		c.bundler.MaxLowSimCount = maxLowSim
	}
}

type harness struct {
	p        *Pipeline
	llm      *scriptedLLM
	outbound *bus.ChannelBus
	hist     *history.Manager
	ctrl     *admission.Controller
	bnd      *bundler.Bundler
}

func newHarness(t *testing.T, cfg Config, llm *scriptedLLM, worth schema.ReplyWorthScorer, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{
		admission: admission.DefaultConfig(),
		bundler:   bundler.Config{Window: 30 * time.Millisecond, MaxDuration: 200 * time.Millisecond, SimilarityThreshold: 0.6, MaxLowSimCount: 2},
	}
	for _, opt := range opts {
		opt(&hc)
	}

	st, err := store.OpenBadger("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	sends := sendqueue.New(sendqueue.Config{SendDelay: 40 * time.Millisecond, FastPathThreshold: 4}, nil, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sends.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{
		llm:      llm,
		outbound: bus.NewChannelBus(16),
		hist:     history.NewManager(history.DefaultConfig(), st, nil, nil),
		ctrl:     admission.New(hc.admission, admission.DefaultPolicies(), nil, nil, worth, nil, nil),
		bnd:      bundler.New(hc.bundler, hc.similarity),
	}
	h.p = New(cfg, schema.NewChatOptions("test-model", 256, 0), bus.NewAgentBus(16), h.outbound,
		h.ctrl, h.bnd, h.hist, sends, llm)
	return h
}

func (h *harness) replies(t *testing.T, n int) []bus.Outbound {
	t.Helper()
	var out []bus.Outbound
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg := <-h.outbound.Subscribe():
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("got %d replies, want %d", len(out), n)
		}
	}
	return out
}

func (h *harness) assertNoMoreReplies(t *testing.T) {
	t.Helper()
	select {
	case msg := <-h.outbound.Subscribe():
		t.Fatalf("unexpected reply %q", msg.Text)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestPipeline_PrivateMessageRoundTrip(t *testing.T) {
	llm := &scriptedLLM{reply: func(schema.Messages) (string, error) { return "hello back", nil }}
	h := newHarness(t, DefaultConfig(), llm, nil)
	ctx := context.Background()

	h.p.HandleMessage(ctx, bus.Inbound{
		Source:  bus.SourceConsole,
		Message: schema.Message{ID: "m1", SenderID: "alice", Text: "hi bot", Time: time.Now()},
	})

	out := h.replies(t, 1)[0]
	assert.Equal(t, bus.SourceConsole, out.Source)
	assert.Equal(t, "private:alice", out.ConversationKey)
	assert.Equal(t, "hello back", out.Text)
	assert.Equal(t, "m1", out.ReplyTo)
	assert.Equal(t, "hi bot", llm.lastUser())

	snap := h.hist.Snapshot(ctx, "private:alice")
	require.Len(t, snap.Scoped["alice"], 2, "private pairs commit scoped")
	assert.Empty(t, snap.Conversations)
	assert.Empty(t, snap.Processing)
	assert.Zero(t, h.ctrl.ActiveCount("private:alice:alice"))

	log, err := h.hist.PairLog(ctx, "private:alice", 10)
	require.NoError(t, err)
	assert.Len(t, log, 1)
}

func TestPipeline_BurstIsBundledIntoOneReply(t *testing.T) {
	llm := &scriptedLLM{}
	h := newHarness(t, DefaultConfig(), llm, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, text := range []string{"so about the release", "it slipped again", "@bot any idea why?"} {
		msg := schema.Message{
			ID:         string(rune('a' + i)),
			GroupID:    "g1",
			SenderID:   "alice",
			SenderName: "Alice",
			Text:       text,
			Mentioned:  strings.HasPrefix(text, "@bot"),
			Time:       time.Now(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.p.HandleMessage(ctx, bus.Inbound{Source: bus.SourceWebsocket, Message: msg})
		}()
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	h.replies(t, 1)
	h.assertNoMoreReplies(t)
	require.Equal(t, 1, llm.callCount())
	user := llm.lastUser()
	assert.True(t, strings.HasPrefix(user, "[Alice] "))
	assert.Contains(t, user, "so about the release\nit slipped again\n@bot any idea why?")

	snap := h.hist.Snapshot(ctx, "g1")
	assert.Len(t, snap.Conversations, 2)
}

func TestPipeline_RejectedMessageLeavesNoWindow(t *testing.T) {
	llm := &scriptedLLM{}
	h := newHarness(t, DefaultConfig(), llm, ignoreAll{})
	ctx := context.Background()

	h.p.HandleMessage(ctx, bus.Inbound{Message: schema.Message{ID: "x", GroupID: "g1", SenderID: "bob", Text: "ok"}})

	assert.Zero(t, llm.callCount())
	assert.False(t, h.bnd.Collecting("g1:bob"))
	h.assertNoMoreReplies(t)

	// The next mention opens a fresh window and is answered.
	h.p.HandleMessage(ctx, bus.Inbound{Message: schema.Message{ID: "y", GroupID: "g1", SenderID: "bob", Text: "@bot hi", Mentioned: true}})
	h.replies(t, 1)
	assert.Equal(t, 1, llm.callCount())
}

func TestPipeline_LLMErrorCancelsPair(t *testing.T) {
	llm := &scriptedLLM{reply: func(schema.Messages) (string, error) { return "", errors.New("upstream down") }}
	h := newHarness(t, DefaultConfig(), llm, nil)
	ctx := context.Background()

	h.p.HandleMessage(ctx, bus.Inbound{Message: schema.Message{ID: "m", SenderID: "carol", Text: "hello"}})

	h.assertNoMoreReplies(t)
	snap := h.hist.Snapshot(ctx, "private:carol")
	assert.Empty(t, snap.ActivePairs)
	assert.Empty(t, snap.Scoped)
	assert.Zero(t, h.ctrl.ActiveCount("private:carol:carol"))
}

func TestPipeline_DuplicateRepliesCollapse(t *testing.T) {
	llm := &scriptedLLM{reply: func(schema.Messages) (string, error) { return "The meeting is at 3pm.", nil }}
	h := newHarness(t, DefaultConfig(), llm, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, sender := range []string{"alice", "bob"} {
		msg := schema.Message{ID: sender, GroupID: "g1", SenderID: sender, Text: "@bot when is the meeting?", Mentioned: true, Time: time.Now()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.p.HandleMessage(ctx, bus.Inbound{Message: msg})
		}()
	}
	wg.Wait()

	h.replies(t, 1)
	h.assertNoMoreReplies(t)
	assert.Equal(t, 2, llm.callCount())

	snap := h.hist.Snapshot(ctx, "g1")
	assert.Len(t, snap.Conversations, 2, "the dropped reply's pair is purged")
}

func TestPipeline_CancelSenderSuppressesReply(t *testing.T) {
	llm := &scriptedLLM{release: make(chan struct{})}
	h := newHarness(t, DefaultConfig(), llm, nil)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.p.HandleMessage(ctx, bus.Inbound{Message: schema.Message{ID: "m", GroupID: "g1", SenderID: "dave", Text: "@bot long question", Mentioned: true}})
	}()

	require.Eventually(t, func() bool { return llm.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.p.CancelSender(ctx, "g1", "dave"))
	close(llm.release)
	<-done

	h.assertNoMoreReplies(t)
	snap := h.hist.Snapshot(ctx, "g1")
	assert.Empty(t, snap.Conversations)
}

func TestPipeline_RunConsumesBus(t *testing.T) {
	llm := &scriptedLLM{}
	h := newHarness(t, DefaultConfig(), llm, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.p.Run(ctx) }()

	require.NoError(t, h.p.inbound.Publish(ctx, bus.Inbound{Message: schema.Message{ID: "r", SenderID: "erin", Text: "ping"}}))
	h.replies(t, 1)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func groupMessage(id, text string) bus.Inbound {
	return bus.Inbound{Message: schema.Message{ID: id, GroupID: "g1", SenderID: "sam", SenderName: "Sam", Text: text, Time: time.Now()}}
}

// startBlocked handles in on its own goroutine and waits until the model
// call for it is in flight.
func startBlocked(t *testing.T, h *harness, in bus.Inbound, calls int) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.p.HandleMessage(context.Background(), in)
	}()
	require.Eventually(t, func() bool { return h.llm.callCount() == calls }, time.Second, 5*time.Millisecond)
	return done
}

func TestPipeline_QueuedFollowUpRunsAfterActiveTask(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), echoLLM(release), nil)
	ctx := context.Background()

	done := startBlocked(t, h, groupMessage("m1", "first question"), 1)

	h.p.HandleMessage(ctx, groupMessage("m2", "and a follow up"))
	assert.Equal(t, 1, h.ctrl.QueueLength("g1:sam"))
	assert.Equal(t, 1, h.ctrl.ActiveCount("g1:sam"))

	close(release)
	<-done
	h.p.Wait()

	out := h.replies(t, 2)
	assert.Equal(t, "m1", out[0].ReplyTo)
	assert.Equal(t, "m2", out[1].ReplyTo)
	assert.Equal(t, []string{"[Sam] first question", "[Sam] and a follow up"}, h.llm.userTurns())
	assert.Zero(t, h.ctrl.ActiveCount("g1:sam"))
	assert.False(t, h.bnd.Collecting("g1:sam"))
	h.assertNoMoreReplies(t)
}

func TestPipeline_SideQueueDrainedAfterTask(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), echoLLM(release), nil, withTopicScorer(offTopic{}, 1))
	ctx := context.Background()

	done := startBlocked(t, h, groupMessage("m1", "first question"), 1)
	h.p.HandleMessage(ctx, groupMessage("m2", "and a follow up"))
	h.p.HandleMessage(ctx, groupMessage("m3", "totally different topic"))
	assert.Equal(t, 1, h.bnd.PendingCount("g1:sam"))

	close(release)
	<-done
	h.p.Wait()

	h.replies(t, 3)
	h.assertNoMoreReplies(t)
	assert.ElementsMatch(t,
		[]string{"[Sam] first question", "[Sam] and a follow up", "[Sam] totally different topic"},
		h.llm.userTurns())
	assert.Zero(t, h.bnd.PendingCount("g1:sam"))

	snap := h.hist.Snapshot(ctx, "g1")
	assert.Empty(t, snap.Pending)
	assert.Empty(t, snap.Processing)
}

func TestPipeline_OrphanedWindowAnsweredOnce(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), echoLLM(release), nil,
		withTopicScorer(offTopic{}, 1), withQueueTimeout(50*time.Millisecond))
	ctx := context.Background()

	done := startBlocked(t, h, groupMessage("m1", "first question"), 1)
	queued := groupMessage("m2", "and a follow up")
	h.p.HandleMessage(ctx, queued)
	require.Equal(t, 1, h.ctrl.QueueLength("g1:sam"))

	// The follow up's wait expires while m1 is still generating.
	time.Sleep(100 * time.Millisecond)
	close(release)
	<-done
	h.p.Wait()
	h.replies(t, 1)
	assert.False(t, h.bnd.Collecting("g1:sam"), "the expired owner's window is dropped")

	h.p.HandleMessage(ctx, groupMessage("m3", "totally different topic"))
	h.p.Wait()

	out := h.replies(t, 1)
	assert.Equal(t, "m3", out[0].ReplyTo)
	h.assertNoMoreReplies(t)
	assert.Equal(t, []string{"[Sam] first question", "[Sam] totally different topic"}, h.llm.userTurns())
}

func TestPipeline_OrphanedWindowDroppedOnArrival(t *testing.T) {
	h := newHarness(t, DefaultConfig(), echoLLM(nil), nil,
		withTopicScorer(offTopic{}, 1), withQueueTimeout(50*time.Millisecond))
	ctx := context.Background()

	h.p.HandleMessage(ctx, groupMessage("m2", "and a follow up"))
	h.replies(t, 1)

	// A window owned by a queued task that expired without anyone left to
	// complete it.
	require.Equal(t, bundler.ActionStartBundle, h.bnd.HandleIncoming(ctx, "g1:sam", groupMessage("x", "stale").Message, 0))
	h.p.mu.Lock()
	h.p.waiting["g1:sam"] = "expired-task"
	h.p.mu.Unlock()

	h.p.HandleMessage(ctx, groupMessage("m3", "totally different topic"))
	h.p.Wait()

	out := h.replies(t, 1)
	assert.Equal(t, "m3", out[0].ReplyTo)
	h.assertNoMoreReplies(t)
	assert.Zero(t, h.bnd.PendingCount("g1:sam"))
	assert.Equal(t, "[Sam] totally different topic", h.llm.lastUser())
	assert.Equal(t, 2, h.llm.callCount())
}

func TestPipeline_PrivateFollowUpWaitsForActiveTask(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), echoLLM(release), nil)
	ctx := context.Background()

	first := bus.Inbound{Message: schema.Message{ID: "p1", SenderID: "una", Text: "first", Time: time.Now()}}
	done := startBlocked(t, h, first, 1)

	h.p.HandleMessage(ctx, bus.Inbound{Message: schema.Message{ID: "p2", SenderID: "una", Text: "second", Time: time.Now()}})
	assert.Equal(t, 1, h.ctrl.ActiveCount("private:una:una"))
	assert.Equal(t, 1, h.ctrl.QueueLength("private:una:una"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.llm.callCount(), "no second generation while the first runs")

	close(release)
	<-done
	h.p.Wait()

	out := h.replies(t, 2)
	assert.Equal(t, "p1", out[0].ReplyTo)
	assert.Equal(t, "p2", out[1].ReplyTo)
	assert.Zero(t, h.ctrl.ActiveCount("private:una:una"))
}

func TestPipeline_RedeliveredMessageIgnored(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, DefaultConfig(), echoLLM(release), nil)
	ctx := context.Background()

	in := bus.Inbound{Message: schema.Message{ID: "d1", SenderID: "vic", Text: "hello", Time: time.Now()}}
	done := startBlocked(t, h, in, 1)
	h.p.HandleMessage(ctx, in)
	assert.Zero(t, h.ctrl.QueueLength("private:vic:vic"))

	close(release)
	<-done
	h.replies(t, 1)
	h.assertNoMoreReplies(t)
	assert.Equal(t, 1, h.llm.callCount())
}

func TestUnclaimedIDs(t *testing.T) {
	claimed := []schema.Message{{ID: "a"}, {ID: "b"}}
	assert.Empty(t, unclaimedIDs(schema.Message{ID: "a"}, claimed))
	assert.Empty(t, unclaimedIDs(schema.Message{ID: "a", MergedIDs: []string{"a", "b"}}, claimed))
	assert.Equal(t, []string{"c"}, unclaimedIDs(schema.Message{ID: "a", MergedIDs: []string{"a", "c"}}, claimed))
	assert.Empty(t, unclaimedIDs(schema.Message{}, nil))
}

func TestSignalsFor(t *testing.T) {
	assert.Equal(t, schema.Signals{Private: true}, signalsFor(schema.Message{SenderID: "a"}))
	assert.True(t, signalsFor(schema.Message{GroupID: "g", Mentioned: true}).Explicit)
	assert.True(t, signalsFor(schema.Message{GroupID: "g", Metadata: map[string]any{"reply_to_bot": true}}).Explicit)
}

func TestUserTurn(t *testing.T) {
	assert.Equal(t, "hi", userTurn(schema.Message{SenderID: "a", Text: " hi "}))
	assert.Equal(t, "[Ann] hi", userTurn(schema.Message{GroupID: "g", SenderID: "a", SenderName: "Ann", Text: "hi"}))
	assert.Equal(t, "[a] hi", userTurn(schema.Message{GroupID: "g", SenderID: "a", Text: "hi"}))
}
