package channels

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/replyflow/internal/bus"
)

func TestBase_AllowlistAndMentions(t *testing.T) {
	b := NewBase(bus.SourceConsole, bus.NewAgentBus(4), "Dolphin", []string{"alice"})
	assert.True(t, b.IsAllowed("alice"))
	assert.False(t, b.IsAllowed("bob"))
	assert.True(t, b.Mentions("hey @dolphin what's up"))
	assert.False(t, b.Mentions("hey dolphin"))

	open := NewBase(bus.SourceConsole, nil, "", nil)
	assert.True(t, open.IsAllowed("anyone"))
	assert.False(t, open.Mentions("@anything"))
}

func TestCLIChannel_PublishesLines(t *testing.T) {
	inbound := bus.NewAgentBus(8)
	in := strings.NewReader("hello\n/group g1\n/as bob\n@bot are you there?\n/nope\nexit\n")
	var out bytes.Buffer

	c := NewCLIChannel(inbound, ConsoleOptions{SenderID: "alice", BotName: "bot"}, in, &out)
	require.NoError(t, c.Start(context.Background()))

	first := <-inbound.Subscribe()
	assert.Equal(t, bus.SourceConsole, first.Source)
	assert.Equal(t, "alice", first.Message.SenderID)
	assert.True(t, first.Message.IsPrivate())
	assert.NotEmpty(t, first.Message.ID)
	assert.False(t, first.Message.Time.IsZero())

	second := <-inbound.Subscribe()
	assert.Equal(t, "g1", second.Message.GroupID)
	assert.Equal(t, "bob", second.Message.SenderID)
	assert.True(t, second.Message.Mentioned)
	assert.False(t, second.Message.IsPrivate())

	assert.Equal(t, 0, inbound.Len())
	assert.Contains(t, out.String(), "unknown command /nope")
	assert.Contains(t, out.String(), "Goodbye!")
}

type recordingChannel struct {
	name string
	mu   sync.Mutex
	got  []bus.Outbound
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *recordingChannel) Send(_ context.Context, msg bus.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return nil
}

func (r *recordingChannel) received() []bus.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Outbound(nil), r.got...)
}

func TestManager_RoutesBySource(t *testing.T) {
	outbound := bus.NewChannelBus(4)
	console := &recordingChannel{name: string(bus.SourceConsole)}
	ws := &recordingChannel{name: string(bus.SourceWebsocket)}
	m := NewManager(outbound, console, ws)
	assert.Equal(t, []string{"console", "websocket"}, m.EnabledChannels())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.StartAll(ctx) }()

	ctx2 := context.Background()
	require.NoError(t, outbound.Publish(ctx2, bus.Outbound{Source: bus.SourceWebsocket, ConversationKey: "g1", Text: "a"}))
	require.NoError(t, outbound.Publish(ctx2, bus.Outbound{Source: bus.SourceConsole, ConversationKey: "g2", Text: "b"}))
	require.NoError(t, outbound.Publish(ctx2, bus.Outbound{Source: "nowhere", Text: "c"}))

	require.Eventually(t, func() bool {
		return len(ws.received()) == 1 && len(console.received()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a", ws.received()[0].Text)
	assert.Equal(t, "b", console.received()[0].Text)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestCLIChannel_SendPrints(t *testing.T) {
	var out bytes.Buffer
	c := NewCLIChannel(bus.NewAgentBus(1), ConsoleOptions{}, strings.NewReader(""), &out)
	require.NoError(t, c.Send(context.Background(), bus.Outbound{ConversationKey: "g1", Text: "hi there"}))
	require.NoError(t, c.Send(context.Background(), bus.Outbound{ConversationKey: "g1"}))
	assert.Contains(t, out.String(), "hi there")
	assert.Equal(t, 1, strings.Count(out.String(), "replyflow → g1"), "empty replies are not printed")
}
