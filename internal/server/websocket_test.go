package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/replyflow/internal/bus"
	"github.com/crystaldolphin/replyflow/internal/schema"
)

func newTestServer(t *testing.T, cfg Config) (*WSServer, *bus.AgentBus, string) {
	t.Helper()
	inbound := bus.NewAgentBus(8)
	s := NewWSServer(cfg, inbound, "dolphin")
	ctx, cancel := context.WithCancel(context.Background())
	ts := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return s, inbound, ts.URL
}

func dial(t *testing.T, base string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func TestWSServer_MessagePublishesAndAcks(t *testing.T) {
	_, inbound, url := newTestServer(t, DefaultConfig())
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(Frame{Type: "message", Message: &schema.Message{
		GroupID: "g1", SenderID: "alice", Text: "hey @Dolphin",
	}}))

	ack := readFrame(t, c)
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, "g1", ack.Conversation)

	select {
	case in := <-inbound.Subscribe():
		assert.Equal(t, bus.SourceWebsocket, in.Source)
		assert.NotEmpty(t, in.Message.ID)
		assert.False(t, in.Message.Time.IsZero())
		assert.True(t, in.Message.Mentioned)
	case <-time.After(2 * time.Second):
		t.Fatal("message not published")
	}
}

func TestWSServer_SendRoutesToSubscribers(t *testing.T) {
	s, inbound, url := newTestServer(t, DefaultConfig())
	sender := dial(t, url)
	watcher := dial(t, url)
	other := dial(t, url)

	require.NoError(t, sender.WriteJSON(Frame{Type: "message", Message: &schema.Message{SenderID: "bob", Text: "hi"}}))
	assert.Equal(t, "ack", readFrame(t, sender).Type)
	<-inbound.Subscribe()

	require.NoError(t, watcher.WriteJSON(Frame{Type: "subscribe", Conversation: "private:bob"}))
	assert.Equal(t, "ack", readFrame(t, watcher).Type)
	require.NoError(t, other.WriteJSON(Frame{Type: "subscribe", Conversation: "g9"}))
	assert.Equal(t, "ack", readFrame(t, other).Type)
	require.Equal(t, 3, s.Connections())

	require.NoError(t, s.Send(context.Background(), bus.Outbound{ConversationKey: "private:bob", Text: "hello bob", ReplyTo: "m1"}))

	for _, c := range []*websocket.Conn{sender, watcher} {
		f := readFrame(t, c)
		assert.Equal(t, "reply", f.Type)
		require.NotNil(t, f.Reply)
		assert.Equal(t, "hello bob", f.Reply.Text)
		assert.Equal(t, "m1", f.Reply.ReplyTo)
	}

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "unsubscribed connection receives nothing")
}

func TestWSServer_SendWithoutSubscriberFails(t *testing.T) {
	s, _, _ := newTestServer(t, DefaultConfig())
	err := s.Send(context.Background(), bus.Outbound{ConversationKey: "nobody", Text: "x"})
	assert.Error(t, err)
}

func TestWSServer_BadFrames(t *testing.T) {
	_, _, url := newTestServer(t, DefaultConfig())
	c := dial(t, url)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "error", readFrame(t, c).Type)

	require.NoError(t, c.WriteJSON(Frame{Type: "message", Message: &schema.Message{Text: "no sender"}}))
	assert.Equal(t, "error", readFrame(t, c).Type)

	require.NoError(t, c.WriteJSON(Frame{Type: "subscribe"}))
	assert.Equal(t, "error", readFrame(t, c).Type)

	require.NoError(t, c.WriteJSON(Frame{Type: "dance"}))
	f := readFrame(t, c)
	assert.Equal(t, "error", f.Type)
	assert.Contains(t, f.Error, "dance")
}

func TestWSServer_AllowFromFiltersSenders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowFrom = []string{"alice"}
	_, inbound, url := newTestServer(t, cfg)
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(Frame{Type: "message", Message: &schema.Message{SenderID: "mallory", Text: "hi"}}))
	assert.Equal(t, "ack", readFrame(t, c).Type)
	assert.Zero(t, inbound.Len())
}

func TestWSServer_Healthz(t *testing.T) {
	_, _, url := newTestServer(t, DefaultConfig())
	resp, err := http.Get(url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["ok"])
}
