package dependency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crystaldolphin/replyflow/internal/config"
	"github.com/crystaldolphin/replyflow/internal/store"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = store.BackendMemory
	cfg.Embedding.Enabled = false
	cfg.Judge.GateEnabled = false
	cfg.Judge.DedupEnabled = false
	cfg.Maintenance.HeartbeatSpec = ""
	return &cfg
}

func TestNew_WiresServices(t *testing.T) {
	c, err := New(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.NotNil(t, c.Pipeline())
	assert.NotNil(t, c.History())
	assert.NotNil(t, c.SendQueue())
	assert.NotNil(t, c.AgentBus())
	assert.NotNil(t, c.ChannelBus())
	assert.Equal(t, []string{"websocket"}, c.Channels().EnabledChannels())

	require.NoError(t, c.Scheduler().RunNow(context.Background(), "evict-idle"))
	assert.Equal(t, 1, c.Scheduler().Runs("evict-idle"))

	status := c.Status()
	assert.Equal(t, 0, status["groups"])
	assert.Equal(t, 0, status["send_queue"])
}

func TestNew_ServerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Enabled = false
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.Empty(t, c.Channels().EnabledChannels())
}

func TestNew_BadStoreBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "floppy"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
