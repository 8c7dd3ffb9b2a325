package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_NonExistentUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.LLM.Model, cfg.LLM.Model)
	assert.Equal(t, def.Bundler, cfg.Bundler)
	assert.Equal(t, def.Fatigue.Sender, cfg.Fatigue.Sender)
	assert.Equal(t, def.Fatigue.Group, cfg.Fatigue.Group)
	assert.Equal(t, def.History, cfg.History)
	assert.Equal(t, def.SendQueue, cfg.SendQueue)
	assert.Equal(t, def.Pipeline.SystemPrompt, cfg.Pipeline.SystemPrompt)
	assert.Equal(t, def.Maintenance, cfg.Maintenance)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  model: deepseek/deepseek-chat
  maxTokens: 4096
bundler:
  window: 2s
fatigue:
  group:
    baseLimit: 7
server:
  allowFrom: [alice, bob]
logging:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "deepseek/deepseek-chat", cfg.LLM.Model)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, 2*time.Second, cfg.Bundler.Window)
	assert.Equal(t, DefaultConfig().Bundler.MaxDuration, cfg.Bundler.MaxDuration, "siblings keep defaults")
	assert.Equal(t, 7, cfg.Fatigue.Group.BaseLimit)
	assert.Equal(t, DefaultConfig().Fatigue.Sender.BaseLimit, cfg.Fatigue.Sender.BaseLimit)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Server.AllowFrom)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REPLYFLOW_LLM_API_KEY", "sk-test")
	t.Setenv("REPLYFLOW_BUNDLER_WINDOW", "750ms")
	t.Setenv("REPLYFLOW_STORE_BACKEND", "memory")

	path := writeConfig(t, "llm:\n  apiKey: from-file\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 750*time.Millisecond, cfg.Bundler.Window)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "llm: [unterminated\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSave_ThenLoadKeepsDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Admission.QueueTimeout = 45 * time.Second
	cfg.SendQueue.SendDelay = 1500 * time.Millisecond
	cfg.Judge.BotName = "dolphin"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(&cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, got.Admission.QueueTimeout)
	assert.Equal(t, 1500*time.Millisecond, got.SendQueue.SendDelay)
	assert.Equal(t, "dolphin", got.Judge.BotName)
	assert.Equal(t, cfg.History.SnapshotTTL, got.History.SnapshotTTL)
}

func TestConfig_PoliciesAndBotNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fatigue.Sender.BaseLimit = 2
	p := cfg.Policies()
	assert.Equal(t, 2, p.SenderFatigue.BaseLimit)
	assert.Equal(t, cfg.Attention, p.Attention)

	cfg.Judge.BotName = "dolphin"
	cfg.ReplyWorth.BotNames = []string{"dolphin", "dolly", ""}
	assert.Equal(t, []string{"dolphin", "dolly"}, cfg.BotNames())
}

func TestConfigPath(t *testing.T) {
	assert.Equal(t, "config.yaml", filepath.Base(ConfigPath()))
	assert.Equal(t, ".replyflow", filepath.Base(DataDir()))
}
