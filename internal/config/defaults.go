package config

import (
	"github.com/spf13/viper"

	"github.com/crystaldolphin/replyflow/internal/fatigue"
)

// applyDefaults registers every default with v. Keys must be known to
// viper for REPLYFLOW_* environment overrides to apply.
func applyDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Admission.
	v.SetDefault("admission.maxConcurrentPerSender", d.Admission.MaxConcurrentPerSender)
	v.SetDefault("admission.queueTimeout", d.Admission.QueueTimeout)
	v.SetDefault("admission.bypassPrivate", d.Admission.BypassPrivate)
	v.SetDefault("admission.bypassMention", d.Admission.BypassMention)
	setFatigueDefaults(v, "fatigue.sender", d.Fatigue.Sender)
	setFatigueDefaults(v, "fatigue.group", d.Fatigue.Group)
	v.SetDefault("attention.window", d.Attention.Window)
	v.SetDefault("attention.maxSenders", d.Attention.MaxSenders)
	v.SetDefault("replyWorth.ignoreThreshold", d.ReplyWorth.IgnoreThreshold)
	v.SetDefault("replyWorth.botNames", d.ReplyWorth.BotNames)

	// Bundling and delivery.
	v.SetDefault("bundler.window", d.Bundler.Window)
	v.SetDefault("bundler.maxDuration", d.Bundler.MaxDuration)
	v.SetDefault("bundler.similarityThreshold", d.Bundler.SimilarityThreshold)
	v.SetDefault("bundler.maxLowSimCount", d.Bundler.MaxLowSimCount)
	v.SetDefault("sendQueue.sendDelay", d.SendQueue.SendDelay)
	v.SetDefault("sendQueue.fastPathThreshold", d.SendQueue.FastPathThreshold)
	v.SetDefault("sendQueue.fastPathCooldown", d.SendQueue.FastPathCooldown)
	v.SetDefault("sendQueue.similarityThreshold", d.SendQueue.SimilarityThreshold)
	v.SetDefault("sendQueue.judgeTimeout", d.SendQueue.JudgeTimeout)

	// History and persistence.
	v.SetDefault("history.maxConversationPairs", d.History.MaxConversationPairs)
	v.SetDefault("history.senderTimeout", d.History.SenderTimeout)
	v.SetDefault("history.snapshotTTL", d.History.SnapshotTTL)
	v.SetDefault("history.pairLogLimit", d.History.PairLogLimit)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.dir", d.Store.Dir)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.password", d.Store.Redis.Password)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("tokens.encoding", d.Tokens.Encoding)

	// Models.
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.apiKey", d.LLM.APIKey)
	v.SetDefault("llm.apiBase", d.LLM.APIBase)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.maxTokens", d.LLM.MaxTokens)
	v.SetDefault("llm.temperature", d.LLM.Temperature)
	v.SetDefault("llm.timeout", d.LLM.Timeout)
	v.SetDefault("embedding.enabled", d.Embedding.Enabled)
	v.SetDefault("embedding.apiKey", d.Embedding.APIKey)
	v.SetDefault("embedding.apiBase", d.Embedding.APIBase)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.cacheSize", d.Embedding.CacheSize)
	v.SetDefault("embedding.timeout", d.Embedding.Timeout)
	v.SetDefault("judge.gateEnabled", d.Judge.GateEnabled)
	v.SetDefault("judge.dedupEnabled", d.Judge.DedupEnabled)
	v.SetDefault("judge.model", d.Judge.Model)
	v.SetDefault("judge.timeout", d.Judge.Timeout)
	v.SetDefault("judge.botName", d.Judge.BotName)

	// Pipeline.
	v.SetDefault("pipeline.systemPrompt", d.Pipeline.SystemPrompt)
	v.SetDefault("pipeline.historyPairs", d.Pipeline.HistoryPairs)
	v.SetDefault("pipeline.historyMaxTokens", d.Pipeline.HistoryMaxTokens)
	v.SetDefault("pipeline.historyWindow", d.Pipeline.HistoryWindow)
	v.SetDefault("pipeline.scopedPrivate", d.Pipeline.ScopedPrivate)
	v.SetDefault("pipeline.supersede", d.Pipeline.Supersede)

	// Process.
	v.SetDefault("maintenance.gcSpec", d.Maintenance.GCSpec)
	v.SetDefault("maintenance.evictSpec", d.Maintenance.EvictSpec)
	v.SetDefault("maintenance.idleAfter", d.Maintenance.IdleAfter)
	v.SetDefault("maintenance.heartbeatSpec", d.Maintenance.HeartbeatSpec)
	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.path", d.Server.Path)
	v.SetDefault("server.allowFrom", d.Server.AllowFrom)
	v.SetDefault("console.groupId", d.Console.GroupID)
	v.SetDefault("console.senderId", d.Console.SenderID)
	v.SetDefault("console.senderName", d.Console.SenderName)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.addSource", d.Logging.AddSource)
}

func setFatigueDefaults(v *viper.Viper, prefix string, c fatigue.Config) {
	v.SetDefault(prefix+".window", c.Window)
	v.SetDefault(prefix+".baseLimit", c.BaseLimit)
	v.SetDefault(prefix+".minInterval", c.MinInterval)
	v.SetDefault(prefix+".backoffFactor", c.BackoffFactor)
	v.SetDefault(prefix+".maxBackoffMultiplier", c.MaxBackoffMultiplier)
}
