// Package config defines the configuration schema for replyflow.
//
// Keys use camelCase in ~/.replyflow/config.yaml. Each section is the
// Config type of the component it configures.
package config

import (
	"github.com/crystaldolphin/replyflow/internal/admission"
	"github.com/crystaldolphin/replyflow/internal/attention"
	"github.com/crystaldolphin/replyflow/internal/bundler"
	"github.com/crystaldolphin/replyflow/internal/fatigue"
	"github.com/crystaldolphin/replyflow/internal/history"
	"github.com/crystaldolphin/replyflow/internal/maintenance"
	"github.com/crystaldolphin/replyflow/internal/pipeline"
	"github.com/crystaldolphin/replyflow/internal/providers"
	"github.com/crystaldolphin/replyflow/internal/replyworth"
	"github.com/crystaldolphin/replyflow/internal/sendqueue"
	"github.com/crystaldolphin/replyflow/internal/server"
	"github.com/crystaldolphin/replyflow/internal/store"
	"github.com/crystaldolphin/replyflow/internal/tokens"
)

// FatigueConfig holds the two fatigue policies.
type FatigueConfig struct {
	Sender fatigue.Config `mapstructure:"sender" yaml:"sender"`
	Group  fatigue.Config `mapstructure:"group" yaml:"group"`
}

type TokensConfig struct {
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
}

// ConsoleConfig is the identity the console command speaks as.
type ConsoleConfig struct {
	GroupID    string `mapstructure:"groupId" yaml:"groupId"`
	SenderID   string `mapstructure:"senderId" yaml:"senderId"`
	SenderName string `mapstructure:"senderName" yaml:"senderName"`
}

type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	AddSource bool   `mapstructure:"addSource" yaml:"addSource"`
}

// Config is the root configuration object.
type Config struct {
	Admission   admission.Config          `mapstructure:"admission" yaml:"admission"`
	Fatigue     FatigueConfig             `mapstructure:"fatigue" yaml:"fatigue"`
	Attention   attention.Config          `mapstructure:"attention" yaml:"attention"`
	ReplyWorth  replyworth.Config         `mapstructure:"replyWorth" yaml:"replyWorth"`
	Bundler     bundler.Config            `mapstructure:"bundler" yaml:"bundler"`
	History     history.Config            `mapstructure:"history" yaml:"history"`
	SendQueue   sendqueue.Config          `mapstructure:"sendQueue" yaml:"sendQueue"`
	Store       store.Config              `mapstructure:"store" yaml:"store"`
	Tokens      TokensConfig              `mapstructure:"tokens" yaml:"tokens"`
	LLM         providers.LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Embedding   providers.EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Judge       providers.JudgeConfig     `mapstructure:"judge" yaml:"judge"`
	Pipeline    pipeline.Config           `mapstructure:"pipeline" yaml:"pipeline"`
	Maintenance maintenance.Config        `mapstructure:"maintenance" yaml:"maintenance"`
	Server      server.Config             `mapstructure:"server" yaml:"server"`
	Console     ConsoleConfig             `mapstructure:"console" yaml:"console"`
	Logging     LoggingConfig             `mapstructure:"logging" yaml:"logging"`
}

// DefaultConfig returns a Config populated with every component default.
func DefaultConfig() Config {
	return Config{
		Admission:   admission.DefaultConfig(),
		Fatigue:     FatigueConfig{Sender: fatigue.DefaultSenderConfig(), Group: fatigue.DefaultGroupConfig()},
		Attention:   attention.DefaultConfig(),
		ReplyWorth:  replyworth.DefaultConfig(),
		Bundler:     bundler.DefaultConfig(),
		History:     history.DefaultConfig(),
		SendQueue:   sendqueue.DefaultConfig(),
		Store:       store.DefaultConfig(),
		Tokens:      TokensConfig{Encoding: tokens.DefaultEncoding},
		LLM:         providers.DefaultLLMConfig(),
		Embedding:   providers.DefaultEmbeddingConfig(),
		Judge:       providers.DefaultJudgeConfig(),
		Pipeline:    pipeline.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Server:      server.DefaultConfig(),
		Console:     ConsoleConfig{SenderID: "console", SenderName: "you"},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
	}
}

// Policies assembles the admission policies from their sections.
func (c *Config) Policies() admission.Policies {
	return admission.Policies{
		Attention:     c.Attention,
		SenderFatigue: c.Fatigue.Sender,
		GroupFatigue:  c.Fatigue.Group,
	}
}

// BotNames returns the names the bot answers to: the judge's bot name
// plus any reply-worth aliases, without duplicates.
func (c *Config) BotNames() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range append([]string{c.Judge.BotName}, c.ReplyWorth.BotNames...) {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
