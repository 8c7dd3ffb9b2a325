// Package dependency wires core replyflow services using go.uber.org/dig.
package dependency

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/dig"

	"github.com/crystaldolphin/replyflow/internal/admission"
	"github.com/crystaldolphin/replyflow/internal/bundler"
	"github.com/crystaldolphin/replyflow/internal/bus"
	"github.com/crystaldolphin/replyflow/internal/channels"
	"github.com/crystaldolphin/replyflow/internal/config"
	"github.com/crystaldolphin/replyflow/internal/history"
	"github.com/crystaldolphin/replyflow/internal/maintenance"
	"github.com/crystaldolphin/replyflow/internal/pipeline"
	"github.com/crystaldolphin/replyflow/internal/providers"
	"github.com/crystaldolphin/replyflow/internal/replyworth"
	"github.com/crystaldolphin/replyflow/internal/schema"
	"github.com/crystaldolphin/replyflow/internal/sendqueue"
	"github.com/crystaldolphin/replyflow/internal/server"
	"github.com/crystaldolphin/replyflow/internal/store"
	"github.com/crystaldolphin/replyflow/internal/tokens"
)

// ServiceContainer holds the resolved core service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type ServiceContainer struct {
	cfg         *config.Config
	store       store.Store
	history     *history.Manager
	inboundBus  *bus.AgentBus
	outboundBus *bus.ChannelBus
	sends       *sendqueue.Queue
	pipeline    *pipeline.Pipeline
	channels    *channels.Manager
	scheduler   *maintenance.Scheduler
}

func (c *ServiceContainer) Config() *config.Config            { return c.cfg }
func (c *ServiceContainer) Store() store.Store                { return c.store }
func (c *ServiceContainer) History() *history.Manager         { return c.history }
func (c *ServiceContainer) AgentBus() *bus.AgentBus           { return c.inboundBus }
func (c *ServiceContainer) ChannelBus() *bus.ChannelBus       { return c.outboundBus }
func (c *ServiceContainer) SendQueue() *sendqueue.Queue       { return c.sends }
func (c *ServiceContainer) Pipeline() *pipeline.Pipeline      { return c.pipeline }
func (c *ServiceContainer) Channels() *channels.Manager       { return c.channels }
func (c *ServiceContainer) Scheduler() *maintenance.Scheduler { return c.scheduler }

// Status summarises runtime state for the heartbeat and status command.
func (c *ServiceContainer) Status() map[string]any {
	out := map[string]any{
		"groups":        len(c.history.Groups()),
		"inbound_queue": c.inboundBus.Len(),
		"send_queue":    c.sends.Len(),
		"channels":      c.channels.EnabledChannels(),
	}
	if s, ok := c.store.(store.Stater); ok {
		for k, v := range s.Stats() {
			out["store_"+k] = v
		}
	}
	return out
}

// Close releases the store.
func (c *ServiceContainer) Close() error {
	c.sends.Close()
	if err := c.store.Close(); err != nil && !errors.Is(err, store.ErrClosed) {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// New builds and wires all core services from cfg.
func New(ctx context.Context, cfg *config.Config) (*ServiceContainer, error) {
	d := dig.New()

	ctors := []any{
		func() *config.Config { return cfg },
		func() (store.Store, error) { return store.Open(ctx, cfg.Store) },
		newTokenCounter,
		newHistoryManager,
		newProviderSet,
		newLLMProvider,
		newReplyWorth,
		newAdmissionController,
		newBundler,
		newSendQueue,
		newAgentBus,
		newChannelBus,
		newPipeline,
		newChannelManager,
		maintenance.NewScheduler,
	}
	for _, ctor := range ctors {
		if err := d.Provide(ctor); err != nil {
			return nil, err
		}
	}

	var result *ServiceContainer
	err := d.Invoke(func(
		st store.Store,
		hist *history.Manager,
		inbound *bus.AgentBus,
		outbound *bus.ChannelBus,
		sends *sendqueue.Queue,
		p *pipeline.Pipeline,
		chans *channels.Manager,
		sched *maintenance.Scheduler,
	) error {
		result = &ServiceContainer{
			cfg:         cfg,
			store:       st,
			history:     hist,
			inboundBus:  inbound,
			outboundBus: outbound,
			sends:       sends,
			pipeline:    p,
			channels:    chans,
			scheduler:   sched,
		}
		return maintenance.Register(sched, cfg.Maintenance, st, hist, result.Status)
	})
	if err != nil {
		return nil, fmt.Errorf("wire services: %w", dig.RootCause(err))
	}
	return result, nil
}

func newTokenCounter(cfg *config.Config) schema.TokenCounter {
	return tokens.NewCounter(cfg.Tokens.Encoding)
}

func newHistoryManager(cfg *config.Config, st store.Store, counter schema.TokenCounter) *history.Manager {
	return history.NewManager(cfg.History, st, counter, nil)
}

func newProviderSet(cfg *config.Config) providers.Set {
	return providers.New(cfg.LLM, cfg.Embedding, cfg.Judge)
}

func newLLMProvider(set providers.Set) schema.LLMProvider {
	return set.Chat
}

func newReplyWorth(cfg *config.Config) schema.ReplyWorthScorer {
	rw := cfg.ReplyWorth
	rw.BotNames = cfg.BotNames()
	return replyworth.New(rw)
}

func newAdmissionController(cfg *config.Config, set providers.Set, worth schema.ReplyWorthScorer) *admission.Controller {
	return admission.New(cfg.Admission, cfg.Policies(), nil, nil, worth, set.GateJudge(cfg.Judge), nil)
}

func newBundler(cfg *config.Config, set providers.Set) *bundler.Bundler {
	return bundler.New(cfg.Bundler, set.SimilarityScorer())
}

func newSendQueue(cfg *config.Config, set providers.Set) *sendqueue.Queue {
	return sendqueue.New(cfg.SendQueue, set.SimilarityScorer(), set.DedupJudge(cfg.Judge))
}

func newAgentBus() *bus.AgentBus {
	return bus.NewAgentBus(100)
}

func newChannelBus() *bus.ChannelBus {
	return bus.NewChannelBus(100)
}

func newPipeline(
	cfg *config.Config,
	inbound *bus.AgentBus,
	outbound *bus.ChannelBus,
	ctrl *admission.Controller,
	bnd *bundler.Bundler,
	hist *history.Manager,
	sends *sendqueue.Queue,
	llm schema.LLMProvider,
) *pipeline.Pipeline {
	opts := schema.NewChatOptions(cfg.LLM.Model, cfg.LLM.MaxTokens, cfg.LLM.Temperature)
	return pipeline.New(cfg.Pipeline, opts, inbound, outbound, ctrl, bnd, hist, sends, llm)
}

// newChannelManager registers the websocket server when enabled. The
// console command adds its own channel.
func newChannelManager(cfg *config.Config, inbound *bus.AgentBus, outbound *bus.ChannelBus) *channels.Manager {
	m := channels.NewManager(outbound)
	if cfg.Server.Enabled {
		m.Register(server.NewWSServer(cfg.Server, inbound, cfg.Judge.BotName))
	}
	return m
}
