package channels

import (
	"context"
	"log/slog"
	"sort"

	"github.com/crystaldolphin/replyflow/internal/bus"
)

// Manager owns all enabled channels and routes outbound messages.
type Manager struct {
	channels   map[string]Channel
	channelBus *bus.ChannelBus
}

// NewManager creates a Manager over the given channels.
func NewManager(outbound *bus.ChannelBus, chs ...Channel) *Manager {
	m := &Manager{
		channels:   make(map[string]Channel),
		channelBus: outbound,
	}
	for _, ch := range chs {
		m.Register(ch)
	}
	return m
}

// Register adds a channel; a later channel with the same name replaces it.
func (m *Manager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	slog.Info("channel enabled", "name", ch.Name())
}

// EnabledChannels returns the names of all enabled channels, sorted.
func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for n := range m.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartAll starts all channels concurrently and dispatches outbound messages.
// Blocks until ctx is cancelled.
func (m *Manager) StartAll(ctx context.Context) error {
	go m.dispatchOutbound(ctx)

	for name, ch := range m.channels {
		go func(n string, c Channel) {
			slog.Info("starting channel", "name", n)
			if err := c.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("channel exited with error", "name", n, "err", err)
			}
		}(name, ch)
	}

	<-ctx.Done()
	return ctx.Err()
}

// dispatchOutbound reads from the channel bus and routes each reply to the
// channel the conversation arrived on.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-m.channelBus.Subscribe():
			m.dispatch(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, msg bus.Outbound) {
	ch, ok := m.channels[string(msg.Source)]
	if !ok {
		slog.Debug("unknown channel for outbound message", "channel", msg.Source, "conversation", msg.ConversationKey)
		return
	}
	if err := ch.Send(ctx, msg); err != nil {
		slog.Error("send error", "channel", msg.Source, "err", err)
	}
}
