// Package channels connects transports to the reply pipeline.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crystaldolphin/replyflow/internal/bus"
	"github.com/crystaldolphin/replyflow/internal/schema"
)

// Channel is the interface every transport adapter implements.
type Channel interface {
	// Name returns the unique channel identifier, matching a bus.Source.
	Name() string
	// Start begins listening for incoming messages; it blocks until ctx is cancelled.
	Start(ctx context.Context) error
	// Send delivers a reply produced by the pipeline.
	Send(ctx context.Context, msg bus.Outbound) error
}

// Base holds common state and helper methods shared by all channels.
type Base struct {
	source    bus.Source
	b         *bus.AgentBus
	botName   string
	allowFrom []string // empty = allow all
}

// NewBase creates a Base with the given source, bus, bot name and allowlist.
func NewBase(source bus.Source, b *bus.AgentBus, botName string, allowFrom []string) Base {
	return Base{source: source, b: b, botName: botName, allowFrom: allowFrom}
}

// IsAllowed checks whether senderID is on the allowlist.
func (b *Base) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, allowed := range b.allowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}

// Mentions reports whether text addresses the bot with "@<name>".
func (b *Base) Mentions(text string) bool {
	if b.botName == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), "@"+strings.ToLower(b.botName))
}

// HandleMessage verifies the sender is allowed, fills in missing envelope
// fields, then publishes the message to the pipeline.
func (b *Base) HandleMessage(ctx context.Context, msg schema.Message) error {
	if !b.IsAllowed(msg.SenderID) {
		slog.Warn("access denied", "channel", b.source, "sender", msg.SenderID)
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	if !msg.Mentioned && b.Mentions(msg.Text) {
		msg.Mentioned = true
	}
	return b.b.Publish(ctx, bus.Inbound{Source: b.source, Message: msg})
}
