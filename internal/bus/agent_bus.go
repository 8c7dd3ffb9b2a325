package bus

import "context"

// AgentBus carries messages from transports → pipeline.
// Transports call Publish; the pipeline reads via Subscribe.
type AgentBus struct {
	ch chan Inbound
}

func NewAgentBus(bufSize int) *AgentBus {
	return &AgentBus{ch: make(chan Inbound, bufSize)}
}

// Publish delivers a message to the pipeline, giving up when ctx ends.
func (b *AgentBus) Publish(ctx context.Context, msg Inbound) error {
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a receive-only view of the inbound channel.
func (b *AgentBus) Subscribe() <-chan Inbound {
	return b.ch
}

func (b *AgentBus) Len() int { return len(b.ch) }
