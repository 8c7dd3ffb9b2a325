package bus

import "context"

// ChannelBus carries replies from pipeline → transports.
// The pipeline calls Publish; the channel manager reads via Subscribe.
type ChannelBus struct {
	ch chan Outbound
}

func NewChannelBus(bufSize int) *ChannelBus {
	return &ChannelBus{ch: make(chan Outbound, bufSize)}
}

// Publish delivers a reply to the channel manager, giving up when ctx ends.
func (b *ChannelBus) Publish(ctx context.Context, msg Outbound) error {
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a receive-only view of the outbound channel.
func (b *ChannelBus) Subscribe() <-chan Outbound {
	return b.ch
}

func (b *ChannelBus) Len() int { return len(b.ch) }
