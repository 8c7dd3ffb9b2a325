package history

import (
	"context"
	"log/slog"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

// AddPendingMessage queues msg for its sender. A message whose id is already
// pending or processing is ignored and false is returned. Senders silent for
// longer than SenderTimeout are swept first: their pending, processing and
// scoped state is dropped as abandoned.
func (m *Manager) AddPendingMessage(ctx context.Context, groupID string, msg schema.Message) bool {
	return run(ctx, m, groupID, func(st *GroupState) bool {
		now := m.clock.Now()
		m.sweepStaleSenders(st, msg.SenderID)

		if msg.ID != "" && (containsID(st.Pending, msg.ID) || containsID(st.Processing, msg.ID)) {
			slog.Debug("history: duplicate pending message ignored", "group", groupID, "id", msg.ID)
			return false
		}

		st.Pending = append(st.Pending, msg)
		st.SenderLastMessage[msg.SenderID] = now
		m.persist(ctx, st)
		return true
	})
}

// StartProcessingMessages moves all of senderID's pending messages to
// processing and returns them in arrival order.
func (m *Manager) StartProcessingMessages(ctx context.Context, groupID, senderID string) []schema.Message {
	return run(ctx, m, groupID, func(st *GroupState) []schema.Message {
		var moved []schema.Message
		kept := st.Pending[:0]
		for _, msg := range st.Pending {
			if msg.SenderID == senderID {
				moved = append(moved, msg)
				continue
			}
			kept = append(kept, msg)
		}
		if len(moved) == 0 {
			return nil
		}
		st.Pending = kept
		st.Processing = append(st.Processing, moved...)
		m.persist(ctx, st)
		return append([]schema.Message(nil), moved...)
	})
}

// CompleteProcessingMessages drops senderID's processing messages once its
// task has ended. It returns how many were removed.
func (m *Manager) CompleteProcessingMessages(ctx context.Context, groupID, senderID string) int {
	return run(ctx, m, groupID, func(st *GroupState) int {
		n := 0
		kept := st.Processing[:0]
		for _, msg := range st.Processing {
			if msg.SenderID == senderID {
				n++
				continue
			}
			kept = append(kept, msg)
		}
		if n == 0 {
			return 0
		}
		st.Processing = kept
		m.persist(ctx, st)
		return n
	})
}

// PendingMessages returns a copy of senderID's pending messages.
func (m *Manager) PendingMessages(ctx context.Context, groupID, senderID string) []schema.Message {
	return run(ctx, m, groupID, func(st *GroupState) []schema.Message {
		var out []schema.Message
		for _, msg := range st.Pending {
			if msg.SenderID == senderID {
				out = append(out, msg)
			}
		}
		return out
	})
}

// sweepStaleSenders drops state for senders whose last message is older
// than SenderTimeout. keep is never swept.
func (m *Manager) sweepStaleSenders(st *GroupState, keep string) {
	if m.cfg.SenderTimeout <= 0 {
		return
	}
	now := m.clock.Now()
	stale := map[string]struct{}{}
	for sender, last := range st.SenderLastMessage {
		if sender != keep && now.Sub(last) > m.cfg.SenderTimeout {
			stale[sender] = struct{}{}
		}
	}
	if len(stale) == 0 {
		return
	}

	st.Pending = dropSenders(st.Pending, stale)
	st.Processing = dropSenders(st.Processing, stale)
	for sender := range stale {
		delete(st.Scoped, sender)
		delete(st.SenderLastMessage, sender)
	}
	slog.Debug("history: swept idle senders", "group", st.GroupID, "count", len(stale))
}

func dropSenders(msgs []schema.Message, stale map[string]struct{}) []schema.Message {
	kept := msgs[:0]
	for _, msg := range msgs {
		if _, ok := stale[msg.SenderID]; ok {
			continue
		}
		kept = append(kept, msg)
	}
	return kept
}

func containsID(msgs []schema.Message, id string) bool {
	for _, msg := range msgs {
		if msg.ID == id {
			return true
		}
	}
	return false
}
