package history

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

// StartAssistantMessage allocates a new building pair and returns its id.
func (m *Manager) StartAssistantMessage(ctx context.Context, groupID string, opts PairOptions) string {
	mode := opts.CommitMode
	if mode != CommitScoped {
		mode = CommitShared
	}
	id := uuid.NewString()

	run(ctx, m, groupID, func(st *GroupState) struct{} {
		now := m.clock.Now()
		st.ActivePairs[id] = Pair{
			ID:            id,
			CreatedAt:     now,
			UpdatedAt:     now,
			Status:        PairBuilding,
			ScopeSenderID: opts.ScopeSenderID,
			CommitMode:    mode,
		}
		return struct{}{}
	})
	return id
}

// AppendToConversationPairMessages buffers a turn message on a building
// pair. Buffered messages replace the single user turn at commit time.
func (m *Manager) AppendToConversationPairMessages(ctx context.Context, groupID, pairID, role, content string) bool {
	return run(ctx, m, groupID, func(st *GroupState) bool {
		p, ok := buildingPair(st, pairID, "append message")
		if !ok {
			return false
		}
		p.Messages = append(append([]schema.Turn(nil), p.Messages...), schema.Turn{
			Role:    role,
			Content: content,
			PairID:  pairID,
		})
		p.UpdatedAt = m.clock.Now()
		st.ActivePairs[pairID] = p
		return true
	})
}

// AppendToAssistantMessage appends text to a building pair's assistant turn.
func (m *Manager) AppendToAssistantMessage(ctx context.Context, groupID, pairID, text string) bool {
	return run(ctx, m, groupID, func(st *GroupState) bool {
		p, ok := buildingPair(st, pairID, "append assistant")
		if !ok {
			return false
		}
		p.Assistant += text
		p.UpdatedAt = m.clock.Now()
		st.ActivePairs[pairID] = p
		return true
	})
}

// FinishConversationPair commits a building pair. Both the user side
// (userContent, the pair's own user content, or buffered messages) and the
// assistant side must be non-empty; otherwise the pair is cancelled and
// false is returned. Either way the pair leaves the active set.
func (m *Manager) FinishConversationPair(ctx context.Context, groupID, pairID, userContent string) bool {
	return run(ctx, m, groupID, func(st *GroupState) bool {
		p, ok := buildingPair(st, pairID, "finish")
		if !ok {
			return false
		}
		delete(st.ActivePairs, pairID)

		if strings.TrimSpace(userContent) != "" {
			p.UserContent = userContent
		}
		assistant := strings.TrimSpace(p.Assistant)
		userTurns := m.userTurns(p)

		if assistant == "" || len(userTurns) == 0 {
			p.Status = PairCancelled
			slog.Warn("history: pair cancelled at commit",
				"group", groupID,
				"pair", pairID,
				"empty_assistant", assistant == "",
				"empty_user", len(userTurns) == 0,
			)
			m.persist(ctx, st)
			return false
		}

		now := m.clock.Now()
		turns := make([]schema.Turn, 0, len(userTurns)+1)
		for _, t := range userTurns {
			t.PairID = pairID
			t.Timestamp = now
			turns = append(turns, t)
		}
		turns = append(turns, schema.Turn{
			Role:      schema.RoleAssistant,
			Content:   assistant,
			PairID:    pairID,
			Timestamp: now,
		})

		if p.CommitMode == CommitScoped && p.ScopeSenderID != "" {
			st.Scoped[p.ScopeSenderID] = trimPairs(append(st.Scoped[p.ScopeSenderID], turns...), m.cfg.MaxConversationPairs)
		} else {
			st.Conversations = trimPairs(append(st.Conversations, turns...), m.cfg.MaxConversationPairs)
		}
		p.Status = PairFinished

		m.persist(ctx, st)
		m.appendPairLog(ctx, PairRecord{
			PairID:        pairID,
			GroupID:       groupID,
			CommitMode:    p.CommitMode,
			ScopeSenderID: p.ScopeSenderID,
			Turns:         turns,
			CommittedAt:   now,
		})
		slog.Debug("history: pair committed", "group", groupID, "pair", pairID, "mode", p.CommitMode)
		return true
	})
}

// userTurns returns the non-empty user side of p.
func (m *Manager) userTurns(p Pair) []schema.Turn {
	var out []schema.Turn
	for _, t := range p.Messages {
		if strings.TrimSpace(t.Content) != "" {
			out = append(out, t)
		}
	}
	if len(out) > 0 {
		return out
	}
	if content := strings.TrimSpace(p.UserContent); content != "" {
		return []schema.Turn{{Role: schema.RoleUser, Content: content}}
	}
	return nil
}

// CancelConversationPairByID cancels a building pair and purges any turns
// already committed under pairID from shared and scoped history. It
// reports whether anything changed.
func (m *Manager) CancelConversationPairByID(ctx context.Context, groupID, pairID string) bool {
	return run(ctx, m, groupID, func(st *GroupState) bool {
		changed := false
		if _, ok := st.ActivePairs[pairID]; ok {
			delete(st.ActivePairs, pairID)
			changed = true
		}

		before := len(st.Conversations)
		st.Conversations = removePair(st.Conversations, pairID)
		changed = changed || len(st.Conversations) != before

		for sender, turns := range st.Scoped {
			kept := removePair(turns, pairID)
			if len(kept) != len(turns) {
				changed = true
			}
			if len(kept) == 0 {
				delete(st.Scoped, sender)
			} else {
				st.Scoped[sender] = kept
			}
		}

		if changed {
			slog.Info("history: pair cancelled", "group", groupID, "pair", pairID)
			m.persist(ctx, st)
		}
		return changed
	})
}

// CancelConversationPairsForSender cancels every building pair scoped to
// senderID and returns how many were cancelled.
func (m *Manager) CancelConversationPairsForSender(ctx context.Context, groupID, senderID string) int {
	return run(ctx, m, groupID, func(st *GroupState) int {
		n := 0
		for id, p := range st.ActivePairs {
			if p.ScopeSenderID == senderID {
				delete(st.ActivePairs, id)
				n++
			}
		}
		if n > 0 {
			slog.Info("history: sender pairs cancelled", "group", groupID, "sender", senderID, "count", n)
		}
		return n
	})
}

// IsPairBuilding reports whether pairID is still under construction.
// Generators poll it to notice cooperative cancellation.
func (m *Manager) IsPairBuilding(ctx context.Context, groupID, pairID string) bool {
	return run(ctx, m, groupID, func(st *GroupState) bool {
		p, ok := st.ActivePairs[pairID]
		return ok && p.Status == PairBuilding
	})
}

// PromoteScopedConversationsToShared moves senderID's scoped turns into the
// shared history, keeping chronological order. It returns the number of
// turns moved.
func (m *Manager) PromoteScopedConversationsToShared(ctx context.Context, groupID, senderID string) int {
	return run(ctx, m, groupID, func(st *GroupState) int {
		scoped := st.Scoped[senderID]
		if len(scoped) == 0 {
			return 0
		}
		delete(st.Scoped, senderID)
		st.Conversations = trimPairs(mergeChronological(st.Conversations, scoped), m.cfg.MaxConversationPairs)
		m.persist(ctx, st)
		return len(scoped)
	})
}

// ClearScopedConversationsForSender discards senderID's scoped turns.
func (m *Manager) ClearScopedConversationsForSender(ctx context.Context, groupID, senderID string) int {
	return run(ctx, m, groupID, func(st *GroupState) int {
		n := len(st.Scoped[senderID])
		if n == 0 {
			return 0
		}
		delete(st.Scoped, senderID)
		m.persist(ctx, st)
		return n
	})
}

func buildingPair(st *GroupState, pairID, op string) (Pair, bool) {
	p, ok := st.ActivePairs[pairID]
	if !ok || p.Status != PairBuilding {
		slog.Warn("history: pair not building, ignoring", "op", op, "group", st.GroupID, "pair", pairID)
		return Pair{}, false
	}
	return p, true
}

// trimPairs drops the oldest pairs so at most maxPairs distinct pair ids
// remain. Turns without a pair id each count as their own pair.
func trimPairs(turns []schema.Turn, maxPairs int) []schema.Turn {
	if maxPairs <= 0 {
		return turns
	}
	groups := groupPairs(turns)
	if len(groups) <= maxPairs {
		return turns
	}
	drop := 0
	for _, g := range groups[:len(groups)-maxPairs] {
		drop += len(g.turns)
	}
	// groups are contiguous runs only when history is well-formed; filter by
	// membership to stay correct either way.
	dropped := make(map[int]struct{}, drop)
	for _, g := range groups[:len(groups)-maxPairs] {
		for _, idx := range g.indexes {
			dropped[idx] = struct{}{}
		}
	}
	out := make([]schema.Turn, 0, len(turns)-drop)
	for i, t := range turns {
		if _, ok := dropped[i]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func removePair(turns []schema.Turn, pairID string) []schema.Turn {
	out := turns[:0]
	for _, t := range turns {
		if t.PairID != pairID {
			out = append(out, t)
		}
	}
	return out
}

// mergeChronological merges two timestamp-ordered turn lists.
func mergeChronological(a, b []schema.Turn) []schema.Turn {
	out := make([]schema.Turn, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Timestamp.Before(a[i].Timestamp) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
