package history

import (
	"context"
	"sort"
	"time"

	"github.com/crystaldolphin/replyflow/internal/schema"
	"github.com/crystaldolphin/replyflow/internal/tokens"
)

// pairGroup is a run of turns sharing one pair id.
type pairGroup struct {
	id      string
	turns   []schema.Turn
	indexes []int
	at      time.Time
}

// groupPairs regroups flat history into pairs, ordered by first
// appearance. A pair's time is its latest turn timestamp.
func groupPairs(turns []schema.Turn) []*pairGroup {
	var out []*pairGroup
	byID := map[string]*pairGroup{}
	for i, t := range turns {
		var g *pairGroup
		if t.PairID != "" {
			g = byID[t.PairID]
		}
		if g == nil {
			g = &pairGroup{id: t.PairID}
			out = append(out, g)
			if t.PairID != "" {
				byID[t.PairID] = g
			}
		}
		g.turns = append(g.turns, t)
		g.indexes = append(g.indexes, i)
		if t.Timestamp.After(g.at) {
			g.at = t.Timestamp
		}
	}
	return out
}

// GetConversationHistoryForContext selects committed turns for a model
// prompt. Selection is window-first, then recency backfill, then token trim:
//
//  1. pairs whose time falls inside [TimeStart, TimeEnd] are preferred,
//     the most recent RecentPairs of them if there are more;
//  2. if fewer than RecentPairs were selected, the most recent remaining
//     pairs are added until RecentPairs is reached;
//  3. with MaxTokens set, the oldest selected pairs are dropped until the
//     rest fit.
//
// Without a window, the RecentPairs most recent pairs are taken (all pairs
// when RecentPairs is zero). The result is always in chronological order.
func (m *Manager) GetConversationHistoryForContext(ctx context.Context, groupID string, opts ContextOptions) []schema.Turn {
	return run(ctx, m, groupID, func(st *GroupState) []schema.Turn {
		source := st.Conversations
		if opts.SenderID != "" && len(st.Scoped[opts.SenderID]) > 0 {
			source = mergeChronological(st.Conversations, st.Scoped[opts.SenderID])
		}
		return m.selectContext(groupPairs(source), opts)
	})
}

func (m *Manager) selectContext(pairs []*pairGroup, opts ContextOptions) []schema.Turn {
	if len(pairs) == 0 {
		return nil
	}

	selected := make(map[int]struct{})
	windowed := !opts.TimeStart.IsZero() || !opts.TimeEnd.IsZero()

	if windowed {
		var inWindow []int
		for i, p := range pairs {
			if !opts.TimeStart.IsZero() && p.at.Before(opts.TimeStart) {
				continue
			}
			if !opts.TimeEnd.IsZero() && p.at.After(opts.TimeEnd) {
				continue
			}
			inWindow = append(inWindow, i)
		}
		if opts.RecentPairs > 0 && len(inWindow) > opts.RecentPairs {
			inWindow = inWindow[len(inWindow)-opts.RecentPairs:]
		}
		for _, i := range inWindow {
			selected[i] = struct{}{}
		}
	}

	if !windowed && opts.RecentPairs <= 0 {
		for i := range pairs {
			selected[i] = struct{}{}
		}
	} else {
		for i := len(pairs) - 1; i >= 0 && len(selected) < opts.RecentPairs; i-- {
			selected[i] = struct{}{}
		}
	}

	order := make([]int, 0, len(selected))
	for i := range selected {
		order = append(order, i)
	}
	sort.Ints(order)

	if opts.MaxTokens > 0 {
		costs := make([]int, len(order))
		total := 0
		for k, i := range order {
			for _, t := range pairs[i].turns {
				costs[k] += m.countTokens(t.Content)
			}
			total += costs[k]
		}
		drop := 0
		for drop < len(order) && total > opts.MaxTokens {
			total -= costs[drop]
			drop++
		}
		order = order[drop:]
	}

	var out []schema.Turn
	for _, i := range order {
		out = append(out, pairs[i].turns...)
	}
	return out
}

func (m *Manager) countTokens(text string) int {
	if m.counter != nil {
		return m.counter.Count(text)
	}
	return tokens.Estimate(text)
}
