// Package history owns per-group conversation state: pending and processing
// messages, conversation pairs under construction, committed history, and
// sender-scoped side conversations.
//
// Every operation on a group runs on that group's task queue, so operations
// for one group apply strictly in submission order while different groups
// proceed in parallel. State is persisted to the store after each mutation
// and reloaded lazily when a group is not resident.
//
// Store layout:
//
//	replyflow:history:<group>  JSON GroupState snapshot (TTL SnapshotTTL)
//	replyflow:pairs:<group>    list of JSON PairRecord, one per committed pair
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crystaldolphin/replyflow/internal/schema"
	"github.com/crystaldolphin/replyflow/internal/store"
)

const (
	snapshotKeyPrefix = "replyflow:history:"
	pairLogKeyPrefix  = "replyflow:pairs:"
)

func snapshotKey(groupID string) string { return snapshotKeyPrefix + groupID }
func pairLogKey(groupID string) string  { return pairLogKeyPrefix + groupID }

type group struct {
	id     string
	queue  taskQueue
	state  *GroupState // only touched from queue tasks
	loaded bool

	// guarded by Manager.mu
	refs      int
	lastTouch time.Time
	// dirty is set while the last snapshot write failed.
	dirty bool
}

// Manager is the group history manager. The store and token counter are
// optional: without a store state is memory-only, without a counter token
// budgets fall back to an estimate.
type Manager struct {
	cfg     Config
	store   store.Store
	counter schema.TokenCounter
	clock   schema.Clock

	mu     sync.Mutex
	groups map[string]*group
}

func NewManager(cfg Config, st store.Store, counter schema.TokenCounter, clock schema.Clock) *Manager {
	if cfg.MaxConversationPairs <= 0 {
		cfg.MaxConversationPairs = DefaultConfig().MaxConversationPairs
	}
	if clock == nil {
		clock = schema.SystemClock{}
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		counter: counter,
		clock:   clock,
		groups:  make(map[string]*group),
	}
}

// run executes fn on groupID's task queue and waits for its result. If ctx
// ends first the task still runs in order, but its result is discarded.
func run[T any](ctx context.Context, m *Manager, groupID string, fn func(st *GroupState) T) T {
	g := m.acquire(groupID)
	defer m.release(g)

	res := make(chan T, 1)
	g.queue.submit(func() {
		defer close(res)
		m.ensureLoaded(ctx, g)
		res <- fn(g.state)
	})

	select {
	case v := <-res:
		return v
	case <-ctx.Done():
		var zero T
		return zero
	}
}

func (m *Manager) acquire(groupID string) *group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		g = &group{id: groupID}
		m.groups[groupID] = g
	}
	g.refs++
	g.lastTouch = m.clock.Now()
	return g
}

func (m *Manager) release(g *group) {
	m.mu.Lock()
	g.refs--
	m.mu.Unlock()
}

// ensureLoaded restores a group from its snapshot the first time the group
// is touched. Load failures leave an empty in-memory state.
func (m *Manager) ensureLoaded(ctx context.Context, g *group) {
	if g.loaded {
		return
	}
	g.loaded = true
	g.state = newGroupState(g.id)

	if m.store == nil {
		return
	}
	raw, err := m.store.Get(context.WithoutCancel(ctx), snapshotKey(g.id))
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("history: load snapshot failed", "group", g.id, "err", err)
		return
	}

	var st GroupState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		slog.Warn("history: corrupt snapshot ignored", "group", g.id, "err", err)
		return
	}
	st.GroupID = g.id
	st.ensureMaps()
	g.state = &st
	slog.Debug("history: group restored", "group", g.id, "turns", len(st.Conversations))
}

// persist writes the snapshot. Errors are logged; memory stays authoritative.
func (m *Manager) persist(ctx context.Context, st *GroupState) {
	st.UpdatedAt = m.clock.Now()
	if m.store == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		slog.Warn("history: encode snapshot failed", "group", st.GroupID, "err", err)
		m.setDirty(st.GroupID, true)
		return
	}
	if err := m.store.Set(context.WithoutCancel(ctx), snapshotKey(st.GroupID), string(data), m.cfg.SnapshotTTL); err != nil {
		slog.Warn("history: persist snapshot failed", "group", st.GroupID, "err", err)
		m.setDirty(st.GroupID, true)
		return
	}
	m.setDirty(st.GroupID, false)
}

func (m *Manager) setDirty(groupID string, dirty bool) {
	m.mu.Lock()
	if g, ok := m.groups[groupID]; ok {
		g.dirty = dirty
	}
	m.mu.Unlock()
}

// appendPairLog records a committed pair in the durable list and keeps the
// list bounded to PairLogLimit.
func (m *Manager) appendPairLog(ctx context.Context, rec PairRecord) {
	if m.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("history: encode pair record failed", "group", rec.GroupID, "err", err)
		return
	}
	key := pairLogKey(rec.GroupID)
	if err := m.store.RPush(ctx, key, string(data)); err != nil {
		slog.Warn("history: append pair log failed", "group", rec.GroupID, "err", err)
		return
	}
	if m.cfg.PairLogLimit > 0 {
		if err := m.store.LTrim(ctx, key, int64(-m.cfg.PairLogLimit), -1); err != nil {
			slog.Warn("history: trim pair log failed", "group", rec.GroupID, "err", err)
		}
	}
	if m.cfg.SnapshotTTL > 0 {
		if err := m.store.Expire(ctx, key, m.cfg.SnapshotTTL); err != nil {
			slog.Warn("history: expire pair log failed", "group", rec.GroupID, "err", err)
		}
	}
}

// PairLog returns up to n most recent committed pairs, oldest first.
func (m *Manager) PairLog(ctx context.Context, groupID string, n int) ([]PairRecord, error) {
	if m.store == nil {
		return nil, nil
	}
	if n <= 0 {
		n = m.cfg.PairLogLimit
	}
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	items, err := m.store.LRange(ctx, pairLogKey(groupID), start, -1)
	if err != nil {
		return nil, fmt.Errorf("read pair log: %w", err)
	}
	out := make([]PairRecord, 0, len(items))
	for _, raw := range items {
		var rec PairRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			slog.Warn("history: skipping corrupt pair record", "group", groupID, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ResetGroup drops all state for groupID, in memory and in the store.
func (m *Manager) ResetGroup(ctx context.Context, groupID string) {
	run(ctx, m, groupID, func(st *GroupState) struct{} {
		*st = *newGroupState(groupID)
		if m.store != nil {
			if err := m.store.Del(context.WithoutCancel(ctx), snapshotKey(groupID), pairLogKey(groupID)); err != nil {
				slog.Warn("history: reset delete failed", "group", groupID, "err", err)
			}
		}
		slog.Info("history: group reset", "group", groupID)
		return struct{}{}
	})
}

// Snapshot returns a deep copy of the group's state.
func (m *Manager) Snapshot(ctx context.Context, groupID string) GroupState {
	return run(ctx, m, groupID, func(st *GroupState) GroupState {
		return st.clone()
	})
}

// Groups lists resident group ids, sorted.
func (m *Manager) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.groups))
	for id := range m.groups {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// EvictIdle drops resident groups untouched for longer than olderThan that
// have no queued work and no pairs under construction. Evicted groups are
// reloaded from the store on next use, so a group whose last snapshot write
// failed stays resident until a later write succeeds.
func (m *Manager) EvictIdle(olderThan time.Duration) int {
	if m.store == nil {
		return 0
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, g := range m.groups {
		if g.refs > 0 || g.dirty || now.Sub(g.lastTouch) < olderThan || !g.queue.idle() {
			continue
		}
		// queue is idle and refs is zero, so no task can be touching state.
		if g.state != nil && len(g.state.ActivePairs) > 0 {
			continue
		}
		delete(m.groups, id)
		evicted++
	}
	if evicted > 0 {
		slog.Debug("history: evicted idle groups", "count", evicted)
	}
	return evicted
}
