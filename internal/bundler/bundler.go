// Package bundler merges rapid successive messages from one sender into a
// single logical input. A window closes when the sender goes quiet for
// Window or when MaxDuration has elapsed since it opened. Messages that
// drift off topic are diverted to a side queue delivered after the active
// task completes.
package bundler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

type Config struct {
	Window              time.Duration `mapstructure:"window" yaml:"window"`
	MaxDuration         time.Duration `mapstructure:"maxDuration" yaml:"maxDuration"`
	SimilarityThreshold float64       `mapstructure:"similarityThreshold" yaml:"similarityThreshold"`
	MaxLowSimCount      int           `mapstructure:"maxLowSimCount" yaml:"maxLowSimCount"`
}

func DefaultConfig() Config {
	return Config{
		Window:              5 * time.Second,
		MaxDuration:         15 * time.Second,
		SimilarityThreshold: 0.6,
		MaxLowSimCount:      2,
	}
}

// Action tells the caller what HandleIncoming did with a message.
type Action string

const (
	// ActionStartBundle opened a fresh window; the caller should run admission.
	ActionStartBundle Action = "start_bundle"
	// ActionBuffered appended to the open window.
	ActionBuffered Action = "buffered"
	// ActionPendingCollect opened a window while another task for the
	// sender is still active; it runs behind that task.
	ActionPendingCollect Action = "pending_collect"
	// ActionPendingQueued diverted the message to the side queue.
	ActionPendingQueued Action = "pending_queued"
)

type bundle struct {
	messages   []schema.Message
	started    time.Time
	lastUpdate time.Time
	strikes    int
}

func (b *bundle) text() string {
	parts := make([]string, 0, len(b.messages))
	for _, m := range b.messages {
		if t := m.PlainText(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Bundler owns the per-sender windows and side queues.
type Bundler struct {
	cfg        Config
	similarity schema.SimilarityScorer
	now        func() time.Time

	mu      sync.Mutex
	bundles map[string]*bundle
	pending map[string][]schema.Message
}

// New returns a Bundler. similarity may be nil, in which case bundling is
// purely time based.
func New(cfg Config, similarity schema.SimilarityScorer) *Bundler {
	if cfg.MaxLowSimCount <= 0 {
		cfg.MaxLowSimCount = 1
	}
	if cfg.MaxDuration < cfg.Window {
		cfg.MaxDuration = cfg.Window
	}
	return &Bundler{
		cfg:        cfg,
		similarity: similarity,
		now:        time.Now,
		bundles:    make(map[string]*bundle),
		pending:    make(map[string][]schema.Message),
	}
}

// HandleIncoming routes msg for senderKey. activeTasks is the number of
// tasks the sender currently has running.
func (b *Bundler) HandleIncoming(ctx context.Context, senderKey string, msg schema.Message, activeTasks int) Action {
	b.mu.Lock()
	cur := b.bundles[senderKey]
	if cur == nil {
		action := b.openLocked(senderKey, msg, activeTasks)
		b.mu.Unlock()
		return action
	}

	text := msg.PlainText()
	if text == "" || b.similarity == nil {
		b.appendLocked(cur, msg)
		b.mu.Unlock()
		return ActionBuffered
	}
	combined := cur.text()
	b.mu.Unlock()

	// Similarity is an external call; never hold the lock across it.
	score, ok := 0.0, false
	if combined != "" {
		score, ok = b.similarity.Similarity(ctx, combined, text)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// The window may have closed while we were scoring.
	if b.bundles[senderKey] != cur {
		if next := b.bundles[senderKey]; next != nil {
			b.appendLocked(next, msg)
			return ActionBuffered
		}
		return b.openLocked(senderKey, msg, activeTasks)
	}

	switch {
	case !ok:
		b.appendLocked(cur, msg)
		return ActionBuffered
	case score >= b.cfg.SimilarityThreshold:
		cur.strikes = 0
		b.appendLocked(cur, msg)
		return ActionBuffered
	}

	cur.strikes++
	if cur.strikes >= b.cfg.MaxLowSimCount {
		b.pending[senderKey] = append(b.pending[senderKey], msg)
		slog.Debug("bundler: topic change, message diverted",
			"sender", senderKey,
			"similarity", score,
			"pending", len(b.pending[senderKey]),
		)
		return ActionPendingQueued
	}
	b.appendLocked(cur, msg)
	return ActionBuffered
}

func (b *Bundler) openLocked(senderKey string, msg schema.Message, activeTasks int) Action {
	now := b.now()
	b.bundles[senderKey] = &bundle{
		messages:   []schema.Message{msg},
		started:    now,
		lastUpdate: now,
	}
	if activeTasks > 0 {
		return ActionPendingCollect
	}
	return ActionStartBundle
}

func (b *Bundler) appendLocked(cur *bundle, msg schema.Message) {
	cur.messages = append(cur.messages, msg)
	cur.lastUpdate = b.now()
}

// Collect waits until senderKey's window closes and returns the merged
// message. It sleeps to the nearer of the idle and max-duration deadlines,
// re-evaluating after each wake since new messages push the idle deadline
// out. ok is false when there is no window or ctx ended first, in which
// case the window is dropped.
func (b *Bundler) Collect(ctx context.Context, senderKey string) (schema.Message, bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		b.mu.Lock()
		cur := b.bundles[senderKey]
		if cur == nil {
			b.mu.Unlock()
			return schema.Message{}, false
		}

		now := b.now()
		deadline := cur.lastUpdate.Add(b.cfg.Window)
		if hard := cur.started.Add(b.cfg.MaxDuration); hard.Before(deadline) {
			deadline = hard
		}
		if !now.Before(deadline) {
			delete(b.bundles, senderKey)
			b.mu.Unlock()
			merged := merge(cur.messages)
			slog.Debug("bundler: window closed",
				"sender", senderKey,
				"messages", len(cur.messages),
				"elapsed", now.Sub(cur.started),
			)
			return merged, true
		}
		b.mu.Unlock()

		wait := deadline.Sub(now)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-timer.C:
		case <-ctx.Done():
			b.Discard(senderKey)
			return schema.Message{}, false
		}
	}
}

// DrainPending merges and removes senderKey's side queue.
func (b *Bundler) DrainPending(senderKey string) (schema.Message, bool) {
	b.mu.Lock()
	msgs := b.pending[senderKey]
	delete(b.pending, senderKey)
	b.mu.Unlock()

	if len(msgs) == 0 {
		return schema.Message{}, false
	}
	return merge(msgs), true
}

// Discard drops senderKey's open window, if any. Used when admission
// rejects the message that opened it.
func (b *Bundler) Discard(senderKey string) {
	b.mu.Lock()
	delete(b.bundles, senderKey)
	b.mu.Unlock()
}

// PendingCount returns the number of diverted messages for senderKey.
func (b *Bundler) PendingCount(senderKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[senderKey])
}

// Collecting reports whether senderKey has an open window.
func (b *Bundler) Collecting(senderKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bundles[senderKey] != nil
}

// merge joins message texts with newlines into a copy of the first
// message's envelope.
func merge(msgs []schema.Message) schema.Message {
	out := msgs[0]
	if len(msgs) == 1 {
		return out
	}

	texts := make([]string, 0, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if t := m.PlainText(); t != "" {
			texts = append(texts, t)
		}
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
		out.Mentioned = out.Mentioned || m.Mentioned
	}
	out.Text = strings.Join(texts, "\n")
	out.MergedIDs = ids
	return out
}
