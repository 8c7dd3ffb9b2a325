// Package sendqueue serializes outbound replies process-wide. Replies for
// the same conversation that finish close together are batched, near
// duplicates are suppressed, and survivors go out in arrival order with a
// minimum gap between any two sends.
package sendqueue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

// ErrClosed resolves items enqueued after Close or left over at shutdown.
var ErrClosed = errors.New("send queue closed")

type Config struct {
	SendDelay           time.Duration `mapstructure:"sendDelay" yaml:"sendDelay"`
	FastPathThreshold   int           `mapstructure:"fastPathThreshold" yaml:"fastPathThreshold"`
	FastPathCooldown    time.Duration `mapstructure:"fastPathCooldown" yaml:"fastPathCooldown"`
	SimilarityThreshold float64       `mapstructure:"similarityThreshold" yaml:"similarityThreshold"`
	JudgeTimeout        time.Duration `mapstructure:"judgeTimeout" yaml:"judgeTimeout"`
}

func DefaultConfig() Config {
	return Config{
		SendDelay:           1200 * time.Millisecond,
		FastPathThreshold:   4,
		FastPathCooldown:    30 * time.Second,
		SimilarityThreshold: 0.9,
		JudgeTimeout:        8 * time.Second,
	}
}

// SendFunc performs the actual delivery.
type SendFunc func(ctx context.Context) (any, error)

// Meta describes an item for batching and deduplication.
type Meta struct {
	// ConversationKey groups items into batches; empty disables batching.
	ConversationKey string
	// DedupText is compared against siblings; empty never matches.
	DedupText string
	// HasTool marks replies that carried tool output; they disable the
	// fast path.
	HasTool  bool
	GroupID  string
	SenderID string
}

// Outcome resolves an enqueued item. Dropped items carry no value and no
// error: deduplication is not a failure.
type Outcome struct {
	Value   any
	Err     error
	Dropped bool
}

type item struct {
	id     string
	taskID string
	send   SendFunc
	meta   Meta
	result chan Outcome
}

func (it *item) resolve(o Outcome) {
	it.result <- o
	close(it.result)
}

// Queue is the send loop. Create one with New and start it with Run.
type Queue struct {
	cfg        Config
	similarity schema.SimilarityScorer
	judge      schema.DedupJudge
	now        func() time.Time

	mu       sync.Mutex
	items    []*item
	closed   bool
	cooldown map[string]time.Time
	notify   chan struct{}
}

// New returns a Queue. similarity and judge may be nil.
func New(cfg Config, similarity schema.SimilarityScorer, judge schema.DedupJudge) *Queue {
	return &Queue{
		cfg:        cfg,
		similarity: similarity,
		judge:      judge,
		now:        time.Now,
		cooldown:   make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
	}
}

// Enqueue appends a send and returns a channel that receives exactly one
// Outcome.
func (q *Queue) Enqueue(send SendFunc, taskID string, meta Meta) <-chan Outcome {
	it := &item{
		id:     uuid.NewString(),
		taskID: taskID,
		send:   send,
		meta:   meta,
		result: make(chan Outcome, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		it.resolve(Outcome{Err: ErrClosed})
		return it.result
	}
	q.items = append(q.items, it)
	q.mu.Unlock()

	q.wake()
	return it.result
}

// Send enqueues and waits for the outcome.
func (q *Queue) Send(ctx context.Context, send SendFunc, taskID string, meta Meta) (Outcome, error) {
	select {
	case o := <-q.Enqueue(send, taskID, meta):
		return o, o.Err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Len returns the number of items waiting to be picked up.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Run drains what is already queued and
// returns.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx ends or the queue is closed and empty.
// Items still queued on exit resolve with ErrClosed.
func (q *Queue) Run(ctx context.Context) error {
	defer q.failRemaining(ErrClosed)

	for {
		head, ok := q.pop()
		if !ok {
			q.mu.Lock()
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}

		batch := []*item{head}
		if head.meta.ConversationKey != "" {
			// Give siblings finishing concurrently a chance to land.
			if err := q.sleep(ctx, q.cfg.SendDelay); err != nil {
				head.resolve(Outcome{Err: err})
				return nil
			}
			batch = append(batch, q.takeSameKey(head.meta.ConversationKey)...)
		}

		keep := q.dedup(ctx, batch)
		if err := q.deliver(ctx, batch, keep); err != nil {
			return nil
		}
	}
}

func (q *Queue) pop() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it, true
}

// takeSameKey removes and returns every queued item for key, in order.
func (q *Queue) takeSameKey(key string) []*item {
	q.mu.Lock()
	defer q.mu.Unlock()

	var taken []*item
	kept := q.items[:0]
	for _, it := range q.items {
		if it.meta.ConversationKey == key {
			taken = append(taken, it)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return taken
}

// deliver sends survivors in order and pauses SendDelay after each.
// Dropped items resolve immediately.
func (q *Queue) deliver(ctx context.Context, batch []*item, keep []bool) error {
	for i, it := range batch {
		if !keep[i] {
			it.resolve(Outcome{Dropped: true})
			continue
		}
		if err := ctx.Err(); err != nil {
			failAll(batch[i:], keep[i:], err)
			return err
		}

		value, err := it.send(ctx)
		if err != nil {
			slog.Warn("send queue: send failed", "task", it.taskID, "conversation", it.meta.ConversationKey, "err", err)
		}
		it.resolve(Outcome{Value: value, Err: err})

		if err := q.sleep(ctx, q.cfg.SendDelay); err != nil {
			failAll(batch[i+1:], keep[i+1:], err)
			return err
		}
	}
	return nil
}

func failAll(items []*item, keep []bool, err error) {
	for i, it := range items {
		if keep[i] {
			it.resolve(Outcome{Err: err})
		} else {
			it.resolve(Outcome{Dropped: true})
		}
	}
}

func (q *Queue) failRemaining(err error) {
	q.mu.Lock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range rest {
		it.resolve(Outcome{Err: err})
	}
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dedup marks which batch members survive. Large plain batches outside
// cooldown keep only the newest item; everything else is compared
// pairwise and the earlier of each duplicate pair is dropped.
func (q *Queue) dedup(ctx context.Context, batch []*item) []bool {
	keep := make([]bool, len(batch))
	for i := range keep {
		keep[i] = true
	}
	if len(batch) < 2 {
		return keep
	}

	key := batch[0].meta.ConversationKey
	if q.fastPathAllowed(key, batch) {
		for i := 0; i < len(batch)-1; i++ {
			keep[i] = false
		}
		q.mu.Lock()
		q.cooldown[key] = q.now().Add(q.cfg.FastPathCooldown)
		q.mu.Unlock()
		slog.Info("send queue: fast path kept newest reply", "conversation", key, "batch", len(batch))
		return keep
	}

	for i := 0; i < len(batch); i++ {
		for j := i + 1; j < len(batch) && keep[i]; j++ {
			if !keep[j] {
				continue
			}
			if q.isDuplicate(ctx, batch[i].meta.DedupText, batch[j].meta.DedupText) {
				keep[i] = false
			}
		}
	}

	dropped := 0
	for _, k := range keep {
		if !k {
			dropped++
		}
	}
	if dropped > 0 {
		slog.Info("send queue: batch deduplicated", "conversation", key, "batch", len(batch), "dropped", dropped)
	}
	return keep
}

func (q *Queue) fastPathAllowed(key string, batch []*item) bool {
	if q.cfg.FastPathThreshold <= 0 || len(batch) < q.cfg.FastPathThreshold {
		return false
	}
	for _, it := range batch {
		if it.meta.HasTool {
			return false
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.now().Before(q.cooldown[key])
}

// isDuplicate asks the similarity scorer and the judge concurrently and
// prefers the judge. Without either answer only identical normalized text
// counts as a duplicate.
func (q *Queue) isDuplicate(ctx context.Context, a, b string) bool {
	if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
		return false
	}

	var (
		score   float64
		scoreOK bool
		verdict bool
		judged  bool
	)
	g, gctx := errgroup.WithContext(ctx)
	if q.similarity != nil {
		g.Go(func() error {
			score, scoreOK = q.similarity.Similarity(gctx, a, b)
			return nil
		})
	}
	if q.judge != nil {
		g.Go(func() error {
			jctx := gctx
			if q.cfg.JudgeTimeout > 0 {
				var cancel context.CancelFunc
				jctx, cancel = context.WithTimeout(gctx, q.cfg.JudgeTimeout)
				defer cancel()
			}
			v, err := q.judge.IsDuplicate(jctx, a, b)
			if err != nil {
				slog.Debug("send queue: dedup judge unavailable", "err", err)
				return nil
			}
			verdict, judged = v, true
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case judged:
		return verdict
	case scoreOK:
		return score >= q.cfg.SimilarityThreshold
	default:
		return normalize(a) == normalize(b)
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
