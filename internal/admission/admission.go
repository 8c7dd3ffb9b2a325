// Package admission decides whether an inbound message may start a reply
// task. It owns the per-sender active-task sets and FIFO wait queues and
// consults the attention window, fatigue tracker, reply-worth scorer and
// LLM gate in that order.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crystaldolphin/replyflow/internal/attention"
	"github.com/crystaldolphin/replyflow/internal/fatigue"
	"github.com/crystaldolphin/replyflow/internal/schema"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonBypass        Reason = "bypass"
	ReasonQueued        Reason = "queued"
	ReasonAttention     Reason = "attention"
	ReasonSenderFatigue Reason = "sender_fatigue"
	ReasonGroupFatigue  Reason = "group_fatigue"
	ReasonReplyWorth    Reason = "reply_worth"
	ReasonGateNo        Reason = "gate_no"
	ReasonGateError     Reason = "gate_error"
	ReasonAdmitted      Reason = "admitted"
)

type Config struct {
	MaxConcurrentPerSender int           `mapstructure:"maxConcurrentPerSender" yaml:"maxConcurrentPerSender"`
	QueueTimeout           time.Duration `mapstructure:"queueTimeout" yaml:"queueTimeout"`
	BypassPrivate          bool          `mapstructure:"bypassPrivate" yaml:"bypassPrivate"`
	BypassMention          bool          `mapstructure:"bypassMention" yaml:"bypassMention"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerSender: 1,
		QueueTimeout:           30 * time.Second,
		BypassPrivate:          true,
		BypassMention:          true,
	}
}

// Policies bundles the window and fatigue settings admission evaluates.
type Policies struct {
	Attention     attention.Config
	SenderFatigue fatigue.Config
	GroupFatigue  fatigue.Config
}

func DefaultPolicies() Policies {
	return Policies{
		Attention:     attention.DefaultConfig(),
		SenderFatigue: fatigue.DefaultSenderConfig(),
		GroupFatigue:  fatigue.DefaultGroupConfig(),
	}
}

// Task is an admitted unit of work. It only exists in memory.
type Task struct {
	ID              string
	SenderKey       string
	ConversationKey string
	CreatedAt       time.Time
	Message         schema.Message
	Signals         schema.Signals
}

// Decision is the result of Decide. TaskID is set when Admit is true, and
// also when the message was queued (Queued) so the caller can correlate
// the task Complete later hands back.
type Decision struct {
	Admit  bool
	Reason Reason
	Detail string
	TaskID string
	Queued bool
	Task   *Task
}

type queueEntry struct {
	task       *Task
	enqueuedAt time.Time
	claimed    bool
}

// Controller is the admission scheduler. One instance is shared by the
// whole process.
type Controller struct {
	cfg      Config
	policies Policies

	window  *attention.Window
	fatigue *fatigue.Tracker
	worth   schema.ReplyWorthScorer
	gate    schema.GateJudge
	clock   schema.Clock

	mu     sync.Mutex
	active map[string]map[string]*Task
	queues map[string][]queueEntry
}

// New returns a Controller. worth and gate may be nil, in which case the
// corresponding check is skipped.
func New(cfg Config, policies Policies, window *attention.Window, tracker *fatigue.Tracker,
	worth schema.ReplyWorthScorer, gate schema.GateJudge, clock schema.Clock) *Controller {
	if cfg.MaxConcurrentPerSender <= 0 {
		cfg.MaxConcurrentPerSender = 1
	}
	if window == nil {
		window = attention.NewWindow()
	}
	if tracker == nil {
		tracker = fatigue.NewTracker()
	}
	if clock == nil {
		clock = schema.SystemClock{}
	}
	return &Controller{
		cfg:      cfg,
		policies: policies,
		window:   window,
		fatigue:  tracker,
		worth:    worth,
		gate:     gate,
		clock:    clock,
		active:   make(map[string]map[string]*Task),
		queues:   make(map[string][]queueEntry),
	}
}

// Decide runs the admission checks for msg. The first failing check
// short-circuits. A sender already at capacity is queued before anything
// else is judged, bypassed messages included. Errors from the gate are
// treated as a rejection.
func (c *Controller) Decide(ctx context.Context, msg schema.Message, sig schema.Signals) Decision {
	sig.Private = sig.Private || msg.IsPrivate()
	sig.Explicit = sig.Explicit || msg.Mentioned
	now := c.clock.Now()

	c.mu.Lock()
	if d, full := c.enqueueIfFullLocked(msg, sig, now); full {
		c.mu.Unlock()
		return d
	}
	if c.bypass(sig) {
		task := c.admitLocked(msg, sig, now)
		c.mu.Unlock()
		return Decision{Admit: true, Reason: ReasonBypass, TaskID: task.ID, Task: task}
	}
	c.mu.Unlock()

	if d, ok := c.evaluate(ctx, msg, sig, now); !ok {
		return c.reject(msg, d)
	}

	// The gate may have taken a while; another task for this sender could
	// have been admitted in the meantime.
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, full := c.enqueueIfFullLocked(msg, sig, c.clock.Now()); full {
		return d
	}
	task := c.admitLocked(msg, sig, c.clock.Now())
	return Decision{Admit: true, Reason: ReasonAdmitted, TaskID: task.ID, Task: task}
}

func (c *Controller) bypass(sig schema.Signals) bool {
	return (c.cfg.BypassPrivate && sig.Private) || (c.cfg.BypassMention && sig.Explicit)
}

// evaluate runs the attention, fatigue, reply-worth and gate checks.
func (c *Controller) evaluate(ctx context.Context, msg schema.Message, sig schema.Signals, now time.Time) (Decision, bool) {
	if d, ok := c.checkLocalGates(msg, sig, now); !ok {
		return d, false
	}

	if c.worth != nil {
		rw := c.worth.Score(msg, sig)
		if rw.Decision == schema.ReplyWorthIgnore {
			return Decision{Reason: ReasonReplyWorth}, false
		}
	}

	if c.gate != nil {
		reply, why, err := c.gate.ShouldReply(ctx, msg, sig)
		if err != nil {
			slog.Warn("admission: gate failed", "sender", msg.SenderKey(), "err", err)
			return Decision{Reason: ReasonGateError, Detail: err.Error()}, false
		}
		if !reply {
			return Decision{Reason: ReasonGateNo, Detail: why}, false
		}
	}
	return Decision{}, true
}

// checkLocalGates runs the attention and fatigue checks.
func (c *Controller) checkLocalGates(msg schema.Message, sig schema.Signals, now time.Time) (Decision, bool) {
	if !sig.Private {
		if !c.window.Admit(msg.ConversationKey(), msg.SenderID, now, c.policies.Attention, sig.Explicit) {
			return Decision{Reason: ReasonAttention}, false
		}
	}

	if res := c.fatigue.Evaluate(msg.SenderKey(), now, c.policies.SenderFatigue, sig.Explicit); !res.Pass {
		return Decision{Reason: ReasonSenderFatigue, Detail: res.RequiredInterval.String()}, false
	}

	if !sig.Private {
		if res := c.fatigue.Evaluate(groupFatigueKey(msg), now, c.policies.GroupFatigue, sig.Explicit); !res.Pass {
			return Decision{Reason: ReasonGroupFatigue, Detail: res.RequiredInterval.String()}, false
		}
	}
	return Decision{}, true
}

func (c *Controller) reject(msg schema.Message, d Decision) Decision {
	slog.Info("admission rejected",
		"reason", d.Reason,
		"sender", msg.SenderKey(),
		"detail", d.Detail,
		"preview", msg.Preview(),
	)
	return d
}

// enqueueIfFullLocked parks msg in the sender's wait queue when the sender
// already has MaxConcurrentPerSender active tasks.
func (c *Controller) enqueueIfFullLocked(msg schema.Message, sig schema.Signals, now time.Time) (Decision, bool) {
	senderKey := msg.SenderKey()
	if len(c.active[senderKey]) < c.cfg.MaxConcurrentPerSender {
		return Decision{}, false
	}

	c.evictExpiredLocked(senderKey, now)
	task := newTask(msg, sig, now)
	c.queues[senderKey] = append(c.queues[senderKey], queueEntry{task: task, enqueuedAt: now})

	slog.Info("admission queued",
		"sender", senderKey,
		"task", task.ID,
		"queue_len", len(c.queues[senderKey]),
	)
	return Decision{Reason: ReasonQueued, TaskID: task.ID, Queued: true, Task: task}, true
}

// Complete removes taskID from the sender's active set and, if capacity
// allows, hands back the oldest queued task that passes admission, already
// activated. Queued tasks were parked before the policy checks ran, so each
// is judged here; rejected ones are dropped and the next one is tried.
func (c *Controller) Complete(ctx context.Context, senderKey, taskID string) (*Task, bool) {
	c.mu.Lock()
	if set := c.active[senderKey]; set != nil {
		delete(set, taskID)
		if len(set) == 0 {
			delete(c.active, senderKey)
		}
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next, ok := c.claimLocked(senderKey, c.clock.Now())
		c.mu.Unlock()
		if !ok {
			return nil, false
		}

		if !c.bypass(next.Signals) {
			if d, pass := c.evaluate(ctx, next.Message, next.Signals, c.clock.Now()); !pass {
				c.mu.Lock()
				c.removeQueuedLocked(senderKey, next.ID)
				c.mu.Unlock()
				c.reject(next.Message, d)
				continue
			}
		}

		c.mu.Lock()
		if len(c.active[senderKey]) >= c.cfg.MaxConcurrentPerSender {
			// A new task took the slot while the checks ran. The entry
			// stays at the head for that task's Complete.
			c.unclaimLocked(senderKey, next.ID)
			c.mu.Unlock()
			return nil, false
		}
		c.removeQueuedLocked(senderKey, next.ID)
		c.activateLocked(next, c.clock.Now())
		c.mu.Unlock()

		slog.Debug("admission: dequeued task", "sender", senderKey, "task", next.ID)
		return next, true
	}
}

// claimLocked marks the oldest unclaimed queued task as under evaluation.
// A claimed entry still counts as queued but is skipped by other claims.
func (c *Controller) claimLocked(senderKey string, now time.Time) (*Task, bool) {
	c.evictExpiredLocked(senderKey, now)
	if len(c.active[senderKey]) >= c.cfg.MaxConcurrentPerSender {
		return nil, false
	}
	q := c.queues[senderKey]
	for i := range q {
		if !q[i].claimed {
			q[i].claimed = true
			return q[i].task, true
		}
	}
	return nil, false
}

func (c *Controller) unclaimLocked(senderKey, taskID string) {
	for i, e := range c.queues[senderKey] {
		if e.task.ID == taskID {
			c.queues[senderKey][i].claimed = false
			return
		}
	}
}

func (c *Controller) removeQueuedLocked(senderKey, taskID string) {
	q := c.queues[senderKey]
	for i, e := range q {
		if e.task.ID != taskID {
			continue
		}
		q = append(q[:i], q[i+1:]...)
		if len(q) == 0 {
			delete(c.queues, senderKey)
		} else {
			c.queues[senderKey] = q
		}
		return
	}
}

// ActiveCount returns the number of running tasks for senderKey.
func (c *Controller) ActiveCount(senderKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active[senderKey])
}

// QueueLength returns the number of unexpired queued tasks for senderKey.
func (c *Controller) QueueLength(senderKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked(senderKey, c.clock.Now())
	return len(c.queues[senderKey])
}

// IsQueued reports whether taskID is still waiting in senderKey's queue.
// It returns false once the task was admitted or its wait expired.
func (c *Controller) IsQueued(senderKey, taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked(senderKey, c.clock.Now())
	for _, e := range c.queues[senderKey] {
		if e.task.ID == taskID {
			return true
		}
	}
	return false
}

func (c *Controller) admitLocked(msg schema.Message, sig schema.Signals, now time.Time) *Task {
	task := newTask(msg, sig, now)
	c.activateLocked(task, now)
	return task
}

func (c *Controller) activateLocked(task *Task, now time.Time) {
	set := c.active[task.SenderKey]
	if set == nil {
		set = make(map[string]*Task)
		c.active[task.SenderKey] = set
	}
	set[task.ID] = task

	msg := task.Message
	c.fatigue.Record(msg.SenderKey(), now)
	if !msg.IsPrivate() {
		c.window.Mark(msg.ConversationKey(), msg.SenderID, now)
		c.fatigue.Record(groupFatigueKey(msg), now)
	}
}

// evictExpiredLocked silently drops queued entries older than QueueTimeout.
// Entries claimed by Complete are left for it to settle.
func (c *Controller) evictExpiredLocked(senderKey string, now time.Time) {
	q := c.queues[senderKey]
	if len(q) == 0 || c.cfg.QueueTimeout <= 0 {
		return
	}
	kept := q[:0]
	for _, e := range q {
		if !e.claimed && now.Sub(e.enqueuedAt) > c.cfg.QueueTimeout {
			slog.Debug("admission: queued task expired", "sender", senderKey, "task", e.task.ID)
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		delete(c.queues, senderKey)
		return
	}
	c.queues[senderKey] = kept
}

func newTask(msg schema.Message, sig schema.Signals, now time.Time) *Task {
	return &Task{
		ID:              uuid.NewString(),
		SenderKey:       msg.SenderKey(),
		ConversationKey: msg.ConversationKey(),
		CreatedAt:       now,
		Message:         msg,
		Signals:         sig,
	}
}

func groupFatigueKey(msg schema.Message) string {
	return "group:" + msg.ConversationKey()
}
