// Package maintenance runs periodic upkeep on robfig/cron schedules.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/crystaldolphin/replyflow/internal/history"
	"github.com/crystaldolphin/replyflow/internal/store"
)

type Config struct {
	// GCSpec schedules value-log GC on stores that support it.
	GCSpec string `mapstructure:"gcSpec" yaml:"gcSpec"`
	// EvictSpec schedules eviction of idle groups from memory.
	EvictSpec string        `mapstructure:"evictSpec" yaml:"evictSpec"`
	IdleAfter time.Duration `mapstructure:"idleAfter" yaml:"idleAfter"`
	// HeartbeatSpec schedules a status log line; empty disables it.
	HeartbeatSpec string `mapstructure:"heartbeatSpec" yaml:"heartbeatSpec"`
}

func DefaultConfig() Config {
	return Config{
		GCSpec:        "@every 30m",
		EvictSpec:     "@every 5m",
		IdleAfter:     30 * time.Minute,
		HeartbeatSpec: "@every 10m",
	}
}

// JobFunc is one unit of upkeep.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	fn   JobFunc
}

// Scheduler owns a robfig cron instance and the jobs armed on it.
type Scheduler struct {
	robfig *robfigcron.Cron

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]job
	runs map[string]int
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		robfig: robfigcron.New(),
		ctx:    context.Background(),
		jobs:   make(map[string]job),
		runs:   make(map[string]int),
	}
}

// Add arms fn under name on spec (standard five-field or "@every" form).
// An empty spec leaves the job registered but never scheduled, so RunNow
// still works.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("maintenance job %q already registered", name)
	}
	if spec != "" {
		if _, err := s.robfig.AddFunc(spec, func() { s.execute(name) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
		}
	}
	s.jobs[name] = job{name: name, spec: spec, fn: fn}
	return nil
}

// Start runs the schedule. Blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	s.mu.Unlock()
	sort.Strings(names)

	s.robfig.Start()
	slog.Info("maintenance: started", "jobs", names)

	<-ctx.Done()
	<-s.robfig.Stop().Done()
	slog.Info("maintenance: stopped")
	return ctx.Err()
}

// RunNow executes name immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown maintenance job %q", name)
	}
	return s.run(ctx, j)
}

// Jobs maps each registered job to its schedule; "" means manual only.
func (s *Scheduler) Jobs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.spec
	}
	return out
}

// Runs returns how many times name has executed.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[name]
}

func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.run(ctx, j); err != nil {
		slog.Warn("maintenance: job failed", "job", name, "err", err)
	}
}

func (s *Scheduler) run(ctx context.Context, j job) error {
	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	s.runs[j.name]++
	s.mu.Unlock()

	slog.Debug("maintenance: job ran", "job", j.name, "elapsed", time.Since(start), "err", err)
	return err
}

// Register arms the standard upkeep jobs: store GC (when st supports it),
// idle group eviction, and an optional heartbeat that logs status().
func Register(s *Scheduler, cfg Config, st store.Store, hist *history.Manager, status func() map[string]any) error {
	if gc, ok := st.(store.Collector); ok {
		if err := s.Add("store-gc", cfg.GCSpec, func(context.Context) error {
			return gc.RunGC()
		}); err != nil {
			return err
		}
	}

	if hist != nil {
		idle := cfg.IdleAfter
		if idle <= 0 {
			idle = DefaultConfig().IdleAfter
		}
		if err := s.Add("evict-idle", cfg.EvictSpec, func(context.Context) error {
			if n := hist.EvictIdle(idle); n > 0 {
				slog.Info("maintenance: evicted idle groups", "count", n)
			}
			return nil
		}); err != nil {
			return err
		}
	}

	if status != nil && cfg.HeartbeatSpec != "" {
		if err := s.Add("heartbeat", cfg.HeartbeatSpec, func(context.Context) error {
			attrs := make([]any, 0, 8)
			for k, v := range status() {
				attrs = append(attrs, k, v)
			}
			slog.Info("heartbeat", attrs...)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}
