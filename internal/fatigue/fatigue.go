// Package fatigue tracks recent replies per key (sender or group) and turns
// them into a 0–1 fatigue score plus an exponential-backoff minimum interval.
//
// State is process-local and never persisted: it only throttles, so losing
// it on restart is harmless.
package fatigue

import (
	"math"
	"sync"
	"time"
)

// Config controls one fatigue policy.
type Config struct {
	Window               time.Duration `mapstructure:"window" yaml:"window"`
	BaseLimit            int           `mapstructure:"baseLimit" yaml:"baseLimit"`
	MinInterval          time.Duration `mapstructure:"minInterval" yaml:"minInterval"`
	BackoffFactor        float64       `mapstructure:"backoffFactor" yaml:"backoffFactor"`
	MaxBackoffMultiplier float64       `mapstructure:"maxBackoffMultiplier" yaml:"maxBackoffMultiplier"`
}

// DefaultSenderConfig is the per-sender policy.
func DefaultSenderConfig() Config {
	return Config{
		Window:               10 * time.Minute,
		BaseLimit:            5,
		MinInterval:          10 * time.Second,
		BackoffFactor:        1.5,
		MaxBackoffMultiplier: 8,
	}
}

// DefaultGroupConfig is the per-group policy.
func DefaultGroupConfig() Config {
	return Config{
		Window:               10 * time.Minute,
		BaseLimit:            20,
		MinInterval:          3 * time.Second,
		BackoffFactor:        1.5,
		MaxBackoffMultiplier: 8,
	}
}

func (c Config) normalized() Config {
	if c.BaseLimit <= 0 {
		c.BaseLimit = 1
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	if c.MaxBackoffMultiplier < 1 {
		c.MaxBackoffMultiplier = 1
	}
	return c
}

// Result is the outcome of Evaluate.
type Result struct {
	Pass bool
	// Count is the number of replies in the window including the one being
	// evaluated.
	Count int
	// Fatigue is clamp(count/baseLimit, 0, 2) / 2.
	Fatigue          float64
	LastAge          time.Duration
	RequiredInterval time.Duration
}

// RequiredInterval is the minimum gap enforced after the last reply when
// count replies are in the window. It is zero while count <= BaseLimit and
// never decreases as count grows.
func RequiredInterval(count int, cfg Config) time.Duration {
	cfg = cfg.normalized()
	if count <= cfg.BaseLimit {
		return 0
	}
	overload := float64(count - cfg.BaseLimit)
	multiplier := math.Min(math.Pow(cfg.BackoffFactor, overload), cfg.MaxBackoffMultiplier)
	return time.Duration(float64(cfg.MinInterval) * multiplier)
}

// Tracker keeps a rolling window of reply timestamps per key.
type Tracker struct {
	mu     sync.Mutex
	stamps map[string][]time.Time
}

func NewTracker() *Tracker {
	return &Tracker{stamps: make(map[string][]time.Time)}
}

// Evaluate decides whether one more reply for key may go out at now.
// important replies (explicit mentions) always pass but still report the
// computed fatigue.
func (t *Tracker) Evaluate(key string, now time.Time, cfg Config, important bool) Result {
	cfg = cfg.normalized()

	t.mu.Lock()
	stamps := t.pruneLocked(key, now, cfg.Window)
	var last time.Time
	if len(stamps) > 0 {
		last = stamps[len(stamps)-1]
	}
	t.mu.Unlock()

	count := len(stamps) + 1
	ratio := float64(count) / float64(cfg.BaseLimit)
	res := Result{
		Count:   count,
		Fatigue: math.Max(0, math.Min(ratio, 2)) / 2,
	}
	if !last.IsZero() {
		res.LastAge = now.Sub(last)
	}

	if ratio <= 1 {
		res.Pass = true
		return res
	}

	res.RequiredInterval = RequiredInterval(count, cfg)
	res.Pass = important || last.IsZero() || res.LastAge >= res.RequiredInterval
	return res
}

// Record notes a reply for key at now.
func (t *Tracker) Record(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stamps[key] = append(t.stamps[key], now)
}

// Count returns the number of replies for key inside window.
func (t *Tracker) Count(key string, now time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pruneLocked(key, now, window))
}

// Reset forgets everything recorded for key.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stamps, key)
}

// pruneLocked drops timestamps older than now-window and returns the rest.
func (t *Tracker) pruneLocked(key string, now time.Time, window time.Duration) []time.Time {
	stamps := t.stamps[key]
	if window <= 0 {
		return stamps
	}
	cutoff := now.Add(-window)
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	if i == len(stamps) {
		delete(t.stamps, key)
		return nil
	}
	kept := make([]time.Time, len(stamps)-i)
	copy(kept, stamps[i:])
	t.stamps[key] = kept
	return kept
}
