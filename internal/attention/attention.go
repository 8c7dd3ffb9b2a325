// Package attention caps how many distinct senders one group conversation
// keeps "engaged" inside a trailing time window.
package attention

import (
	"sort"
	"sync"
	"time"
)

// Config controls the attention window. MaxSenders <= 0 disables the cap.
type Config struct {
	Window     time.Duration `mapstructure:"window" yaml:"window"`
	MaxSenders int           `mapstructure:"maxSenders" yaml:"maxSenders"`
}

func DefaultConfig() Config {
	return Config{Window: 5 * time.Minute, MaxSenders: 3}
}

// Window tracks senderID -> lastEngagedAt per group.
type Window struct {
	mu     sync.Mutex
	groups map[string]map[string]time.Time
}

func NewWindow() *Window {
	return &Window{groups: make(map[string]map[string]time.Time)}
}

// Admit reports whether senderID may be engaged in groupID at now.
// Already-engaged senders and explicit messages are always admitted.
func (w *Window) Admit(groupID, senderID string, now time.Time, cfg Config, explicit bool) bool {
	if explicit || cfg.MaxSenders <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	engaged := w.pruneLocked(groupID, now, cfg.Window)
	if _, ok := engaged[senderID]; ok {
		return true
	}
	return len(engaged) < cfg.MaxSenders
}

// Mark records that senderID was engaged in groupID at now.
func (w *Window) Mark(groupID, senderID string, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	g := w.groups[groupID]
	if g == nil {
		g = make(map[string]time.Time)
		w.groups[groupID] = g
	}
	if prev, ok := g[senderID]; !ok || now.After(prev) {
		g[senderID] = now
	}
}

// Engaged lists the senders engaged in groupID inside the window, most
// recent first.
func (w *Window) Engaged(groupID string, now time.Time, cfg Config) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	engaged := w.pruneLocked(groupID, now, cfg.Window)
	out := make([]string, 0, len(engaged))
	for id := range engaged {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return engaged[out[i]].After(engaged[out[j]])
	})
	return out
}

// Release drops senderID from groupID's engaged set.
func (w *Window) Release(groupID, senderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g := w.groups[groupID]; g != nil {
		delete(g, senderID)
		if len(g) == 0 {
			delete(w.groups, groupID)
		}
	}
}

func (w *Window) pruneLocked(groupID string, now time.Time, window time.Duration) map[string]time.Time {
	g := w.groups[groupID]
	if g == nil {
		return nil
	}
	if window > 0 {
		cutoff := now.Add(-window)
		for id, at := range g {
			if at.Before(cutoff) {
				delete(g, id)
			}
		}
	}
	if len(g) == 0 {
		delete(w.groups, groupID)
		return nil
	}
	return g
}
