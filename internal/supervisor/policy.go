package supervisor

import (
	"sync"
	"time"

	"colony/internal/clock"
)

// RestartPolicy tracks replacement history per slot and detects restart
// storms.
type RestartPolicy struct {
	MaxInWindow      int
	WindowDuration   time.Duration
	CooldownDuration time.Duration

	clk           clock.Clock
	history       map[string][]time.Time
	cooldownUntil map[string]time.Time
	mu            sync.Mutex
}

// NewRestartPolicy creates a policy. A nil clk uses wall time.
func NewRestartPolicy(maxInWindow int, window, cooldown time.Duration, clk clock.Clock) *RestartPolicy {
	if clk == nil {
		clk = clock.Real()
	}
	return &RestartPolicy{
		MaxInWindow:      maxInWindow,
		WindowDuration:   window,
		CooldownDuration: cooldown,
		clk:              clk,
		history:          make(map[string][]time.Time),
		cooldownUntil:    make(map[string]time.Time),
	}
}

// RecordRestart notes a replacement for slot and returns the count of
// replacements within the current window.
func (p *RestartPolicy) RecordRestart(slot string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	p.pruneLocked(slot, now)
	p.history[slot] = append(p.history[slot], now)
	return len(p.history[slot])
}

// ShouldRestart reports whether slot can be replaced without exceeding
// the storm threshold or an active cooldown.
func (p *RestartPolicy) ShouldRestart(slot string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	if until, ok := p.cooldownUntil[slot]; ok && now.Before(until) {
		return false
	}
	p.pruneLocked(slot, now)
	return len(p.history[slot]) < p.MaxInWindow
}

// EnterCooldown suspends replacements for slot for the cooldown period.
func (p *RestartPolicy) EnterCooldown(slot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldownUntil[slot] = p.clk.Now().Add(p.CooldownDuration)
}

// RestartCount returns replacements for slot in the current window.
func (p *RestartPolicy) RestartCount(slot string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(slot, p.clk.Now())
	return len(p.history[slot])
}

// Reset clears history and cooldown for slot after a healthy run.
func (p *RestartPolicy) Reset(slot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, slot)
	delete(p.cooldownUntil, slot)
}

func (p *RestartPolicy) pruneLocked(slot string, now time.Time) {
	cutoff := now.Add(-p.WindowDuration)
	entries := p.history[slot]
	pruned := entries[:0]
	for _, ts := range entries {
		if !ts.Before(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	p.history[slot] = pruned
}
