// internal/rules/history.go
package rules

import (
	"fmt"
	"sync"
	"time"
)

// TriggerHistory tracks when each rule last fired. One history belongs to
// exactly one Aura's evaluation lane.
type TriggerHistory interface {
	CanTrigger(ruleID string, now time.Time, cooldown time.Duration) bool
	RecordTrigger(ruleID string, now time.Time)
	Reset(ruleID string)
	Last(ruleID string) (time.Time, bool)
	Timestamps(ruleID string) []time.Time
}

// HistoryConfig bounds what a MemoryHistory retains
type HistoryConfig struct {
	// MaxTimestamps caps the rolling list per rule
	MaxTimestamps int `json:"max_timestamps" yaml:"max_timestamps" env:"MAX_TIMESTAMPS"`
	// Retention drops timestamps older than this
	Retention time.Duration `json:"retention" yaml:"retention" env:"RETENTION"`
}

// DefaultHistoryConfig keeps a month of timestamps, at most 1000 per rule
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxTimestamps: MaxFrequencyLimit,
		Retention:     periodLengths[PeriodMonth],
	}
}

// ApplyDefaults fills in default values
func (c *HistoryConfig) ApplyDefaults() {
	d := DefaultHistoryConfig()
	if c.MaxTimestamps <= 0 {
		c.MaxTimestamps = d.MaxTimestamps
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
}

// Validate rejects bounds that would let a sliding window undercount: the
// longest period is a month and the largest limit is MaxFrequencyLimit.
func (c HistoryConfig) Validate() error {
	if c.MaxTimestamps < MaxFrequencyLimit {
		return fmt.Errorf("history.max_timestamps must be at least %d", MaxFrequencyLimit)
	}
	if month := periodLengths[PeriodMonth]; c.Retention < month {
		return fmt.Errorf("history.retention must be at least %s", month)
	}
	return nil
}

type triggerRecord struct {
	last       time.Time
	timestamps []time.Time
}

// MemoryHistory is an in-process TriggerHistory
type MemoryHistory struct {
	config  HistoryConfig
	records map[string]*triggerRecord
	mu      sync.RWMutex
}

// NewMemoryHistory creates an empty history
func NewMemoryHistory(config *HistoryConfig) *MemoryHistory {
	cfg := DefaultHistoryConfig()
	if config != nil {
		cfg = *config
		cfg.ApplyDefaults()
	}
	return &MemoryHistory{
		config:  cfg,
		records: make(map[string]*triggerRecord),
	}
}

// CanTrigger reports whether at least cooldown has passed since the last trigger
func (h *MemoryHistory) CanTrigger(ruleID string, now time.Time, cooldown time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.records[ruleID]
	if !ok {
		return true
	}
	return now.Sub(rec.last) >= cooldown
}

// RecordTrigger appends now and prunes anything past retention
func (h *MemoryHistory) RecordTrigger(ruleID string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[ruleID]
	if !ok {
		rec = &triggerRecord{last: now}
		h.records[ruleID] = rec
	} else if now.After(rec.last) {
		rec.last = now
	}
	rec.timestamps = append(rec.timestamps, now)

	cutoff := now.Add(-h.config.Retention)
	kept := rec.timestamps[:0]
	for _, ts := range rec.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if over := len(kept) - h.config.MaxTimestamps; over > 0 {
		kept = kept[over:]
	}
	rec.timestamps = kept
}

// Reset forgets a rule's history
func (h *MemoryHistory) Reset(ruleID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, ruleID)
}

// Last returns the last trigger time
func (h *MemoryHistory) Last(ruleID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.records[ruleID]
	if !ok {
		return time.Time{}, false
	}
	return rec.last, true
}

// Timestamps returns a copy of the retained trigger times, oldest first
func (h *MemoryHistory) Timestamps(ruleID string) []time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, ok := h.records[ruleID]
	if !ok {
		return nil
	}
	return append([]time.Time(nil), rec.timestamps...)
}

// Registry hands out one history per Aura so lanes never share state
type Registry struct {
	config    HistoryConfig
	histories map[string]*MemoryHistory
	mu        sync.Mutex
}

// NewRegistry creates a registry whose histories use config
func NewRegistry(config *HistoryConfig) *Registry {
	cfg := DefaultHistoryConfig()
	if config != nil {
		cfg = *config
		cfg.ApplyDefaults()
	}
	return &Registry{
		config:    cfg,
		histories: make(map[string]*MemoryHistory),
	}
}

// For returns the Aura's history, creating it on first use
func (r *Registry) For(auraID string) *MemoryHistory {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.histories[auraID]
	if !ok {
		h = NewMemoryHistory(&r.config)
		r.histories[auraID] = h
	}
	return h
}

// ResetRule clears one rule in an Aura's history
func (r *Registry) ResetRule(auraID, ruleID string) {
	r.mu.Lock()
	h, ok := r.histories[auraID]
	r.mu.Unlock()

	if ok {
		h.Reset(ruleID)
	}
}

// Drop forgets an Aura entirely
func (r *Registry) Drop(auraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.histories, auraID)
}

// Len returns the number of tracked Auras
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.histories)
}
