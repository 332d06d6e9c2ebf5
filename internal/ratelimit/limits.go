// internal/ratelimit/limits.go
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Operations the engine limits per Aura
const (
	OpSenseFetch = "sense_fetch"
	OpDispatch   = "dispatch"
	OpEvaluate   = "evaluate"
	OpAPI        = "api"
)

// OperationConfig is a token bucket for one operation
type OperationConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// AuraLimiter throttles operations per Aura. Limits resolve as
// Aura override, then plan tier, then default.
type AuraLimiter struct {
	mu            sync.RWMutex
	defaultLimits map[string]OperationConfig            // operation -> default config
	auraLimits    map[string]map[string]OperationConfig // aura -> operation -> config
	tierLimits    map[string]map[string]OperationConfig // tier -> operation -> config
	auraTiers     map[string]string                     // aura -> tier
	limiters      map[string]*rate.Limiter              // aura:operation -> limiter
}

// NewAuraLimiter creates a limiter with no limits configured
func NewAuraLimiter() *AuraLimiter {
	return &AuraLimiter{
		defaultLimits: make(map[string]OperationConfig),
		auraLimits:    make(map[string]map[string]OperationConfig),
		tierLimits:    make(map[string]map[string]OperationConfig),
		auraTiers:     make(map[string]string),
		limiters:      make(map[string]*rate.Limiter),
	}
}

// SetDefaultLimit sets the default rate limit for an operation
func (l *AuraLimiter) SetDefaultLimit(operation string, cfg OperationConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.defaultLimits[operation] = cfg
	l.resetLimiters("", operation)
}

// SetAuraLimit sets a custom limit for a specific Aura
func (l *AuraLimiter) SetAuraLimit(auraID, operation string, cfg OperationConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.auraLimits[auraID] == nil {
		l.auraLimits[auraID] = make(map[string]OperationConfig)
	}
	l.auraLimits[auraID][operation] = cfg
	delete(l.limiters, key(auraID, operation))
}

// SetTierLimit sets limits for a plan tier
func (l *AuraLimiter) SetTierLimit(tier, operation string, cfg OperationConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tierLimits[tier] == nil {
		l.tierLimits[tier] = make(map[string]OperationConfig)
	}
	l.tierLimits[tier][operation] = cfg
	l.resetLimiters("", operation)
}

// SetAuraTier assigns an Aura to a tier. Changing tier rebuilds its buckets.
func (l *AuraLimiter) SetAuraTier(auraID, tier string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.auraTiers[auraID] == tier {
		return
	}
	l.auraTiers[auraID] = tier
	l.resetLimiters(auraID, "")
}

// AuraTier returns the tier of an Aura
func (l *AuraLimiter) AuraTier(auraID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tier, exists := l.auraTiers[auraID]
	return tier, exists
}

// Forget drops all state for an Aura
func (l *AuraLimiter) Forget(auraID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.auraLimits, auraID)
	delete(l.auraTiers, auraID)
	l.resetLimiters(auraID, "")
}

// Allow checks if an Aura can perform an operation now
func (l *AuraLimiter) Allow(auraID, operation string) bool {
	limiter := l.limiter(auraID, operation)
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Wait blocks until the operation is allowed or ctx is done
func (l *AuraLimiter) Wait(ctx context.Context, auraID, operation string) error {
	limiter := l.limiter(auraID, operation)
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: %s for aura %s: %w", operation, auraID, err)
	}
	return nil
}

// Info reports the configured burst and the tokens left
func (l *AuraLimiter) Info(auraID, operation string) (limit int, remaining int, limited bool) {
	limiter := l.limiter(auraID, operation)
	if limiter == nil {
		return 0, 0, false
	}
	remaining = int(limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return limiter.Burst(), remaining, true
}

func (l *AuraLimiter) limiter(auraID, operation string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(auraID, operation)
	if limiter, ok := l.limiters[k]; ok {
		return limiter
	}

	cfg, ok := l.resolve(auraID, operation)
	if !ok {
		return nil
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	l.limiters[k] = limiter
	return limiter
}

// resolve finds the config (aura-specific > tier > default)
func (l *AuraLimiter) resolve(auraID, operation string) (OperationConfig, bool) {
	if ops, ok := l.auraLimits[auraID]; ok {
		if cfg, ok := ops[operation]; ok {
			return cfg, true
		}
	}
	if tier, ok := l.auraTiers[auraID]; ok {
		if ops, ok := l.tierLimits[tier]; ok {
			if cfg, ok := ops[operation]; ok {
				return cfg, true
			}
		}
	}
	cfg, ok := l.defaultLimits[operation]
	return cfg, ok
}

// resetLimiters drops cached buckets matching auraID and/or operation; empty
// strings match everything.
func (l *AuraLimiter) resetLimiters(auraID, operation string) {
	for k := range l.limiters {
		a, op := splitKey(k)
		if (auraID == "" || a == auraID) && (operation == "" || op == operation) {
			delete(l.limiters, k)
		}
	}
}

func key(auraID, operation string) string {
	return auraID + "\x00" + operation
}

func splitKey(k string) (string, string) {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
