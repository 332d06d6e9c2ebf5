package rules

import (
	"context"
	"time"

	"github.com/FairForge/aura/internal/cache"
	"github.com/FairForge/aura/internal/events"
)

// CachedStore memoizes ListByAura per Aura
type CachedStore struct {
	next  Store
	cache *cache.TTL[[]BehaviorRule]
}

// NewCachedStore wraps next with a TTL cache
func NewCachedStore(next Store, ttl time.Duration) *CachedStore {
	return &CachedStore{next: next, cache: cache.NewTTL[[]BehaviorRule](ttl)}
}

// ListByAura returns a copy of the cached rule list
func (s *CachedStore) ListByAura(ctx context.Context, auraID string) ([]BehaviorRule, error) {
	list, err := s.cache.GetOrLoad(ctx, auraID, func(ctx context.Context) ([]BehaviorRule, error) {
		return s.next.ListByAura(ctx, auraID)
	})
	if err != nil {
		return nil, err
	}
	return append([]BehaviorRule(nil), list...), nil
}

// ListAuras delegates when the wrapped store can enumerate Auras
func (s *CachedStore) ListAuras(ctx context.Context) ([]string, error) {
	if l, ok := s.next.(AuraLister); ok {
		return l.ListAuras(ctx)
	}
	return nil, nil
}

// Invalidate drops an Aura's cached list
func (s *CachedStore) Invalidate(auraID string) {
	s.cache.Invalidate(auraID)
}

// Subscribe invalidates on rule and Aura lifecycle events
func (s *CachedStore) Subscribe(bus events.Bus) error {
	for _, t := range []events.Type{events.RuleCreated, events.RuleUpdated, events.RuleDeleted, events.AuraDeleted} {
		if err := s.cache.InvalidateOn(bus, string(t), cache.ByAura); err != nil {
			return err
		}
	}
	return nil
}
