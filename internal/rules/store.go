package rules

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store supplies the rules of one Aura
type Store interface {
	ListByAura(ctx context.Context, auraID string) ([]BehaviorRule, error)
}

// AuraLister enumerates Auras that own rules
type AuraLister interface {
	ListAuras(ctx context.Context) ([]string, error)
}

// Repository is a full read/write rule store
type Repository interface {
	Store
	AuraLister
	Get(ctx context.Context, id string) (BehaviorRule, error)
	Create(ctx context.Context, rule *BehaviorRule) error
	Update(ctx context.Context, rule *BehaviorRule) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error
	DeleteByAura(ctx context.Context, auraID string) (int, error)
}

// MemoryStore is an in-memory Repository
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]BehaviorRule
	order []string
	now   func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]BehaviorRule),
		now:   time.Now,
	}
}

// ListByAura returns an Aura's rules in creation order
func (s *MemoryStore) ListByAura(ctx context.Context, auraID string) ([]BehaviorRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BehaviorRule
	for _, id := range s.order {
		if r := s.rules[id]; r.AuraID == auraID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAuras returns the distinct Aura ids, sorted
func (s *MemoryStore) ListAuras(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, r := range s.rules {
		seen[r.AuraID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Get returns a rule by id
func (s *MemoryStore) Get(ctx context.Context, id string) (BehaviorRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return BehaviorRule{}, ErrRuleNotFound
	}
	return r, nil
}

// Create stores a new rule, assigning an id when empty
func (s *MemoryStore) Create(ctx context.Context, rule *BehaviorRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if _, exists := s.rules[rule.ID]; exists {
		return ErrDuplicateRule
	}

	now := s.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = *rule
	s.order = append(s.order, rule.ID)
	return nil
}

// Update replaces an existing rule
func (s *MemoryStore) Update(ctx context.Context, rule *BehaviorRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return ErrRuleNotFound
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now().UTC()
	s.rules[rule.ID] = *rule
	return nil
}

// SetEnabled toggles a rule
func (s *MemoryStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Enabled = enabled
	r.UpdatedAt = s.now().UTC()
	s.rules[id] = r
	return nil
}

// Delete removes a rule
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(s.rules, id)
	s.removeFromOrder(func(rid string) bool { return rid == id })
	return nil
}

// DeleteByAura removes every rule of an Aura
func (s *MemoryStore) DeleteByAura(ctx context.Context, auraID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.rules {
		if r.AuraID == auraID {
			delete(s.rules, id)
			n++
		}
	}
	s.removeFromOrder(func(rid string) bool {
		_, ok := s.rules[rid]
		return !ok
	})
	return n, nil
}

func (s *MemoryStore) removeFromOrder(drop func(string) bool) {
	kept := s.order[:0]
	for _, id := range s.order {
		if !drop(id) {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

// TriggerEvent is a persisted record of a fired rule
type TriggerEvent struct {
	ID          string    `json:"id"`
	AuraID      string    `json:"aura_id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// NewTriggerEvent builds a log record from a result
func NewTriggerEvent(r Result) TriggerEvent {
	return TriggerEvent{
		ID:          uuid.New().String(),
		AuraID:      r.Rule.AuraID,
		RuleID:      r.Rule.ID,
		RuleName:    r.Rule.Name,
		Message:     r.Message,
		TriggeredAt: r.TriggeredAt,
	}
}

// TriggerLog keeps a display history of fired rules per Aura
type TriggerLog interface {
	Record(ctx context.Context, result Result) error
	Recent(ctx context.Context, auraID string, limit int) ([]TriggerEvent, error)
}

// DefaultTriggerLogLimit is how many events a log keeps per Aura for display
const DefaultTriggerLogLimit = 10

// MemoryTriggerLog keeps the last N events per Aura
type MemoryTriggerLog struct {
	mu     sync.Mutex
	limit  int
	events map[string][]TriggerEvent
}

// NewMemoryTriggerLog creates a log keeping limit events per Aura
func NewMemoryTriggerLog(limit int) *MemoryTriggerLog {
	if limit <= 0 {
		limit = DefaultTriggerLogLimit
	}
	return &MemoryTriggerLog{limit: limit, events: make(map[string][]TriggerEvent)}
}

// Record appends an event, dropping the oldest past the limit
func (l *MemoryTriggerLog) Record(ctx context.Context, result Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	auraID := result.Rule.AuraID
	events := append(l.events[auraID], NewTriggerEvent(result))
	if len(events) > l.limit {
		events = events[len(events)-l.limit:]
	}
	l.events[auraID] = events
	return nil
}

// Recent returns up to limit events, newest first
func (l *MemoryTriggerLog) Recent(ctx context.Context, auraID string, limit int) ([]TriggerEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.events[auraID]
	if limit <= 0 || limit > len(events) {
		limit = len(events)
	}
	out := make([]TriggerEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = events[len(events)-1-i]
	}
	return out, nil
}

// ReadableStore lists rules per Aura and the Auras themselves
type ReadableStore interface {
	Store
	AuraLister
}

// ReadOnly exposes a ReadableStore as a Repository whose writes fail with
// ErrReadOnly. Used for file-backed rules, which are edited on disk.
func ReadOnly(s ReadableStore) Repository {
	return readOnly{s}
}

type readOnly struct {
	ReadableStore
}

func (r readOnly) Get(ctx context.Context, id string) (BehaviorRule, error) {
	auras, err := r.ListAuras(ctx)
	if err != nil {
		return BehaviorRule{}, err
	}
	for _, auraID := range auras {
		list, err := r.ListByAura(ctx, auraID)
		if err != nil {
			return BehaviorRule{}, err
		}
		for _, rule := range list {
			if rule.ID == id {
				return rule, nil
			}
		}
	}
	return BehaviorRule{}, ErrRuleNotFound
}

func (readOnly) Create(ctx context.Context, rule *BehaviorRule) error { return ErrReadOnly }
func (readOnly) Update(ctx context.Context, rule *BehaviorRule) error { return ErrReadOnly }
func (readOnly) SetEnabled(ctx context.Context, id string, enabled bool) error { return ErrReadOnly }
func (readOnly) Delete(ctx context.Context, id string) error { return ErrReadOnly }
func (readOnly) DeleteByAura(ctx context.Context, auraID string) (int, error) {
	return 0, ErrReadOnly
}
