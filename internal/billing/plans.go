package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/aura/internal/cache"
	"github.com/FairForge/aura/internal/events"
)

// ErrPlanLimit is returned when an Aura would exceed its plan
var ErrPlanLimit = errors.New("billing: plan limit reached")

// Plan is a subscription tier
type Plan string

// Plans
const (
	PlanFree      Plan = "free"
	PlanPro       Plan = "pro"
	PlanUnlimited Plan = "unlimited"
)

// MaxEnabledRules is how many rules an Aura may have enabled; -1 is unlimited
func (p Plan) MaxEnabledRules() int {
	switch p {
	case PlanPro:
		return 25
	case PlanUnlimited:
		return -1
	default:
		return 3
	}
}

// ParsePlan parses a plan name
func ParsePlan(s string) (Plan, error) {
	switch Plan(s) {
	case PlanFree, PlanPro, PlanUnlimited:
		return Plan(s), nil
	default:
		return "", fmt.Errorf("billing: unknown plan %q", s)
	}
}

// PlanSource resolves the plan a billing customer is on
type PlanSource interface {
	PlanForCustomer(ctx context.Context, customerID string) (Plan, error)
}

// Accounts maps Auras to billing customers. An empty customer id means free.
type Accounts interface {
	CustomerForAura(ctx context.Context, auraID string) (string, error)
}

// StaticPlans is a fixed customer -> plan table
type StaticPlans map[string]Plan

// PlanForCustomer returns the stored plan or free
func (s StaticPlans) PlanForCustomer(ctx context.Context, customerID string) (Plan, error) {
	if p, ok := s[customerID]; ok {
		return p, nil
	}
	return PlanFree, nil
}

// StaticAccounts is a fixed aura -> customer table
type StaticAccounts map[string]string

// CustomerForAura returns the stored customer id
func (s StaticAccounts) CustomerForAura(ctx context.Context, auraID string) (string, error) {
	return s[auraID], nil
}

// CachedPlans memoizes plan lookups per customer
type CachedPlans struct {
	next  PlanSource
	cache *cache.TTL[Plan]
}

// NewCachedPlans wraps next with a TTL cache
func NewCachedPlans(next PlanSource, ttl time.Duration) *CachedPlans {
	return &CachedPlans{next: next, cache: cache.NewTTL[Plan](ttl)}
}

// PlanForCustomer returns the cached plan
func (c *CachedPlans) PlanForCustomer(ctx context.Context, customerID string) (Plan, error) {
	return c.cache.GetOrLoad(ctx, customerID, func(ctx context.Context) (Plan, error) {
		return c.next.PlanForCustomer(ctx, customerID)
	})
}

// Subscribe drops a customer's cached plan when its subscription changes
func (c *CachedPlans) Subscribe(bus events.Bus) error {
	return c.cache.InvalidateOn(bus, string(events.SubscriptionUpdated), ByCustomer)
}

// ByCustomer keys invalidations by the customer_id metadata
func ByCustomer(e events.Event) string {
	return e.Metadata[MetadataCustomerID]
}

// MetadataCustomerID is the event metadata key carrying the billing customer
const MetadataCustomerID = "customer_id"

// Enforcer applies plan limits to Auras
type Enforcer struct {
	accounts Accounts
	plans    PlanSource
}

// NewEnforcer creates an enforcer
func NewEnforcer(accounts Accounts, plans PlanSource) *Enforcer {
	return &Enforcer{accounts: accounts, plans: plans}
}

// PlanForAura resolves an Aura's plan
func (e *Enforcer) PlanForAura(ctx context.Context, auraID string) (Plan, error) {
	customer, err := e.accounts.CustomerForAura(ctx, auraID)
	if err != nil {
		return "", fmt.Errorf("billing: customer for aura %s: %w", auraID, err)
	}
	if customer == "" {
		return PlanFree, nil
	}
	plan, err := e.plans.PlanForCustomer(ctx, customer)
	if err != nil {
		return "", fmt.Errorf("billing: plan for customer %s: %w", customer, err)
	}
	return plan, nil
}

// Tier returns the Aura's plan name, used as its rate limit tier
func (e *Enforcer) Tier(ctx context.Context, auraID string) (string, error) {
	plan, err := e.PlanForAura(ctx, auraID)
	return string(plan), err
}

// CheckEnabledRules returns ErrPlanLimit when enabled rules exceed the plan
func (e *Enforcer) CheckEnabledRules(ctx context.Context, auraID string, enabled int) error {
	plan, err := e.PlanForAura(ctx, auraID)
	if err != nil {
		return err
	}
	limit := plan.MaxEnabledRules()
	if limit >= 0 && enabled > limit {
		return fmt.Errorf("%w: %s plan allows %d enabled rules", ErrPlanLimit, plan, limit)
	}
	return nil
}
