package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/subscription"
)

// SubscriptionLister returns a customer's subscriptions
type SubscriptionLister interface {
	Subscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
}

type stripeSubscriptions struct{}

func (stripeSubscriptions) Subscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx

	var out []*stripe.Subscription
	iter := subscription.List(params)
	for iter.Next() {
		out = append(out, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// StripePlans resolves plans from a customer's active Stripe subscriptions.
// Prices maps Stripe price ids to plans; the best matching plan wins.
type StripePlans struct {
	lister SubscriptionLister
	prices map[string]Plan
}

// NewStripePlans configures the Stripe client and returns a plan source
func NewStripePlans(apiKey string, prices map[string]Plan) *StripePlans {
	stripe.Key = apiKey
	return NewStripePlansWithLister(stripeSubscriptions{}, prices)
}

// NewStripePlansWithLister uses a custom subscription lister
func NewStripePlansWithLister(lister SubscriptionLister, prices map[string]Plan) *StripePlans {
	return &StripePlans{lister: lister, prices: prices}
}

var planRank = map[Plan]int{PlanFree: 0, PlanPro: 1, PlanUnlimited: 2}

// PlanForCustomer returns the highest plan among active subscriptions
func (s *StripePlans) PlanForCustomer(ctx context.Context, customerID string) (Plan, error) {
	subs, err := s.lister.Subscriptions(ctx, customerID)
	if err != nil {
		return "", err
	}

	best := PlanFree
	for _, sub := range subs {
		if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
			continue
		}
		if sub.Items == nil {
			continue
		}
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			if p, ok := s.prices[item.Price.ID]; ok && planRank[p] > planRank[best] {
				best = p
			}
		}
	}
	return best, nil
}
