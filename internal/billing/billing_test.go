package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v75"

	"github.com/FairForge/aura/internal/events"
)

func TestPlan_MaxEnabledRules(t *testing.T) {
	assert.Equal(t, 3, PlanFree.MaxEnabledRules())
	assert.Equal(t, 25, PlanPro.MaxEnabledRules())
	assert.Equal(t, -1, PlanUnlimited.MaxEnabledRules())
	assert.Equal(t, 3, Plan("legacy").MaxEnabledRules())

	p, err := ParsePlan("pro")
	require.NoError(t, err)
	assert.Equal(t, PlanPro, p)
	_, err = ParsePlan("gold")
	assert.Error(t, err)
}

func TestEnforcer(t *testing.T) {
	ctx := context.Background()
	e := NewEnforcer(
		StaticAccounts{"paid": "cus_pro", "whale": "cus_max"},
		StaticPlans{"cus_pro": PlanPro, "cus_max": PlanUnlimited},
	)

	t.Run("free aura", func(t *testing.T) {
		plan, err := e.PlanForAura(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, PlanFree, plan)

		assert.NoError(t, e.CheckEnabledRules(ctx, "nobody", 3))
		err = e.CheckEnabledRules(ctx, "nobody", 4)
		assert.ErrorIs(t, err, ErrPlanLimit)
		assert.Contains(t, err.Error(), "free plan allows 3")
	})

	t.Run("pro aura", func(t *testing.T) {
		assert.NoError(t, e.CheckEnabledRules(ctx, "paid", 25))
		assert.ErrorIs(t, e.CheckEnabledRules(ctx, "paid", 26), ErrPlanLimit)
	})

	t.Run("unlimited aura", func(t *testing.T) {
		assert.NoError(t, e.CheckEnabledRules(ctx, "whale", 10000))
	})

	t.Run("lookup errors propagate", func(t *testing.T) {
		broken := NewEnforcer(failingAccounts{}, StaticPlans{})
		err := broken.CheckEnabledRules(ctx, "a", 1)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrPlanLimit)
	})
}

type failingAccounts struct{}

func (failingAccounts) CustomerForAura(ctx context.Context, auraID string) (string, error) {
	return "", errors.New("db down")
}

type fakeLister struct {
	subs  map[string][]*stripe.Subscription
	calls int
	err   error
}

func (f *fakeLister) Subscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.subs[customerID], nil
}

func sub(status stripe.SubscriptionStatus, priceIDs ...string) *stripe.Subscription {
	items := &stripe.SubscriptionItemList{}
	for _, id := range priceIDs {
		items.Data = append(items.Data, &stripe.SubscriptionItem{Price: &stripe.Price{ID: id}})
	}
	return &stripe.Subscription{Status: status, Items: items}
}

func TestStripePlans(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{subs: map[string][]*stripe.Subscription{
		"cus_pro":      {sub(stripe.SubscriptionStatusActive, "price_pro")},
		"cus_trial":    {sub(stripe.SubscriptionStatusTrialing, "price_unlimited")},
		"cus_canceled": {sub(stripe.SubscriptionStatusCanceled, "price_unlimited")},
		"cus_both":     {sub(stripe.SubscriptionStatusActive, "price_pro"), sub(stripe.SubscriptionStatusActive, "price_unlimited", "price_addon")},
		"cus_unknown":  {sub(stripe.SubscriptionStatusActive, "price_other"), {Status: stripe.SubscriptionStatusActive}},
	}}
	plans := NewStripePlansWithLister(lister, map[string]Plan{
		"price_pro":       PlanPro,
		"price_unlimited": PlanUnlimited,
	})

	tests := map[string]Plan{
		"cus_pro":      PlanPro,
		"cus_trial":    PlanUnlimited,
		"cus_canceled": PlanFree,
		"cus_both":     PlanUnlimited,
		"cus_unknown":  PlanFree,
		"cus_none":     PlanFree,
	}
	for customer, want := range tests {
		t.Run(customer, func(t *testing.T) {
			got, err := plans.PlanForCustomer(ctx, customer)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	t.Run("lister error", func(t *testing.T) {
		failing := NewStripePlansWithLister(&fakeLister{err: errors.New("stripe unavailable")}, nil)
		_, err := failing.PlanForCustomer(ctx, "cus_pro")
		assert.Error(t, err)
	})
}

func TestCachedPlans(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{subs: map[string][]*stripe.Subscription{
		"cus_1": {sub(stripe.SubscriptionStatusActive, "price_pro")},
	}}
	cached := NewCachedPlans(NewStripePlansWithLister(lister, map[string]Plan{"price_pro": PlanPro}), time.Minute)

	bus := events.NewSimpleEventBus(10)
	require.NoError(t, cached.Subscribe(bus))

	for i := 0; i < 3; i++ {
		p, err := cached.PlanForCustomer(ctx, "cus_1")
		require.NoError(t, err)
		assert.Equal(t, PlanPro, p)
	}
	assert.Equal(t, 1, lister.calls)

	ev := events.New(events.SubscriptionUpdated, "", "")
	ev.Metadata = map[string]string{MetadataCustomerID: "cus_1"}
	require.NoError(t, bus.Publish(ctx, ev))

	_, err := cached.PlanForCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
}

func signedHeader(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

const subscriptionEvent = `{
  "id": "evt_1",
  "object": "event",
  "api_version": "2023-10-16",
  "type": "customer.subscription.updated",
  "data": {
    "object": {
      "id": "sub_1",
      "object": "subscription",
      "customer": "cus_123",
      "status": "active"
    }
  }
}`

func TestWebhookHandler(t *testing.T) {
	bus := events.NewSimpleEventBus(10)
	var got []events.Event
	require.NoError(t, bus.Subscribe(string(events.SubscriptionUpdated), func(ctx context.Context, e events.Event) error {
		got = append(got, e)
		return nil
	}))

	t.Run("signed subscription update is published", func(t *testing.T) {
		handler := NewWebhookHandler("whsec_test", bus, nil)
		payload := []byte(subscriptionEvent)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", signedHeader(payload, "whsec_test"))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, got, 1)
		assert.Equal(t, "cus_123", got[0].Metadata[MetadataCustomerID])
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		handler := NewWebhookHandler("whsec_test", bus, nil)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString(subscriptionEvent))
		req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unsigned mode ignores unrelated events", func(t *testing.T) {
		handler := NewWebhookHandler("", bus, nil)
		before := len(got)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe",
			bytes.NewBufferString(`{"type": "invoice.paid", "data": {"object": {"id": "in_1"}}}`))
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, got, before)
	})

	t.Run("garbage body", func(t *testing.T) {
		handler := NewWebhookHandler("", bus, nil)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewBufferString("not json"))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
