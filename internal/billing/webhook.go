package billing

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/webhook"
	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/events"
)

const maxWebhookBody = 64 << 10

// WebhookHandler receives Stripe events and announces subscription changes
// on the bus so cached plans are refreshed.
type WebhookHandler struct {
	endpointSecret string
	bus            events.Bus
	logger         *zap.Logger
}

// NewWebhookHandler creates a handler. An empty secret skips signature checks.
func NewWebhookHandler(secret string, bus events.Bus, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{endpointSecret: secret, bus: bus, logger: logger}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var event stripe.Event
	if h.endpointSecret != "" {
		event, err = webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.endpointSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			h.logger.Warn("stripe webhook rejected", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else if err := json.Unmarshal(payload, &event); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		customerID := subscriptionCustomer(event)
		if customerID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ev := events.New(events.SubscriptionUpdated, "", "")
		ev.Metadata = map[string]string{MetadataCustomerID: customerID, "stripe_event": string(event.Type)}
		if err := h.bus.Publish(r.Context(), ev); err != nil {
			h.logger.Error("publish subscription update", zap.String("customer_id", customerID), zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		h.logger.Info("subscription changed", zap.String("customer_id", customerID), zap.String("type", string(event.Type)))
	}

	w.WriteHeader(http.StatusOK)
}

func subscriptionCustomer(event stripe.Event) string {
	if event.Data == nil {
		return ""
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil || sub.Customer == nil {
		return ""
	}
	return sub.Customer.ID
}
