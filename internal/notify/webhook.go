// internal/notify/webhook.go
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventRuleTriggered is the event type sent to webhook endpoints
const EventRuleTriggered = "rule.triggered"

// Delivery statuses
const (
	DeliveryStatusPending = "pending"
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

const maxDeliveriesPerEndpoint = 100

// Endpoint is a webhook an Aura owner registered
type Endpoint struct {
	ID           string            `json:"id" yaml:"id"`
	AuraID       string            `json:"aura_id" yaml:"aura_id"`
	URL          string            `json:"url" yaml:"url"`
	Channels     []string          `json:"channels,omitempty" yaml:"channels"`
	Secret       string            `json:"secret,omitempty" yaml:"secret"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers"`
	Enabled      bool              `json:"enabled" yaml:"enabled"`
	RequireHTTPS bool              `json:"require_https" yaml:"require_https"`
	CreatedAt    time.Time         `json:"created_at" yaml:"-"`
}

// Validate checks if the endpoint is valid
func (e *Endpoint) Validate() error {
	if e.AuraID == "" {
		return errors.New("webhook: aura_id is required")
	}
	if e.URL == "" {
		return errors.New("webhook: URL is required")
	}

	parsedURL, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("webhook: invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("webhook: unsupported scheme %q", parsedURL.Scheme)
	}
	if e.RequireHTTPS && parsedURL.Scheme != "https" {
		return errors.New("webhook: HTTPS is required")
	}
	return nil
}

// MatchesChannels reports whether the endpoint should receive a notification
// addressed to channels. An endpoint without channels receives everything, as
// does a notification without channels.
func (e *Endpoint) MatchesChannels(channels []string) bool {
	if len(e.Channels) == 0 || len(channels) == 0 {
		return true
	}
	for _, want := range e.Channels {
		for _, c := range channels {
			if want == "*" || want == c {
				return true
			}
			if strings.HasSuffix(want, ".*") && strings.HasPrefix(c, strings.TrimSuffix(want, "*")) {
				return true
			}
		}
	}
	return false
}

// Payload is the JSON body posted to endpoints
type Payload struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	AuraID       string       `json:"aura_id"`
	Notification Notification `json:"notification"`
	Timestamp    time.Time    `json:"timestamp"`
	Attempt      int          `json:"attempt"`
}

// Delivery tracks a delivery attempt
type Delivery struct {
	ID           string        `json:"id"`
	EndpointID   string        `json:"endpoint_id"`
	PayloadID    string        `json:"payload_id"`
	Status       string        `json:"status"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	Attempt      int           `json:"attempt"`
	CreatedAt    time.Time     `json:"created_at"`
}

// WebhookConfig configures webhook delivery
type WebhookConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInterval  time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	MaxConcurrent  int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	UserAgent      string        `yaml:"user_agent" env:"USER_AGENT"`
}

// DefaultWebhookConfig returns sensible defaults
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		MaxRetries:     3,
		RetryInterval:  time.Second,
		RequestTimeout: 10 * time.Second,
		MaxConcurrent:  16,
		UserAgent:      "Aura-Webhooks/1.0",
	}
}

// ApplyDefaults fills in zero values
func (c *WebhookConfig) ApplyDefaults() {
	d := DefaultWebhookConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
}

// WebhookDispatcher posts webhook actions to the endpoints of their Aura
type WebhookDispatcher struct {
	config     WebhookConfig
	endpoints  map[string]*Endpoint
	deliveries map[string][]*Delivery
	httpClient *http.Client
	logger     *zap.Logger
	mu         sync.RWMutex
	sem        chan struct{}
}

// NewWebhookDispatcher creates a dispatcher with no endpoints
func NewWebhookDispatcher(config WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		config:     config,
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string][]*Delivery),
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		logger:     logger,
		sem:        make(chan struct{}, config.MaxConcurrent),
	}
}

// Config returns the dispatcher configuration
func (d *WebhookDispatcher) Config() WebhookConfig {
	return d.config
}

// Register adds an endpoint, assigning an id when empty
func (d *WebhookDispatcher) Register(e *Endpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if _, exists := d.endpoints[e.ID]; exists {
		return fmt.Errorf("webhook: ID %s already exists", e.ID)
	}

	e.Enabled = true
	e.CreatedAt = time.Now().UTC()
	d.endpoints[e.ID] = e
	return nil
}

// Unregister removes an endpoint
func (d *WebhookDispatcher) Unregister(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.endpoints[id]; !exists {
		return fmt.Errorf("webhook: ID %s not found", id)
	}
	delete(d.endpoints, id)
	delete(d.deliveries, id)
	return nil
}

// DropAura removes every endpoint of an Aura
func (d *WebhookDispatcher) DropAura(auraID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, e := range d.endpoints {
		if e.AuraID == auraID {
			delete(d.endpoints, id)
			delete(d.deliveries, id)
			n++
		}
	}
	return n
}

// ListByAura returns all endpoints of an Aura
func (d *WebhookDispatcher) ListByAura(auraID string) []*Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*Endpoint
	for _, e := range d.endpoints {
		if e.AuraID == auraID {
			result = append(result, e)
		}
	}
	return result
}

// Dispatch delivers every notification to its matching endpoints and waits
// for all deliveries. Failures are joined.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, notifications []Notification) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, n := range notifications {
		for _, e := range d.matching(n) {
			wg.Add(1)
			go func(e Endpoint, n Notification) {
				defer wg.Done()

				select {
				case d.sem <- struct{}{}:
				case <-ctx.Done():
					mu.Lock()
					errs = append(errs, ctx.Err())
					mu.Unlock()
					return
				}
				defer func() { <-d.sem }()

				if err := d.deliver(ctx, &e, n); err != nil {
					d.logger.Warn("webhook delivery failed",
						zap.String("endpoint_id", e.ID),
						zap.String("aura_id", n.AuraID),
						zap.String("rule_id", n.RuleID),
						zap.Error(err))
					mu.Lock()
					errs = append(errs, fmt.Errorf("webhook %s: %w", e.ID, err))
					mu.Unlock()
				}
			}(e, n)
		}
	}

	wg.Wait()
	return errors.Join(errs...)
}

// matching returns copies so deliveries never race with Unregister
func (d *WebhookDispatcher) matching(n Notification) []Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []Endpoint
	for _, e := range d.endpoints {
		if !e.Enabled || e.AuraID != n.AuraID {
			continue
		}
		if e.MatchesChannels(n.Channels) {
			result = append(result, *e)
		}
	}
	return result
}

// deliver sends a webhook with retries
func (d *WebhookDispatcher) deliver(ctx context.Context, e *Endpoint, n Notification) error {
	payload := &Payload{
		ID:           uuid.New().String(),
		Type:         EventRuleTriggered,
		AuraID:       n.AuraID,
		Notification: n,
		Timestamp:    time.Now().UTC(),
	}

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		payload.Attempt = attempt

		delivery := &Delivery{
			ID:         uuid.New().String(),
			EndpointID: e.ID,
			PayloadID:  payload.ID,
			Status:     DeliveryStatusPending,
			Attempt:    attempt,
			CreatedAt:  time.Now().UTC(),
		}

		start := time.Now()
		statusCode, respBody, err := d.sendRequest(ctx, e, payload)
		delivery.Duration = time.Since(start)
		delivery.StatusCode = statusCode
		delivery.ResponseBody = respBody

		if err == nil && statusCode >= 200 && statusCode < 300 {
			delivery.Status = DeliveryStatusSuccess
			d.recordDelivery(e.ID, delivery)
			return nil
		}

		delivery.Status = DeliveryStatusFailed
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook returned status %d", statusCode)
		}
		delivery.Error = lastErr.Error()
		d.recordDelivery(e.ID, delivery)

		// Client errors other than 429 will not succeed on retry.
		if err == nil && statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests {
			return lastErr
		}

		if attempt < d.config.MaxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.config.RetryInterval):
			}
		}
	}

	return lastErr
}

// sendRequest sends a single webhook request
func (d *WebhookDispatcher) sendRequest(ctx context.Context, e *Endpoint, payload *Payload) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.config.UserAgent)
	req.Header.Set("X-Webhook-ID", e.ID)
	req.Header.Set("X-Event-Type", payload.Type)
	req.Header.Set("X-Event-ID", payload.ID)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(payload.Attempt))

	if e.Secret != "" {
		req.Header.Set("X-Webhook-Signature", GenerateSignature(body, e.Secret))
	}
	for key, value := range e.Headers {
		req.Header.Set(key, value)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, string(respBody), nil
}

// GenerateSignature generates an HMAC-SHA256 signature
func GenerateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature verifies a webhook signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := GenerateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (d *WebhookDispatcher) recordDelivery(endpointID string, delivery *Delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := append(d.deliveries[endpointID], delivery)
	if len(list) > maxDeliveriesPerEndpoint {
		list = list[len(list)-maxDeliveriesPerEndpoint:]
	}
	d.deliveries[endpointID] = list
}

// DeliveryHistory returns up to limit deliveries for an endpoint, most recent first
func (d *WebhookDispatcher) DeliveryHistory(endpointID string, limit int) []*Delivery {
	d.mu.RLock()
	defer d.mu.RUnlock()

	deliveries := d.deliveries[endpointID]
	if len(deliveries) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(deliveries) {
		limit = len(deliveries)
	}

	result := make([]*Delivery, limit)
	for i := 0; i < limit; i++ {
		result[i] = deliveries[len(deliveries)-1-i]
	}
	return result
}
