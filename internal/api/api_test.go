package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/FairForge/aura/internal/billing"
	"github.com/FairForge/aura/internal/events"
	"github.com/FairForge/aura/internal/metrics"
	"github.com/FairForge/aura/internal/ratelimit"
	"github.com/FairForge/aura/internal/rules"
	"github.com/FairForge/aura/internal/scheduler"
	"github.com/FairForge/aura/internal/sensors"
)

const hotRuleJSON = `{
  "name": "Too hot",
  "trigger": {"sensor": "temperature", "operator": ">", "value": 30, "cooldown": 3600},
  "action": {"type": "notification", "message": "It's hot, stay hydrated"}
}`

type stubEvaluator struct {
	results []rules.Result
	err     error
}

func (s stubEvaluator) EvaluateAura(ctx context.Context, auraID string) ([]rules.Result, error) {
	return s.results, s.err
}

type testServer struct {
	store  *rules.MemoryStore
	bus    *events.SimpleEventBus
	log    *rules.MemoryTriggerLog
	seen   []events.Event
	server *Server
}

func newTestServer(t *testing.T, mutate func(*Deps)) *testServer {
	t.Helper()
	ts := &testServer{
		store: rules.NewMemoryStore(),
		bus:   events.NewSimpleEventBus(100),
		log:   rules.NewMemoryTriggerLog(0),
	}
	require.NoError(t, ts.bus.Subscribe("*", func(ctx context.Context, e events.Event) error {
		ts.seen = append(ts.seen, e)
		return nil
	}))

	deps := Deps{
		Rules:      ts.store,
		Catalog:    sensors.DefaultCatalog(),
		Bus:        ts.bus,
		TriggerLog: ts.log,
		Enforcer:   billing.NewEnforcer(billing.StaticAccounts{}, billing.StaticPlans{}),
		Metrics:    metrics.New(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	ts.server = NewServer(Config{}, deps, zaptest.NewLogger(t))
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) lastEvent() events.Event {
	if len(ts.seen) == 0 {
		return events.Event{}
	}
	return ts.seen[len(ts.seen)-1]
}

func (ts *testServer) create(t *testing.T, auraID string) rules.BehaviorRule {
	t.Helper()
	w := ts.do(http.MethodPost, "/api/v1/auras/"+auraID+"/rules", hotRuleJSON)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rule rules.BehaviorRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	return rule
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = ts.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	notReady := newTestServer(t, func(d *Deps) {
		d.Ready = func(ctx context.Context) error { return errors.New("database unreachable") }
	})
	w = notReady.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodGet, "/api/v1/sensors", "")

	w := ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `aura_requests_total{method="GET",route="/api/v1/sensors",status="200"} 1`)
}

func TestListSensors(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodGet, "/api/v1/sensors", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sensors []sensors.Metadata `json:"sensors"`
		Count   int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, len(resp.Sensors), resp.Count)
	assert.NotZero(t, resp.Count)
}

func TestRuleLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	rule := ts.create(t, "aura-1")
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, "aura-1", rule.AuraID)
	assert.True(t, rule.Enabled, "rules are enabled by default")
	assert.Equal(t, rules.KindSimple, rule.Trigger.Kind)
	assert.Equal(t, events.RuleCreated, ts.lastEvent().Type)

	base := "/api/v1/auras/aura-1/rules/" + rule.ID

	t.Run("get", func(t *testing.T) {
		w := ts.do(http.MethodGet, base, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"name":"Too hot"`)
	})

	t.Run("list", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/api/v1/auras/aura-1/rules", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)

		w = ts.do(http.MethodGet, "/api/v1/auras/nobody/rules", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"rules":[]`)
	})

	t.Run("other aura cannot see it", func(t *testing.T) {
		w := ts.do(http.MethodGet, "/api/v1/auras/aura-2/rules/"+rule.ID, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("update", func(t *testing.T) {
		body := strings.Replace(hotRuleJSON, `"value": 30`, `"value": 32`, 1)
		w := ts.do(http.MethodPut, base, body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		stored, err := ts.store.Get(context.Background(), rule.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 32, stored.Trigger.Value)
		assert.Equal(t, events.RuleUpdated, ts.lastEvent().Type)
		assert.Equal(t, rule.ID, ts.lastEvent().RuleID)
	})

	t.Run("disable and enable", func(t *testing.T) {
		w := ts.do(http.MethodPost, base+"/disable", "")
		require.Equal(t, http.StatusOK, w.Code)
		stored, _ := ts.store.Get(context.Background(), rule.ID)
		assert.False(t, stored.Enabled)

		before := len(ts.seen)
		w = ts.do(http.MethodPost, base+"/disable", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, ts.seen, before, "no-op toggles publish nothing")

		w = ts.do(http.MethodPost, base+"/enable", "")
		require.Equal(t, http.StatusOK, w.Code)
		stored, _ = ts.store.Get(context.Background(), rule.ID)
		assert.True(t, stored.Enabled)
	})

	t.Run("reset", func(t *testing.T) {
		w := ts.do(http.MethodPost, base+"/reset", "")
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, events.RuleReset, ts.lastEvent().Type)
	})

	t.Run("delete", func(t *testing.T) {
		w := ts.do(http.MethodDelete, base, "")
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, events.RuleDeleted, ts.lastEvent().Type)

		w = ts.do(http.MethodGet, base, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCreateRule_Rejections(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := map[string]string{
		"not json":         `{`,
		"missing action":   `{"name": "x", "trigger": {"sensor": "temperature", "operator": ">", "value": 1}}`,
		"unknown sensor":   strings.Replace(hotRuleJSON, "temperature", "barometer", 1),
		"bad operator":     strings.Replace(hotRuleJSON, `">"`, `"contains"`, 1),
		"between not pair": strings.Replace(hotRuleJSON, `">", "value": 30`, `"between", "value": [1]`, 1),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/api/v1/auras/aura-1/rules", body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}

	t.Run("nothing stored", func(t *testing.T) {
		list, err := ts.store.ListByAura(context.Background(), "aura-1")
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

type orphanStore struct {
	*rules.MemoryStore
}

func (orphanStore) Create(ctx context.Context, r *rules.BehaviorRule) error {
	return fmt.Errorf("%w: %s", rules.ErrUnknownAura, r.AuraID)
}

type missingAccounts struct{}

func (missingAccounts) CustomerForAura(ctx context.Context, auraID string) (string, error) {
	return "", rules.ErrUnknownAura
}

func TestCreateRule_UnknownAura(t *testing.T) {
	t.Run("store rejects the aura", func(t *testing.T) {
		ts := newTestServer(t, func(d *Deps) {
			d.Rules = orphanStore{rules.NewMemoryStore()}
			d.Enforcer = nil
		})
		w := ts.do(http.MethodPost, "/api/v1/auras/ghost/rules", hotRuleJSON)
		assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), "unknown aura")
	})

	t.Run("plan lookup cannot find the aura", func(t *testing.T) {
		ts := newTestServer(t, func(d *Deps) {
			d.Enforcer = billing.NewEnforcer(missingAccounts{}, billing.StaticPlans{})
		})
		w := ts.do(http.MethodPost, "/api/v1/auras/ghost/rules", hotRuleJSON)
		assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	})
}

func TestPlanLimits(t *testing.T) {
	ts := newTestServer(t, nil)

	for i := 0; i < billing.PlanFree.MaxEnabledRules(); i++ {
		ts.create(t, "aura-1")
	}

	w := ts.do(http.MethodPost, "/api/v1/auras/aura-1/rules", hotRuleJSON)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "plan limit")

	disabled := strings.Replace(hotRuleJSON, `"name"`, `"enabled": false, "name"`, 1)
	w = ts.do(http.MethodPost, "/api/v1/auras/aura-1/rules", disabled)
	require.Equal(t, http.StatusCreated, w.Code, "disabled rules do not count")

	var rule rules.BehaviorRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	assert.False(t, rule.Enabled)

	w = ts.do(http.MethodPost, "/api/v1/auras/aura-1/rules/"+rule.ID+"/enable", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	paid := newTestServer(t, func(d *Deps) {
		d.Enforcer = billing.NewEnforcer(
			billing.StaticAccounts{"aura-1": "cus_1"},
			billing.StaticPlans{"cus_1": billing.PlanPro},
		)
	})
	for i := 0; i < 5; i++ {
		paid.create(t, "aura-1")
	}
}

func TestEvaluateAura(t *testing.T) {
	fired := rules.Result{
		Rule:        rules.BehaviorRule{ID: "r1", AuraID: "aura-1"},
		Message:     "It's hot, stay hydrated",
		TriggeredAt: time.Date(2026, 6, 3, 14, 0, 0, 0, time.UTC),
	}

	t.Run("results", func(t *testing.T) {
		ts := newTestServer(t, func(d *Deps) { d.Evaluator = stubEvaluator{results: []rules.Result{fired}} })
		w := ts.do(http.MethodPost, "/api/v1/auras/aura-1/evaluate", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
		assert.Contains(t, w.Body.String(), "stay hydrated")
	})

	t.Run("nothing fired", func(t *testing.T) {
		ts := newTestServer(t, func(d *Deps) { d.Evaluator = stubEvaluator{} })
		w := ts.do(http.MethodPost, "/api/v1/auras/aura-1/evaluate", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"results":[]`)
	})

	t.Run("busy", func(t *testing.T) {
		ts := newTestServer(t, func(d *Deps) { d.Evaluator = stubEvaluator{err: scheduler.ErrAuraBusy} })
		w := ts.do(http.MethodPost, "/api/v1/auras/aura-1/evaluate", "")
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("sensor failure", func(t *testing.T) {
		ts := newTestServer(t, func(d *Deps) { d.Evaluator = stubEvaluator{err: errors.New("sense service down")} })
		w := ts.do(http.MethodPost, "/api/v1/auras/aura-1/evaluate", "")
		assert.Equal(t, http.StatusBadGateway, w.Code)
	})

	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, nil)
		w := ts.do(http.MethodPost, "/api/v1/auras/aura-1/evaluate", "")
		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})
}

func TestListTriggers(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for i, msg := range []string{"first", "second", "third"} {
		require.NoError(t, ts.log.Record(ctx, rules.Result{
			Rule:        rules.BehaviorRule{ID: "r1", AuraID: "aura-1"},
			Message:     msg,
			TriggeredAt: time.Date(2026, 6, 3, 14, i, 0, 0, time.UTC),
		}))
	}

	w := ts.do(http.MethodGet, "/api/v1/auras/aura-1/triggers?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Triggers []rules.TriggerEvent `json:"triggers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Triggers, 2)
	assert.Equal(t, "third", resp.Triggers[0].Message)
	assert.Equal(t, "second", resp.Triggers[1].Message)
}

type recordingAuras struct{ deleted []string }

func (r *recordingAuras) Delete(ctx context.Context, auraID string) error {
	r.deleted = append(r.deleted, auraID)
	return nil
}

func TestDeleteAura(t *testing.T) {
	auras := &recordingAuras{}
	ts := newTestServer(t, func(d *Deps) { d.Auras = auras })
	ts.create(t, "aura-1")
	ts.create(t, "aura-1")
	ts.create(t, "aura-2")

	w := ts.do(http.MethodDelete, "/api/v1/auras/aura-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted_rules": 2}`, w.Body.String())
	assert.Equal(t, []string{"aura-1"}, auras.deleted)
	assert.Equal(t, events.AuraDeleted, ts.lastEvent().Type)

	remaining, err := ts.store.ListAuras(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"aura-2"}, remaining)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewAuraLimiter()
	limiter.SetDefaultLimit(ratelimit.OpAPI, ratelimit.OperationConfig{RatePerSecond: 0.001, Burst: 1})
	ts := newTestServer(t, func(d *Deps) { d.Limiter = limiter })

	w := ts.do(http.MethodGet, "/api/v1/auras/aura-1/rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = ts.do(http.MethodGet, "/api/v1/auras/aura-1/rules", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/auras/aura-2/rules", "")
	assert.Equal(t, http.StatusOK, w.Code, "limits are per aura")
}

func TestRateLimit_Evaluate(t *testing.T) {
	limiter := ratelimit.NewAuraLimiter()
	limiter.SetDefaultLimit(ratelimit.OpEvaluate, ratelimit.OperationConfig{RatePerSecond: 0.001, Burst: 1})
	ts := newTestServer(t, func(d *Deps) {
		d.Limiter = limiter
		d.Evaluator = stubEvaluator{}
	})

	w := ts.do(http.MethodPost, "/api/v1/auras/aura-1/evaluate", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(http.MethodPost, "/api/v1/auras/aura-1/evaluate", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = ts.do(http.MethodGet, "/api/v1/auras/aura-1/rules", "")
	assert.Equal(t, http.StatusOK, w.Code, "other routes keep their own bucket")
}

func TestStripeWebhookRoute(t *testing.T) {
	var called bool
	ts := newTestServer(t, func(d *Deps) {
		d.StripeWebhook = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		})
	})
	w := ts.do(http.MethodPost, "/webhooks/stripe", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, called)
}
