package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/billing"
	"github.com/FairForge/aura/internal/events"
	"github.com/FairForge/aura/internal/rules"
	"github.com/FairForge/aura/internal/scheduler"
)

const maxRuleBody = 1 << 20

// ListSensors returns the sensor catalog
func (s *Server) ListSensors(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Catalog.List()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"sensors": list,
		"count":   len(list),
	})
}

// ListRules returns an Aura's rules
func (s *Server) ListRules(w http.ResponseWriter, r *http.Request) {
	auraID := chi.URLParam(r, "auraID")
	list, err := s.deps.Rules.ListByAura(r.Context(), auraID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []rules.BehaviorRule{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"rules": list,
		"count": len(list),
	})
}

// GetRule returns one rule
func (s *Server) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a new rule. Rules are enabled unless the
// document says otherwise.
func (s *Server) CreateRule(w http.ResponseWriter, r *http.Request) {
	auraID := chi.URLParam(r, "auraID")
	rule, err := s.decodeRule(r, auraID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	if rule.Enabled {
		if status, err := s.checkPlan(r.Context(), auraID, 1); err != nil {
			s.respondError(w, status, err)
			return
		}
	}

	if err := s.deps.Rules.Create(r.Context(), &rule); err != nil {
		s.respondError(w, storeStatus(err), err)
		return
	}
	s.publish(r.Context(), events.RuleCreated, auraID, rule.ID)
	s.respondJSON(w, http.StatusCreated, rule)
}

// UpdateRule replaces a rule. Its trigger history starts over.
func (s *Server) UpdateRule(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.loadRule(w, r)
	if !ok {
		return
	}

	rule, err := s.decodeRule(r, existing.AuraID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	rule.ID = existing.ID

	if rule.Enabled && !existing.Enabled {
		if status, err := s.checkPlan(r.Context(), existing.AuraID, 1); err != nil {
			s.respondError(w, status, err)
			return
		}
	}

	if err := s.deps.Rules.Update(r.Context(), &rule); err != nil {
		s.respondError(w, storeStatus(err), err)
		return
	}
	s.publish(r.Context(), events.RuleUpdated, rule.AuraID, rule.ID)
	s.respondJSON(w, http.StatusOK, rule)
}

// DeleteRule removes a rule
func (s *Server) DeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	if err := s.deps.Rules.Delete(r.Context(), rule.ID); err != nil {
		s.respondError(w, storeStatus(err), err)
		return
	}
	s.publish(r.Context(), events.RuleDeleted, rule.AuraID, rule.ID)
	w.WriteHeader(http.StatusNoContent)
}

// EnableRule switches a rule on, subject to the Aura's plan. A re-enabled
// rule starts with a clean history.
func (s *Server) EnableRule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

// DisableRule switches a rule off
func (s *Server) DisableRule(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	if rule.Enabled == enabled {
		s.respondJSON(w, http.StatusOK, rule)
		return
	}
	if enabled {
		if status, err := s.checkPlan(r.Context(), rule.AuraID, 1); err != nil {
			s.respondError(w, status, err)
			return
		}
	}

	if err := s.deps.Rules.SetEnabled(r.Context(), rule.ID, enabled); err != nil {
		s.respondError(w, storeStatus(err), err)
		return
	}
	rule.Enabled = enabled
	s.publish(r.Context(), events.RuleUpdated, rule.AuraID, rule.ID)
	s.respondJSON(w, http.StatusOK, rule)
}

// ResetRule clears a rule's trigger history
func (s *Server) ResetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.loadRule(w, r)
	if !ok {
		return
	}
	s.publish(r.Context(), events.RuleReset, rule.AuraID, rule.ID)
	w.WriteHeader(http.StatusNoContent)
}

// EvaluateAura runs one evaluation now and returns the rules that fired
func (s *Server) EvaluateAura(w http.ResponseWriter, r *http.Request) {
	if s.deps.Evaluator == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("evaluation is not available"))
		return
	}
	auraID := chi.URLParam(r, "auraID")
	results, err := s.deps.Evaluator.EvaluateAura(r.Context(), auraID)
	if errors.Is(err, scheduler.ErrAuraBusy) {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err)
		return
	}
	if results == nil {
		results = []rules.Result{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// ListTriggers returns the most recent fired rules of an Aura
func (s *Server) ListTriggers(w http.ResponseWriter, r *http.Request) {
	if s.deps.TriggerLog == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("trigger log is not available"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = rules.DefaultTriggerLogLimit
	}

	list, err := s.deps.TriggerLog.Recent(r.Context(), chi.URLParam(r, "auraID"), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []rules.TriggerEvent{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"triggers": list,
		"count":    len(list),
	})
}

// DeleteAura removes an Aura's rules and record and drops its engine state
func (s *Server) DeleteAura(w http.ResponseWriter, r *http.Request) {
	auraID := chi.URLParam(r, "auraID")
	n, err := s.deps.Rules.DeleteByAura(r.Context(), auraID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if s.deps.Auras != nil {
		if err := s.deps.Auras.Delete(r.Context(), auraID); err != nil {
			s.logger.Warn("delete aura record", zap.String("aura_id", auraID), zap.Error(err))
		}
	}
	s.publish(r.Context(), events.AuraDeleted, auraID, "")
	s.respondJSON(w, http.StatusOK, map[string]int{"deleted_rules": n})
}

// loadRule fetches the rule in the path and checks it belongs to the Aura
func (s *Server) loadRule(w http.ResponseWriter, r *http.Request) (rules.BehaviorRule, bool) {
	auraID := chi.URLParam(r, "auraID")
	rule, err := s.deps.Rules.Get(r.Context(), chi.URLParam(r, "ruleID"))
	if err == nil && rule.AuraID != auraID {
		err = rules.ErrRuleNotFound
	}
	if err != nil {
		s.respondError(w, storeStatus(err), err)
		return rule, false
	}
	return rule, true
}

// decodeRule reads, schema-checks and validates a rule document for auraID
func (s *Server) decodeRule(r *http.Request, auraID string) (rules.BehaviorRule, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRuleBody))
	if err != nil {
		return rules.BehaviorRule{}, err
	}
	rule, err := rules.DecodeRule(body)
	if err != nil {
		return rule, err
	}

	var presence struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &presence); err == nil && presence.Enabled == nil {
		rule.Enabled = true
	}
	rule.AuraID = auraID

	if err := rule.Validate(s.deps.Catalog); err != nil {
		return rule, err
	}
	return rule, nil
}

// checkPlan verifies the Aura's plan allows adding more enabled rules
func (s *Server) checkPlan(ctx context.Context, auraID string, adding int) (int, error) {
	if s.deps.Enforcer == nil {
		return 0, nil
	}
	list, err := s.deps.Rules.ListByAura(ctx, auraID)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	enabled := adding
	for _, r := range list {
		if r.Enabled {
			enabled++
		}
	}
	if err := s.deps.Enforcer.CheckEnabledRules(ctx, auraID, enabled); err != nil {
		if errors.Is(err, billing.ErrPlanLimit) {
			return http.StatusForbidden, err
		}
		if errors.Is(err, rules.ErrUnknownAura) {
			return http.StatusNotFound, err
		}
		return http.StatusInternalServerError, err
	}
	return 0, nil
}

func (s *Server) publish(ctx context.Context, t events.Type, auraID, ruleID string) {
	if err := s.deps.Bus.Publish(ctx, events.New(t, auraID, ruleID)); err != nil {
		s.logger.Warn("publish event failed", zap.String("type", string(t)), zap.String("aura_id", auraID), zap.Error(err))
	}
}

func storeStatus(err error) int {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, rules.ErrUnknownAura):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrDuplicateRule):
		return http.StatusConflict
	case errors.Is(err, rules.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, rules.ErrReadOnly):
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}
