package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FairForge/aura/internal/rules"
)

// RuleStore persists behavior rules in PostgreSQL
type RuleStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRuleStore creates a rule store on db
func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db, now: time.Now}
}

const ruleColumns = `id, aura_id, name, trigger, action, priority, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (rules.BehaviorRule, error) {
	var (
		r                   rules.BehaviorRule
		triggerRaw, actRaw []byte
	)
	if err := row.Scan(&r.ID, &r.AuraID, &r.Name, &triggerRaw, &actRaw,
		&r.Priority, &r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	if err := json.Unmarshal(triggerRaw, &r.Trigger); err != nil {
		return r, fmt.Errorf("decode trigger of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actRaw, &r.Action); err != nil {
		return r, fmt.Errorf("decode action of rule %s: %w", r.ID, err)
	}
	r.ApplyDefaults()
	return r, nil
}

func encodeRule(r *rules.BehaviorRule) ([]byte, []byte, error) {
	trigger, err := json.Marshal(r.Trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("encode trigger: %w", err)
	}
	action, err := json.Marshal(r.Action)
	if err != nil {
		return nil, nil, fmt.Errorf("encode action: %w", err)
	}
	return trigger, action, nil
}

// ListByAura returns an Aura's rules in creation order
func (s *RuleStore) ListByAura(ctx context.Context, auraID string) ([]rules.BehaviorRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM behavior_rules WHERE aura_id = $1 ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, auraID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []rules.BehaviorRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAuras returns every Aura that has at least one enabled rule
func (s *RuleStore) ListAuras(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT aura_id FROM behavior_rules WHERE enabled ORDER BY aura_id`)
	if err != nil {
		return nil, fmt.Errorf("query auras: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan aura: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Get returns a rule by id
func (s *RuleStore) Get(ctx context.Context, id string) (rules.BehaviorRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM behavior_rules WHERE id = $1`

	r, err := scanRule(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return rules.BehaviorRule{}, rules.ErrRuleNotFound
	}
	if err != nil {
		return rules.BehaviorRule{}, fmt.Errorf("query rule: %w", err)
	}
	return r, nil
}

// Create inserts a rule, assigning an id when empty
func (s *RuleStore) Create(ctx context.Context, r *rules.BehaviorRule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	trigger, action, err := encodeRule(r)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	query := `INSERT INTO behavior_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.AuraID, r.Name, trigger, action, r.Priority, r.Enabled, now, now)
	if isUniqueViolation(err) {
		return rules.ErrDuplicateRule
	}
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", ErrAuraNotFound, r.AuraID)
	}
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

// Update replaces the mutable fields of a rule
func (s *RuleStore) Update(ctx context.Context, r *rules.BehaviorRule) error {
	trigger, action, err := encodeRule(r)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	query := `UPDATE behavior_rules
		SET name = $2, trigger = $3, action = $4, priority = $5, enabled = $6, updated_at = $7
		WHERE id = $1
		RETURNING created_at`
	err = s.db.QueryRowContext(ctx, query,
		r.ID, r.Name, trigger, action, r.Priority, r.Enabled, now).Scan(&r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.ErrRuleNotFound
	}
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	r.UpdatedAt = now
	return nil
}

// SetEnabled toggles a rule
func (s *RuleStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE behavior_rules SET enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, s.now().UTC())
	if err != nil {
		return fmt.Errorf("toggle rule: %w", err)
	}
	return expectOne(res)
}

// Delete removes a rule
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM behavior_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return expectOne(res)
}

// DeleteByAura removes every rule of an Aura
func (s *RuleStore) DeleteByAura(ctx context.Context, auraID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM behavior_rules WHERE aura_id = $1`, auraID)
	if err != nil {
		return 0, fmt.Errorf("delete rules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return rules.ErrRuleNotFound
	}
	return nil
}
