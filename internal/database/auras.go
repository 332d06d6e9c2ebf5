package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/aura/internal/rules"
)

// Aura is the persisted part of an Aura the rule engine needs
type Aura struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Personality rules.Personality `json:"personality"`
	CustomerID  string            `json:"-"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// AuraStore reads and writes Aura records
type AuraStore struct {
	db *sql.DB
}

// NewAuraStore creates an Aura store on db
func NewAuraStore(db *sql.DB) *AuraStore {
	return &AuraStore{db: db}
}

// Upsert creates or updates an Aura
func (s *AuraStore) Upsert(ctx context.Context, a *Aura) error {
	personality, err := json.Marshal(a.Personality)
	if err != nil {
		return fmt.Errorf("encode personality: %w", err)
	}

	query := `INSERT INTO auras (id, name, personality, stripe_customer_id)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			personality = EXCLUDED.personality,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			updated_at = NOW()
		RETURNING created_at, updated_at`
	err = s.db.QueryRowContext(ctx, query, a.ID, a.Name, personality, a.CustomerID).
		Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert aura: %w", err)
	}
	return nil
}

// Get retrieves an Aura by ID
func (s *AuraStore) Get(ctx context.Context, id string) (*Aura, error) {
	query := `SELECT id, name, personality, COALESCE(stripe_customer_id, ''), created_at, updated_at
		FROM auras WHERE id = $1`

	var (
		a   Aura
		raw []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Name, &raw, &a.CustomerID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAuraNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query aura: %w", err)
	}

	a.Personality = rules.DefaultPersonality()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a.Personality); err != nil {
			return nil, fmt.Errorf("decode personality of aura %s: %w", id, err)
		}
	}
	return &a, nil
}

// Personality returns the Aura's trait sliders
func (s *AuraStore) Personality(ctx context.Context, auraID string) (rules.Personality, error) {
	a, err := s.Get(ctx, auraID)
	if err != nil {
		return rules.Personality{}, err
	}
	return a.Personality, nil
}

// CustomerForAura returns the billing customer that owns the Aura.
// An empty id means the Aura has no customer and is on the free plan.
func (s *AuraStore) CustomerForAura(ctx context.Context, auraID string) (string, error) {
	var customer sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT stripe_customer_id FROM auras WHERE id = $1`, auraID).Scan(&customer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAuraNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query aura customer: %w", err)
	}
	return customer.String, nil
}

// Delete removes an Aura. Rules and trigger events cascade.
func (s *AuraStore) Delete(ctx context.Context, auraID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auras WHERE id = $1`, auraID)
	if err != nil {
		return fmt.Errorf("delete aura: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAuraNotFound
	}
	return nil
}
