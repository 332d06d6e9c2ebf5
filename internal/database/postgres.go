package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/rules"
)

// ErrAuraNotFound is returned for unknown Aura ids
var ErrAuraNotFound = fmt.Errorf("database: %w", rules.ErrUnknownAura)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Postgres represents a PostgreSQL connection
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgres creates a new PostgreSQL connection
func NewPostgres(cfg Config, logger *zap.Logger) (*Postgres, error) {
	cfg.ApplyDefaults()

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return NewPostgresFromDB(db, logger), nil
}

// NewPostgresFromDB wraps an already opened handle
func NewPostgresFromDB(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

// DB returns the underlying handle
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the necessary database tables
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS auras (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			personality JSONB NOT NULL DEFAULT '{}',
			stripe_customer_id VARCHAR(255),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS behavior_rules (
			id VARCHAR(255) PRIMARY KEY,
			aura_id VARCHAR(255) NOT NULL REFERENCES auras(id) ON DELETE CASCADE,
			name VARCHAR(255) NOT NULL,
			trigger JSONB NOT NULL,
			action JSONB NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_behavior_rules_aura ON behavior_rules(aura_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS trigger_events (
			id VARCHAR(255) PRIMARY KEY,
			aura_id VARCHAR(255) NOT NULL REFERENCES auras(id) ON DELETE CASCADE,
			rule_id VARCHAR(255) NOT NULL,
			rule_name VARCHAR(255) NOT NULL,
			message TEXT NOT NULL,
			triggered_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_events_aura ON trigger_events(aura_id, triggered_at DESC)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	p.logger.Info("database schema ready")
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation
}
