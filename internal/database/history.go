package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FairForge/aura/internal/rules"
)

// TriggerLog stores fired rules for the Aura activity feed
type TriggerLog struct {
	db *sql.DB
}

// NewTriggerLog creates a trigger log on db
func NewTriggerLog(db *sql.DB) *TriggerLog {
	return &TriggerLog{db: db}
}

// Record inserts one trigger event
func (l *TriggerLog) Record(ctx context.Context, result rules.Result) error {
	ev := rules.NewTriggerEvent(result)
	query := `
        INSERT INTO trigger_events (id, aura_id, rule_id, rule_name, message, triggered_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	_, err := l.db.ExecContext(ctx, query, ev.ID, ev.AuraID, ev.RuleID, ev.RuleName, ev.Message, ev.TriggeredAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", ErrAuraNotFound, ev.AuraID)
	}
	if err != nil {
		return fmt.Errorf("insert trigger event: %w", err)
	}
	return nil
}

// Recent returns the newest events of an Aura
func (l *TriggerLog) Recent(ctx context.Context, auraID string, limit int) ([]rules.TriggerEvent, error) {
	if limit <= 0 {
		limit = rules.DefaultTriggerLogLimit
	}
	query := `
        SELECT id, aura_id, rule_id, rule_name, message, triggered_at
        FROM trigger_events
        WHERE aura_id = $1
        ORDER BY triggered_at DESC
        LIMIT $2
    `
	rows, err := l.db.QueryContext(ctx, query, auraID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trigger events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []rules.TriggerEvent
	for rows.Next() {
		var e rules.TriggerEvent
		if err := rows.Scan(&e.ID, &e.AuraID, &e.RuleID, &e.RuleName, &e.Message, &e.TriggeredAt); err != nil {
			return nil, fmt.Errorf("scan trigger event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and returns how many were removed
func (l *TriggerLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM trigger_events WHERE triggered_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune trigger events: %w", err)
	}
	return res.RowsAffected()
}
