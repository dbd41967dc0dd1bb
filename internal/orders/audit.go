package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// insertAudit appends to the event log inside the caller's transaction, so the log
// never shows a change that was rolled back.
func insertAudit(ctx context.Context, tx pgx.Tx, entityType, entityID, action, actor string, payload any, at time.Time) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_events(entity_type, entity_id, action, actor, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, entityType, entityID, action, actor, b, at); err != nil {
		return fmt.Errorf("insert audit %s: %w", action, err)
	}
	return nil
}

// AuditTrail lists the events recorded for one entity, oldest first.
func (s *Store) AuditTrail(ctx context.Context, entityType, entityID string) ([]AuditEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, entity_type, entity_id, action, actor, payload, created_at
		FROM audit_events WHERE entity_type=$1 AND entity_id=$2 ORDER BY id`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[AuditEvent])
}
