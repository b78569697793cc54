package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEntry is one audit log row.
type AuditEntry struct {
	ID           int64
	Timestamp    time.Time
	TraceID      string
	Actor        string
	Action       string
	Target       sql.NullString
	PayloadJSON  sql.NullString
	Result       string
	ErrorMessage sql.NullString
}

// AuditPayload is a structured audit payload.
type AuditPayload = map[string]any

// WriteAudit appends an audit entry.
func (s *Store) WriteAudit(ctx context.Context, traceID, actor, action, target, result string, payload AuditPayload, errorMsg string) error {
	var payloadJSON sql.NullString
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		payloadJSON = sql.NullString{String: string(b), Valid: true}
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (ts, trace_id, actor, action, target, payload_json, result, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC(), traceID, actor, action, nullString(target), payloadJSON, result, nullString(errorMsg),
	); err != nil {
		return fmt.Errorf("write audit %s/%s: %w", traceID, action, err)
	}
	return nil
}

const auditColumns = `id, ts, trace_id, actor, action, target, payload_json, result, error_message`

// GetAuditLog returns the most recent entries, newest first.
func (s *Store) GetAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return scanAudit(rows)
}

// GetAuditByTrace returns every entry of one trace, oldest first.
func (s *Store) GetAuditByTrace(ctx context.Context, traceID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE trace_id = ? ORDER BY ts ASC, id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query audit trace %s: %w", traceID, err)
	}
	return scanAudit(rows)
}

// PruneAudit deletes entries written before cutoff and reports how many
// went.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	return res.RowsAffected()
}

func scanAudit(rows *sql.Rows) ([]*AuditEntry, error) {
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &e.Actor, &e.Action,
			&e.Target, &e.PayloadJSON, &e.Result, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
