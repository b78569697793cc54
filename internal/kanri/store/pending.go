package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bdobrica/Kanri/internal/kanri/confirm"
)

var _ confirm.Persister = (*Store)(nil)

// SavePending stores a pending confirmation.
func (s *Store) SavePending(ctx context.Context, p confirm.Pending) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal confirmation params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_confirmations (token, action, params_json, requester_id, channel_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.Token, p.Action, string(params), p.RequesterID, p.ChannelID, p.CreatedAt.UTC(), p.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save confirmation: %w", err)
	}
	return nil
}

// DeletePending removes a confirmation.  Missing tokens are not an error.
func (s *Store) DeletePending(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to delete confirmation: %w", err)
	}
	return nil
}

// LoadPending returns every stored confirmation, expired ones included.
func (s *Store) LoadPending(ctx context.Context) ([]confirm.Pending, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, action, params_json, requester_id, channel_id, created_at, expires_at
		FROM pending_confirmations
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query confirmations: %w", err)
	}
	defer rows.Close()

	var out []confirm.Pending
	for rows.Next() {
		var p confirm.Pending
		var params string
		if err := rows.Scan(&p.Token, &p.Action, &params, &p.RequesterID, &p.ChannelID, &p.CreatedAt, &p.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan confirmation: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of confirmation %s: %w", p.Token, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating confirmations: %w", err)
	}
	return out, nil
}
