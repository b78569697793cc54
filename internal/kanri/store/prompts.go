package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SavePrompt records that eventID carries the prompt for token.
func (s *Store) SavePrompt(ctx context.Context, eventID, token string, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO confirmation_prompts (event_id, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at`,
		eventID, token, expiresAt.UTC(),
	); err != nil {
		return fmt.Errorf("save prompt %s: %w", eventID, err)
	}
	return nil
}

// LookupPrompt returns the token behind eventID.  ok is false when the
// event carries no prompt.
func (s *Store) LookupPrompt(ctx context.Context, eventID string) (token string, expiresAt time.Time, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT token, expires_at FROM confirmation_prompts WHERE event_id = ?`, eventID,
	).Scan(&token, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("lookup prompt %s: %w", eventID, err)
	}
	return token, expiresAt, true, nil
}

// DeletePrompts forgets every prompt of token, and any prompt that expired
// before now.
func (s *Store) DeletePrompts(ctx context.Context, token string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM confirmation_prompts WHERE token = ? OR expires_at < ?`, token, now.UTC(),
	); err != nil {
		return fmt.Errorf("delete prompts of %s: %w", token, err)
	}
	return nil
}
