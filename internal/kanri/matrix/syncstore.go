package matrix

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*SyncStore)(nil)

// SyncStore persists the /sync position and filter ID in the
// matrix_sync_state table, one row per bot user.
type SyncStore struct {
	db *sql.DB
}

// NewSyncStore returns a store on db.  The matrix_sync_state migration must
// already be applied.
func NewSyncStore(db *sql.DB) *SyncStore {
	return &SyncStore{db: db}
}

// SaveFilterID implements mautrix.SyncStore.
func (s *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, filter_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET filter_id = excluded.filter_id, updated_at = excluded.updated_at
	`, userID.String(), filterID, time.Now().UTC())
	return err
}

// LoadFilterID implements mautrix.SyncStore.  It returns "" before the first
// save.
func (s *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.load(ctx, "filter_id", userID)
}

// SaveNextBatch implements mautrix.SyncStore.
func (s *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, next_batch, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET next_batch = excluded.next_batch, updated_at = excluded.updated_at
	`, userID.String(), nextBatchToken, time.Now().UTC())
	return err
}

// LoadNextBatch implements mautrix.SyncStore.
func (s *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.load(ctx, "next_batch", userID)
}

func (s *SyncStore) load(ctx context.Context, column string, userID id.UserID) (string, error) {
	var value string
	// column is one of two constants above.
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM matrix_sync_state WHERE user_id = ?`, userID.String()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
