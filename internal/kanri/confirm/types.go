// Package confirm implements the two-phase confirm/execute protocol for
// sensitive actions.
//
// A handler that needs explicit approval returns NEEDS_CONFIRMATION; the
// dispatcher then records a Pending entry here and hands the opaque token to
// the user.  A later approve or deny claims the entry exactly once.
package confirm

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a pending confirmation stays valid when the caller
// does not pass an explicit lifetime.
const DefaultTTL = 10 * time.Minute

var (
	// ErrNotFound is returned for unknown or already consumed tokens.
	ErrNotFound = errors.New("confirmation not found")
	// ErrExpired is returned when the token's deadline has passed.
	ErrExpired = errors.New("confirmation expired")
	// ErrForbidden is returned when the approver may not act on the token.
	ErrForbidden = errors.New("confirmation belongs to another user")
)

// Pending is an outstanding confirmation.
type Pending struct {
	Token       string            `json:"token"`
	Action      string            `json:"action"`
	Params      map[string]string `json:"params"`
	RequesterID string            `json:"requester_id"`
	ChannelID   string            `json:"channel_id"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Expired reports whether p is past its deadline at now.
func (p Pending) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Persister stores pending confirmations so tokens survive a restart.
type Persister interface {
	SavePending(ctx context.Context, p Pending) error
	DeletePending(ctx context.Context, token string) error
	LoadPending(ctx context.Context) ([]Pending, error)
}
