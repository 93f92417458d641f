// Package ledger defines the durable record of communities and users that
// every moderation decision is made against.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/zionsgate/gatekeeper/internal/ledger/types"
)

var (
	// ErrCommunityNotFound is returned when no record exists for a community.
	ErrCommunityNotFound = errors.New("community not found")
	// ErrUserNotFound is returned when no record exists for a user.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotRegistered is returned when configuring a community that was never upserted.
	ErrNotRegistered = errors.New("community is not registered")
	// ErrStoreUnavailable wraps every backend failure.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
)

// Store is the contract every ledger backend implements.
//
// Mutating calls are durable before they return. Upserts are insert-if-absent:
// a concurrent insert of the same key is treated as "already exists" and never
// surfaces as an error.
type Store interface {
	// GetCommunity returns ErrCommunityNotFound if the community is absent.
	GetCommunity(ctx context.Context, communityID uint64) (*types.Community, error)
	// UpsertCommunity registers an unconfigured community. Existing rows are left untouched.
	UpsertCommunity(ctx context.Context, communityID uint64, displayName string) error
	// SetCommunityConfig overwrites the configuration and marks setup complete.
	// Returns ErrNotRegistered if the community was never upserted.
	SetCommunityConfig(ctx context.Context, communityID uint64, cfg types.CommunityConfig) error
	// ListCommunities returns every community ordered by row ID.
	ListCommunities(ctx context.Context) ([]*types.Community, error)

	// GetUser returns ErrUserNotFound if the user is absent.
	GetUser(ctx context.Context, userID uint64) (*types.User, error)
	// UpsertUser registers a user, keeping the first-seen snapshot if one exists.
	UpsertUser(ctx context.Context, userID uint64, displayName string, createdAt time.Time) error
	// SetGlobalBanned updates the global ban flag. Returns ErrUserNotFound if the user is absent.
	SetGlobalBanned(ctx context.Context, userID uint64, banned bool) error
	// FindUsers returns up to limit users matching the search query.
	FindUsers(ctx context.Context, query string, limit int) ([]*types.User, error)
	// ListUsers returns every user ordered by row ID.
	ListUsers(ctx context.Context) ([]*types.User, error)

	// Close releases the backend's resources.
	Close() error
}

// Unavailable wraps a backend failure so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// StoreError records which ledger operation failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "ledger " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}
