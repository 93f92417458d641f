package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/zionsgate/gatekeeper/internal/ledger/types"
)

// Snapshot is a full copy of a ledger, rows in ID order.
type Snapshot struct {
	Communities []*types.Community
	Users       []*types.User
}

// Importer is implemented by backends that can load a snapshot in bulk.
type Importer interface {
	// Import inserts the snapshot's records that are absent from the store.
	// Existing records are left untouched.
	Import(ctx context.Context, snap *Snapshot) error
}

// TakeSnapshot reads every record from the store.
func TakeSnapshot(ctx context.Context, store Store) (*Snapshot, error) {
	communities, err := store.ListCommunities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	return &Snapshot{Communities: communities, Users: users}, nil
}

// Restore merges the snapshot into dst: records absent from dst are created
// with every field of the snapshot, existing records are left untouched.
func Restore(ctx context.Context, dst Store, snap *Snapshot) error {
	if importer, ok := dst.(Importer); ok {
		return importer.Import(ctx, snap)
	}

	for _, c := range snap.Communities {
		if err := restoreCommunity(ctx, dst, c); err != nil {
			return fmt.Errorf("failed to restore community %d: %w", c.CommunityID, err)
		}
	}

	for _, u := range snap.Users {
		if err := restoreUser(ctx, dst, u); err != nil {
			return fmt.Errorf("failed to restore user %d: %w", u.UserID, err)
		}
	}

	return nil
}

func restoreCommunity(ctx context.Context, dst Store, c *types.Community) error {
	_, err := dst.GetCommunity(ctx, c.CommunityID)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrCommunityNotFound) {
		return err
	}

	if err := dst.UpsertCommunity(ctx, c.CommunityID, c.DisplayName); err != nil {
		return err
	}

	if !c.SetupComplete {
		return nil
	}

	return dst.SetCommunityConfig(ctx, c.CommunityID, types.CommunityConfig{
		DisplayName: c.DisplayName,
		OwnerID:     c.OwnerID,
		LocalRoles:  c.LocalRoles(),
		GlobalRoles: c.GlobalRoles(),
	})
}

func restoreUser(ctx context.Context, dst Store, u *types.User) error {
	_, err := dst.GetUser(ctx, u.UserID)
	if err == nil {
		return nil
	}

	if !errors.Is(err, ErrUserNotFound) {
		return err
	}

	if err := dst.UpsertUser(ctx, u.UserID, u.DisplayName, u.CreatedAt); err != nil {
		return err
	}

	if !u.GlobalBanned {
		return nil
	}

	return dst.SetGlobalBanned(ctx, u.UserID, true)
}
