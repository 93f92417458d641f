// Package membership keeps the user ledger in step with community membership
// and enforces global bans when banned users join.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// BanReason is recorded when a globally banned user is banned on join.
const BanReason = "Global ban active."

// maxConcurrentUpserts bounds the ledger writes of one member registration pass.
const maxConcurrentUpserts = 16

// ErrEnforcementFailed is returned when a globally banned user could not be banned on join.
var ErrEnforcementFailed = errors.New("failed to enforce global ban")

// Syncer registers communities and members in the ledger.
type Syncer struct {
	store    ledger.Store
	platform platform.Platform
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// New creates a Syncer.
func New(store ledger.Store, plat platform.Platform, logger *zap.Logger) *Syncer {
	return &Syncer{
		store:    store,
		platform: plat,
		sem:      semaphore.NewWeighted(maxConcurrentUpserts),
		logger:   logger.Named("membership"),
	}
}

// RegisterCommunity records a community if it has not been seen before.
func (s *Syncer) RegisterCommunity(ctx context.Context, guild platform.Guild) error {
	if err := s.store.UpsertCommunity(ctx, guild.ID, guild.Name); err != nil {
		return fmt.Errorf("failed to register community: %w", err)
	}

	return nil
}

// OnJoin registers a new member of a set-up community and bans them there if
// they are globally banned. Members of communities without setup are ignored.
func (s *Syncer) OnJoin(ctx context.Context, guild platform.Guild, member platform.Member) error {
	if member.Bot {
		return nil
	}

	community, err := s.store.GetCommunity(ctx, guild.ID)
	if errors.Is(err, ledger.ErrCommunityNotFound) {
		return s.RegisterCommunity(ctx, guild)
	}

	if err != nil {
		return fmt.Errorf("failed to load community: %w", err)
	}

	if !community.SetupComplete {
		return nil
	}

	if err := s.registerMember(ctx, member); err != nil {
		return err
	}

	user, err := s.store.GetUser(ctx, member.ID)
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}

	if !user.GlobalBanned {
		return nil
	}

	if err := s.platform.Ban(ctx, guild.ID, member.ID, BanReason); err != nil {
		return fmt.Errorf("%w: %w", ErrEnforcementFailed, err)
	}

	s.logger.Info("Banned globally banned user on join",
		zap.Uint64("guildID", guild.ID),
		zap.Uint64("userID", member.ID))

	return nil
}

// RegisterMembers records every human member of a set-up community and returns
// how many members were written. Communities without setup are skipped.
func (s *Syncer) RegisterMembers(ctx context.Context, guild platform.Guild) (int, error) {
	community, err := s.store.GetCommunity(ctx, guild.ID)
	if errors.Is(err, ledger.ErrCommunityNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to load community: %w", err)
	}

	if !community.SetupComplete {
		return 0, nil
	}

	members, err := s.platform.Members(ctx, guild.ID)
	if err != nil {
		return 0, err
	}

	var (
		p          = pool.New().WithErrors()
		registered atomic.Int64
	)

	for _, member := range members {
		if member.Bot {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}

		p.Go(func() error {
			defer s.sem.Release(1)

			if err := s.registerMember(ctx, member); err != nil {
				return err
			}

			registered.Add(1)

			return nil
		})
	}

	err = p.Wait()

	s.logger.Debug("Registered community members",
		zap.Uint64("guildID", guild.ID),
		zap.Int("members", len(members)),
		zap.Int64("registered", registered.Load()))

	return int(registered.Load()), err
}

// StartupScan registers every visible community and the members of those set up.
// Bans are not enforced by the scan.
func (s *Syncer) StartupScan(ctx context.Context) error {
	guilds, err := s.platform.Guilds(ctx)
	if err != nil {
		return fmt.Errorf("failed to list communities: %w", err)
	}

	start := time.Now()
	var total int

	for _, guild := range guilds {
		if err := s.RegisterCommunity(ctx, guild); err != nil {
			s.logger.Error("Failed to register community during scan",
				zap.Uint64("guildID", guild.ID),
				zap.Error(err))
			continue
		}

		n, err := s.RegisterMembers(ctx, guild)
		if err != nil {
			s.logger.Error("Failed to register members during scan",
				zap.Uint64("guildID", guild.ID),
				zap.Error(err))
		}

		total += n
	}

	s.logger.Info("Startup scan completed",
		zap.Int("communities", len(guilds)),
		zap.Int("members", total),
		zap.Duration("duration", time.Since(start)))

	return nil
}

func (s *Syncer) registerMember(ctx context.Context, member platform.Member) error {
	createdAt := member.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Unix(0, 0).UTC()
	}

	if err := s.store.UpsertUser(ctx, member.ID, platform.DisplayName(member.Profile), createdAt); err != nil {
		return fmt.Errorf("failed to register user %d: %w", member.ID, err)
	}

	return nil
}
