package ledgertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/csvstore"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"go.uber.org/zap/zaptest"
)

// NewStore returns a file-backed store in a temporary directory.
func NewStore(t *testing.T) ledger.Store {
	t.Helper()

	store, err := csvstore.Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	return store
}

// Operations that FaultyStore can fail.
const (
	OpGetCommunity       = "GetCommunity"
	OpUpsertCommunity    = "UpsertCommunity"
	OpSetCommunityConfig = "SetCommunityConfig"
	OpGetUser            = "GetUser"
	OpUpsertUser         = "UpsertUser"
	OpSetGlobalBanned    = "SetGlobalBanned"
	OpFindUsers          = "FindUsers"
)

// FaultyStore wraps a store and fails selected operations.
type FaultyStore struct {
	ledger.Store

	mu       sync.Mutex
	failures map[string]error
}

// NewFaultyStore wraps store.
func NewFaultyStore(store ledger.Store) *FaultyStore {
	return &FaultyStore{Store: store, failures: make(map[string]error)}
}

// FailOn makes every call of op return ledger.Unavailable(op, err). A nil err clears it.
func (s *FaultyStore) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, op)
		return
	}

	s.failures[op] = ledger.Unavailable(op, err)
}

func (s *FaultyStore) failure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failures[op]
}

func (s *FaultyStore) GetCommunity(ctx context.Context, communityID uint64) (*types.Community, error) {
	if err := s.failure(OpGetCommunity); err != nil {
		return nil, err
	}

	return s.Store.GetCommunity(ctx, communityID)
}

func (s *FaultyStore) UpsertCommunity(ctx context.Context, communityID uint64, displayName string) error {
	if err := s.failure(OpUpsertCommunity); err != nil {
		return err
	}

	return s.Store.UpsertCommunity(ctx, communityID, displayName)
}

func (s *FaultyStore) SetCommunityConfig(ctx context.Context, communityID uint64, cfg types.CommunityConfig) error {
	if err := s.failure(OpSetCommunityConfig); err != nil {
		return err
	}

	return s.Store.SetCommunityConfig(ctx, communityID, cfg)
}

func (s *FaultyStore) GetUser(ctx context.Context, userID uint64) (*types.User, error) {
	if err := s.failure(OpGetUser); err != nil {
		return nil, err
	}

	return s.Store.GetUser(ctx, userID)
}

func (s *FaultyStore) UpsertUser(ctx context.Context, userID uint64, displayName string, createdAt time.Time) error {
	if err := s.failure(OpUpsertUser); err != nil {
		return err
	}

	return s.Store.UpsertUser(ctx, userID, displayName, createdAt)
}

func (s *FaultyStore) SetGlobalBanned(ctx context.Context, userID uint64, banned bool) error {
	if err := s.failure(OpSetGlobalBanned); err != nil {
		return err
	}

	return s.Store.SetGlobalBanned(ctx, userID, banned)
}

func (s *FaultyStore) FindUsers(ctx context.Context, query string, limit int) ([]*types.User, error) {
	if err := s.failure(OpFindUsers); err != nil {
		return nil, err
	}

	return s.Store.FindUsers(ctx, query, limit)
}

// SetUpCommunity registers a community and completes its setup.
func SetUpCommunity(t *testing.T, store ledger.Store, communityID uint64, cfg types.CommunityConfig) {
	t.Helper()

	require.NoError(t, store.UpsertCommunity(t.Context(), communityID, cfg.DisplayName))
	require.NoError(t, store.SetCommunityConfig(t.Context(), communityID, cfg))
}
