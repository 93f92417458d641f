// Package redisstore implements the ledger on Redis hashes.
//
// Each record is a hash keyed by its external ID, a sorted set per table keeps
// row order, and Lua scripts make insert-if-absent and update-if-present atomic.
// Durability follows the server's persistence settings (appendonly with fsync).
package redisstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/rueidis"
	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"go.uber.org/zap"
)

// insertScript creates the record hash only if it does not exist.
//
// KEYS: record hash, table index, row sequence, name index (optional)
// ARGV: index member, field/value pairs...
var insertScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local id = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], 'id', id, unpack(ARGV, 2))
redis.call('ZADD', KEYS[2], id, ARGV[1])
if KEYS[4] then
	redis.call('SADD', KEYS[4], ARGV[1])
end
return 1
`)

// updateScript sets fields on the record hash only if it exists.
//
// KEYS: record hash
// ARGV: field/value pairs...
var updateScript = rueidis.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

const dateLayout = "2006-01-02"

// Store is the Redis-backed ledger.
type Store struct {
	client rueidis.Client
	prefix string
	logger *zap.Logger
}

var _ ledger.Store = (*Store)(nil)

// New creates a ledger store on the given client. Keys are namespaced by prefix,
// wrapped in a hash tag so every script touches a single cluster slot.
func New(client rueidis.Client, prefix string, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		prefix: "{" + prefix + "}",
		logger: logger.Named("redis_ledger"),
	}
}

// Close is a no-op; the client is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// GetCommunity retrieves a community by its guild ID.
func (s *Store) GetCommunity(ctx context.Context, communityID uint64) (*types.Community, error) {
	fields, err := s.hgetall(ctx, s.communityKey(communityID))
	if err != nil {
		return nil, ledger.Unavailable("get community", err)
	}

	if len(fields) == 0 {
		return nil, ledger.ErrCommunityNotFound
	}

	return decodeCommunity(communityID, fields), nil
}

// UpsertCommunity inserts an unconfigured community if it does not exist yet.
func (s *Store) UpsertCommunity(ctx context.Context, communityID uint64, displayName string) error {
	id := strconv.FormatUint(communityID, 10)
	keys := []string{s.communityKey(communityID), s.key("communities"), s.key("seq", "communities")}
	args := append([]string{id}, encodeCommunity(types.NewCommunity(communityID, displayName))...)

	if err := insertScript.Exec(ctx, s.client, keys, args).Error(); err != nil {
		return ledger.Unavailable("upsert community", err)
	}

	return nil
}

// SetCommunityConfig overwrites a community's configuration and marks setup complete.
func (s *Store) SetCommunityConfig(ctx context.Context, communityID uint64, cfg types.CommunityConfig) error {
	community := types.NewCommunity(communityID, cfg.DisplayName)
	community.Apply(cfg)

	updated, err := updateScript.Exec(ctx, s.client,
		[]string{s.communityKey(communityID)}, encodeCommunity(community)).AsInt64()
	if err != nil {
		return ledger.Unavailable("set community config", err)
	}

	if updated == 0 {
		return ledger.ErrNotRegistered
	}

	return nil
}

// ListCommunities returns every community ordered by row ID.
func (s *Store) ListCommunities(ctx context.Context) ([]*types.Community, error) {
	ids, err := s.members(ctx, s.key("communities"))
	if err != nil {
		return nil, ledger.Unavailable("list communities", err)
	}

	records, err := s.fetchAll(ctx, ids, s.communityKey)
	if err != nil {
		return nil, ledger.Unavailable("list communities", err)
	}

	communities := make([]*types.Community, 0, len(records))
	for i, fields := range records {
		if len(fields) > 0 {
			communities = append(communities, decodeCommunity(ids[i], fields))
		}
	}

	return communities, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, userID uint64) (*types.User, error) {
	fields, err := s.hgetall(ctx, s.userKey(userID))
	if err != nil {
		return nil, ledger.Unavailable("get user", err)
	}

	if len(fields) == 0 {
		return nil, ledger.ErrUserNotFound
	}

	return decodeUser(userID, fields), nil
}

// UpsertUser inserts a user if it does not exist yet.
func (s *Store) UpsertUser(ctx context.Context, userID uint64, displayName string, createdAt time.Time) error {
	user := types.NewUser(userID, displayName, createdAt)

	keys := []string{
		s.userKey(userID),
		s.key("users"),
		s.key("seq", "users"),
		s.nameKey(displayName),
	}
	args := append([]string{strconv.FormatUint(userID, 10)}, encodeUser(user)...)

	if err := insertScript.Exec(ctx, s.client, keys, args).Error(); err != nil {
		return ledger.Unavailable("upsert user", err)
	}

	return nil
}

// SetGlobalBanned updates the global ban flag of an existing user.
func (s *Store) SetGlobalBanned(ctx context.Context, userID uint64, banned bool) error {
	updated, err := updateScript.Exec(ctx, s.client,
		[]string{s.userKey(userID)}, []string{"global_banned", formatBool(banned)}).AsInt64()
	if err != nil {
		return ledger.Unavailable("set global banned", err)
	}

	if updated == 0 {
		return ledger.ErrUserNotFound
	}

	return nil
}

// FindUsers searches users by exact ID or through the name index.
func (s *Store) FindUsers(ctx context.Context, query string, limit int) ([]*types.User, error) {
	if limit <= 0 {
		return nil, nil
	}

	if id, ok := ledger.ParseIDQuery(query); ok {
		user, err := s.GetUser(ctx, id)
		if errors.Is(err, ledger.ErrUserNotFound) {
			return nil, nil
		}

		if err != nil {
			return nil, err
		}

		return []*types.User{user}, nil
	}

	if ledger.FoldName(query) == "" {
		return nil, nil
	}

	ids, err := s.setMembers(ctx, s.nameKey(query))
	if err != nil {
		return nil, ledger.Unavailable("find users", err)
	}

	records, err := s.fetchAll(ctx, ids, s.userKey)
	if err != nil {
		return nil, ledger.Unavailable("find users", err)
	}

	candidates := make([]*types.User, 0, len(records))
	for i, fields := range records {
		if len(fields) > 0 {
			candidates = append(candidates, decodeUser(ids[i], fields))
		}
	}

	slices.SortFunc(candidates, func(a, b *types.User) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return ledger.FilterUsers(candidates, query, limit), nil
}

// ListUsers returns every user ordered by row ID.
func (s *Store) ListUsers(ctx context.Context) ([]*types.User, error) {
	ids, err := s.members(ctx, s.key("users"))
	if err != nil {
		return nil, ledger.Unavailable("list users", err)
	}

	records, err := s.fetchAll(ctx, ids, s.userKey)
	if err != nil {
		return nil, ledger.Unavailable("list users", err)
	}

	users := make([]*types.User, 0, len(records))
	for i, fields := range records {
		if len(fields) > 0 {
			users = append(users, decodeUser(ids[i], fields))
		}
	}

	return users, nil
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *Store) communityKey(id uint64) string {
	return s.key("community", strconv.FormatUint(id, 10))
}

func (s *Store) userKey(id uint64) string {
	return s.key("user", strconv.FormatUint(id, 10))
}

// nameKey indexes users by the folded part of their name before '#'.
func (s *Store) nameKey(name string) string {
	base, _, _ := strings.Cut(ledger.FoldName(name), "#")
	return s.key("names", base)
}

func (s *Store) hgetall(ctx context.Context, key string) (map[string]string, error) {
	return s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
}

// members returns the IDs in a table index in row order.
func (s *Store) members(ctx context.Context, key string) ([]uint64, error) {
	raw, err := s.client.Do(ctx, s.client.B().Zrange().Key(key).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	return parseIDs(raw), nil
}

func (s *Store) setMembers(ctx context.Context, key string) ([]uint64, error) {
	raw, err := s.client.Do(ctx, s.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	return parseIDs(raw), nil
}

// fetchAll loads the hashes for ids in one round trip.
func (s *Store) fetchAll(ctx context.Context, ids []uint64, keyFn func(uint64) string) ([]map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make(rueidis.Commands, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, s.client.B().Hgetall().Key(keyFn(id)).Build())
	}

	records := make([]map[string]string, 0, len(ids))
	for _, result := range s.client.DoMulti(ctx, cmds...) {
		fields, err := result.AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("failed to fetch record: %w", err)
		}

		records = append(records, fields)
	}

	return records, nil
}

func encodeCommunity(c *types.Community) []string {
	return []string{
		"display_name", c.DisplayName,
		"local_role_id1", strconv.FormatUint(c.LocalRoleID1, 10),
		"local_role_id2", strconv.FormatUint(c.LocalRoleID2, 10),
		"local_role_id3", strconv.FormatUint(c.LocalRoleID3, 10),
		"global_role_id1", strconv.FormatUint(c.GlobalRoleID1, 10),
		"global_role_id2", strconv.FormatUint(c.GlobalRoleID2, 10),
		"global_role_id3", strconv.FormatUint(c.GlobalRoleID3, 10),
		"owner_principal_id", strconv.FormatUint(c.OwnerID, 10),
		"setup_complete", formatBool(c.SetupComplete),
	}
}

func decodeCommunity(communityID uint64, fields map[string]string) *types.Community {
	return &types.Community{
		ID:            parseInt(fields["id"]),
		CommunityID:   communityID,
		DisplayName:   fields["display_name"],
		LocalRoleID1:  parseUint(fields["local_role_id1"]),
		LocalRoleID2:  parseUint(fields["local_role_id2"]),
		LocalRoleID3:  parseUint(fields["local_role_id3"]),
		GlobalRoleID1: parseUint(fields["global_role_id1"]),
		GlobalRoleID2: parseUint(fields["global_role_id2"]),
		GlobalRoleID3: parseUint(fields["global_role_id3"]),
		OwnerID:       parseUint(fields["owner_principal_id"]),
		SetupComplete: fields["setup_complete"] == "1",
	}
}

func encodeUser(u *types.User) []string {
	return []string{
		"display_name", u.DisplayName,
		"created_at", u.CreatedAt.UTC().Format(dateLayout),
		"global_banned", formatBool(u.GlobalBanned),
	}
}

func decodeUser(userID uint64, fields map[string]string) *types.User {
	createdAt, err := time.Parse(dateLayout, fields["created_at"])
	if err != nil {
		createdAt = time.Unix(0, 0).UTC()
	}

	return &types.User{
		ID:           parseInt(fields["id"]),
		UserID:       userID,
		DisplayName:  fields["display_name"],
		CreatedAt:    createdAt,
		GlobalBanned: fields["global_banned"] == "1",
	}
}

func parseIDs(raw []string) []uint64 {
	ids := make([]uint64, 0, len(raw))
	for _, s := range raw {
		if id, err := strconv.ParseUint(s, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}

	return ids
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func formatBool(b bool) string {
	if b {
		return "1"
	}

	return "0"
}
