package types

import (
	"slices"
	"time"

	"github.com/uptrace/bun"
)

// MaxRoles is the number of role slots each command class has on a community.
const MaxRoles = 3

// RoleSet is an ordered set of at most MaxRoles non-zero role IDs.
type RoleSet []uint64

// NewRoleSet builds a RoleSet from the given IDs, dropping zero entries and
// duplicates while keeping the first MaxRoles in order.
func NewRoleSet(ids ...uint64) RoleSet {
	set := make(RoleSet, 0, MaxRoles)
	for _, id := range ids {
		if id == 0 || slices.Contains(set, id) {
			continue
		}

		set = append(set, id)
		if len(set) == MaxRoles {
			break
		}
	}

	return set
}

// Contains checks if the role ID is part of the set.
func (s RoleSet) Contains(id uint64) bool {
	return id != 0 && slices.Contains(s, id)
}

// Union returns the roles of s followed by the roles of other not already in s.
func (s RoleSet) Union(other RoleSet) RoleSet {
	out := slices.Clone(s)
	for _, id := range other {
		if id != 0 && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}

	return out
}

// slots spreads the set over the fixed storage columns.
func (s RoleSet) slots() [MaxRoles]uint64 {
	var slots [MaxRoles]uint64
	copy(slots[:], s)

	return slots
}

// Community is a guild the bot has observed.
type Community struct {
	bun.BaseModel `bun:"table:communities,alias:c"`

	ID            int64  `bun:"id,pk,autoincrement"`
	CommunityID   uint64 `bun:"community_id,notnull,unique"`
	DisplayName   string `bun:"display_name,notnull"`
	LocalRoleID1  uint64 `bun:"local_role_id1,nullzero"`
	LocalRoleID2  uint64 `bun:"local_role_id2,nullzero"`
	LocalRoleID3  uint64 `bun:"local_role_id3,nullzero"`
	GlobalRoleID1 uint64 `bun:"global_role_id1,nullzero"`
	GlobalRoleID2 uint64 `bun:"global_role_id2,nullzero"`
	GlobalRoleID3 uint64 `bun:"global_role_id3,nullzero"`
	OwnerID       uint64 `bun:"owner_principal_id,notnull,default:0"` // 0 until the first setup
	SetupComplete bool   `bun:"setup_complete,notnull,default:false"`
}

// NewCommunity returns an unconfigured community record.
func NewCommunity(communityID uint64, displayName string) *Community {
	return &Community{
		CommunityID: communityID,
		DisplayName: displayName,
	}
}

// LocalRoles returns the roles authorized for the local command class.
func (c *Community) LocalRoles() RoleSet {
	return NewRoleSet(c.LocalRoleID1, c.LocalRoleID2, c.LocalRoleID3)
}

// GlobalRoles returns the roles authorized for the global command class.
func (c *Community) GlobalRoles() RoleSet {
	return NewRoleSet(c.GlobalRoleID1, c.GlobalRoleID2, c.GlobalRoleID3)
}

// HasOwner reports whether an owner has been recorded by a setup run.
func (c *Community) HasOwner() bool {
	return c.OwnerID != 0
}

// Apply overwrites the configurable fields and marks setup as complete.
func (c *Community) Apply(cfg CommunityConfig) {
	local := NewRoleSet(cfg.LocalRoles...).slots()
	global := NewRoleSet(cfg.GlobalRoles...).slots()

	c.DisplayName = cfg.DisplayName
	c.OwnerID = cfg.OwnerID
	c.LocalRoleID1, c.LocalRoleID2, c.LocalRoleID3 = local[0], local[1], local[2]
	c.GlobalRoleID1, c.GlobalRoleID2, c.GlobalRoleID3 = global[0], global[1], global[2]
	c.SetupComplete = true
}

// CommunityConfig is the full set of values written by a setup run.
type CommunityConfig struct {
	DisplayName string
	OwnerID     uint64
	LocalRoles  RoleSet
	GlobalRoles RoleSet
}

// User is a principal observed as a non-bot member of some community.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           int64     `bun:"id,pk,autoincrement"`
	UserID       uint64    `bun:"user_id,notnull,unique"`
	DisplayName  string    `bun:"display_name,notnull"`           // Snapshot taken at registration
	CreatedAt    time.Time `bun:"created_at,type:date,notnull"`   // Account creation date
	GlobalBanned bool      `bun:"global_banned,notnull,default:false"`
}

// NewUser returns a user record with the creation time truncated to a date.
func NewUser(userID uint64, displayName string, createdAt time.Time) *User {
	return &User{
		UserID:      userID,
		DisplayName: displayName,
		CreatedAt:   TruncateDate(createdAt),
	}
}

// TruncateDate drops the time of day, keeping the UTC calendar date.
func TruncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
