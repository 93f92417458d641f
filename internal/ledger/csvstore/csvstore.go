// Package csvstore implements the ledger on two flat record files,
// servers.csv and users.csv, rewritten atomically on every change.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zionsgate/gatekeeper/internal/ledger"
	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"go.uber.org/zap"
)

const (
	ServersFile = "servers.csv"
	UsersFile   = "users.csv"

	dateLayout = "2006-01-02"
)

var (
	serversHeader = []string{
		"Server_AI_ID", "Guild_ID", "Server_Name",
		"Local_1", "Local_2", "Local_3",
		"Global_1", "Global_2", "Global_3",
		"OwnerID", "setup",
	}
	usersHeader = []string{"User_AI_ID", "User_ID", "User_Name", "Account_Age", "Global_Banned"}

	errMalformedRow = errors.New("malformed row")
)

// Store keeps both tables in memory and persists each mutation before returning.
type Store struct {
	dir         string
	logger      *zap.Logger
	mu          sync.Mutex
	communities []*types.Community
	users       []*types.User
}

var _ ledger.Store = (*Store)(nil)

// Open loads the record files from dir, creating the directory if needed.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	s := &Store{
		dir:    dir,
		logger: logger.Named("csv_ledger"),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	s.logger.Info("Loaded ledger files",
		zap.String("dir", dir),
		zap.Int("communities", len(s.communities)),
		zap.Int("users", len(s.users)))

	return s, nil
}

// Close is a no-op; every mutation is already on disk.
func (s *Store) Close() error {
	return nil
}

// GetCommunity retrieves a community by its guild ID.
func (s *Store) GetCommunity(_ context.Context, communityID uint64) (*types.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findCommunity(communityID)
	if c == nil {
		return nil, ledger.ErrCommunityNotFound
	}

	clone := *c

	return &clone, nil
}

// UpsertCommunity inserts an unconfigured community if it does not exist yet.
func (s *Store) UpsertCommunity(_ context.Context, communityID uint64, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findCommunity(communityID) != nil {
		return nil
	}

	c := types.NewCommunity(communityID, displayName)
	c.ID = nextID(s.communities, func(c *types.Community) int64 { return c.ID })

	s.communities = append(s.communities, c)
	if err := s.saveCommunities(); err != nil {
		s.communities = s.communities[:len(s.communities)-1]
		return ledger.Unavailable("upsert community", err)
	}

	return nil
}

// SetCommunityConfig overwrites a community's configuration and marks setup complete.
func (s *Store) SetCommunityConfig(_ context.Context, communityID uint64, cfg types.CommunityConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findCommunity(communityID)
	if c == nil {
		return ledger.ErrNotRegistered
	}

	previous := *c
	c.Apply(cfg)

	if err := s.saveCommunities(); err != nil {
		*c = previous
		return ledger.Unavailable("set community config", err)
	}

	return nil
}

// ListCommunities returns copies of every community in file order.
func (s *Store) ListCommunities(_ context.Context) ([]*types.Community, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Community, 0, len(s.communities))
	for _, c := range s.communities {
		clone := *c
		out = append(out, &clone)
	}

	return out, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(_ context.Context, userID uint64) (*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.findUser(userID)
	if u == nil {
		return nil, ledger.ErrUserNotFound
	}

	clone := *u

	return &clone, nil
}

// UpsertUser inserts a user if it does not exist yet.
func (s *Store) UpsertUser(_ context.Context, userID uint64, displayName string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findUser(userID) != nil {
		return nil
	}

	u := types.NewUser(userID, displayName, createdAt)
	u.ID = nextID(s.users, func(u *types.User) int64 { return u.ID })

	s.users = append(s.users, u)
	if err := s.saveUsers(); err != nil {
		s.users = s.users[:len(s.users)-1]
		return ledger.Unavailable("upsert user", err)
	}

	return nil
}

// SetGlobalBanned updates the global ban flag of an existing user.
func (s *Store) SetGlobalBanned(_ context.Context, userID uint64, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.findUser(userID)
	if u == nil {
		return ledger.ErrUserNotFound
	}

	previous := u.GlobalBanned
	u.GlobalBanned = banned

	if err := s.saveUsers(); err != nil {
		u.GlobalBanned = previous
		return ledger.Unavailable("set global banned", err)
	}

	return nil
}

// FindUsers searches users by exact ID or by name.
func (s *Store) FindUsers(_ context.Context, query string, limit int) ([]*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := ledger.FilterUsers(s.users, query, limit)
	for i, u := range matches {
		clone := *u
		matches[i] = &clone
	}

	return matches, nil
}

// ListUsers returns copies of every user in file order.
func (s *Store) ListUsers(_ context.Context) ([]*types.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.User, 0, len(s.users))
	for _, u := range s.users {
		clone := *u
		out = append(out, &clone)
	}

	return out, nil
}

func (s *Store) findCommunity(communityID uint64) *types.Community {
	for _, c := range s.communities {
		if c.CommunityID == communityID {
			return c
		}
	}

	return nil
}

func (s *Store) findUser(userID uint64) *types.User {
	for _, u := range s.users {
		if u.UserID == userID {
			return u
		}
	}

	return nil
}

// load reads both files; missing files are treated as empty tables.
func (s *Store) load() error {
	serverRows, err := readRows(filepath.Join(s.dir, ServersFile))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", ServersFile, err)
	}

	for i, row := range serverRows {
		c, err := parseCommunity(row)
		if err != nil {
			s.logger.Warn("Skipping malformed server row", zap.Int("row", i+2), zap.Error(err))
			continue
		}

		if s.findCommunity(c.CommunityID) == nil {
			s.communities = append(s.communities, c)
		}
	}

	userRows, err := readRows(filepath.Join(s.dir, UsersFile))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", UsersFile, err)
	}

	for i, row := range userRows {
		u, err := parseUser(row)
		if err != nil {
			s.logger.Warn("Skipping malformed user row", zap.Int("row", i+2), zap.Error(err))
			continue
		}

		if s.findUser(u.UserID) == nil {
			s.users = append(s.users, u)
		}
	}

	return nil
}

func (s *Store) saveCommunities() error {
	rows := make([][]string, 0, len(s.communities))
	for _, c := range s.communities {
		rows = append(rows, formatCommunity(c))
	}

	return writeFileAtomic(filepath.Join(s.dir, ServersFile), serversHeader, rows)
}

func (s *Store) saveUsers() error {
	rows := make([][]string, 0, len(s.users))
	for _, u := range s.users {
		rows = append(rows, formatUser(u))
	}

	return writeFileAtomic(filepath.Join(s.dir, UsersFile), usersHeader, rows)
}

// readRows reads a CSV file into header-keyed rows.
func readRows(path string) ([]map[string]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var rows []map[string]string

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, err
		}

		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = strings.TrimSpace(record[i])
			}
		}

		rows = append(rows, row)
	}

	return rows, nil
}

// writeFileAtomic writes the records to a temp file, syncs it, then renames it over path.
func writeFileAtomic(path string, header []string, rows [][]string) error {
	temp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}

	tempPath := temp.Name()

	writer := csv.NewWriter(temp)

	err = writer.Write(header)
	if err == nil {
		err = writer.WriteAll(rows)
	}

	if err != nil {
		temp.Close()
		os.Remove(tempPath)

		return fmt.Errorf("failed to write records: %w", err)
	}

	if err := temp.Sync(); err != nil {
		temp.Close()
		os.Remove(tempPath)

		return fmt.Errorf("failed to sync records: %w", err)
	}

	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}

	// Persist the rename itself.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}

	return nil
}

func parseCommunity(row map[string]string) (*types.Community, error) {
	guildID, err := parseID(row["Guild_ID"])
	if err != nil || guildID == 0 {
		return nil, fmt.Errorf("%w: Guild_ID %q", errMalformedRow, row["Guild_ID"])
	}

	rowID, _ := strconv.ParseInt(row["Server_AI_ID"], 10, 64)
	owner, _ := parseID(row["OwnerID"])

	c := &types.Community{
		ID:            rowID,
		CommunityID:   guildID,
		DisplayName:   row["Server_Name"],
		OwnerID:       owner,
		SetupComplete: isTruthy(row["setup"]),
	}

	local := types.NewRoleSet(optionalID(row["Local_1"]), optionalID(row["Local_2"]), optionalID(row["Local_3"]))
	global := types.NewRoleSet(optionalID(row["Global_1"]), optionalID(row["Global_2"]), optionalID(row["Global_3"]))

	c.LocalRoleID1, c.LocalRoleID2, c.LocalRoleID3 = slot(local, 0), slot(local, 1), slot(local, 2)
	c.GlobalRoleID1, c.GlobalRoleID2, c.GlobalRoleID3 = slot(global, 0), slot(global, 1), slot(global, 2)

	return c, nil
}

func formatCommunity(c *types.Community) []string {
	return []string{
		strconv.FormatInt(c.ID, 10),
		strconv.FormatUint(c.CommunityID, 10),
		c.DisplayName,
		formatOptionalID(c.LocalRoleID1),
		formatOptionalID(c.LocalRoleID2),
		formatOptionalID(c.LocalRoleID3),
		formatOptionalID(c.GlobalRoleID1),
		formatOptionalID(c.GlobalRoleID2),
		formatOptionalID(c.GlobalRoleID3),
		strconv.FormatUint(c.OwnerID, 10),
		formatBool(c.SetupComplete),
	}
}

func parseUser(row map[string]string) (*types.User, error) {
	userID, err := parseID(row["User_ID"])
	if err != nil || userID == 0 {
		return nil, fmt.Errorf("%w: User_ID %q", errMalformedRow, row["User_ID"])
	}

	rowID, _ := strconv.ParseInt(row["User_AI_ID"], 10, 64)

	return &types.User{
		ID:           rowID,
		UserID:       userID,
		DisplayName:  row["User_Name"],
		CreatedAt:    parseDate(row["Account_Age"]),
		GlobalBanned: isTruthy(row["Global_Banned"]),
	}, nil
}

func formatUser(u *types.User) []string {
	return []string{
		strconv.FormatInt(u.ID, 10),
		strconv.FormatUint(u.UserID, 10),
		u.DisplayName,
		u.CreatedAt.UTC().Format(dateLayout),
		formatBool(u.GlobalBanned),
	}
}

func parseID(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func optionalID(s string) uint64 {
	id, _ := parseID(s)
	return id
}

func formatOptionalID(id uint64) string {
	if id == 0 {
		return ""
	}

	return strconv.FormatUint(id, 10)
}

// parseDate accepts a date or a timestamp beginning with a date; anything else becomes the epoch.
func parseDate(s string) time.Time {
	if len(s) >= len(dateLayout) {
		if t, err := time.Parse(dateLayout, s[:len(dateLayout)]); err == nil {
			return t
		}
	}

	return time.Unix(0, 0).UTC()
}

// isTruthy matches the values older ledger files used for true.
func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func formatBool(b bool) string {
	if b {
		return "True"
	}

	return "False"
}

func slot(set types.RoleSet, i int) uint64 {
	if i < len(set) {
		return set[i]
	}

	return 0
}

func nextID[T any](rows []T, id func(T) int64) int64 {
	var maxID int64
	for _, row := range rows {
		maxID = max(maxID, id(row))
	}

	return maxID + 1
}
