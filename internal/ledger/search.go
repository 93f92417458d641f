package ledger

import (
	"strconv"
	"strings"

	"github.com/zionsgate/gatekeeper/internal/ledger/types"
	"golang.org/x/text/cases"
)

// SearchLimit caps the number of rows returned to a searchuser invocation.
const SearchLimit = 10

// ParseIDQuery returns the user ID if the query consists only of digits.
func ParseIDQuery(query string) (uint64, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return 0, false
	}

	for _, r := range query {
		if r < '0' || r > '9' {
			return 0, false
		}
	}

	id, err := strconv.ParseUint(query, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

// FoldName normalizes a name for case-insensitive comparison.
func FoldName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// MatchUser reports whether the user satisfies a search query.
//
// Numeric queries match the user ID exactly. A name query containing '#' must
// equal the whole stored name; otherwise it must equal the part of the stored
// name before '#'. Name comparison is case-insensitive.
func MatchUser(u *types.User, query string) bool {
	if id, ok := ParseIDQuery(query); ok {
		return u.UserID == id
	}

	q := FoldName(query)
	if q == "" {
		return false
	}

	name := FoldName(u.DisplayName)
	if strings.Contains(q, "#") {
		return name == q
	}

	base, _, _ := strings.Cut(name, "#")

	return base == q
}

// FilterUsers applies MatchUser to the candidates, keeping their order and at most limit rows.
func FilterUsers(candidates []*types.User, query string, limit int) []*types.User {
	if limit <= 0 {
		return nil
	}

	var matches []*types.User
	for _, u := range candidates {
		if !MatchUser(u, query) {
			continue
		}

		matches = append(matches, u)
		if len(matches) == limit {
			break
		}
	}

	return matches
}
