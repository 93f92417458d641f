package dbretry_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/ledger/sqlstore/dbretry"
)

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "no rows", err: sql.ErrNoRows, want: false},
		{name: "sqlite busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: true},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), want: true},
		{name: "constraint", err: errors.New("UNIQUE constraint failed: users.user_id"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, dbretry.IsRetryableError(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, dbretry.IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: communities.community_id")))
	assert.False(t, dbretry.IsUniqueViolation(errors.New("disk I/O error")))
	assert.False(t, dbretry.IsUniqueViolation(nil))
}

func TestOperationRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	attempts := 0
	got, err := dbretry.Operation(t.Context(), func(context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("database is locked")
		}

		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, attempts)
}

func TestOperationStopsOnPermanentErrors(t *testing.T) {
	t.Parallel()

	attempts := 0
	_, err := dbretry.Operation(t.Context(), func(context.Context) (int, error) {
		attempts++
		return 0, sql.ErrNoRows
	})

	require.ErrorIs(t, err, sql.ErrNoRows)
	assert.Equal(t, 1, attempts)
}
