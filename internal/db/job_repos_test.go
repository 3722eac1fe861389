package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"membership/internal/types"
)

func TestJobLockRepository_Acquire(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{name: "new lock", tag: "INSERT 0 1", want: true},
		{name: "held by another worker", tag: "INSERT 0 0", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewJobLockRepository(db, &types.FixedClock{T: repoNow})

			db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			acquired, err := repo.Acquire(context.Background(), "reset_monthly_usage:2026-03", "worker-1", 15*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, acquired)
		})
	}
}

func TestJobLockRepository_Acquire_ExpiresAtComputedFromTTL(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db, &types.FixedClock{T: repoNow})

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	_, err := repo.Acquire(context.Background(), "expire_lapsed:2026-03-10T12", "worker-x", time.Hour)
	require.NoError(t, err)

	args := execArgs(db, 0)
	assert.Equal(t, repoNow, args[2])
	assert.Equal(t, repoNow.Add(time.Hour), args[3])
}

func TestJobLockRepository_Acquire_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	acquired, err := repo.Acquire(context.Background(), "task:key", "worker-1", time.Minute)
	assert.False(t, acquired)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

func TestJobHistoryRepository_StartAndFinish(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db, &types.FixedClock{T: repoNow})
	ctx := context.Background()

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"apply_scheduled_downgrades", repoNow, JobStatusRunning}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int64) = 42
			return nil
		}})
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		msg, ok := args[4].(*string)
		return ok && msg != nil && *msg == "gateway down"
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	id, err := repo.Start(ctx, "apply_scheduled_downgrades")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	require.NoError(t, repo.Finish(ctx, id, JobStatusFailed, 3, errors.New("gateway down")))
	db.AssertExpectations(t)
}

func TestJobHistoryRepository_Finish_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Finish(context.Background(), 999, JobStatusSuccess, 0, nil)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalUnexpected))
}
