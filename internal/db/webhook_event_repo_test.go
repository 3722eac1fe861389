package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"membership/internal/types"
)

func TestWebhookEventRepository_Claim(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{name: "first delivery", tag: "INSERT 0 1", want: true},
		{name: "already processed", tag: "INSERT 0 0", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewWebhookEventRepository(db, &types.FixedClock{T: repoNow})

			db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			claimed, err := repo.Claim(context.Background(), types.GatewayRazorpay, "evt_1", "subscription.charged")
			require.NoError(t, err)
			assert.Equal(t, tt.want, claimed)

			args := execArgs(db, 0)
			assert.Equal(t, repoNow, args[3])
			assert.Equal(t, repoNow.Add(-DefaultClaimTimeout), args[4])
		})
	}
}

func TestWebhookEventRepository_ClaimDBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepository(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	_, err := repo.Claim(context.Background(), types.GatewayStripe, "evt_1", "invoice.paid")
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

func TestWebhookEventRepository_Lookup(t *testing.T) {
	tests := []struct {
		name    string
		row     *mockRow
		want    string
		wantErr bool
	}{
		{
			name: "recorded",
			row: &mockRow{scanFn: func(dest ...any) error {
				*dest[0].(*string) = WebhookEventFailed
				return nil
			}},
			want: WebhookEventFailed,
		},
		{name: "never seen", row: &mockRow{scanErr: pgx.ErrNoRows}, want: ""},
		{name: "db error", row: &mockRow{scanErr: errors.New("timeout")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewWebhookEventRepository(db, nil)
			db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{types.GatewayRazorpay, "evt_1"}).
				Return(tt.row)

			status, err := repo.Lookup(context.Background(), types.GatewayRazorpay, "evt_1")
			if tt.wantErr {
				assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestWebhookEventRepository_FailStoresMessage(t *testing.T) {
	db := new(mockDBTX)
	repo := NewWebhookEventRepository(db, &types.FixedClock{T: repoNow})

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		msg, ok := args[2].(*string)
		return ok && msg != nil && *msg == "db down"
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.Fail(context.Background(), types.GatewayRazorpay, "evt_1", errors.New("db down")))
	db.AssertExpectations(t)
}

func TestMemoryWebhookEventStore_FailedEventsCanBeReclaimed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWebhookEventStore()

	ok, _ := store.Claim(ctx, types.GatewayRazorpay, "evt_1", "x")
	assert.True(t, ok)
	ok, _ = store.Claim(ctx, types.GatewayRazorpay, "evt_1", "x")
	assert.False(t, ok)

	require.NoError(t, store.Fail(ctx, types.GatewayRazorpay, "evt_1", nil))
	ok, _ = store.Claim(ctx, types.GatewayRazorpay, "evt_1", "x")
	assert.True(t, ok)

	require.NoError(t, store.Complete(ctx, types.GatewayRazorpay, "evt_1", "applied"))
	assert.Equal(t, WebhookEventProcessed, store.Status(types.GatewayRazorpay, "evt_1"))

	// Same id under another provider is a different event.
	ok, _ = store.Claim(ctx, types.GatewayStripe, "evt_1", "x")
	assert.True(t, ok)
}
