package db

import (
	"context"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"membership/internal/types"
)

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// mockRows yields one scan function per row.
type mockRows struct {
	rows   []func(dest ...any) error
	idx    int
	closed bool
	errVal error
}

func newMockRows(rows ...func(dest ...any) error) *mockRows {
	return &mockRows{rows: rows, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.rows)
}

func (r *mockRows) Scan(dest ...any) error                       { return r.rows[r.idx](dest...) }
func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

// scanInto fills a subscription row in column order.
func scanInto(s *types.Subscription) func(dest ...any) error {
	return func(dest ...any) error {
		vals := []any{
			s.ID, s.UserID, s.Gateway, s.ExternalSubscriptionID, s.ExternalPlanID, s.ExternalCustomerID,
			s.Tier, s.BillingCycle, s.Price, s.Status,
			s.StartDate, s.EndDate, s.TrialEndDate, s.AutoRenew,
			s.Benefits, s.Usage,
			s.PreviousTier, s.UpgradeDate, s.DowngradeScheduledFor, s.DowngradeTargetTier, s.ProratedCredit,
			s.CancellationDate, s.CancellationReason, s.CancellationFeedback, s.ReactivationEligibleUntil,
			s.GracePeriodStartDate, s.PaymentRetryCount, s.LastPaymentRetryDate,
			s.IsGrandfathered, s.GrandfatheredPrice,
			s.Metadata, s.Version, s.CreatedAt, s.UpdatedAt,
		}
		for i, v := range vals {
			reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
		}
		return nil
	}
}

func execArgs(m *mockDBTX, call int) []any {
	var n int
	for _, c := range m.Calls {
		if c.Method != "Exec" {
			continue
		}
		if n == call {
			return c.Arguments.Get(2).([]any)
		}
		n++
	}
	return nil
}
