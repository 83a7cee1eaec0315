package database_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/birdtrade/internal/database"
	"github.com/Aidin1998/birdtrade/internal/database/dbtest"
	"github.com/Aidin1998/birdtrade/pkg/metrics"
)

var errDown = errors.New("connection refused")

func newCluster(t *testing.T, names ...string) (*dbtest.Recorder, []*dbtest.Pool, *database.Registry) {
	t.Helper()
	backend := &dbtest.Recorder{}
	pools := make([]*dbtest.Pool, len(names))
	generic := make([]database.Pool, len(names))
	for i, name := range names {
		pools[i] = dbtest.NewPool(name, backend)
		generic[i] = pools[i]
	}
	return backend, pools, database.NewRegistryFromPools(zaptest.NewLogger(t), generic...)
}

func insertBoth(ctx context.Context, tx database.Tx) error {
	if _, err := tx.Exec(ctx, "INSERT INTO orders VALUES ($1)", "o-1"); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, "INSERT INTO order_activity VALUES ($1)", "a-1")
	return err
}

func TestInTxFailsOverToNextPool(t *testing.T) {
	backend, pools, reg := newCluster(t, "us-east-1", "us-west-2", "us-central-1")
	pools[0].SetFault(dbtest.AlwaysFail(dbtest.OpAcquire, errDown))
	pools[1].SetFault(dbtest.AlwaysFail(dbtest.OpBegin, errDown))

	exec := database.NewExecutor(reg, database.DefaultRetryPolicy(), zaptest.NewLogger(t))
	require.NoError(t, exec.InTx(context.Background(), "order_received", insertBoth))

	assert.Equal(t, 3, pools[0].Acquires())
	assert.Equal(t, 3, pools[1].Acquires())
	assert.Equal(t, 1, pools[2].Acquires())
	assert.Equal(t, 1, pools[2].Commits())
	for _, p := range pools {
		assert.Zero(t, p.Open(), p.Name())
	}
	assert.Len(t, backend.Statements(), 2)
}

func TestInTxRetriesWholeUnitOnStatementFailure(t *testing.T) {
	backend, pools, reg := newCluster(t, "us-east-1")
	pools[0].SetFault(dbtest.FailSQL("order_activity", 1, errDown))

	exec := database.NewExecutor(reg, database.DefaultRetryPolicy(), zaptest.NewLogger(t))
	require.NoError(t, exec.InTx(context.Background(), "order_received", insertBoth))

	stmts := backend.Statements()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0].SQL, "INSERT INTO orders")
	assert.Contains(t, stmts[1].SQL, "INSERT INTO order_activity")
	assert.Equal(t, 2, pools[0].Acquires())
	assert.Zero(t, pools[0].Open())
}

func TestExhaustedLeavesNoWrites(t *testing.T) {
	backend, pools, reg := newCluster(t, "us-east-1", "us-west-2", "us-central-1")
	for _, p := range pools {
		p.SetFault(dbtest.AlwaysFail(dbtest.OpCommit, errDown))
	}

	exec := database.NewExecutor(reg, database.DefaultRetryPolicy(), zaptest.NewLogger(t))
	err := exec.InTx(context.Background(), "order_received", insertBoth)
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrAllEndpointsExhausted)
	assert.ErrorIs(t, err, errDown)

	var exhausted *database.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 9, exhausted.Attempts)
	require.Len(t, exhausted.LastErrors, 3)
	for i, last := range exhausted.LastErrors {
		assert.Equal(t, pools[i].Name(), last.Pool)
		assert.Equal(t, 3, last.Attempt)
		assert.Equal(t, database.StageCommit, last.Stage)
	}

	assert.Empty(t, backend.Statements())
	for _, p := range pools {
		assert.Zero(t, p.Open(), p.Name())
	}
}

func TestRetryOrder(t *testing.T) {
	cases := map[database.RetryOrder][]string{
		database.PoolsFirst:    {"a", "a", "b", "b"},
		database.AttemptsFirst: {"a", "b", "a", "b"},
	}
	for order, want := range cases {
		t.Run(string(order), func(t *testing.T) {
			var (
				mu  sync.Mutex
				got []string
			)
			_, pools, reg := newCluster(t, "a", "b")
			for _, p := range pools {
				name := p.Name()
				p.SetFault(func(op dbtest.Op, _ string) error {
					if op != dbtest.OpAcquire {
						return nil
					}
					mu.Lock()
					got = append(got, name)
					mu.Unlock()
					return errDown
				})
			}

			exec := database.NewExecutor(reg, database.RetryPolicy{Attempts: 2, Order: order}, zaptest.NewLogger(t))
			_, err := exec.Query(context.Background(), "SELECT 1")
			assert.ErrorIs(t, err, database.ErrAllEndpointsExhausted)
			assert.Equal(t, want, got)
		})
	}
}

func TestPermanentErrorStopsRetrying(t *testing.T) {
	_, pools, reg := newCluster(t, "us-east-1", "us-west-2")
	errInvalid := errors.New("instrument price is not a decimal")

	exec := database.NewExecutor(reg, database.DefaultRetryPolicy(), zaptest.NewLogger(t))
	err := exec.InTx(context.Background(), "order_received", func(ctx context.Context, tx database.Tx) error {
		return database.Permanent(errInvalid)
	})

	assert.ErrorIs(t, err, errInvalid)
	assert.NotErrorIs(t, err, database.ErrAllEndpointsExhausted)
	assert.False(t, database.IsPermanent(err))
	assert.Equal(t, 1, pools[0].Acquires())
	assert.Zero(t, pools[1].Acquires())
}

func TestCanceledContextStopsLoop(t *testing.T) {
	_, pools, reg := newCluster(t, "us-east-1", "us-west-2")
	ctx, cancel := context.WithCancel(context.Background())
	pools[0].SetFault(func(op dbtest.Op, _ string) error {
		if op == dbtest.OpAcquire {
			cancel()
			return errDown
		}
		return nil
	})

	exec := database.NewExecutor(reg, database.DefaultRetryPolicy(), zaptest.NewLogger(t))
	_, err := exec.Exec(ctx, "UPDATE instruments SET current_price = 1")

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, database.ErrAllEndpointsExhausted)
	assert.Equal(t, 1, pools[0].Acquires())
	assert.Zero(t, pools[1].Acquires())
}

func TestBackoffRespectsDeadline(t *testing.T) {
	_, pools, reg := newCluster(t, "us-east-1")
	pools[0].SetFault(dbtest.AlwaysFail(dbtest.OpQuery, errDown))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exec := database.NewExecutor(reg, database.RetryPolicy{Attempts: 3, Backoff: time.Minute}, zaptest.NewLogger(t))
	start := time.Now()
	_, err := exec.Query(ctx, "SELECT 1")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, pools[0].Acquires())
}

func TestQueryReturnsMaterializedRows(t *testing.T) {
	backend, pools, reg := newCluster(t, "us-east-1")
	backend.Result = func(sql string, args []any) (*database.RowSet, error) {
		return &database.RowSet{
			Columns: []string{"symbol", "current_price"},
			Rows:    [][]any{{"AAPL", "187.40"}, {"MSFT", "410.05"}},
		}, nil
	}

	exec := database.NewExecutor(reg, database.DefaultRetryPolicy(), zaptest.NewLogger(t))
	rs, err := exec.Query(context.Background(), "SELECT symbol, current_price FROM instruments")
	require.NoError(t, err)

	require.Equal(t, 2, rs.Len())
	assert.Equal(t, "MSFT", rs.String(1, "symbol"))
	assert.Equal(t, "187.40", rs.String(0, "current_price"))
	assert.Zero(t, pools[0].Open())
}

func TestEmptyRegistryIsExhausted(t *testing.T) {
	exec := database.NewExecutor(database.NewRegistryFromPools(nil), database.DefaultRetryPolicy(), nil)
	_, err := exec.Exec(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, database.ErrAllEndpointsExhausted)
}

func TestSerializationFailuresAreCountedApart(t *testing.T) {
	_, pools, reg := newCluster(t, "us-east-1")
	restart := &pgconn.PgError{Code: "40001", Message: "restart transaction: TransactionRetryWithProtoRefreshError"}
	pools[0].SetFault(dbtest.FailTimes(dbtest.OpCommit, 1, restart))
	exec := database.NewExecutor(reg, database.DefaultRetryPolicy(), zaptest.NewLogger(t))

	const op = "order_serialization"
	require.NoError(t, exec.InTx(context.Background(), op, insertBoth))

	assert.True(t, database.IsRetryableSerialization(restart))
	assert.False(t, database.IsRetryableSerialization(errDown))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DBAttempts.WithLabelValues("us-east-1", op, "serialization")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.DBAttempts.WithLabelValues("us-east-1", op, "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DBAttempts.WithLabelValues("us-east-1", op, "ok")))
}
