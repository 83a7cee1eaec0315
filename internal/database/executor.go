package database

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/Aidin1998/birdtrade/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/Aidin1998/birdtrade/internal/database")

// RetryOrder selects how attempts are laid out across pools.
type RetryOrder string

const (
	// PoolsFirst spends the whole attempt budget on a pool before moving on.
	PoolsFirst RetryOrder = "pools_first"
	// AttemptsFirst makes one pass over every pool per attempt round.
	AttemptsFirst RetryOrder = "attempts_first"
)

// RetryPolicy bounds how hard the executor tries before giving up.
type RetryPolicy struct {
	Attempts int           `mapstructure:"attempts" validate:"gte=1"`
	Order    RetryOrder    `mapstructure:"order" validate:"omitempty,oneof=pools_first attempts_first"`
	Backoff  time.Duration `mapstructure:"backoff" validate:"gte=0"`
}

// DefaultRetryPolicy is three attempts per pool, pools first, no backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Order: PoolsFirst}
}

type step struct {
	pool    int
	attempt int
}

func (p RetryPolicy) plan(pools int) []step {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	steps := make([]step, 0, attempts*pools)
	if p.Order == AttemptsFirst {
		for a := 1; a <= attempts; a++ {
			for i := 0; i < pools; i++ {
				steps = append(steps, step{pool: i, attempt: a})
			}
		}
		return steps
	}
	for i := 0; i < pools; i++ {
		for a := 1; a <= attempts; a++ {
			steps = append(steps, step{pool: i, attempt: a})
		}
	}
	return steps
}

// Executor runs statements and transactional units against the registry,
// retrying within a pool and failing over to the next one.
type Executor struct {
	registry *Registry
	policy   RetryPolicy
	logger   *zap.Logger
}

// NewExecutor creates an executor over reg.
func NewExecutor(reg *Registry, policy RetryPolicy, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Order == "" {
		policy.Order = PoolsFirst
	}
	return &Executor{registry: reg, policy: policy, logger: logger}
}

// Policy returns the retry policy in effect.
func (e *Executor) Policy() RetryPolicy { return e.policy }

// Query runs a single statement and returns its rows.
func (e *Executor) Query(ctx context.Context, sql string, args ...any) (*RowSet, error) {
	var rs *RowSet
	err := e.do(ctx, "query", func(ctx context.Context, conn Conn) (Stage, error) {
		r, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return StageStatement, err
		}
		rs = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// Exec runs a single statement and returns the rows affected.
func (e *Executor) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	var n int64
	err := e.do(ctx, "exec", func(ctx context.Context, conn Conn) (Stage, error) {
		affected, err := conn.Exec(ctx, sql, args...)
		if err != nil {
			return StageStatement, err
		}
		n = affected
		return "", nil
	})
	return n, err
}

// InTx runs fn inside BEGIN/COMMIT on one connection. Any failure rolls the
// transaction back and the whole unit is tried again from the start, possibly
// on another pool. fn must therefore be safe to run more than once.
func (e *Executor) InTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	return e.do(ctx, op, func(ctx context.Context, conn Conn) (Stage, error) {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return StageBegin, err
		}
		defer func() {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}()

		if err := fn(ctx, tx); err != nil {
			return StageStatement, err
		}
		if err := tx.Commit(ctx); err != nil {
			return StageCommit, err
		}
		return "", nil
	})
}

type unit func(ctx context.Context, conn Conn) (Stage, error)

func (e *Executor) do(ctx context.Context, op string, fn unit) (err error) {
	ctx, span := tracer.Start(ctx, "db "+op)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "database operation failed")
		}
		span.End()
	}()

	pools := e.registry.Pools()
	if len(pools) == 0 {
		metrics.DBExhausted.WithLabelValues(op).Inc()
		return &ExhaustedError{Op: op}
	}

	last := make([]*AttemptError, len(pools))
	total := 0
	for i, s := range e.policy.plan(len(pools)) {
		if i > 0 && e.policy.Backoff > 0 {
			if err := sleep(ctx, e.policy.Backoff); err != nil {
				return e.stopped(op, total, last, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return e.stopped(op, total, last, err)
		}

		pool := pools[s.pool]
		total++
		stage, err := e.attempt(ctx, pool, fn)
		if err == nil {
			span.SetAttributes(attribute.String("db.pool", pool.Name()), attribute.Int("db.attempts", total))
			metrics.DBAttempts.WithLabelValues(pool.Name(), op, "ok").Inc()
			if s.pool > 0 || s.attempt > 1 {
				e.logger.Info("database operation recovered",
					zap.String("op", op),
					zap.String("pool", pool.Name()),
					zap.Int("attempt", s.attempt))
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			metrics.DBAttempts.WithLabelValues(pool.Name(), op, "permanent").Inc()
			return perm.err
		}

		outcome := "failed"
		if IsRetryableSerialization(err) {
			// Contention rather than an outage; the region is healthy.
			outcome = "serialization"
		}
		metrics.DBAttempts.WithLabelValues(pool.Name(), op, outcome).Inc()
		attemptErr := &AttemptError{Pool: pool.Name(), Attempt: s.attempt, Stage: stage, Err: err}
		last[s.pool] = attemptErr
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.String("db.pool", pool.Name()),
			attribute.Int("db.attempt", s.attempt),
			attribute.String("db.stage", string(stage)),
		))
		e.logger.Warn("database attempt failed",
			zap.String("op", op),
			zap.String("pool", pool.Name()),
			zap.Int("attempt", s.attempt),
			zap.String("stage", string(stage)),
			zap.String("outcome", outcome),
			zap.Error(err))

		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.stopped(op, total, last, ctxErr)
		}
	}

	metrics.DBExhausted.WithLabelValues(op).Inc()
	exhausted := &ExhaustedError{Op: op, Attempts: total, LastErrors: compact(last)}
	e.logger.Error("all database endpoints exhausted",
		zap.String("op", op),
		zap.Int("attempts", total),
		zap.Error(exhausted))
	return exhausted
}

func (e *Executor) attempt(ctx context.Context, pool Pool, fn unit) (Stage, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return StageAcquire, err
	}
	defer conn.Release()

	return fn(ctx, conn)
}

func (e *Executor) stopped(op string, total int, last []*AttemptError, cause error) error {
	return &ExhaustedError{
		Op:         op,
		Attempts:   total,
		LastErrors: compact(last),
		Cause:      cause,
	}
}

func compact(errs []*AttemptError) []*AttemptError {
	out := make([]*AttemptError, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// String renders the policy for logs.
func (p RetryPolicy) String() string {
	return string(p.Order) + "/" + strconv.Itoa(p.Attempts) + "/" + p.Backoff.String()
}
