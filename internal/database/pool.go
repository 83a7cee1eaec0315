// Package database holds the regional connection pools and the query executor
// that fails over between them.
package database

import "context"

// Pool is one regional connection pool.
type Pool interface {
	Name() string
	Acquire(ctx context.Context) (Conn, error)
	Ping(ctx context.Context) error
	Close()
}

// Querier runs statements and materializes their results.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (*RowSet, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Conn is a connection checked out of a Pool. Release must be called exactly
// once, on every path.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Release()
}

// Tx is an open transaction bound to a single Conn. Rollback after Commit is a no-op.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Total int32
	Idle  int32
	InUse int32
}

// StatsProvider is implemented by pools that can report usage.
type StatsProvider interface {
	Stats() PoolStats
}
