package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool adapts a pgxpool.Pool to Pool.
type PgxPool struct {
	name string
	pool *pgxpool.Pool
}

var (
	_ Pool          = (*PgxPool)(nil)
	_ StatsProvider = (*PgxPool)(nil)
)

// NewPgxPool builds a lazily connecting pool for one endpoint. No connection is
// opened here unless MinConns is set, and then only in the background.
func NewPgxPool(ctx context.Context, endpoint EndpointConfig, opts PoolOptions) (*PgxPool, error) {
	cfg, err := pgxpool.ParseConfig(endpoint.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %s: %w", endpoint.Name, err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool %s: %w", endpoint.Name, err)
	}
	return &PgxPool{name: endpoint.Name, pool: pool}, nil
}

func (p *PgxPool) Name() string { return p.name }

func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (p *PgxPool) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *PgxPool) Close() { p.pool.Close() }

func (p *PgxPool) Stats() PoolStats {
	s := p.pool.Stat()
	return PoolStats{Total: s.TotalConns(), Idle: s.IdleConns(), InUse: s.AcquiredConns()}
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (*RowSet, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (c *pgxConn) Release() { c.conn.Release() }

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...any) (*RowSet, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func collect(rows pgx.Rows) (*RowSet, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	rs := &RowSet{Columns: make([]string, len(fields))}
	for i, fd := range fields {
		rs.Columns[i] = fd.Name
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rs.RowsAffected = rows.CommandTag().RowsAffected()
	return rs, nil
}
