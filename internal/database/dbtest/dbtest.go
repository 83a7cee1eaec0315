// Package dbtest provides in-memory stand-ins for database.Pool with
// transactional rollback and injectable faults.
package dbtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Aidin1998/birdtrade/internal/database"
)

// Op identifies the call a Fault is consulted for.
type Op string

const (
	OpAcquire Op = "acquire"
	OpPing    Op = "ping"
	OpBegin   Op = "begin"
	OpExec    Op = "exec"
	OpQuery   Op = "query"
	OpCommit  Op = "commit"
)

// Fault decides whether a call fails. A nil error lets it through.
type Fault func(op Op, sql string) error

// Backend is the shared storage behind one or more fake pools. Pools that
// share a backend behave like nodes of one cluster.
type Backend interface {
	sync.Locker
	Exec(sql string, args []any) (int64, error)
	Query(sql string, args []any) (*database.RowSet, error)
	// Snapshot captures the current state and returns a func restoring it.
	Snapshot() func()
}

// AlwaysFail fails every call of the given op.
func AlwaysFail(op Op, err error) Fault {
	return func(got Op, _ string) error {
		if got == op {
			return err
		}
		return nil
	}
}

// FailTimes fails the first n calls of op, then lets calls through.
func FailTimes(op Op, n int, err error) Fault {
	var calls atomic.Int64
	return func(got Op, _ string) error {
		if got != op {
			return nil
		}
		if calls.Add(1) <= int64(n) {
			return err
		}
		return nil
	}
}

// FailSQL fails statements containing substr. n < 0 fails them forever.
func FailSQL(substr string, n int, err error) Fault {
	var calls atomic.Int64
	return func(got Op, sql string) error {
		if (got != OpExec && got != OpQuery) || !strings.Contains(sql, substr) {
			return nil
		}
		if n < 0 || calls.Add(1) <= int64(n) {
			return err
		}
		return nil
	}
}

// Faults combines several faults; the first error wins.
func Faults(fs ...Fault) Fault {
	return func(op Op, sql string) error {
		for _, f := range fs {
			if f == nil {
				continue
			}
			if err := f(op, sql); err != nil {
				return err
			}
		}
		return nil
	}
}

type ambiguousError struct{ err error }

func (e *ambiguousError) Error() string { return e.err.Error() }
func (e *ambiguousError) Unwrap() error { return e.err }

// Ambiguous marks a commit fault whose writes are kept even though the
// client sees an error, like a connection lost after the server committed.
func Ambiguous(err error) error { return &ambiguousError{err: err} }

// Pool is a fake database.Pool.
type Pool struct {
	name    string
	backend Backend

	mu    sync.Mutex
	fault Fault

	calls    atomic.Int64
	acquires atomic.Int64
	releases atomic.Int64
	commits  atomic.Int64
	closed   atomic.Bool
}

var _ database.Pool = (*Pool)(nil)

// NewPool creates a fake pool named name over backend.
func NewPool(name string, backend Backend) *Pool {
	return &Pool{name: name, backend: backend}
}

// SetFault replaces the pool's fault. nil clears it.
func (p *Pool) SetFault(f Fault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fault = f
}

func (p *Pool) check(op Op, sql string) error {
	p.mu.Lock()
	f := p.fault
	p.mu.Unlock()
	if f == nil {
		return nil
	}
	return f(op, sql)
}

// Acquires is the number of Acquire calls, failed ones included.
func (p *Pool) Acquires() int { return int(p.calls.Load()) }

// Commits is the number of transactions committed through this pool.
func (p *Pool) Commits() int { return int(p.commits.Load()) }

// Open is the number of connections not yet released.
func (p *Pool) Open() int { return int(p.acquires.Load() - p.releases.Load()) }

func (p *Pool) Name() string { return p.name }

func (p *Pool) Acquire(ctx context.Context) (database.Conn, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.check(OpAcquire, ""); err != nil {
		return nil, err
	}
	p.acquires.Add(1)
	return &conn{pool: p}, nil
}

func (p *Pool) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.check(OpPing, "")
}

func (p *Pool) Close() { p.closed.Store(true) }

// Closed reports whether Close was called.
func (p *Pool) Closed() bool { return p.closed.Load() }

type conn struct {
	pool     *Pool
	released bool
}

func (c *conn) Query(ctx context.Context, sql string, args ...any) (*database.RowSet, error) {
	if err := c.pool.check(OpQuery, sql); err != nil {
		return nil, err
	}
	c.pool.backend.Lock()
	defer c.pool.backend.Unlock()
	return c.pool.backend.Query(sql, args)
}

func (c *conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := c.pool.check(OpExec, sql); err != nil {
		return 0, err
	}
	c.pool.backend.Lock()
	defer c.pool.backend.Unlock()
	return c.pool.backend.Exec(sql, args)
}

func (c *conn) Begin(ctx context.Context) (database.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.pool.check(OpBegin, ""); err != nil {
		return nil, err
	}
	c.pool.backend.Lock()
	return &tx{pool: c.pool, restore: c.pool.backend.Snapshot()}, nil
}

func (c *conn) Release() {
	if c.released {
		panic("dbtest: connection released twice")
	}
	c.released = true
	c.pool.releases.Add(1)
}

// tx holds the backend lock from Begin until Commit or Rollback.
type tx struct {
	pool    *Pool
	restore func()
	done    bool
}

func (t *tx) Query(ctx context.Context, sql string, args ...any) (*database.RowSet, error) {
	if t.done {
		return nil, errors.New("dbtest: transaction already closed")
	}
	if err := t.pool.check(OpQuery, sql); err != nil {
		return nil, err
	}
	return t.pool.backend.Query(sql, args)
}

func (t *tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if t.done {
		return 0, errors.New("dbtest: transaction already closed")
	}
	if err := t.pool.check(OpExec, sql); err != nil {
		return 0, err
	}
	return t.pool.backend.Exec(sql, args)
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("dbtest: transaction already closed")
	}
	t.done = true
	defer t.pool.backend.Unlock()

	if err := t.pool.check(OpCommit, ""); err != nil {
		var amb *ambiguousError
		if errors.As(err, &amb) {
			t.pool.commits.Add(1)
			return amb.err
		}
		t.restore()
		return err
	}
	t.pool.commits.Add(1)
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.restore()
	t.pool.backend.Unlock()
	return nil
}
