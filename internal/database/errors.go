package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAllEndpointsExhausted is matched by every *ExhaustedError.
var ErrAllEndpointsExhausted = errors.New("all database endpoints exhausted")

// Stage names the step of an attempt that failed.
type Stage string

const (
	StageAcquire   Stage = "acquire"
	StageBegin     Stage = "begin"
	StageStatement Stage = "statement"
	StageCommit    Stage = "commit"
)

// AttemptError is one failed attempt against one pool.
type AttemptError struct {
	Pool    string
	Attempt int
	Stage   Stage
	Err     error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("pool %s attempt %d %s: %v", e.Pool, e.Attempt, e.Stage, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// ExhaustedError is returned once every pool has used its attempt budget, or
// the context ended before that happened.
type ExhaustedError struct {
	Op       string
	Attempts int
	// LastErrors holds the last failure seen per pool, in registry order.
	LastErrors []*AttemptError
	// Cause is set when the loop stopped because the context ended.
	Cause error
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	if e.Cause != nil {
		fmt.Fprintf(&b, "%s: stopped after %d attempts: %v", e.Op, e.Attempts, e.Cause)
	} else {
		fmt.Fprintf(&b, "%s: %v after %d attempts", e.Op, ErrAllEndpointsExhausted, e.Attempts)
	}
	for _, last := range e.LastErrors {
		b.WriteString("; ")
		b.WriteString(last.Error())
	}
	return b.String()
}

// Is reports ErrAllEndpointsExhausted only when every pool was really tried.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllEndpointsExhausted && e.Cause == nil
}

// Unwrap exposes the context error, if any, and the per-pool failures.
func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.LastErrors)+1)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	for _, last := range e.LastErrors {
		errs = append(errs, last)
	}
	return errs
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the executor returns it without trying again.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsDuplicateKey reports a unique violation from the server.
func IsDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsRetryableSerialization reports a transaction the server asked us to retry.
func IsRetryableSerialization(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
