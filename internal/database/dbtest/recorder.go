package dbtest

import (
	"sync"

	"github.com/Aidin1998/birdtrade/internal/database"
)

// Statement is one statement seen by a Recorder.
type Statement struct {
	SQL  string
	Args []any
}

// Recorder is a Backend that keeps every statement that survived its
// transaction and answers with a scripted result.
type Recorder struct {
	sync.Mutex

	// Result, when set, produces the reply for each statement. The default is
	// an empty row set with one row affected.
	Result func(sql string, args []any) (*database.RowSet, error)

	statements []Statement
}

var _ Backend = (*Recorder)(nil)

func (r *Recorder) reply(sql string, args []any) (*database.RowSet, error) {
	r.statements = append(r.statements, Statement{SQL: sql, Args: args})
	if r.Result != nil {
		return r.Result(sql, args)
	}
	return &database.RowSet{RowsAffected: 1}, nil
}

func (r *Recorder) Exec(sql string, args []any) (int64, error) {
	rs, err := r.reply(sql, args)
	if err != nil {
		return 0, err
	}
	return rs.RowsAffected, nil
}

func (r *Recorder) Query(sql string, args []any) (*database.RowSet, error) {
	return r.reply(sql, args)
}

func (r *Recorder) Snapshot() func() {
	n := len(r.statements)
	return func() { r.statements = r.statements[:n] }
}

// Statements returns a copy of the committed statements.
func (r *Recorder) Statements() []Statement {
	r.Lock()
	defer r.Unlock()
	return append([]Statement(nil), r.statements...)
}
