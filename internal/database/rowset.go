package database

import (
	"fmt"
	"strconv"
	"time"
)

// RowSet is a fully read query result. It outlives the connection it came from.
type RowSet struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
}

// Len returns the number of rows.
func (r *RowSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Value returns the raw value at row i, column col, or nil when absent.
func (r *RowSet) Value(i int, col string) any {
	if r == nil || i < 0 || i >= len(r.Rows) {
		return nil
	}
	for c, name := range r.Columns {
		if name == col && c < len(r.Rows[i]) {
			return r.Rows[i][c]
		}
	}
	return nil
}

// String returns the value as text. NULL is the empty string.
func (r *RowSet) String(i int, col string) string {
	switch v := r.Value(i, col).(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns the value as an integer.
func (r *RowSet) Int64(i int, col string) (int64, error) {
	switch v := r.Value(i, col).(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case nil:
		return 0, fmt.Errorf("column %s is null", col)
	default:
		return 0, fmt.Errorf("column %s: unexpected type %T", col, v)
	}
}

// Time returns the value as a timestamp; zero when NULL.
func (r *RowSet) Time(i int, col string) time.Time {
	if t, ok := r.Value(i, col).(time.Time); ok {
		return t
	}
	return time.Time{}
}
