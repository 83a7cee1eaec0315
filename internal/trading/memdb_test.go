package trading

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Aidin1998/birdtrade/internal/database"
	"github.com/Aidin1998/birdtrade/internal/database/dbtest"
)

type row struct {
	args []any
	ts   time.Time
}

// memDB understands exactly the statements in store.go.
type memDB struct {
	sync.Mutex
	now func() time.Time

	prices     map[string]string
	details    map[string]string
	orders     map[string]row
	activity   map[string]row
	processing map[string]row
	trades     map[string]row
}

var _ dbtest.Backend = (*memDB)(nil)

func newMemDB(now func() time.Time, prices map[string]string) *memDB {
	m := &memDB{
		now:        now,
		prices:     map[string]string{},
		details:    map[string]string{},
		orders:     map[string]row{},
		activity:   map[string]row{},
		processing: map[string]row{},
		trades:     map[string]row{},
	}
	for sym, p := range prices {
		m.prices[sym] = p
		m.details[sym] = sym + " common stock"
	}
	return m
}

func insert(table map[string]row, args []any, ts time.Time) int64 {
	key := fmt.Sprint(args[0])
	if _, ok := table[key]; ok {
		return 0
	}
	table[key] = row{args: append([]any(nil), args...), ts: ts}
	return 1
}

func (m *memDB) Exec(sql string, args []any) (int64, error) {
	now := m.now()
	switch sql {
	case sqlInsertOrder:
		return insert(m.orders, args, now), nil
	case sqlInsertActivity:
		return insert(m.activity, args, now), nil
	case sqlInsertExecution:
		return insert(m.processing, args, now), nil
	case sqlInsertTrade:
		if insert(m.trades, args, now) == 0 {
			return 0, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint \"trades_pkey\""}
		}
		return 1, nil
	case sqlUpdatePrice:
		sym := args[1].(string)
		if _, ok := m.prices[sym]; !ok {
			return 0, nil
		}
		m.prices[sym] = args[0].(string)
		return 1, nil
	}
	return 0, fmt.Errorf("memdb: unexpected statement %q", sql)
}

func (m *memDB) Query(sql string, args []any) (*database.RowSet, error) {
	switch sql {
	case sqlSelectPriceForUpdate:
		rs := &database.RowSet{Columns: []string{"current_price"}}
		if p, ok := m.prices[args[0].(string)]; ok {
			rs.Rows = append(rs.Rows, []any{p})
		}
		return rs, nil

	case sqlLockOrder, sqlLockOrderSkipLocked:
		rs := &database.RowSet{Columns: []string{"order_id", "processed"}}
		id := args[0].(string)
		if _, ok := m.orders[id]; !ok {
			return rs, nil
		}
		processed := false
		for _, a := range m.activity {
			if a.args[1] == id && a.args[3] == string(StatusProcessed) {
				processed = true
			}
		}
		rs.Rows = append(rs.Rows, []any{id, processed})
		return rs, nil

	case sqlSelectInstruments:
		rs := &database.RowSet{Columns: []string{"symbol", "current_price", "details", "name"}}
		symbols := append([]string(nil), args[0].([]string)...)
		sort.Strings(symbols)
		for _, sym := range symbols {
			if p, ok := m.prices[sym]; ok {
				rs.Rows = append(rs.Rows, []any{sym, p, m.details[sym], nil})
			}
		}
		return rs, nil

	case sqlSelectIncomplete:
		before := args[0].(time.Time)
		limit := args[1].(int)
		processed := map[string]bool{}
		for _, a := range m.activity {
			if a.args[3] == string(StatusProcessed) {
				processed[a.args[1].(string)] = true
			}
		}
		var received []row
		for _, a := range m.activity {
			if a.args[3] == string(StatusReceived) && a.ts.Before(before) && !processed[a.args[1].(string)] {
				received = append(received, a)
			}
		}
		sort.Slice(received, func(i, j int) bool { return received[i].ts.Before(received[j].ts) })

		rs := &database.RowSet{Columns: []string{
			"order_id", "order_nbr", "symbol", "order_type", "total_qty", "unit_price", "activity_entry_ts",
		}}
		for _, a := range received {
			if len(rs.Rows) == limit {
				break
			}
			o := m.orders[a.args[1].(string)]
			rs.Rows = append(rs.Rows, []any{o.args[0], o.args[1], o.args[3], o.args[5], o.args[4], o.args[6], a.ts})
		}
		return rs, nil
	}
	return nil, fmt.Errorf("memdb: unexpected query %q", sql)
}

func (m *memDB) Snapshot() func() {
	prices := copyStrings(m.prices)
	orders, activity := copyRows(m.orders), copyRows(m.activity)
	processing, trades := copyRows(m.processing), copyRows(m.trades)
	return func() {
		m.prices = prices
		m.orders, m.activity = orders, activity
		m.processing, m.trades = processing, trades
	}
}

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyRows(in map[string]row) map[string]row {
	out := make(map[string]row, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Accessors used by tests; they take the lock like a separate session would.

func (m *memDB) price(sym string) string {
	m.Lock()
	defer m.Unlock()
	return m.prices[sym]
}

func (m *memDB) count(table func(*memDB) map[string]row) int {
	m.Lock()
	defer m.Unlock()
	return len(table(m))
}

func (m *memDB) get(table func(*memDB) map[string]row, key string) ([]any, bool) {
	m.Lock()
	defer m.Unlock()
	r, ok := table(m)[key]
	return r.args, ok
}

func ordersTable(m *memDB) map[string]row     { return m.orders }
func activityTable(m *memDB) map[string]row   { return m.activity }
func processingTable(m *memDB) map[string]row { return m.processing }
func tradesTable(m *memDB) map[string]row     { return m.trades }
