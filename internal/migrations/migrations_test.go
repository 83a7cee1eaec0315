package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

func dryRun(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "postgres://root@localhost:26257/trade_db?sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return db
}

func TestSeedDoesNotOverwritePrices(t *testing.T) {
	db := dryRun(t)
	stmt := seedQuery(db, DefaultInstruments()).Statement

	sql := stmt.SQL.String()
	assert.Contains(t, sql, `INSERT INTO "instruments"`)
	assert.Contains(t, sql, `ON CONFLICT ("symbol") DO NOTHING`)
	assert.Len(t, stmt.Vars, 7*4)
}

func TestModelsMapToPipelineTables(t *testing.T) {
	db := dryRun(t)
	want := map[string][]string{
		"instruments":      {"symbol", "current_price", "details", "name"},
		"orders":           {"order_id", "order_nbr", "account_nbr", "symbol", "order_entry_ts", "total_qty", "order_type", "unit_price"},
		"order_activity":   {"activity_id", "order_id", "order_nbr", "order_status", "activity_entry_ts", "symbol", "total_qty", "order_type", "unit_price"},
		"order_processing": {"execution_id", "order_id", "order_status", "order_nbr", "order_executed_ts", "symbol", "total_qty", "unit_price"},
		"trades":           {"trade_id", "execution_id", "symbol", "order_type", "trade_price", "quantity", "trade_ts"},
	}

	for _, model := range Models() {
		stmt := &gorm.Statement{DB: db}
		require.NoError(t, stmt.Parse(model))
		s := stmt.Schema

		cols, ok := want[s.Table]
		require.True(t, ok, s.Table)
		assert.Equal(t, cols, s.DBNames, s.Table)
		require.Len(t, s.PrimaryFields, 1)
		assert.Equal(t, cols[0], s.PrimaryFields[0].DBName)
	}
}

func TestDefaultInstrumentsCoverServedSymbols(t *testing.T) {
	got := map[string]bool{}
	for _, i := range DefaultInstruments() {
		got[i.Symbol] = true
		assert.True(t, i.CurrentPrice.IsPositive(), i.Symbol)
	}
	for _, sym := range []string{"NVDA", "JPM", "NFLX", "GOOGL", "DIS", "MSFT", "AAPL"} {
		assert.True(t, got[sym], sym)
	}
}

var _ schema.Tabler = Instrument{}
