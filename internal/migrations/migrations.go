// Package migrations creates the order pipeline schema and seeds the
// instrument list.
package migrations

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Open connects gorm to one endpoint with serializable transactions.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CockroachDB: %w", err)
	}
	return db.Set("gorm:tx_options", &sql.TxOptions{Isolation: sql.LevelSerializable}), nil
}

// DefaultInstruments is the starting price list.
func DefaultInstruments() []Instrument {
	return []Instrument{
		{Symbol: "AAPL", CurrentPrice: decimal.RequireFromString("189.84"), Name: "Apple Inc.", Details: "Consumer electronics and software"},
		{Symbol: "DIS", CurrentPrice: decimal.RequireFromString("91.40"), Name: "The Walt Disney Company", Details: "Media and entertainment"},
		{Symbol: "GOOGL", CurrentPrice: decimal.RequireFromString("138.21"), Name: "Alphabet Inc.", Details: "Search, advertising and cloud"},
		{Symbol: "JPM", CurrentPrice: decimal.RequireFromString("170.10"), Name: "JPMorgan Chase & Co.", Details: "Banking and financial services"},
		{Symbol: "MSFT", CurrentPrice: decimal.RequireFromString("374.51"), Name: "Microsoft Corporation", Details: "Software and cloud"},
		{Symbol: "NFLX", CurrentPrice: decimal.RequireFromString("486.88"), Name: "Netflix, Inc.", Details: "Streaming entertainment"},
		{Symbol: "NVDA", CurrentPrice: decimal.RequireFromString("495.22"), Name: "NVIDIA Corporation", Details: "Graphics and accelerated computing"},
	}
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB, log *zap.Logger) error {
	for _, model := range Models() {
		if err := db.AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %T: %w", model, err)
		}
	}
	log.Info("schema migrated", zap.Int("tables", len(Models())))
	return nil
}

// Seed inserts instruments that do not exist yet. Existing prices are kept.
func Seed(db *gorm.DB, instruments []Instrument, log *zap.Logger) error {
	if len(instruments) == 0 {
		return nil
	}
	res := seedQuery(db, instruments)
	if res.Error != nil {
		return fmt.Errorf("seed instruments: %w", res.Error)
	}
	log.Info("instruments seeded",
		zap.Int64("inserted", res.RowsAffected),
		zap.Int("requested", len(instruments)))
	return nil
}

func seedQuery(db *gorm.DB, instruments []Instrument) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoNothing: true,
	}).Create(&instruments)
}
