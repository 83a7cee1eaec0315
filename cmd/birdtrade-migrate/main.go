package main

import (
	"flag"
	"log"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/birdtrade/internal/config"
	"github.com/Aidin1998/birdtrade/internal/migrations"
	"github.com/Aidin1998/birdtrade/pkg/logger"
)

func main() {
	seed := flag.Bool("seed", true, "insert the default instruments when missing")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Schema changes replicate, so the first region that answers is enough.
	var db *gorm.DB
	for _, ep := range cfg.Database.Endpoints {
		db, err = migrations.Open(ep.ConnString())
		if err == nil {
			zapLogger.Info("Connected for migration", zap.String("region", ep.Name))
			break
		}
		zapLogger.Warn("Region unavailable for migration", zap.String("region", ep.Name), zap.Error(err))
	}
	if db == nil {
		zapLogger.Fatal("No region accepted a connection")
	}

	if err := migrations.Migrate(db, zapLogger); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}
	if *seed {
		if err := migrations.Seed(db, migrations.DefaultInstruments(), zapLogger); err != nil {
			zapLogger.Fatal("Failed to seed instruments", zap.Error(err))
		}
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}
