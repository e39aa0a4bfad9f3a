// Package db wires the SQLite-backed rule mirror: an append-only audit
// log of every domain this bot has added to the direct list.
package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (creating if needed) the SQLite database at dsn. debug turns
// on gorm's statement logger, matching the teacher's cfg.Log.SQLDebug
// switch.
func Open(dsn string, debug bool) (*gorm.DB, error) {
	level := logger.Silent
	if debug {
		level = logger.Info
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", dsn, err)
	}
	return gdb, nil
}

// AutoMigrate creates or updates the rule-mirror schema.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&RuleEntry{}); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}
