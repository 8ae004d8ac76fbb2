// Package tests holds integration tests that run the full server against PostgreSQL.
// They are skipped unless DATABASE_URL is set.
package tests

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/acadeveia/server/internal/db"
)

// OpenAndMigrate connects to databaseURL and applies the embedded migrations
func OpenAndMigrate(ctx context.Context, databaseURL string) (*sql.DB, error) {
	database, err := db.Open(ctx, databaseURL, db.DefaultPool)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

// TruncateAll empties every application table for a clean test state
func TruncateAll(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx,
		"TRUNCATE TABLE messages, room_participants, rooms, refresh_sessions, otp_records, users RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
