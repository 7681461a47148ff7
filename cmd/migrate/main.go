package main

import (
	"context"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer pool.Close()

	log.Println("Connected to database, running migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS alert_history (
			id UUID PRIMARY KEY,
			time TIMESTAMPTZ NOT NULL,
			instrument_token TEXT NOT NULL,
			instrument_name TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			change_5min DOUBLE PRECISION NOT NULL,
			distance_from_high DOUBLE PRECISION NOT NULL,
			weekly_movement DOUBLE PRECISION NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_alert_history_time ON alert_history (time DESC)",
		"CREATE INDEX IF NOT EXISTS idx_alert_history_token ON alert_history (instrument_token, time DESC)",
	}

	for _, migration := range migrations {
		log.Printf("Running: %s", migration)
		_, err := pool.Exec(ctx, migration)
		if err != nil {
			log.Printf("WARNING: Migration failed: %v", err)
		} else {
			log.Println("✓ Success")
		}
	}

	log.Println("All migrations completed")
}
