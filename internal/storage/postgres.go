package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// NewPostgresStorage opens a Postgres connection and ensures the schema
func NewPostgresStorage(host, port, user, password, dbName, sslMode string) (*SQLStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbName, sslMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	storage, err := newSQLStorage(db, true, "lower")
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("host", host).
		Str("database", dbName).
		Msg("Postgres storage initialized")

	return storage, nil
}
