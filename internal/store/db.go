package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool sizing assumes short request-scoped queries and approval transactions.
// Event streaming never touches this pool; the LISTEN subscription holds its
// own native connection.
const (
	maxOpenConns    = 16
	maxIdleConns    = 8
	connMaxIdleTime = 2 * time.Minute
	connMaxLifetime = time.Hour
)

// Open dials Postgres through the pgx stdlib driver and verifies the
// connection before handing the pool back.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
