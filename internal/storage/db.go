package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// OpenOptions configures the metadata store connection.
type OpenOptions struct {
	Driver          string // sqlite or postgres
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open opens the metadata store and verifies connectivity.
func Open(ctx context.Context, opts OpenOptions) (*sql.DB, error) {
	var driverName, dsn string

	switch opts.Driver {
	case "sqlite":
		driverName = "sqlite3"
		// Foreign keys enforce the conversation -> quality record cascade.
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", opts.DSN)
	case "postgres":
		driverName = "postgres"
		dsn = opts.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", opts.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		if opts.Driver == "sqlite" {
			maxOpen = 1
		} else {
			maxOpen = 20
		}
	}
	db.SetMaxOpenConns(maxOpen)
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, err)
	}

	return db, nil
}
