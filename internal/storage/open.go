package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Dialect is the SQL flavor a database speaks.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectFor maps a driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverPostgres:
		return DialectPostgres, nil
	case DriverSQLite, DriverSQLite3:
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Open returns stores for the configured driver. The memory driver needs no
// URL; every other driver opens a pooled *sql.DB, pings it and, with
// AutoMigrate, brings the schema up to date.
func Open(ctx context.Context, cfg Config) (StoreSet, error) {
	cfg = cfg.withDefaults()
	if cfg.Driver == DriverMemory {
		return NewMemoryStores(), nil
	}
	db, dialect, err := OpenDB(ctx, cfg)
	if err != nil {
		return StoreSet{}, err
	}
	if cfg.AutoMigrate {
		migrator, err := NewMigrator(db, dialect)
		if err != nil {
			_ = db.Close()
			return StoreSet{}, err
		}
		if _, err := migrator.Up(ctx, 0); err != nil {
			_ = db.Close()
			return StoreSet{}, fmt.Errorf("migrate: %w", err)
		}
	}
	stores := NewSQLStores(db, dialect)
	stores.closer = db.Close
	return stores, nil
}

// OpenDB opens and pings the database behind cfg.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	cfg = cfg.withDefaults()
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, "", fmt.Errorf("database url is required for driver %q", cfg.Driver)
	}

	dsn := cfg.URL
	if dialect == DialectSQLite {
		dsn = sqliteDSN(cfg)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping database: %w", err)
	}

	if dialect == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("enable wal mode: %w", err)
		}
	}
	return db, dialect, nil
}

// sqliteDSN appends the busy timeout in the syntax each driver understands.
func sqliteDSN(cfg Config) string {
	dsn := cfg.URL
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	ms := cfg.BusyTimeout.Milliseconds()
	if cfg.Driver == DriverSQLite3 {
		return fmt.Sprintf("%s%s_busy_timeout=%d&_foreign_keys=on", dsn, sep, ms)
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", dsn, sep, ms)
}
