package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dontdude/codeduel/internal/config"
	"github.com/dontdude/codeduel/internal/session/migrations"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Open returns a *sqlx.DB for the configured driver.
func Open(cfg config.DBConfig) (*sqlx.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return openSQLite(cfg.Path)
	case "postgres":
		return openPostgres(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", cfg.Driver)
	}
}

func openSQLite(path string) (*sqlx.DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite single-writer: cap pool
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func openPostgres(dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("CODEDUEL_DATABASE_URL is required for postgres driver")
	}
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate runs all pending goose migrations.
func Migrate(db *sqlx.DB) error {
	dialect := "postgres"
	if db.DriverName() == "sqlite" {
		dialect = "sqlite3"
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
