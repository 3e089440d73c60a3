package dbengine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mbarlow/sitekit/internal/domain"
)

// connector abstracts engine connectivity so tests can provision against
// fakes instead of live servers.
type connector interface {
	// Ping verifies the engine accepts connections.
	Ping(ctx context.Context, engine domain.EngineKind, dsn string) error
	// EnsureSchema creates the site's logical database if absent. Idempotent.
	EnsureSchema(ctx context.Context, engine domain.EngineKind, dsn, name string) error
	// EnsureFile creates the file-based database if absent. Idempotent.
	EnsureFile(ctx context.Context, path string) error
}

// Ping verifies an engine endpoint accepts connections. Also used by the
// container backend's database health wait.
func Ping(ctx context.Context, engine domain.EngineKind, dsn string) error {
	return sqlConnector{}.Ping(ctx, engine, dsn)
}

// ServerDSN builds a superuser connection string for a server engine at the
// given address.
func ServerDSN(engine domain.EngineKind, user, password, host string, port int, dbName string) string {
	switch engine {
	case domain.EnginePostgres:
		if dbName == "" {
			dbName = "postgres"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", user, password, host, port, dbName)
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", user, password, host, port, dbName)
	}
}

// sqlConnector speaks to the engines through database/sql drivers.
type sqlConnector struct{}

func driverFor(engine domain.EngineKind) string {
	switch engine {
	case domain.EnginePostgres:
		return "pgx"
	case domain.EngineSQLite:
		return "sqlite"
	default:
		return "mysql"
	}
}

func (sqlConnector) Ping(ctx context.Context, engine domain.EngineKind, dsn string) error {
	db, err := sql.Open(driverFor(engine), dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", engine, err)
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func (sqlConnector) EnsureSchema(ctx context.Context, engine domain.EngineKind, dsn, name string) error {
	db, err := sql.Open(driverFor(engine), dsn)
	if err != nil {
		return fmt.Errorf("open %s: %w", engine, err)
	}
	defer db.Close()

	switch engine {
	case domain.EnginePostgres:
		// Postgres has no CREATE DATABASE IF NOT EXISTS; check the catalog.
		var exists bool
		err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check database %s: %w", name, err)
		}
		if exists {
			return nil
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %q", name)); err != nil {
			return fmt.Errorf("create database %s: %w", name, err)
		}
		return nil
	default:
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)); err != nil {
			return fmt.Errorf("create database %s: %w", name, err)
		}
		return nil
	}
}

func (sqlConnector) EnsureFile(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()
	// Opening is lazy; a ping forces the file into existence.
	return db.PingContext(ctx)
}
