package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// redactDSN returns a copy of the DSN with password replaced by **** for logging.
func redactDSN(driver, dsn string) string {
	switch driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "(invalid DATABASE_URL)"
		}
		if cfg.Passwd != "" {
			cfg.Passwd = "****"
		}
		return cfg.FormatDSN()
	case DriverSQLite:
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "(invalid DATABASE_URL)"
	}
	if u.User != nil {
		user := u.User.Username()
		u.User = url.UserPassword(user, "****")
	}
	return u.String()
}

// isMemoryDSN reports whether an sqlite DSN points at a private in-memory
// database, which only survives on a single connection.
func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// sqliteBusyTimeout is how long a file-backed sqlite connection waits on a
// locked database before failing with SQLITE_BUSY.
const sqliteBusyTimeout = "_pragma=busy_timeout(5000)"

// prepareDSN normalizes driver-specific DSN options the repositories rely on.
func prepareDSN(driver, dsn string) (string, error) {
	if driver == DriverSQLite {
		if isMemoryDSN(dsn) || strings.Contains(dsn, "busy_timeout") {
			return dsn, nil
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + sqliteBusyTimeout, nil
	}
	if driver != DriverMySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func newBunDB(sqlDB *sql.DB, driver string) *bun.DB {
	switch driver {
	case DriverMySQL:
		return bun.NewDB(sqlDB, mysqldialect.New())
	case DriverSQLite:
		return bun.NewDB(sqlDB, sqlitedialect.New())
	default:
		return bun.NewDB(sqlDB, pgdialect.New())
	}
}

// Open establishes a connection for the given driver, configures the
// connection pool and wraps it in a bun.DB with the matching dialect.
func Open(ctx context.Context, driver, dsn string, logger log.Logger) (*bun.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	var sqlDriver string
	switch driver {
	case DriverPostgres, DriverMySQL, DriverSQLite:
		sqlDriver = driver
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	level.Info(logger).Log("msg", "db connect target", "driver", driver, "dsn", redactDSN(driver, dsn))

	openDSN, err := prepareDSN(driver, dsn)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(sqlDriver, openDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	if driver == DriverSQLite && isMemoryDSN(dsn) {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
		sqlDB.SetConnMaxIdleTime(0)
	}

	// Ping to verify connection
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(connectCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newBunDB(sqlDB, driver), nil
}

// TxOptions returns the isolation level used for multi-statement writes.
// SQLite serializes writers itself and rejects explicit levels.
func TxOptions(db bun.IDB) *sql.TxOptions {
	if db.Dialect().Name() == dialect.SQLite {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}
