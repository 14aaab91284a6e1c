package db

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
)

//go:embed migrations
var embeddedMigrations embed.FS

// goose keeps its dialect, filesystem and logger in package globals.
var gooseMu sync.Mutex

var gooseDialects = map[string]string{
	DriverPostgres: "postgres",
	DriverMySQL:    "mysql",
	DriverSQLite:   "sqlite3",
}

// gooseLogger routes goose output through go-kit. Fatalf is not allowed to
// exit the process; the error also comes back from goose.Up.
type gooseLogger struct {
	logger log.Logger
}

func (l gooseLogger) Fatal(v ...interface{}) {
	level.Error(l.logger).Log("msg", fmt.Sprint(v...))
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	level.Error(l.logger).Log("msg", fmt.Sprintf(format, v...))
}

func (l gooseLogger) Print(v ...interface{}) {
	level.Debug(l.logger).Log("msg", fmt.Sprint(v...))
}

func (l gooseLogger) Println(v ...interface{}) {
	level.Debug(l.logger).Log("msg", fmt.Sprint(v...))
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	level.Debug(l.logger).Log("msg", fmt.Sprintf(format, v...))
}

// Migrate applies the embedded migrations for driver.
func Migrate(ctx context.Context, database *bun.DB, driver string, logger log.Logger) error {
	dialect, ok := gooseDialects[driver]
	if !ok {
		return fmt.Errorf("no migrations for driver %q", driver)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(gooseLogger{logger: log.With(logger, "component", "migrate")})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	dir := "migrations/" + driver
	level.Info(logger).Log("msg", "running migrations", "dir", dir)

	if err := goose.UpContext(ctx, database.DB, dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, database.DB)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	level.Info(logger).Log("msg", "migrations applied", "version", version)
	return nil
}
