package app

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/migrations"
)

const defaultPingTimeout = 5 * time.Second

// persistenceConfig adapts core.DatabaseConfig to go-persistence-bun.
type persistenceConfig struct {
	cfg         core.DatabaseConfig
	serviceName string
}

func (c persistenceConfig) GetDebug() bool                { return c.cfg.Debug }
func (c persistenceConfig) GetDriver() string             { return c.cfg.Driver }
func (c persistenceConfig) GetServer() string             { return c.cfg.DSN }
func (c persistenceConfig) GetPingTimeout() time.Duration { return defaultPingTimeout }
func (c persistenceConfig) GetOtelIdentifier() string     { return c.serviceName }

// OpenDatabase opens a bun client for the sqlite3 or postgres driver.
func OpenDatabase(cfg core.Config) (*persistence.Client, error) {
	driver := strings.TrimSpace(cfg.Database.Driver)
	var dialect schema.Dialect
	switch driver {
	case core.DriverSQLite:
		dialect = sqlitedialect.New()
	case core.DriverPostgres:
		dialect = pgdialect.New()
	default:
		return nil, core.ConfigError(fmt.Sprintf("app: database driver %q has no sql client", driver), map[string]any{
			"driver": driver,
		})
	}
	sqlDB, err := sql.Open(driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: open %s database: %w", driver, err)
	}
	if driver == core.DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{cfg: cfg.Database, serviceName: cfg.ServiceName}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("app: persistence client: %w", err)
	}
	return client, nil
}

// Migrate registers the embedded schema for the client's dialect and applies it.
func Migrate(ctx context.Context, client *persistence.Client, driver string) error {
	if client == nil {
		return fmt.Errorf("app: persistence client is required")
	}
	dialect, err := migrations.DialectForDriver(driver)
	if err != nil {
		return core.ConfigError(err.Error(), map[string]any{"driver": driver})
	}
	_, err = migrations.Register(ctx, func(_ context.Context, target string, _ string, fsys fs.FS) error {
		if target != dialect {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, migrations.WithValidationTargets(dialect))
	if err != nil {
		return fmt.Errorf("app: register migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	return nil
}
