package migration

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	appconfig "github.com/BaSui01/flowgate/config"
)

// DefaultTableName is the golang-migrate bookkeeping table
const DefaultTableName = "flowgate_schema_migrations"

// NewMigratorFromConfig creates a migrator for the database section of the
// application configuration
func NewMigratorFromConfig(cfg *appconfig.Config) (*Migrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database)
}

// NewMigratorFromDatabaseConfig creates a migrator from database configuration
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig) (*Migrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	return NewMigrator(&Config{
		DatabaseType: dbType,
		DatabaseURL:  databaseURL(dbType, dbCfg),
		TableName:    DefaultTableName,
	})
}

// databaseURL builds the connection string of a dialect from the database
// section. For sqlite Name is the file path.
func databaseURL(dbType DatabaseType, c appconfig.DatabaseConfig) string {
	switch dbType {
	case DatabaseTypePostgres:
		sslMode := c.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, sslMode)
	case DatabaseTypeMySQL:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true", c.User, c.Password, c.Host, c.Port, c.Name)
	case DatabaseTypeSQLite:
		return fmt.Sprintf("file:%s?mode=rwc&_foreign_keys=on", c.Name)
	default:
		return ""
	}
}

// NewMigratorFromURL creates a migrator from a database URL
func NewMigratorFromURL(dbType, dbURL string) (*Migrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}

	return NewMigrator(&Config{
		DatabaseType: dt,
		DatabaseURL:  dbURL,
		TableName:    DefaultTableName,
	})
}

// Apply brings the database schema to the latest version. It is used at
// startup when store.auto_migrate is enabled.
func Apply(ctx context.Context, dbCfg appconfig.DatabaseConfig, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	m, err := NewMigratorFromDatabaseConfig(dbCfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			logger.Warn("close migrator failed", zap.Error(cerr))
		}
	}()

	if err := m.Up(ctx); err != nil {
		return err
	}

	version, dirty, err := m.Version(ctx)
	if err != nil {
		return err
	}
	logger.Info("database schema up to date",
		zap.String("driver", dbCfg.Driver),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
