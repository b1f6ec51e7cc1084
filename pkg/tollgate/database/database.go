package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mikepea/tollgate/pkg/tollgate/config"
	"github.com/mikepea/tollgate/pkg/tollgate/models"
)

// Dialect names as reported by gorm.Dialector.Name().
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// Open opens a gorm connection for the configured driver. Duplicate-key
// errors are translated to gorm.ErrDuplicatedKey so callers can detect
// insert races portably.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DialectSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case DialectPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DialectMySQL:
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if cfg.Driver == DialectSQLite {
		// SQLite allows one writer; an in-memory database also exists only
		// on the connection that created it.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.MaxOpenConns / 2)
		}
		sqlDB.SetConnMaxIdleTime(15 * time.Minute)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db, nil
}

// OpenAndMigrate opens the database and runs auto-migrations.
func OpenAndMigrate(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// Dialect returns the dialect name of db.
func Dialect(db *gorm.DB) string {
	return db.Dialector.Name()
}

// OpenTest returns a migrated in-memory SQLite database.
func OpenTest() (*gorm.DB, error) {
	return OpenAndMigrate(config.DatabaseConfig{Driver: DialectSQLite, DSN: ":memory:"})
}
