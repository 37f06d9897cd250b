package database

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// MigrationOptions selects the migration source and target version.
type MigrationOptions struct {
	// Path points at a directory of *.sql files. When empty the embedded
	// migrations are used.
	Path    string
	Version uint
	Down    bool
}

type migrationLogger struct {
	logger *zap.SugaredLogger
}

func (l migrationLogger) Printf(format string, v ...interface{}) {
	l.logger.Infof(strings.TrimSpace(format), v...)
}

func (l migrationLogger) Verbose() bool {
	return false
}

func newMigrator(db *sqlx.DB, embedded fs.FS, path string, logger *zap.Logger) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("init migration driver: %w", err)
	}

	var m *migrate.Migrate
	if path != "" {
		m, err = migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	} else {
		source, srcErr := iofs.New(embedded, ".")
		if srcErr != nil {
			return nil, fmt.Errorf("open embedded migrations: %w", srcErr)
		}
		m, err = migrate.NewWithInstance("iofs", source, "postgres", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	m.Log = migrationLogger{logger: logger.Sugar()}
	return m, nil
}

// Migrate applies schema migrations against the provided connection.
func Migrate(db *sqlx.DB, embedded fs.FS, opts MigrationOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := newMigrator(db, embedded, opts.Path, logger)
	if err != nil {
		return err
	}

	switch {
	case opts.Down:
		err = m.Down()
	case opts.Version > 0:
		err = m.Migrate(opts.Version)
	default:
		err = m.Up()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no new migrations to apply")
		return nil
	}
	if err != nil {
		version, dirty, _ := m.Version()
		return fmt.Errorf("apply migrations (version=%d dirty=%t): %w", version, dirty, err)
	}

	version, _, _ := m.Version()
	logger.Info("migrations applied", zap.Uint("version", version))
	return nil
}

// MigrationVersion reports the applied schema version. A fresh database
// reports version 0.
func MigrationVersion(db *sqlx.DB, embedded fs.FS, path string) (uint, bool, error) {
	m, err := newMigrator(db, embedded, path, zap.NewNop())
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
