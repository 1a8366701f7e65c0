package tasks

import (
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
)

// schemaVersion is the newest migration this build knows how to run.
const schemaVersion = 1

const migrationsTable = "schema_migrations"

//go:embed migrations/*/*.sql
var migrationFiles embed.FS

// migrateLogger adapts logging.Logger to migrate.Logger.
type migrateLogger struct {
	log *logging.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debug("migrate", map[string]interface{}{"detail": strings.TrimSpace(fmt.Sprintf(format, v...))})
}

func (l migrateLogger) Verbose() bool {
	return l.log.Enabled(logging.LevelDebug)
}

// migrateSQLite brings db up to schemaVersion. The migrate instance is not
// closed because its driver would close db along with it.
func migrateSQLite(db *sql.DB, log *logging.Logger) error {
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return errors.Storage("prepare sqlite migrations", err, errors.WithOp("migrate"))
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite")
	if err != nil {
		return errors.Internal("load sqlite migrations", errors.WithCause(err))
	}
	defer src.Close()
	return runMigrations(src, "sqlite3", drv, log)
}

// migratePostgres runs the postgres migrations over a dedicated
// database/sql handle built from the pool's connection settings.
func migratePostgres(db *sql.DB, log *logging.Logger) error {
	drv, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = db.Close()
		return errors.Storage("prepare postgres migrations", err, errors.WithOp("migrate"))
	}
	src, err := iofs.New(migrationFiles, "migrations/postgres")
	if err != nil {
		_ = drv.Close()
		return errors.Internal("load postgres migrations", errors.WithCause(err))
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		_ = src.Close()
		_ = drv.Close()
		return errors.Storage("create postgres migrator", err, errors.WithOp("migrate"))
	}
	defer m.Close()
	return up(m, log)
}

func runMigrations(src source.Driver, name string, drv database.Driver, log *logging.Logger) error {
	m, err := migrate.NewWithInstance("iofs", src, name, drv)
	if err != nil {
		return errors.Storage("create "+name+" migrator", err, errors.WithOp("migrate"))
	}
	return up(m, log)
}

// up refuses databases written by a newer build or left dirty by a failed
// migration, then applies whatever is pending.
func up(m *migrate.Migrate, log *logging.Logger) error {
	m.Log = migrateLogger{log: log}

	version, dirty, err := m.Version()
	switch {
	case stderrors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return errors.Storage("read schema version", err, errors.WithOp("migrate"))
	case dirty:
		return errors.Corruption(fmt.Sprintf("schema version %d is dirty", version), nil, errors.WithOp("migrate"))
	case version > schemaVersion:
		return errors.New(errors.ErrCodeUnsupported,
			fmt.Sprintf("database schema version %d is newer than supported %d", version, schemaVersion))
	}

	if err := m.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.Storage("apply migrations", err, errors.WithOp("migrate"))
	}
	if v, _, err := m.Version(); err == nil {
		log.Debug("schema_ready", map[string]interface{}{"version": v})
	}
	return nil
}
