package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

// ErrDirty is returned by Up when a previous migration failed half way.
var ErrDirty = errors.New("migrations: database is dirty")

// Status describes the schema version recorded in the database.
type Status struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
	Fresh   bool `json:"fresh"`
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migrations: db cannot be nil")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	before, err := readStatus(m)
	if err != nil {
		log.Warn().Err(err).Msg("migrations: unable to determine current version")
	} else if before.Dirty {
		return fmt.Errorf("%w at version %d; run `dbtool migrate fix`", ErrDirty, before.Version)
	} else if before.Fresh {
		log.Info().Msg("migrations: no existing migration version (fresh database)")
	} else {
		log.Info().Uint("version", before.Version).Msg("migrations: current database schema version")
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Uint("version", before.Version).Msg("migrations: database is up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if after, err := readStatus(m); err == nil {
		log.Info().Uint("version", after.Version).Msg("migrations: applied migrations")
	}
	return nil
}

// CurrentStatus reports the recorded schema version.
func CurrentStatus(db *sql.DB) (Status, error) {
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, err
	}
	return readStatus(m)
}

// FixDirtyDatabase clears the dirty flag left by a failed migration by forcing
// the previous version, so the failed step is re-run on the next Up.
func FixDirtyDatabase(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	st, err := readStatus(m)
	if err != nil {
		return err
	}
	if !st.Dirty {
		log.Info().Uint("version", st.Version).Msg("migrations: database is not dirty")
		return nil
	}

	target := int(st.Version) - 1
	if target < 1 {
		target = -1
	}
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", target, err)
	}
	log.Warn().Uint("dirty_version", st.Version).Int("forced_version", target).Msg("migrations: cleared dirty flag")
	return nil
}

// ForceVersion records version as applied without running any migration.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	log.Warn().Uint("version", version).Msg("migrations: version forced")
	return nil
}

func readStatus(m *migrate.Migrate) (Status, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Fresh: true}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("migrations: read version: %w", err)
	}
	return Status{Version: v, Dirty: dirty}, nil
}
