package storage

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies (up=true) or rolls back all embedded schema migrations.
func Migrate(dsn string, up bool, logger zerolog.Logger) error {
	if dsn == "" {
		return fmt.Errorf("database.dsn is required")
	}
	log := logger.With().Str("component", "migrate").Logger()

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}
	defer m.Close()

	if up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, verr := m.Version()
	switch {
	case errors.Is(verr, migrate.ErrNilVersion):
		log.Info().Msg("database schema is empty")
	case verr != nil:
		log.Warn().Err(verr).Msg("could not read migration version")
	default:
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("database migration complete")
	}
	return nil
}
