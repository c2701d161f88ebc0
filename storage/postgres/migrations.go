package postgres

import (
	"errors"
	"fmt"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres driver for golang_migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"       // support file scheme for golang_migrate
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/storage/migrations"
)

// RunMigrations applies all pending schema migrations. An empty source uses
// the migrations compiled into the binary.
func RunMigrations(source string, connString string, logger *log.Logger) error {
	var (
		m   *migrate.Migrate
		err error
	)
	if source == "" {
		d, err2 := iofs.New(migrations.FS, ".")
		if err2 != nil {
			return fmt.Errorf("embedded migrations: %w", err2)
		}
		m, err = migrate.NewWithSourceInstance("iofs", d, connString)
	} else {
		m, err = migrate.New(source, connString)
	}
	if err != nil {
		logger.Error("migrator failed to start",
			"error", err,
		)
		return err
	}
	defer m.Close()

	switch err = m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("no migrations needed to be applied")
	case err != nil:
		logger.Error("migrations failed",
			"error", err,
		)
		return err
	default:
		logger.Info("migrations completed")
	}
	return nil
}
