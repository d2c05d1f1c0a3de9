package records

import (
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies all pending schema migrations from sourceURL (e.g.
// "file://migrations") against the database at databaseURL. A database that
// is already up to date is not an error.
func Migrate(sourceURL, databaseURL string) error {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("records: open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Printf("[records] schema up to date")
			return nil
		}
		return fmt.Errorf("records: apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	log.Printf("[records] schema migrated to version %d (dirty=%v)", version, dirty)
	return nil
}
