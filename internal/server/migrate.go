package server

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies database migrations from the given directory.
// dir example: file://migrations
func Migrate(dir string, dsn string, direction string, steps int) error {
	if dir == "" {
		dir = "file://migrations"
	}
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
		if dsn == "" {
			return fmt.Errorf("no database DSN (config storage.postgres or DATABASE_URL)")
		}
	}

	m, err := migrate.New(dir, dsn)
	if err != nil {
		return err
	}
	switch direction {
	case "up":
		if steps > 0 {
			return stepsOrNoChange(m.Steps(steps))
		}
		return stepsOrNoChange(m.Up())
	case "down":
		if steps > 0 {
			return stepsOrNoChange(m.Steps(-steps))
		}
		return stepsOrNoChange(m.Down())
	default:
		return fmt.Errorf("unknown direction: %s", direction)
	}
}

// stepsOrNoChange treats an already-current schema as success.
func stepsOrNoChange(err error) error {
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}
