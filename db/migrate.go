package db

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// Migrate applies pending schema migrations in filename order. Migration 000
// bootstraps the schema_migrations ledger; every migration, 000 included,
// records its own version inside its transaction.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		var applied bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&applied)
		if err != nil {
			// The ledger only exists once 000 has run.
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
			}
		} else if applied {
			if logger != nil {
				logger.Debugw("Migration already applied", "migration", filename)
			}
			continue
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", filename)
		}
		if err := apply(db, filename, version); err != nil {
			return err
		}
	}

	if logger != nil {
		logger.Infow("Migrations complete", "total_migrations", len(files))
	}
	return nil
}

func apply(db *sql.DB, filename, version string) error {
	sqlBytes, err := migrations.ReadFile(filepath.Join("sqlite/migrations", filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}
	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", filename)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", filename)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}
