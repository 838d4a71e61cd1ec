package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// startupPragmas tune SQLite for a single-process job store: WAL keeps reads
// open during writeback, the busy timeout rides out dispatcher contention.
var startupPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// Open opens the SQLite database at path and applies the startup pragmas.
// A nil logger is allowed; tests open databases silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	for _, pragma := range startupPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}

	if logger != nil {
		logger.Infow("Database opened", "path", path)
	}
	return db, nil
}
