package storage

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
)

// sqliteLower is a Unicode-aware replacement for SQLite's builtin lower(),
// which only folds ASCII letters.
const sqliteLower = "ulower"

func init() {
	sqlite.MustRegisterDeterministicScalarFunction(sqliteLower, 1, unicodeLower)
}

func unicodeLower(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("%s: unsupported argument type %T", sqliteLower, v)
	}
}

// NewSQLiteStorage opens (or creates) a SQLite database file and ensures the schema
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	storage, err := newSQLStorage(db, false, sqliteLower)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("SQLite storage initialized")
	return storage, nil
}
