package sqlbase

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dukex/stepflow/pkg/persistence"
)

// Dialect identifies the SQL flavor behind a database URL.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite3"
)

// Target is a parsed database URL: the dialect, the URL handed to the migrator
// and the DSN handed to database/sql.
type Target struct {
	Dialect      Dialect
	MigrationURL string
	DriverName   string
	DSN          string
}

// ParseURL resolves the dialect and connection strings of a database URL.
func ParseURL(databaseURL string) (Target, error) {
	scheme, rest, ok := strings.Cut(databaseURL, "://")
	if !ok {
		return Target{}, fmt.Errorf("%w: %q has no scheme", persistence.ErrUnsupportedDatabase, databaseURL)
	}

	switch scheme {
	case "postgres", "postgresql":
		return Target{
			Dialect:      DialectPostgres,
			MigrationURL: databaseURL,
			DriverName:   "postgres",
			DSN:          databaseURL,
		}, nil
	case "mysql":
		if !strings.Contains(rest, "parseTime=true") {
			return Target{}, fmt.Errorf("%w: mysql URL must contain parseTime=true", persistence.ErrUnsupportedDatabase)
		}

		return Target{
			Dialect:      DialectMySQL,
			MigrationURL: withParam(databaseURL, "multiStatements", "true"),
			DriverName:   "mysql",
			DSN:          withParam(rest, "clientFoundRows", "true"),
		}, nil
	case "sqlite3", "sqlite":
		return Target{
			Dialect:      DialectSQLite,
			MigrationURL: "sqlite3://" + rest,
			DriverName:   "sqlite3",
			DSN:          withParam(rest, "_busy_timeout", "5000"),
		}, nil
	default:
		return Target{}, fmt.Errorf("%w: scheme %q", persistence.ErrUnsupportedDatabase, scheme)
	}
}

// Rebind rewrites ? placeholders into the dialect's bind variables.
// Postgres uses $1, $2... while MySQL and SQLite use ?.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var builder strings.Builder

	n := 0

	for _, r := range query {
		if r == '?' {
			n++

			builder.WriteString("$" + strconv.Itoa(n))

			continue
		}

		builder.WriteRune(r)
	}

	return builder.String()
}

// InsertIgnore returns an insert statement that keeps an existing row with the same key.
func (d Dialect) InsertIgnore(table string, columns []string, key string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	cols := strings.Join(columns, ", ")

	switch d {
	case DialectMySQL:
		return "INSERT IGNORE INTO " + table + " (" + cols + ") VALUES (" + placeholders + ")"
	case DialectSQLite:
		return "INSERT OR IGNORE INTO " + table + " (" + cols + ") VALUES (" + placeholders + ")"
	default:
		return d.Rebind("INSERT INTO " + table + " (" + cols + ") VALUES (" + placeholders + ") ON CONFLICT (" + key + ") DO NOTHING")
	}
}

func withParam(dsn, key, value string) string {
	if strings.Contains(dsn, key+"=") {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + key + "=" + url.QueryEscape(value)
}
