package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mehmetymw/rec2table/internal/types"
)

type sqliteDialect struct{}

// NewSQLite opens the SQLite database file at path. Writes are serialised on
// a single connection.
func NewSQLite(path string, logger *zap.Logger) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	s, err := open(sqliteDialect{}, "sqlite", dsn, []string{path}, logger)
	if err != nil {
		return nil, err
	}
	s.db.SetMaxOpenConns(1)
	return s, nil
}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) Placeholder(int) string { return "?" }

func (d sqliteDialect) UpsertClause(keys, cols []string) string {
	qk := make([]string, len(keys))
	for i, k := range keys {
		qk[i] = d.Quote(k)
	}
	rest := nonKey(keys, cols)
	if len(rest) == 0 {
		return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(qk, ", "))
	}
	sets := make([]string, len(rest))
	for i, c := range rest {
		sets[i] = fmt.Sprintf("%s = excluded.%s", d.Quote(c), d.Quote(c))
	}
	return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(qk, ", "), strings.Join(sets, ", "))
}

func (sqliteDialect) Schema(ctx context.Context, db *sql.DB, table string) (types.TableSchema, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return types.TableSchema{}, &types.TransportError{Err: err}
	}
	defer rows.Close()

	schema := types.TableSchema{Name: table}
	for rows.Next() {
		var name, decl string
		var notNull, pk int
		if err := rows.Scan(&name, &decl, &notNull, &pk); err != nil {
			return types.TableSchema{}, err
		}
		schema.Columns = append(schema.Columns, types.Column{
			Name:     name,
			Type:     sqliteType(decl),
			Key:      pk > 0,
			Nullable: notNull == 0 && pk == 0,
		})
	}
	if err := rows.Err(); err != nil {
		return types.TableSchema{}, &types.TransportError{Err: err}
	}
	if len(schema.Columns) == 0 {
		return types.TableSchema{}, fmt.Errorf("table %q not found", table)
	}
	return schema, nil
}

func (sqliteDialect) IsRowError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_RANGE:
		return true
	}
	return false
}

// sqliteType maps a declared column type onto a field type, falling back to
// SQLite's affinity rules.
func sqliteType(decl string) types.FieldType {
	d := strings.ToUpper(strings.TrimSpace(decl))
	if i := strings.IndexByte(d, '('); i >= 0 {
		d = strings.TrimSpace(d[:i])
	}
	switch d {
	case "BOOLEAN", "BOOL":
		return types.TypeBool
	case "TINYINT":
		return types.TypeInt8
	case "SMALLINT":
		return types.TypeInt16
	case "INT", "MEDIUMINT", "INT32":
		return types.TypeInt32
	case "INTEGER", "BIGINT", "INT64":
		return types.TypeInt64
	case "FLOAT":
		return types.TypeFloat
	case "REAL", "DOUBLE", "DOUBLE PRECISION":
		return types.TypeDouble
	case "BLOB":
		return types.TypeBinary
	case "TIMESTAMP", "DATETIME":
		return types.TypeTimestamp
	}
	switch {
	case strings.Contains(d, "INT"):
		return types.TypeInt64
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return types.TypeString
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return types.TypeDouble
	case d == "":
		return types.TypeBinary
	}
	return types.TypeString
}
