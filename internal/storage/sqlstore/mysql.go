package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/types"
)

type mysqlDialect struct{}

// NewMySQL connects to the first reachable address; MySQL has no multi-host
// DSN so the remaining addresses are only used for the table URI.
func NewMySQL(addresses []string, database, user, password string, logger *zap.Logger) (*Store, error) {
	if len(addresses) == 0 {
		return nil, errors.New("mysql: no address")
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = addresses[0]
	cfg.DBName = database
	cfg.User = user
	cfg.Passwd = password
	cfg.ParseTime = true
	return open(mysqlDialect{}, "mysql", cfg.FormatDSN(), addresses, logger)
}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func (mysqlDialect) Placeholder(int) string { return "?" }

func (d mysqlDialect) UpsertClause(keys, cols []string) string {
	rest := nonKey(keys, cols)
	if len(rest) == 0 {
		// no-op assignment keeps the statement valid
		k := d.Quote(keys[0])
		return fmt.Sprintf(" ON DUPLICATE KEY UPDATE %s = %s", k, k)
	}
	sets := make([]string, len(rest))
	for i, c := range rest {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c))
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func (mysqlDialect) Schema(ctx context.Context, db *sql.DB, table string) (types.TableSchema, error) {
	rows, err := db.QueryContext(ctx, `SELECT COLUMN_NAME, DATA_TYPE, COLUMN_TYPE, IS_NULLABLE, COLUMN_KEY
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, table)
	if err != nil {
		return types.TableSchema{}, &types.TransportError{Err: err}
	}
	defer rows.Close()

	schema := types.TableSchema{Name: table}
	for rows.Next() {
		var name, dataType, colType, nullable, key string
		if err := rows.Scan(&name, &dataType, &colType, &nullable, &key); err != nil {
			return types.TableSchema{}, err
		}
		schema.Columns = append(schema.Columns, types.Column{
			Name:     name,
			Type:     mysqlType(dataType, colType),
			Key:      key == "PRI",
			Nullable: nullable == "YES",
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

var mysqlRowErrors = map[uint16]bool{
	1048: true, // column cannot be null
	1062: true, // duplicate entry
	1136: true, // column count mismatch
	1264: true, // out of range
	1265: true, // data truncated
	1292: true, // incorrect value
	1366: true, // incorrect value for column
	1406: true, // data too long
	1451: true, // foreign key (parent)
	1452: true, // foreign key (child)
	3819: true, // check constraint
}

func (mysqlDialect) IsRowError(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return mysqlRowErrors[me.Number]
}

func mysqlType(dataType, colType string) types.FieldType {
	switch strings.ToLower(dataType) {
	case "tinyint":
		if strings.HasPrefix(strings.ToLower(colType), "tinyint(1)") {
			return types.TypeBool
		}
		return types.TypeInt8
	case "bit", "bool", "boolean":
		return types.TypeBool
	case "smallint":
		return types.TypeInt16
	case "mediumint", "int", "integer":
		return types.TypeInt32
	case "bigint":
		return types.TypeInt64
	case "float":
		return types.TypeFloat
	case "double", "real", "decimal", "numeric":
		return types.TypeDouble
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob":
		return types.TypeBinary
	case "date", "datetime", "timestamp":
		return types.TypeTimestamp
	}
	return types.TypeString
}
