package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/types"
)

type Store struct {
	pool      *pgxpool.Pool
	addresses []string
	logger    *zap.Logger
}

// DSN builds a multi-host connection string; pgx tries the hosts in order.
func DSN(addresses []string, database, user, password string) string {
	u := url.URL{Scheme: "postgres", Host: strings.Join(addresses, ","), Path: "/" + database}
	if user != "" {
		if password != "" {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

func New(ctx context.Context, dsn string, addresses []string, logger *zap.Logger) (*Store, error) {
	logger.Info("Creating PostgreSQL store", zap.Strings("addresses", addresses))

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Error("Failed to parse DSN", zap.Error(err))
		return nil, pkgerrors.Wrap(err, "parse dsn")
	}
	cfg.MaxConnLifetime = 10 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, &types.TransportError{Err: pkgerrors.Wrap(err, "connect")}
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		logger.Error("Failed to reach PostgreSQL", zap.Error(err))
		return nil, &types.TransportError{Err: pkgerrors.Wrap(err, "ping")}
	}
	logger.Info("PostgreSQL store created successfully")
	return &Store{pool: pool, addresses: addresses, logger: logger}, nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) URI(table string) string {
	return fmt.Sprintf("postgres://%s/%s", strings.Join(s.addresses, ","), table)
}

func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	q := "SELECT COUNT(*) FROM " + pgx.Identifier{table}.Sanitize()
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, pkgerrors.Wrapf(err, "counting %s", table)
	}
	return n, nil
}

func (s *Store) Close() error {
	s.logger.Info("Closing PostgreSQL store")
	s.pool.Close()
	return nil
}

func (s *Store) OpenSession(ctx context.Context, table string) (types.Session, error) {
	schema, err := s.schema(ctx, table)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Opened PostgreSQL session",
		zap.String("table", table),
		zap.Int("columns", len(schema.Columns)))
	return &session{store: s, schema: schema}, nil
}

func (s *Store) schema(ctx context.Context, table string) (types.TableSchema, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'YES',
		       EXISTS (
		         SELECT 1 FROM information_schema.table_constraints tc
		         JOIN information_schema.key_column_usage k
		           ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
		         WHERE tc.constraint_type = 'PRIMARY KEY'
		           AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
		           AND k.column_name = c.column_name)
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`, table)
	if err != nil {
		return types.TableSchema{}, &types.TransportError{Err: err}
	}
	defer rows.Close()

	schema := types.TableSchema{Name: table}
	for rows.Next() {
		var name, dataType string
		var nullable, key bool
		if err := rows.Scan(&name, &dataType, &nullable, &key); err != nil {
			return types.TableSchema{}, err
		}
		schema.Columns = append(schema.Columns, types.Column{
			Name: name, Type: pgType(dataType), Key: key, Nullable: nullable,
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

type pendingOp struct {
	query string
	args  []any
}

type session struct {
	store   *Store
	schema  types.TableSchema
	pending []pendingOp
}

func (s *session) Schema() types.TableSchema { return s.schema }

func (s *session) Apply(op types.Operation) error {
	q, args, err := BuildStatement(s.schema, op)
	if err != nil {
		return &types.RowError{Err: err}
	}
	s.pending = append(s.pending, pendingOp{query: q, args: args})
	return nil
}

// Flush runs the buffered rows in one transaction. Each row runs in a nested
// transaction (a savepoint) so a constraint violation is confined to its row.
func (s *session) Flush(ctx context.Context) ([]error, error) {
	pending := s.pending
	s.pending = nil
	if len(pending) == 0 {
		return nil, nil
	}
	tx, err := s.store.pool.Begin(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "begin")
	}
	defer tx.Rollback(ctx)

	results := make([]error, len(pending))
	for i, p := range pending {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "savepoint")
		}
		if _, err := sp.Exec(ctx, p.query, p.args...); err != nil {
			if !isRowError(err) {
				return nil, pkgerrors.Wrapf(err, "row %d", i)
			}
			results[i] = &types.RowError{Err: err}
			if err := sp.Rollback(ctx); err != nil {
				return nil, pkgerrors.Wrap(err, "rollback to savepoint")
			}
			continue
		}
		if err := sp.Commit(ctx); err != nil {
			return nil, pkgerrors.Wrap(err, "release savepoint")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pkgerrors.Wrap(err, "commit")
	}
	return results, nil
}

func (s *session) Close() error {
	s.pending = nil
	return nil
}

// isRowError treats integrity (23) and data exception (22) classes as row
// level; anything else aborts the flush.
func isRowError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22")
}

func BuildStatement(schema types.TableSchema, op types.Operation) (string, []any, error) {
	if len(op.Columns) == 0 {
		return "", nil, pkgerrors.New("operation has no columns")
	}
	cols := make([]string, len(op.Columns))
	marks := make([]string, len(op.Columns))
	args := make([]any, len(op.Columns))
	for i, c := range op.Columns {
		if _, ok := schema.Column(c.Column); !ok {
			return "", nil, pkgerrors.Errorf("unknown column %q", c.Column)
		}
		cols[i] = pgx.Identifier{c.Column}.Sanitize()
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = c.Value
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{schema.Name}.Sanitize(), strings.Join(cols, ", "), strings.Join(marks, ", "))

	switch op.Kind {
	case types.OpInsert:
	case types.OpUpsert:
		var keys []string
		isKey := map[string]bool{}
		for _, k := range schema.KeyColumns() {
			keys = append(keys, pgx.Identifier{k.Name}.Sanitize())
			isKey[k.Name] = true
		}
		var sets []string
		for _, c := range op.Columns {
			if isKey[c.Column] {
				continue
			}
			id := pgx.Identifier{c.Column}.Sanitize()
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", id, id))
		}
		if len(sets) == 0 {
			fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
		} else {
			fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), strings.Join(sets, ", "))
		}
	default:
		return "", nil, pkgerrors.Errorf("unsupported operation %q", op.Kind)
	}
	return b.String(), args, nil
}

func pgType(dataType string) types.FieldType {
	switch dataType {
	case "boolean":
		return types.TypeBool
	case "smallint":
		return types.TypeInt16
	case "integer":
		return types.TypeInt32
	case "bigint":
		return types.TypeInt64
	case "real":
		return types.TypeFloat
	case "double precision", "numeric":
		return types.TypeDouble
	case "bytea":
		return types.TypeBinary
	case "timestamp without time zone", "timestamp with time zone", "date":
		return types.TypeTimestamp
	}
	return types.TypeString
}
