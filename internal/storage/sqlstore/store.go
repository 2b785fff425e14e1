// Package sqlstore writes operations through database/sql. Dialects cover
// SQLite and MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/types"
)

// Dialect captures what differs between SQL engines.
type Dialect interface {
	Name() string
	Quote(ident string) string
	Placeholder(n int) string
	// UpsertClause is appended to an INSERT to turn it into an upsert.
	UpsertClause(keys, cols []string) string
	Schema(ctx context.Context, db *sql.DB, table string) (types.TableSchema, error)
	// IsRowError reports whether err rejects a single row rather than the
	// connection or transaction.
	IsRowError(err error) bool
}

type Store struct {
	db        *sql.DB
	dialect   Dialect
	addresses []string
	logger    *zap.Logger
}

func open(d Dialect, driverName, dsn string, addresses []string, logger *zap.Logger) (*Store, error) {
	logger.Info("Opening SQL store",
		zap.String("dialect", d.Name()),
		zap.Strings("addresses", addresses))
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", d.Name())
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		logger.Error("Failed to reach SQL store", zap.Error(err))
		return nil, &types.TransportError{Err: errors.Wrapf(err, "ping %s", d.Name())}
	}
	return &Store{db: db, dialect: d, addresses: addresses, logger: logger}, nil
}

// DB exposes the pool for table management.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) URI(table string) string {
	return fmt.Sprintf("%s://%s/%s", s.dialect.Name(), strings.Join(s.addresses, ","), table)
}

// Count runs a full scan of table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	q := "SELECT COUNT(*) FROM " + s.dialect.Quote(table)
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "counting %s", table)
	}
	return n, nil
}

func (s *Store) OpenSession(ctx context.Context, table string) (types.Session, error) {
	schema, err := s.dialect.Schema(ctx, s.db, table)
	if err != nil {
		s.logger.Error("Failed to read table schema", zap.String("table", table), zap.Error(err))
		return nil, err
	}
	s.logger.Debug("Opened SQL session",
		zap.String("dialect", s.dialect.Name()),
		zap.String("table", table),
		zap.Int("columns", len(schema.Columns)))
	return &session{store: s, schema: schema}, nil
}

func (s *Store) Close() error {
	s.logger.Info("Closing SQL store", zap.String("dialect", s.dialect.Name()))
	return s.db.Close()
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
	q, args, err := BuildStatement(s.store.dialect, s.schema, op)
	if err != nil {
		return &types.RowError{Err: err}
	}
	s.pending = append(s.pending, pendingOp{query: q, args: args})
	return nil
}

// Flush writes the buffered rows in one transaction, each under its own
// savepoint so a rejected row leaves its siblings in place.
func (s *session) Flush(ctx context.Context) ([]error, error) {
	pending := s.pending
	s.pending = nil
	if len(pending) == 0 {
		return nil, nil
	}
	d := s.store.dialect
	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin")
	}
	results := make([]error, len(pending))
	for i, p := range pending {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT rec2table_row"); err != nil {
			tx.Rollback()
			return nil, errors.Wrap(err, "savepoint")
		}
		if _, err := tx.ExecContext(ctx, p.query, p.args...); err != nil {
			if !d.IsRowError(err) {
				tx.Rollback()
				return nil, errors.Wrapf(err, "row %d", i)
			}
			results[i] = &types.RowError{Err: err}
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT rec2table_row"); err != nil {
				tx.Rollback()
				return nil, errors.Wrap(err, "rollback to savepoint")
			}
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT rec2table_row"); err != nil {
			tx.Rollback()
			return nil, errors.Wrap(err, "release savepoint")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return results, nil
}

func (s *session) Close() error {
	s.pending = nil
	return nil
}

// BuildStatement renders op as a parameterised INSERT (or upsert) for d.
func BuildStatement(d Dialect, schema types.TableSchema, op types.Operation) (string, []any, error) {
	if len(op.Columns) == 0 {
		return "", nil, errors.New("operation has no columns")
	}
	cols := make([]string, len(op.Columns))
	marks := make([]string, len(op.Columns))
	args := make([]any, len(op.Columns))
	for i, c := range op.Columns {
		if _, ok := schema.Column(c.Column); !ok {
			return "", nil, errors.Errorf("unknown column %q", c.Column)
		}
		cols[i] = c.Column
		marks[i] = d.Placeholder(i + 1)
		args[i] = c.Value
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.Quote(c)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(schema.Name), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	switch op.Kind {
	case types.OpInsert:
	case types.OpUpsert:
		var keys []string
		for _, k := range schema.KeyColumns() {
			keys = append(keys, k.Name)
		}
		b.WriteString(d.UpsertClause(keys, cols))
	default:
		return "", nil, errors.Errorf("unsupported operation %q", op.Kind)
	}
	return b.String(), args, nil
}

func nonKey(keys, cols []string) []string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var out []string
	for _, c := range cols {
		if !isKey[c] {
			out = append(out, c)
		}
	}
	return out
}
