// Package memory is an in-process tabular engine with primary-key semantics.
// It backs the "memory" storage backend and the pipeline tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/types"
)

type table struct {
	schema types.TableSchema
	rows   map[string]map[string]any
	order  []string
}

// Store holds tables. It is safe for concurrent use; sessions are not.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	logger *zap.Logger

	// FailFlush, when set, is consulted before every flush; a non-nil return
	// is reported as a transport failure.
	FailFlush func(table string, pending int) error

	flushes int
}

func New(logger *zap.Logger) *Store {
	return &Store{tables: make(map[string]*table), logger: logger}
}

func (s *Store) CreateTable(schema types.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[schema.Name]; ok {
		return fmt.Errorf("table %q already exists", schema.Name)
	}
	if len(schema.KeyColumns()) == 0 {
		return fmt.Errorf("table %q has no key column", schema.Name)
	}
	s.tables[schema.Name] = &table{schema: schema, rows: make(map[string]map[string]any)}
	s.logger.Info("Created in-memory table",
		zap.String("table", schema.Name),
		zap.Int("columns", len(schema.Columns)))
	return nil
}

func (s *Store) URI(table string) string { return "memory:///" + table }

// Count scans the table and returns its row count.
func (s *Store) Count(_ context.Context, table string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return 0, fmt.Errorf("table %q not found", table)
	}
	return len(t.rows), nil
}

// Rows returns copies of the table rows in first-write order.
func (s *Store) Rows(table string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(t.order))
	for _, k := range t.order {
		row := make(map[string]any, len(t.rows[k]))
		for c, v := range t.rows[k] {
			row[c] = v
		}
		out = append(out, row)
	}
	return out
}

// Flushes returns how many non-empty flushes have reached the store.
func (s *Store) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *Store) Close() error { return nil }

func (s *Store) OpenSession(_ context.Context, name string) (types.Session, error) {
	s.mu.Lock()
	t, ok := s.tables[name]
	s.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("table %q not found", name)
	}
	return &session{store: s, table: name, schema: t.schema}, nil
}

type session struct {
	store   *Store
	table   string
	schema  types.TableSchema
	pending []types.Operation
	closed  bool
}

func (s *session) Schema() types.TableSchema { return s.schema }

func (s *session) Apply(op types.Operation) error {
	if s.closed {
		return errors.New("session closed")
	}
	for _, c := range op.Columns {
		if _, ok := s.schema.Column(c.Column); !ok {
			return &types.RowError{Err: fmt.Errorf("unknown column %q", c.Column)}
		}
	}
	s.pending = append(s.pending, op)
	return nil
}

func (s *session) Flush(ctx context.Context) ([]error, error) {
	pending := s.pending
	s.pending = nil
	if len(pending) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f := s.store.FailFlush; f != nil {
		if err := f(s.table, len(pending)); err != nil {
			return nil, err
		}
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.flushes++
	t, ok := s.store.tables[s.table]
	if !ok {
		return nil, errors.Errorf("table %q dropped", s.table)
	}
	results := make([]error, len(pending))
	for i, op := range pending {
		results[i] = t.apply(op)
	}
	return results, nil
}

func (s *session) Close() error {
	s.closed = true
	s.pending = nil
	return nil
}

func (t *table) apply(op types.Operation) error {
	var key strings.Builder
	for _, k := range t.schema.KeyColumns() {
		v, ok := op.Value(k.Name)
		if !ok || v == nil {
			return &types.RowError{Err: fmt.Errorf("key column %q is null", k.Name)}
		}
		fmt.Fprintf(&key, "%v\x00", v)
	}
	for _, c := range op.Columns {
		col, _ := t.schema.Column(c.Column)
		if c.Value == nil && !col.Nullable && !col.Key {
			return &types.RowError{Err: fmt.Errorf("column %q is not nullable", c.Column)}
		}
	}

	k := key.String()
	existing, exists := t.rows[k]
	switch op.Kind {
	case types.OpInsert:
		if exists {
			return &types.RowError{Err: fmt.Errorf("key already present in table %q", t.schema.Name)}
		}
	case types.OpUpsert:
	default:
		return &types.RowError{Err: fmt.Errorf("unsupported operation %q", op.Kind)}
	}
	if !exists {
		existing = make(map[string]any, len(t.schema.Columns))
		t.rows[k] = existing
		t.order = append(t.order, k)
	}
	for _, c := range op.Columns {
		existing[c.Column] = c.Value
	}
	return nil
}
