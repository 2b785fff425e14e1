package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/types"
)

const createIngestTable = `CREATE TABLE "ingest-table" (
	id INT PRIMARY KEY NOT NULL,
	stringVal TEXT,
	num32Val INT,
	doubleVal DOUBLE
)`

func newSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "rec2table.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.DB().Exec(createIngestTable)
	require.NoError(t, err)
	return s
}

func row(kind types.OperationKind, id int32, s string) types.Operation {
	return types.Operation{Kind: kind, Table: "ingest-table", Columns: []types.ColumnValue{
		{Column: "id", Value: id},
		{Column: "stringVal", Value: s},
		{Column: "num32Val", Value: 1000 + id},
		{Column: "doubleVal", Value: 100.88 + float64(id)},
	}}
}

func TestSQLiteSchema(t *testing.T) {
	s := newSQLite(t)
	sess, err := s.OpenSession(context.Background(), "ingest-table")
	require.NoError(t, err)
	defer sess.Close()

	schema := sess.Schema()
	require.Len(t, schema.Columns, 4)
	assert.Equal(t, types.Column{Name: "id", Type: types.TypeInt32, Key: true}, schema.Columns[0])
	assert.Equal(t, types.TypeString, schema.Columns[1].Type)
	assert.Equal(t, types.TypeDouble, schema.Columns[3].Type)
	assert.True(t, schema.Columns[1].Nullable)

	_, err = s.OpenSession(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSQLiteInsertThenUpsert(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	sess, err := s.OpenSession(ctx, "ingest-table")
	require.NoError(t, err)

	for i := int32(0); i < 5; i++ {
		require.NoError(t, sess.Apply(row(types.OpInsert, i, "val")))
	}
	results, err := sess.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		assert.NoError(t, r)
	}

	// duplicate insert fails only the duplicate row
	require.NoError(t, sess.Apply(row(types.OpInsert, 2, "dup")))
	require.NoError(t, sess.Apply(row(types.OpInsert, 9, "new")))
	results, err = sess.Flush(ctx)
	require.NoError(t, err)
	var re *types.RowError
	assert.True(t, errors.As(results[0], &re))
	assert.NoError(t, results[1])

	require.NoError(t, sess.Apply(row(types.OpUpsert, 2, "updated")))
	results, err = sess.Flush(ctx)
	require.NoError(t, err)
	assert.NoError(t, results[0])

	n, err := s.Count(ctx, "ingest-table")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	var got string
	require.NoError(t, s.DB().QueryRow(`SELECT stringVal FROM "ingest-table" WHERE id = 2`).Scan(&got))
	assert.Equal(t, "updated", got)
}

func TestSQLiteFlushHonoursContext(t *testing.T) {
	s := newSQLite(t)
	sess, _ := s.OpenSession(context.Background(), "ingest-table")
	require.NoError(t, sess.Apply(row(types.OpUpsert, 1, "a")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sess.Flush(ctx)
	require.Error(t, err)

	n, _ := s.Count(context.Background(), "ingest-table")
	assert.Equal(t, 0, n)
}

func TestBuildStatement(t *testing.T) {
	schema := types.TableSchema{Name: "t", Columns: []types.Column{
		{Name: "id", Type: types.TypeInt32, Key: true},
		{Name: "v", Type: types.TypeString},
	}}
	q, args, err := BuildStatement(sqliteDialect{}, schema, types.Operation{Kind: types.OpUpsert, Columns: []types.ColumnValue{
		{Column: "id", Value: 1}, {Column: "v", Value: "x"},
	}})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "t" ("id", "v") VALUES (?, ?) ON CONFLICT ("id") DO UPDATE SET "v" = excluded."v"`, q)
	assert.Equal(t, []any{1, "x"}, args)

	q, _, err = BuildStatement(mysqlDialect{}, schema, types.Operation{Kind: types.OpUpsert, Columns: []types.ColumnValue{{Column: "id", Value: 1}}})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(q, "ON DUPLICATE KEY UPDATE `id` = `id`"), q)

	_, _, err = BuildStatement(sqliteDialect{}, schema, types.Operation{Kind: types.OpInsert, Columns: []types.ColumnValue{{Column: "zz", Value: 1}}})
	assert.Error(t, err)
}

func TestTypeMapping(t *testing.T) {
	assert.Equal(t, types.TypeInt64, sqliteType("INTEGER"))
	assert.Equal(t, types.TypeString, sqliteType("VARCHAR(20)"))
	assert.Equal(t, types.TypeBool, mysqlType("tinyint", "tinyint(1)"))
	assert.Equal(t, types.TypeInt8, mysqlType("tinyint", "tinyint(4)"))
	assert.Equal(t, types.TypeTimestamp, mysqlType("datetime", "datetime"))
}

// Runs against a live server when REC2TABLE_MYSQL_ADDR is set.
func TestMySQLIntegration(t *testing.T) {
	addr := os.Getenv("REC2TABLE_MYSQL_ADDR")
	if addr == "" {
		t.Skip("REC2TABLE_MYSQL_ADDR not set")
	}
	s, err := NewMySQL([]string{addr}, os.Getenv("REC2TABLE_MYSQL_DB"), os.Getenv("REC2TABLE_MYSQL_USER"), os.Getenv("REC2TABLE_MYSQL_PASSWORD"), zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.DB().ExecContext(ctx, "DROP TABLE IF EXISTS `rec2table_it`")
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, "CREATE TABLE `rec2table_it` (id INT PRIMARY KEY, v VARCHAR(32))")
	require.NoError(t, err)

	sess, err := s.OpenSession(ctx, "rec2table_it")
	require.NoError(t, err)
	op := types.Operation{Kind: types.OpInsert, Columns: []types.ColumnValue{{Column: "id", Value: int32(1)}, {Column: "v", Value: "a"}}}
	require.NoError(t, sess.Apply(op))
	require.NoError(t, sess.Apply(op))
	results, err := sess.Flush(ctx)
	require.NoError(t, err)
	assert.NoError(t, results[0])
	assert.Error(t, results[1])
}
