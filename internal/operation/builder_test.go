package operation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/types"
)

var table = types.TableSchema{
	Name: "ingest-table",
	Columns: []types.Column{
		{Name: "id", Type: types.TypeInt32, Key: true},
		{Name: "stringVal", Type: types.TypeString, Nullable: true},
		{Name: "num32Val", Type: types.TypeInt32, Nullable: true},
		{Name: "doubleVal", Type: types.TypeDouble, Nullable: true},
	},
}

var recordSchema = types.RecordSchema{Fields: []types.Field{
	{Name: "id", Type: types.TypeInt32},
	{Name: "stringVal", Type: types.TypeString},
	{Name: "num32Val", Type: types.TypeInt32},
	{Name: "doubleVal", Type: types.TypeDouble},
}}

func rec(values ...any) types.Record {
	return types.Record{Schema: recordSchema, Values: values}
}

func TestBuilderRejectsUnknownKind(t *testing.T) {
	_, err := NewBuilder("DELETE", Options{}, table)
	var ce *config.ConfigurationError
	require.True(t, errors.As(err, &ce))
}

func TestBuildCoercesToColumnTypes(t *testing.T) {
	b, err := NewBuilder(types.OpUpsert, Options{}, table)
	require.NoError(t, err)

	op, err := b.Build(rec("7", "val_7", 1007, "107.88"))
	require.NoError(t, err)

	assert.Equal(t, types.OpUpsert, op.Kind)
	assert.Equal(t, "ingest-table", op.Table)
	require.Len(t, op.Columns, 4)
	assert.Equal(t, types.ColumnValue{Column: "id", Value: int32(7)}, op.Columns[0])
	assert.Equal(t, types.ColumnValue{Column: "stringVal", Value: "val_7"}, op.Columns[1])
	assert.Equal(t, types.ColumnValue{Column: "num32Val", Value: int32(1007)}, op.Columns[2])
	assert.Equal(t, types.ColumnValue{Column: "doubleVal", Value: 107.88}, op.Columns[3])
}

func TestIgnoreNull(t *testing.T) {
	skip, _ := NewBuilder(types.OpInsert, Options{IgnoreNull: true}, table)
	op, err := skip.Build(rec(1, nil, 5, nil))
	require.NoError(t, err)
	assert.Len(t, op.Columns, 2)
	_, present := op.Value("stringVal")
	assert.False(t, present)

	keep, _ := NewBuilder(types.OpInsert, Options{}, table)
	op, err = keep.Build(rec(1, nil, 5, nil))
	require.NoError(t, err)
	assert.Len(t, op.Columns, 4)
	v, present := op.Value("stringVal")
	assert.True(t, present)
	assert.Nil(t, v)
}

func TestLowercaseFieldNames(t *testing.T) {
	lower := types.TableSchema{Name: "t", Columns: []types.Column{
		{Name: "id", Type: types.TypeInt64, Key: true},
		{Name: "name", Type: types.TypeString},
	}}
	r := types.Record{
		Schema: types.RecordSchema{Fields: []types.Field{{Name: "ID"}, {Name: "Name"}}},
		Values: []any{1, "a"},
	}

	strict, _ := NewBuilder(types.OpInsert, Options{}, lower)
	_, err := strict.Build(r)
	var me *types.MappingError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, "ID", me.Field)

	folding, _ := NewBuilder(types.OpInsert, Options{LowercaseFieldNames: true}, lower)
	op, err := folding.Build(r)
	require.NoError(t, err)
	assert.Equal(t, int64(1), op.Columns[0].Value)
	assert.Equal(t, "name", op.Columns[1].Column)
}

func TestMappingErrors(t *testing.T) {
	b, _ := NewBuilder(types.OpInsert, Options{IgnoreNull: true}, table)

	cases := map[string]types.Record{
		"unknown field": {
			Schema: types.RecordSchema{Fields: []types.Field{{Name: "id"}, {Name: "bogus"}}},
			Values: []any{1, "x"},
		},
		"bad number":   rec(1, "a", "not-a-number", 1.0),
		"int overflow": rec(int64(1)<<40, "a", 1, 1.0),
		"missing key":  rec(nil, "a", 1, 1.0),
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := b.Build(r)
			var me *types.MappingError
			assert.True(t, errors.As(err, &me), "got %v", err)
		})
	}
}
