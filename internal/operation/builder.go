// Package operation turns records into insert/upsert operations against a
// table schema.
package operation

import (
	"fmt"
	"strings"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/types"
	"github.com/mehmetymw/rec2table/internal/util"
)

type Options struct {
	// IgnoreNull omits nil values instead of writing an explicit null.
	IgnoreNull bool
	// LowercaseFieldNames lower-cases record field names before column lookup.
	LowercaseFieldNames bool
}

type Builder struct {
	kind  types.OperationKind
	opts  Options
	table types.TableSchema
}

func NewBuilder(kind types.OperationKind, opts Options, table types.TableSchema) (*Builder, error) {
	if !kind.Valid() {
		return nil, &config.ConfigurationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", kind)}
	}
	return &Builder{kind: kind, opts: opts, table: table}, nil
}

// Build maps one record to one operation. Any failure is a *types.MappingError.
func (b *Builder) Build(rec types.Record) (types.Operation, error) {
	op := types.Operation{
		Kind:    b.kind,
		Table:   b.table.Name,
		Columns: make([]types.ColumnValue, 0, len(rec.Schema.Fields)),
	}
	seen := make(map[string]bool, len(rec.Schema.Fields))
	for i, f := range rec.Schema.Fields {
		name := f.Name
		if b.opts.LowercaseFieldNames {
			name = strings.ToLower(name)
		}
		col, ok := b.table.Column(name)
		if !ok {
			return types.Operation{}, &types.MappingError{Field: name, Reason: fmt.Sprintf("no such column in table %q", b.table.Name)}
		}
		if seen[name] {
			return types.Operation{}, &types.MappingError{Field: name, Reason: "field maps to a column twice"}
		}
		seen[name] = true

		var raw any
		if i < len(rec.Values) {
			raw = rec.Values[i]
		}
		if raw == nil {
			if b.opts.IgnoreNull {
				continue
			}
			op.Columns = append(op.Columns, types.ColumnValue{Column: name})
			continue
		}
		v, err := util.Coerce(raw, col.Type)
		if err != nil {
			return types.Operation{}, &types.MappingError{Field: name, Reason: err.Error()}
		}
		op.Columns = append(op.Columns, types.ColumnValue{Column: name, Value: v})
	}
	for _, k := range b.table.KeyColumns() {
		if v, ok := op.Value(k.Name); !ok || v == nil {
			return types.Operation{}, &types.MappingError{Field: k.Name, Reason: "key column has no value"}
		}
	}
	return op, nil
}
