package source

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/mehmetymw/rec2table/internal/types"
	"github.com/mehmetymw/rec2table/internal/util"
)

// CSV reads delimited text. With SkipHeaderLine the first line names the
// fields and is not treated as data; otherwise Fields names them. Empty
// cells are absent values.
type CSV struct {
	Delimiter      rune
	SkipHeaderLine bool
	Fields         []types.Field
}

func (c *CSV) Open(item types.WorkItem) (types.RecordSource, error) {
	rc, err := item.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening content")
	}
	r := csv.NewReader(rc)
	r.Comma = c.Delimiter
	r.ReuseRecord = false

	schema := types.RecordSchema{Fields: c.Fields}
	if c.SkipHeaderLine {
		header, err := r.Read()
		if err == io.EOF {
			rc.Close()
			return &csvSource{rc: rc, schema: types.RecordSchema{}, done: true}, nil
		}
		if err != nil {
			rc.Close()
			return nil, errors.Wrap(err, "reading header")
		}
		schema = headerSchema(header, c.Fields)
	} else {
		r.FieldsPerRecord = len(c.Fields)
	}
	return &csvSource{rc: rc, r: r, schema: schema}, nil
}

// headerSchema takes names from the header and types from declared fields
// with the same name; undeclared columns are strings.
func headerSchema(header []string, declared []types.Field) types.RecordSchema {
	typed := make(map[string]types.FieldType, len(declared))
	for _, f := range declared {
		typed[f.Name] = f.Type
	}
	schema := types.RecordSchema{Fields: make([]types.Field, len(header))}
	for i, h := range header {
		name := strings.TrimSpace(h)
		t := typed[name]
		if t == "" {
			t = types.TypeString
		}
		schema.Fields[i] = types.Field{Name: name, Type: t}
	}
	return schema
}

type csvSource struct {
	rc     io.ReadCloser
	r      *csv.Reader
	schema types.RecordSchema
	done   bool
}

func (s *csvSource) Schema() types.RecordSchema { return s.schema }

func (s *csvSource) Next(ctx context.Context) (types.Record, error) {
	if s.done {
		return types.Record{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	row, err := s.r.Read()
	if err == io.EOF {
		s.done = true
		return types.Record{}, io.EOF
	}
	if err != nil {
		return types.Record{}, err
	}
	values := make([]any, len(s.schema.Fields))
	for i, f := range s.schema.Fields {
		if i >= len(row) || row[i] == "" {
			continue
		}
		if f.Type == "" || f.Type == types.TypeString {
			values[i] = row[i]
			continue
		}
		v, err := util.Coerce(row[i], f.Type)
		if err != nil {
			line, _ := s.r.FieldPos(i)
			return types.Record{}, errors.Wrapf(err, "line %d field %q", line, f.Name)
		}
		values[i] = v
	}
	return types.Record{Schema: s.schema, Values: values}, nil
}

func (s *csvSource) Close() error {
	return s.rc.Close()
}
