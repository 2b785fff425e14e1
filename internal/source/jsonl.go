package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/mehmetymw/rec2table/internal/types"
	"github.com/mehmetymw/rec2table/internal/util"
)

const maxLineSize = 16 << 20

// JSONLines reads one JSON object per line. Without declared Fields the
// schema is taken from the first object: its keys in document order and
// types inferred from its values. Keys outside that schema are appended to
// the schema of the record that carries them.
type JSONLines struct {
	Fields []types.Field
}

func (j *JSONLines) Open(item types.WorkItem) (types.RecordSource, error) {
	rc, err := item.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening content")
	}
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	s := &jsonlSource{rc: rc, sc: sc}
	if len(j.Fields) > 0 {
		s.setSchema(types.RecordSchema{Fields: j.Fields})
	}
	return s, nil
}

type jsonlSource struct {
	rc     io.ReadCloser
	sc     *bufio.Scanner
	schema types.RecordSchema
	index  map[string]int
	line   int

	// first object read ahead while inferring the schema
	pending    *object
	pendingErr error
}

type object struct {
	keys   []string
	values []any
}

func (s *jsonlSource) setSchema(schema types.RecordSchema) {
	s.schema = schema
	s.index = make(map[string]int, len(schema.Fields))
	for i, f := range schema.Fields {
		s.index[f.Name] = i
	}
}

// Schema is empty until the first object has been seen when no fields
// were declared.
func (s *jsonlSource) Schema() types.RecordSchema {
	if s.index == nil && s.pendingErr == nil && s.pending == nil {
		obj, err := s.read()
		if err != nil {
			s.pendingErr = err
			return s.schema
		}
		s.infer(obj)
		s.pending = obj
	}
	return s.schema
}

func (s *jsonlSource) infer(obj *object) {
	fields := make([]types.Field, len(obj.keys))
	for i, k := range obj.keys {
		t := types.TypeString
		if obj.values[i] != nil {
			t = util.InferType(obj.values[i])
		}
		fields[i] = types.Field{Name: k, Type: t}
	}
	s.setSchema(types.RecordSchema{Fields: fields})
}

func (s *jsonlSource) Next(ctx context.Context) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	if err := s.pendingErr; err != nil {
		s.pendingErr = nil
		return types.Record{}, err
	}
	obj := s.pending
	s.pending = nil
	if obj == nil {
		var err error
		if obj, err = s.read(); err != nil {
			return types.Record{}, err
		}
	}
	if s.index == nil {
		s.infer(obj)
	}

	schema := s.schema
	values := make([]any, len(s.schema.Fields))
	for i, k := range obj.keys {
		raw := obj.values[i]
		pos, ok := s.index[k]
		if !ok {
			// Carried on this record only, so mapping rejects it alone.
			if len(schema.Fields) == len(s.schema.Fields) {
				schema.Fields = append([]types.Field(nil), s.schema.Fields...)
			}
			t := types.TypeString
			if raw != nil {
				t = util.InferType(raw)
			}
			schema.Fields = append(schema.Fields, types.Field{Name: k, Type: t})
			values = append(values, raw)
			continue
		}
		if raw == nil {
			continue
		}
		v, err := util.Coerce(raw, s.schema.Fields[pos].Type)
		if err != nil {
			return types.Record{}, errors.Wrapf(err, "line %d field %q", s.line, k)
		}
		values[pos] = v
	}
	return types.Record{Schema: schema, Values: values}, nil
}

// read returns the next non-blank line decoded as an ordered object.
func (s *jsonlSource) read() (*object, error) {
	for s.sc.Scan() {
		s.line++
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		obj, err := decodeObject(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", s.line)
		}
		return obj, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func decodeObject(line []byte) (*object, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}
	obj := &object{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected key, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		obj.keys = append(obj.keys, key)
		obj.values = append(obj.values, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *jsonlSource) Close() error {
	return s.rc.Close()
}
