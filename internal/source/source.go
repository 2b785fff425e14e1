// Package source reads typed records out of work items.
package source

import (
	"context"
	"io"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/types"
)

// New returns the SourceFactory for the configured input format.
func New(cfg config.Config) (types.SourceFactory, error) {
	switch cfg.Source.Format {
	case "csv":
		return &CSV{
			Delimiter:      []rune(cfg.Source.Delimiter)[0],
			SkipHeaderLine: cfg.SkipHeaderLine,
			Fields:         cfg.Source.Fields,
		}, nil
	case "jsonl":
		return &JSONLines{Fields: cfg.Source.Fields}, nil
	}
	return nil, &config.ConfigurationError{Field: "source.format", Reason: "unknown format " + cfg.Source.Format}
}

// Static replays the same records for every work item.
type Static struct {
	Schema  types.RecordSchema
	Records [][]any
}

// Add appends one record; values follow Schema.Fields order.
func (s *Static) Add(values ...any) {
	s.Records = append(s.Records, values)
}

func (s *Static) Open(types.WorkItem) (types.RecordSource, error) {
	return &staticSource{schema: s.Schema, rows: s.Records}, nil
}

type staticSource struct {
	schema types.RecordSchema
	rows   [][]any
	pos    int
}

func (s *staticSource) Schema() types.RecordSchema { return s.schema }

func (s *staticSource) Next(ctx context.Context) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}
	if s.pos >= len(s.rows) {
		return types.Record{}, io.EOF
	}
	r := types.Record{Schema: s.schema, Values: s.rows[s.pos]}
	s.pos++
	return r, nil
}

func (s *staticSource) Close() error { return nil }
