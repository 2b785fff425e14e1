// Package batch groups the records of one work item into bounded batches.
package batch

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/types"
)

// Accumulator pulls records from a RecordSource and hands them out in
// batches of at most size records, preserving source order.
type Accumulator struct {
	src  types.RecordSource
	size int
	read int
	done bool
}

func NewAccumulator(src types.RecordSource, size int) (*Accumulator, error) {
	if size <= 0 {
		return nil, &config.ConfigurationError{Field: "batch_size", Reason: "must be positive"}
	}
	return &Accumulator{src: src, size: size}, nil
}

// Read returns the number of records pulled from the source so far.
func (a *Accumulator) Read() int { return a.read }

// Next returns the next batch. The final batch may be short; io.EOF follows
// it. A source error is returned with whatever was read before it discarded.
func (a *Accumulator) Next(ctx context.Context) (types.Batch, error) {
	if a.done {
		return types.Batch{}, io.EOF
	}
	b := types.Batch{Offset: a.read, Records: make([]types.Record, 0, a.size)}
	for len(b.Records) < a.size {
		if err := ctx.Err(); err != nil {
			return types.Batch{}, err
		}
		rec, err := a.src.Next(ctx)
		if err == io.EOF {
			a.done = true
			break
		}
		if err != nil {
			a.done = true
			return types.Batch{}, errors.Wrapf(err, "reading record %d", a.read)
		}
		b.Records = append(b.Records, rec)
		a.read++
	}
	if len(b.Records) == 0 {
		return types.Batch{}, io.EOF
	}
	return b, nil
}
