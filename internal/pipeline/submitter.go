package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/operation"
	"github.com/mehmetymw/rec2table/internal/types"
)

// Submitter pushes the batches of one invocation through a single session.
type Submitter struct {
	session      types.Session
	builder      *operation.Builder
	flushTimeout time.Duration
	logger       *zap.Logger

	committed int
	flushes   int
}

func NewSubmitter(session types.Session, builder *operation.Builder, flushTimeout time.Duration, logger *zap.Logger) *Submitter {
	return &Submitter{session: session, builder: builder, flushTimeout: flushTimeout, logger: logger}
}

// Committed is the number of rows written by successful flushes so far.
func (s *Submitter) Committed() int { return s.committed }

func (s *Submitter) Flushes() int { return s.flushes }

// Submit writes one batch of work item item and returns one result per
// record in record order. Mapping and row failures are reported in their
// slot; a *types.TransportError aborts the whole invocation.
func (s *Submitter) Submit(ctx context.Context, item int, b types.Batch) ([]types.SubmissionResult, error) {
	results := make([]types.SubmissionResult, len(b.Records))
	// slots[i] is the result index of the i-th applied operation
	slots := make([]int, 0, len(b.Records))

	for i, rec := range b.Records {
		results[i] = types.SubmissionResult{Item: item, Record: b.Offset + i}
		op, err := s.builder.Build(rec)
		if err != nil {
			s.logger.Debug("Record could not be mapped",
				zap.Int("item", item),
				zap.Int("record", b.Offset+i),
				zap.Error(err))
			results[i].Err = err
			continue
		}
		if err := s.session.Apply(op); err != nil {
			results[i].Err = err
			continue
		}
		slots = append(slots, i)
	}
	if len(slots) == 0 {
		return results, nil
	}

	fctx := ctx
	if s.flushTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, s.flushTimeout)
		defer cancel()
	}

	start := time.Now()
	rowErrs, err := s.session.Flush(fctx)
	s.flushes++
	if err != nil {
		if fctx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(err, "flush exceeded %s", s.flushTimeout)
		}
		s.logger.Error("Flush failed",
			zap.Int("item", item),
			zap.Int("pending", len(slots)),
			zap.Int("committed", s.committed),
			zap.Error(err))
		return nil, &types.TransportError{Err: err, Committed: s.committed}
	}
	if len(rowErrs) != len(slots) {
		return nil, &types.TransportError{
			Err:       errors.Errorf("flush returned %d results for %d operations", len(rowErrs), len(slots)),
			Committed: s.committed,
		}
	}

	failed := 0
	for j, rerr := range rowErrs {
		if rerr != nil {
			results[slots[j]].Err = rerr
			failed++
		}
	}
	s.committed += len(slots) - failed
	s.logger.Debug("Batch flushed",
		zap.Int("item", item),
		zap.Int("offset", b.Offset),
		zap.Int("records", len(b.Records)),
		zap.Int("row_errors", failed),
		zap.Duration("duration", time.Since(start)))
	return results, nil
}
