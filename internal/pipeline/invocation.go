// Package pipeline drives work items from record sources into a storage
// session and decides the outcome of every item.
package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/batch"
	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/operation"
	"github.com/mehmetymw/rec2table/internal/types"
)

// Options are the per-invocation settings taken from config.
type Options struct {
	Table        string
	Operation    types.OperationKind
	Builder      operation.Options
	BatchSize    int
	FlushTimeout time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Table:     cfg.Table.Name,
		Operation: cfg.Operation,
		Builder: operation.Options{
			IgnoreNull:          cfg.IgnoreNull,
			LowercaseFieldNames: cfg.LowercaseFieldNames,
		},
		BatchSize:    cfg.BatchSize,
		FlushTimeout: cfg.FlushTimeout,
	}
}

// Processor runs invocations. It holds no per-invocation state and is safe
// for concurrent use.
type Processor struct {
	client  types.StorageClient
	sources types.SourceFactory
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

func NewProcessor(client types.StorageClient, sources types.SourceFactory, opts Options, logger *zap.Logger) (*Processor, error) {
	if opts.BatchSize <= 0 {
		return nil, &config.ConfigurationError{Field: "batch_size", Reason: "must be positive"}
	}
	if !opts.Operation.Valid() {
		return nil, &config.ConfigurationError{Field: "operation", Reason: "must be INSERT or UPSERT"}
	}
	logger.Info("Creating processor",
		zap.String("table", opts.Table),
		zap.String("operation", string(opts.Operation)),
		zap.Int("batch_size", opts.BatchSize),
		zap.Duration("flush_timeout", opts.FlushTimeout))
	return &Processor{client: client, sources: sources, opts: opts, logger: logger, now: time.Now}, nil
}

// Invoke writes every record of items through one session and returns one
// outcome per item in input order. A *types.TransportError aborts the call
// with nil outcomes; rows flushed before it stay committed.
func (p *Processor) Invoke(ctx context.Context, items []types.WorkItem) ([]types.Outcome, error) {
	if len(items) == 0 {
		return nil, nil
	}
	sess, err := p.client.OpenSession(ctx, p.opts.Table)
	if err != nil {
		return nil, errors.Wrap(err, "opening session")
	}
	defer sess.Close()

	builder, err := operation.NewBuilder(p.opts.Operation, p.opts.Builder, sess.Schema())
	if err != nil {
		return nil, err
	}
	sub := NewSubmitter(sess, builder, p.opts.FlushTimeout, p.logger)

	tallies := make([]*tally, len(items))
	for i, item := range items {
		t := &tally{item: item, state: types.StateReceived, started: p.now()}
		tallies[i] = t
		if err := p.runItem(ctx, sub, i, t); err != nil {
			return nil, err
		}
	}

	uri := p.client.URI(p.opts.Table)
	now := p.now()
	outcomes := make([]types.Outcome, len(items))
	for i, t := range tallies {
		outcomes[i] = reconcile(t, uri, now)
		p.logger.Info("Work item reconciled",
			zap.String("id", t.item.ID),
			zap.String("filename", t.item.Filename()),
			zap.String("relationship", string(outcomes[i].Relationship)),
			zap.Int("records", t.read),
			zap.Int("failed", t.failed))
	}
	p.logger.Debug("Invocation completed",
		zap.Int("items", len(items)),
		zap.Int("flushes", sub.Flushes()),
		zap.Int("committed", sub.Committed()))
	return outcomes, nil
}

// runItem returns an error only when the whole invocation must stop.
func (p *Processor) runItem(ctx context.Context, sub *Submitter, idx int, t *tally) error {
	src, err := p.sources.Open(t.item)
	if err != nil {
		p.logger.Error("Failed to open record source", zap.String("id", t.item.ID), zap.Error(err))
		t.fail(errors.Wrap(err, "opening records"))
		t.state = types.StateFailed
		return nil
	}
	defer src.Close()

	acc, err := batch.NewAccumulator(src, p.opts.BatchSize)
	if err != nil {
		return err
	}
	t.state = types.StateRecordsExtracted
	for {
		b, err := acc.Next(ctx)
		t.read = acc.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			p.logger.Error("Failed to read records",
				zap.String("id", t.item.ID),
				zap.Int("read", t.read),
				zap.Error(err))
			t.fail(err)
			break
		}
		results, err := sub.Submit(ctx, idx, b)
		if err != nil {
			return err
		}
		t.add(results)
	}
	t.state = types.StateOperationsSubmitted
	return nil
}
