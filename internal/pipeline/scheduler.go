package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/types"
)

type Invoker interface {
	Invoke(ctx context.Context, items []types.WorkItem) ([]types.Outcome, error)
}

// Router delivers a work item to its relationship.
type Router interface {
	Route(ctx context.Context, o types.Outcome) error
}

type Reporter interface {
	Report(ctx context.Context, ev types.ProvenanceEvent) error
}

type SchedulerOptions struct {
	FlowFileBatchSize int
	Workers           int
	RetryDelay        time.Duration
	// MaxAttempts bounds invocations per item after transport failures;
	// zero retries forever.
	MaxAttempts int
}

func SchedulerOptionsFromConfig(cfg config.Config) SchedulerOptions {
	return SchedulerOptions{
		FlowFileBatchSize: cfg.FlowFileBatchSize,
		Workers:           cfg.Workers,
		RetryDelay:        cfg.RetryDelay,
		MaxAttempts:       cfg.MaxAttempts,
	}
}

// Scheduler queues work items and runs invocations of up to
// FlowFileBatchSize items on a bounded pool of workers. Every invocation
// opens its own session.
type Scheduler struct {
	inv      Invoker
	router   Router
	reporter Reporter
	opts     SchedulerOptions
	logger   *zap.Logger

	mu          sync.Mutex
	pending     []types.WorkItem
	wake        chan struct{}
	outstanding int
	idle        chan struct{}
	stopped     bool
	status      Status
}

// Status is a snapshot of the scheduler counters.
type Status struct {
	Queued    int `json:"queued"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

func NewScheduler(inv Invoker, router Router, reporter Reporter, opts SchedulerOptions, logger *zap.Logger) (*Scheduler, error) {
	if opts.FlowFileBatchSize <= 0 {
		return nil, &config.ConfigurationError{Field: "flowfile_batch_size", Reason: "must be positive"}
	}
	if opts.Workers <= 0 {
		return nil, &config.ConfigurationError{Field: "workers", Reason: "must be positive"}
	}
	logger.Info("Creating scheduler",
		zap.Int("flowfile_batch_size", opts.FlowFileBatchSize),
		zap.Int("workers", opts.Workers),
		zap.Duration("retry_delay", opts.RetryDelay),
		zap.Int("max_attempts", opts.MaxAttempts))
	idle := make(chan struct{})
	close(idle)
	return &Scheduler{
		inv:      inv,
		router:   router,
		reporter: reporter,
		opts:     opts,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		idle:     idle,
	}, nil
}

// Enqueue adds an item to the work queue. Items enqueued after Run has
// returned are ignored.
func (s *Scheduler) Enqueue(item types.WorkItem) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Warn("Scheduler stopped, ignoring work item", zap.String("id", item.ID))
		return
	}
	if s.outstanding == 0 {
		s.idle = make(chan struct{})
	}
	s.outstanding++
	s.pending = append(s.pending, item)
	s.status.Queued++
	s.mu.Unlock()
	s.signal()

	s.logger.Debug("Work item queued",
		zap.String("id", item.ID),
		zap.String("filename", item.Filename()))
}

// requeue puts a retried item back on the queue. Once Run has returned
// nothing will take it again, so it is dropped and counted done.
func (s *Scheduler) requeue(item types.WorkItem) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Warn("Dropping retry after shutdown",
			zap.String("id", item.ID),
			zap.Int("attempts", item.Attempts))
		s.done(1)
		return
	}
	s.pending = append(s.pending, item)
	s.status.Queued++
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take removes up to FlowFileBatchSize items from the queue.
func (s *Scheduler) take() []types.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending)
	if n == 0 {
		return nil
	}
	if n > s.opts.FlowFileBatchSize {
		n = s.opts.FlowFileBatchSize
	}
	items := make([]types.WorkItem, n)
	copy(items, s.pending)
	s.pending = s.pending[n:]
	s.status.Queued -= n
	s.status.InFlight += n
	return items
}

// Run dispatches queued items until ctx is canceled, then waits for running
// invocations to return. Items still queued at that point are dropped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler loop")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopping, waiting for running invocations")
			err := g.Wait()
			s.stop()
			return err
		case <-s.wake:
		}
		for {
			items := s.take()
			if items == nil {
				break
			}
			g.Go(func() error {
				s.invoke(gctx, items)
				return nil
			})
		}
	}
}

func (s *Scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	dropped := len(s.pending)
	s.pending = nil
	s.status.Queued -= dropped
	s.mu.Unlock()
	if dropped > 0 {
		s.logger.Warn("Dropping queued work items", zap.Int("items", dropped))
		s.done(dropped)
	}
}

// WaitIdle blocks until every enqueued item has been routed or dropped at
// shutdown.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) invoke(ctx context.Context, items []types.WorkItem) {
	start := time.Now()
	outcomes, err := s.inv.Invoke(ctx, items)

	s.mu.Lock()
	s.status.InFlight -= len(items)
	s.mu.Unlock()

	switch {
	case err == nil:
		for _, o := range outcomes {
			s.finish(ctx, o)
		}
		s.logger.Info("Invocation finished",
			zap.Int("items", len(items)),
			zap.Duration("duration", time.Since(start)))
	case ctx.Err() != nil:
		s.logger.Warn("Invocation interrupted by shutdown", zap.Int("items", len(items)), zap.Error(err))
		s.done(len(items))
	case types.IsTransport(err):
		s.logger.Error("Invocation failed on transport", zap.Int("items", len(items)), zap.Error(err))
		for _, item := range items {
			s.retry(ctx, item, err)
		}
	default:
		s.logger.Error("Invocation failed", zap.Int("items", len(items)), zap.Error(err))
		for _, item := range items {
			s.finish(ctx, failedOutcome(item, err))
		}
	}
}

func (s *Scheduler) retry(ctx context.Context, item types.WorkItem, cause error) {
	item.Attempts++
	attrs := make(map[string]string, len(item.Attributes)+1)
	for k, v := range item.Attributes {
		attrs[k] = v
	}
	attrs[types.AttrAttempts] = strconv.Itoa(item.Attempts)
	item.Attributes = attrs

	if s.opts.MaxAttempts > 0 && item.Attempts >= s.opts.MaxAttempts {
		s.logger.Warn("Work item exhausted retries",
			zap.String("id", item.ID),
			zap.Int("attempts", item.Attempts))
		s.finish(ctx, failedOutcome(item, cause))
		return
	}

	s.mu.Lock()
	s.status.Retried++
	s.mu.Unlock()
	s.logger.Info("Requeueing work item",
		zap.String("id", item.ID),
		zap.Int("attempts", item.Attempts),
		zap.Duration("delay", s.opts.RetryDelay))
	time.AfterFunc(s.opts.RetryDelay, func() { s.requeue(item) })
}

func (s *Scheduler) finish(ctx context.Context, o types.Outcome) {
	if o.Provenance != nil {
		if err := s.reporter.Report(ctx, *o.Provenance); err != nil {
			s.logger.Error("Failed to report provenance", zap.String("id", o.Item.ID), zap.Error(err))
		}
	}
	if err := s.router.Route(ctx, o); err != nil {
		s.logger.Error("Failed to route work item",
			zap.String("id", o.Item.ID),
			zap.String("relationship", string(o.Relationship)),
			zap.Error(err))
	}

	s.mu.Lock()
	if o.Relationship == types.RelSuccess {
		s.status.Succeeded++
	} else {
		s.status.Failed++
	}
	s.mu.Unlock()
	s.done(1)
}

func (s *Scheduler) done(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outstanding -= n
	if s.outstanding == 0 {
		close(s.idle)
	}
}
