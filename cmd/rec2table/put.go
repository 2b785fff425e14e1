package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/pipeline"
	"github.com/mehmetymw/rec2table/internal/route"
	"github.com/mehmetymw/rec2table/internal/types"
	"github.com/mehmetymw/rec2table/internal/watch"
)

func newPutCommand(opts *rootOptions, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "put FILE...",
		Short: "Ingest the given files once and report each outcome",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, logger)
			if err != nil {
				return err
			}
			return put(cmd.Context(), cfg, args, cmd.OutOrStdout(), logger)
		},
	}
}

// putMaxAttempts bounds retries for one-shot runs when max_attempts is left
// at zero, so an unreachable store fails the files instead of blocking.
const putMaxAttempts = 3

func putSchedulerOptions(cfg config.Config) pipeline.SchedulerOptions {
	opts := pipeline.SchedulerOptionsFromConfig(cfg)
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = putMaxAttempts
	}
	return opts
}

// put runs files through the scheduler and prints one line per outcome. It
// fails when any file was routed to failure.
func put(ctx context.Context, cfg config.Config, files []string, out io.Writer, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	items := make([]types.WorkItem, 0, len(files))
	for _, f := range files {
		it, err := watch.ItemFromFile(f)
		if err != nil {
			return errors.Wrapf(err, "reading %s", f)
		}
		items = append(items, it)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	outcomes, err := ingest(ctx, a.processor, a.reporter, putSchedulerOptions(cfg), items, logger)
	if err != nil {
		return err
	}

	var dir *route.Dir
	if cfg.Intake.OutputDir != "" {
		if dir, err = route.NewDir(cfg.Intake.OutputDir, logger); err != nil {
			return err
		}
	}
	failed := 0
	for _, o := range outcomes {
		attrs := o.Item.Attributes
		line := fmt.Sprintf("%s\t%s\t%s", o.Item.Filename(), o.Relationship, attrs[types.AttrRecordCount])
		if o.Relationship == types.RelFailure {
			failed++
			line += "\t" + attrs[types.AttrErrorMessage]
		}
		fmt.Fprintln(out, line)
		if dir != nil {
			if err := dir.Route(ctx, o); err != nil {
				logger.Error("Failed to route work item", zap.String("id", o.Item.ID), zap.Error(err))
			}
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d files failed", failed, len(items))
	}
	return nil
}

// ingest schedules items and returns their outcomes once every item has
// been routed.
func ingest(ctx context.Context, inv pipeline.Invoker, reporter pipeline.Reporter, opts pipeline.SchedulerOptions, items []types.WorkItem, logger *zap.Logger) ([]types.Outcome, error) {
	collected := &route.Memory{}
	sched, err := pipeline.NewScheduler(inv, collected, reporter, opts, logger)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sched.Run(runCtx)
	}()
	for _, it := range items {
		sched.Enqueue(it)
	}
	waitErr := sched.WaitIdle(ctx)
	cancel()
	<-stopped
	if waitErr != nil {
		return nil, waitErr
	}
	return collected.Outcomes(), nil
}
