package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/pipeline"
	"github.com/mehmetymw/rec2table/internal/provenance"
	"github.com/mehmetymw/rec2table/internal/source"
	"github.com/mehmetymw/rec2table/internal/storage"
)

type rootOptions struct {
	configPath string
}

func main() {
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	logger, _ := zapConfig.Build()
	defer logger.Sync()

	if err := newRootCommand(logger).Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func newRootCommand(logger *zap.Logger) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "rec2table",
		Short:         "Batch records from files into a table",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "path to the YAML config (defaults to $CONFIG_PATH)")

	cmd.AddCommand(newServeCommand(opts, logger))
	cmd.AddCommand(newPutCommand(opts, logger))
	return cmd
}

func loadConfig(opts *rootOptions, logger *zap.Logger) (config.Config, error) {
	if opts.configPath == "" {
		return config.Config{}, errors.New("no config: pass --config or set CONFIG_PATH")
	}
	logger.Info("Loading configuration", zap.String("path", opts.configPath))
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	logger.Info("Configuration loaded successfully",
		zap.String("table", cfg.Table.Name),
		zap.String("backend", cfg.Storage.Backend),
		zap.String("operation", string(cfg.Operation)),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("flowfile_batch_size", cfg.FlowFileBatchSize),
		zap.Int("workers", cfg.Workers))
	return cfg, nil
}

// app is everything an invocation needs, built from config.
type app struct {
	client    storage.Client
	reporter  provenance.Reporter
	processor *pipeline.Processor
	logger    *zap.Logger
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	client, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "storage init failed")
	}
	sources, err := source.New(cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	proc, err := pipeline.NewProcessor(client, sources, pipeline.OptionsFromConfig(cfg), logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	reporter, err := provenance.New(cfg.Provenance, logger)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "provenance init failed")
	}
	return &app{client: client, reporter: reporter, processor: proc, logger: logger}, nil
}

func (a *app) Close() {
	a.logger.Info("Closing provenance reporter")
	if err := a.reporter.Close(); err != nil {
		a.logger.Error("Provenance close failed", zap.Error(err))
	}
	a.logger.Info("Closing storage")
	if err := a.client.Close(); err != nil {
		a.logger.Error("Storage close failed", zap.Error(err))
	}
}
