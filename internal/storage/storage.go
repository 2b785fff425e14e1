// Package storage opens the configured StorageClient.
package storage

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/storage/memory"
	"github.com/mehmetymw/rec2table/internal/storage/postgres"
	"github.com/mehmetymw/rec2table/internal/storage/sqlstore"
	"github.com/mehmetymw/rec2table/internal/types"
)

// Counter is implemented by every backend; it full-scans a table.
type Counter interface {
	Count(ctx context.Context, table string) (int, error)
}

// Client is what the pipeline and CLI need from a backend.
type Client interface {
	types.StorageClient
	Counter
}

func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (Client, error) {
	sc := cfg.Storage
	logger.Info("Initializing storage", zap.String("backend", sc.Backend), zap.Strings("addresses", sc.Addresses))
	switch sc.Backend {
	case "memory":
		s := memory.New(logger)
		schema := types.TableSchema{Name: cfg.Table.Name}
		for _, c := range cfg.Table.Columns {
			schema.Columns = append(schema.Columns, types.Column{Name: c.Name, Type: c.Type, Key: c.Key, Nullable: c.Nullable})
		}
		if err := s.CreateTable(schema); err != nil {
			return nil, errors.Wrap(err, "creating memory table")
		}
		return s, nil
	case "sqlite":
		s, err := sqlstore.NewSQLite(sc.Addresses[0], logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mysql":
		s, err := sqlstore.NewMySQL(sc.Addresses, sc.Database, sc.User, sc.Password, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, postgres.DSN(sc.Addresses, sc.Database, sc.User, sc.Password), sc.Addresses, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, &config.ConfigurationError{Field: "storage.backend", Reason: "unknown backend " + sc.Backend}
}
