package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/types"
)

func TestOpenMemoryCreatesDeclaredTable(t *testing.T) {
	cfg := config.Config{
		Table: config.TableConfig{Name: "t", Columns: []config.ColumnConfig{
			{Name: "id", Type: types.TypeInt32, Key: true},
			{Name: "v", Type: types.TypeString, Nullable: true},
		}},
		Storage: config.StorageConfig{Backend: "memory", Addresses: []string{"mem"}},
	}
	c, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	sess, err := c.OpenSession(context.Background(), "t")
	require.NoError(t, err)
	assert.Len(t, sess.Schema().Columns, 2)
	assert.Equal(t, "memory:///t", c.URI("t"))
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.db")
	cfg := config.Config{Storage: config.StorageConfig{Backend: "sqlite", Addresses: []string{path}}}
	c, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "sqlite://"+path+"/t", c.URI("t"))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Storage: config.StorageConfig{Backend: "cassandra"}}, zap.NewNop())
	assert.Error(t, err)
}
