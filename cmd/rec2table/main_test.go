package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/provenance"
	"github.com/mehmetymw/rec2table/internal/types"
)

const testConfig = `
table:
  name: people
  columns:
    - {name: id, type: int32, key: true}
    - {name: name, type: string, nullable: true}
storage:
  backend: memory
  addresses: [local]
operation: insert
skip_header_line: true
provenance:
  type: none
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPutReportsOutcomes(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	in := t.TempDir()
	good := writeFile(t, in, "good.csv", "id,name\n1,a\n2,b\n")
	bad := writeFile(t, in, "bad.csv", "id,name\nx,c\n")

	var out bytes.Buffer
	err = put(context.Background(), cfg, []string{good, bad}, &out, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 files failed")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "good.csv\tsuccess\t2", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "bad.csv\tfailure\t1\t"), lines[1])
}

func TestPutRoutesToOutputDir(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	cfg.Intake.OutputDir = t.TempDir()
	f := writeFile(t, t.TempDir(), "a.csv", "id,name\n1,a\n")

	var out bytes.Buffer
	require.NoError(t, put(context.Background(), cfg, []string{f}, &out, zap.NewNop()))
	_, err = os.Stat(filepath.Join(cfg.Intake.OutputDir, "success", "a.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Intake.OutputDir, "success", "a.csv.attributes.json"))
	assert.NoError(t, err)
}

func TestPutMissingFile(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	err = put(context.Background(), cfg, []string{filepath.Join(t.TempDir(), "nope.csv")}, &bytes.Buffer{}, zap.NewNop())
	assert.Error(t, err)
}

// unreachable fails every invocation the way a down storage cluster does.
type unreachable struct{}

func (unreachable) Invoke(context.Context, []types.WorkItem) ([]types.Outcome, error) {
	return nil, &types.TransportError{Err: errors.New("connection refused")}
}

func TestPutGivesUpOnUnreachableStorage(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	require.Zero(t, cfg.MaxAttempts)
	cfg.RetryDelay = time.Millisecond

	opts := putSchedulerOptions(cfg)
	assert.Equal(t, putMaxAttempts, opts.MaxAttempts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	work := []types.WorkItem{{ID: "a"}, {ID: "b"}}
	outcomes, err := ingest(ctx, unreachable{}, provenance.Discard{}, opts, work, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, types.RelFailure, o.Relationship)
		assert.Contains(t, o.Item.Attributes[types.AttrErrorMessage], "connection refused")
	}

	cfg.MaxAttempts = 7
	assert.Equal(t, 7, putSchedulerOptions(cfg).MaxAttempts)
}

func TestServeRequiresIntakeDirs(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	err = serve(context.Background(), cfg, zap.NewNop())
	var ce *config.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "intake.dir", ce.Field)
}

func TestLoadConfigNeedsPath(t *testing.T) {
	_, err := loadConfig(&rootOptions{}, zap.NewNop())
	assert.Error(t, err)

	p := writeFile(t, t.TempDir(), "c.yaml", testConfig)
	cfg, err := loadConfig(&rootOptions{configPath: p}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "people", cfg.Table.Name)
}
