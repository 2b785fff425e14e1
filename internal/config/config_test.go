package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/rec2table/internal/types"
)

const minimal = `
table:
  name: ingest-table
storage:
  backend: sqlite
  addresses: ["/tmp/rec2table.db"]
operation: upsert
skip_header_line: true
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, types.OpUpsert, c.Operation)
	assert.Equal(t, DefaultBatchSize, c.BatchSize)
	assert.Equal(t, DefaultFlowFileBatchSize, c.FlowFileBatchSize)
	assert.Equal(t, DefaultWorkers, c.Workers)
	assert.Equal(t, DefaultFlushTimeout, c.FlushTimeout)
	assert.Equal(t, "csv", c.Source.Format)
	assert.Equal(t, ",", c.Source.Delimiter)
	assert.Equal(t, "log", c.Provenance.Type)
	assert.Equal(t, DefaultHTTPAddr, c.HTTP.Addr)
}

func TestParseFullConfig(t *testing.T) {
	doc := `
table:
  name: metrics
storage:
  backend: postgres
  addresses: ["db1:5432", "db2:5432"]
  database: ingest
  user: writer
operation: INSERT
batch_size: 10
flowfile_batch_size: 2
workers: 4
flush_timeout: 5s
ignore_null: true
lowercase_field_names: true
source:
  format: jsonl
  fields:
    - {name: id, type: int32}
    - {name: stringVal, type: string}
provenance:
  type: kafka
  kafka:
    brokers: ["localhost:9092"]
    topic: provenance
`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, 10, c.BatchSize)
	assert.Equal(t, 2, c.FlowFileBatchSize)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, 5*time.Second, c.FlushTimeout)
	assert.True(t, c.IgnoreNull)
	assert.True(t, c.LowercaseFieldNames)
	assert.Equal(t, []string{"db1:5432", "db2:5432"}, c.Storage.Addresses)
	require.Len(t, c.Source.Fields, 2)
	assert.Equal(t, types.TypeInt32, c.Source.Fields[0].Type)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]struct {
		doc   string
		field string
	}{
		"missing table":     {doc: "storage: {backend: sqlite, addresses: [x]}\noperation: UPSERT\nskip_header_line: true", field: "table.name"},
		"missing addresses": {doc: "table: {name: t}\noperation: UPSERT\nskip_header_line: true", field: "storage.addresses"},
		"missing operation": {doc: "table: {name: t}\nstorage: {backend: sqlite, addresses: [x]}\nskip_header_line: true", field: "operation"},
		"unknown operation": {doc: "table: {name: t}\nstorage: {backend: sqlite, addresses: [x]}\noperation: DELETE\nskip_header_line: true", field: "operation"},
		"zero batch size":   {doc: "table: {name: t}\nstorage: {backend: sqlite, addresses: [x]}\noperation: UPSERT\nskip_header_line: true\nbatch_size: 0", field: "batch_size"},
		"negative batch":    {doc: "table: {name: t}\nstorage: {backend: sqlite, addresses: [x]}\noperation: UPSERT\nskip_header_line: true\nbatch_size: -3", field: "batch_size"},
		"zero ff batch":     {doc: "table: {name: t}\nstorage: {backend: sqlite, addresses: [x]}\noperation: UPSERT\nskip_header_line: true\nflowfile_batch_size: 0", field: "flowfile_batch_size"},
		"memory w/o cols":   {doc: "table: {name: t}\nstorage: {backend: memory, addresses: [mem]}\noperation: UPSERT\nskip_header_line: true", field: "table.columns"},
		"unknown backend":   {doc: "table: {name: t}\nstorage: {backend: cassandra, addresses: [x]}\noperation: UPSERT\nskip_header_line: true", field: "storage.backend"},
		"csv without names": {doc: "table: {name: t}\nstorage: {backend: sqlite, addresses: [x]}\noperation: UPSERT", field: "source.fields"},
		"kafka w/o topic":   {doc: "table: {name: t}\nstorage: {backend: sqlite, addresses: [x]}\noperation: UPSERT\nskip_header_line: true\nprovenance: {type: kafka}", field: "provenance.kafka"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce), "expected ConfigurationError, got %v", err)
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	_, err := LoadFromEnv()
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))
	t.Setenv("CONFIG_PATH", path)

	c, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "ingest-table", c.Table.Name)
}
