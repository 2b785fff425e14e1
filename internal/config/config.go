package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mehmetymw/rec2table/internal/types"
)

const (
	DefaultBatchSize         = 100
	DefaultFlowFileBatchSize = 1
	DefaultWorkers           = 1
	DefaultFlushTimeout      = 30 * time.Second
	DefaultRetryDelay        = time.Second
	DefaultHTTPAddr          = ":8080"
)

// ConfigurationError rejects a config before any invocation starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

type ColumnConfig struct {
	Name     string          `yaml:"name"`
	Type     types.FieldType `yaml:"type"`
	Key      bool            `yaml:"key"`
	Nullable bool            `yaml:"nullable"`
}

type TableConfig struct {
	Name string `yaml:"name"`
	// Columns declares the table for the memory backend, which has no
	// catalog of its own.
	Columns []ColumnConfig `yaml:"columns"`
}

type StorageConfig struct {
	Backend   string   `yaml:"backend"`
	Addresses []string `yaml:"addresses"`
	Database  string   `yaml:"database"`
	User      string   `yaml:"user"`
	Password  string   `yaml:"password"`
}

type SourceConfig struct {
	Format    string        `yaml:"format"`
	Delimiter string        `yaml:"delimiter"`
	Fields    []types.Field `yaml:"fields"`
}

type IntakeConfig struct {
	Dir           string `yaml:"dir"`
	OutputDir     string `yaml:"output_dir"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

type KafkaProvenance struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ProvenanceConfig struct {
	Type  string          `yaml:"type"`
	Kafka KafkaProvenance `yaml:"kafka"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Table               TableConfig         `yaml:"table"`
	Storage             StorageConfig       `yaml:"storage"`
	Operation           types.OperationKind `yaml:"operation"`
	BatchSize           int                 `yaml:"batch_size"`
	FlowFileBatchSize   int                 `yaml:"flowfile_batch_size"`
	SkipHeaderLine      bool                `yaml:"skip_header_line"`
	IgnoreNull          bool                `yaml:"ignore_null"`
	LowercaseFieldNames bool                `yaml:"lowercase_field_names"`
	Workers             int                 `yaml:"workers"`
	FlushTimeout        time.Duration       `yaml:"flush_timeout"`
	RetryDelay          time.Duration       `yaml:"retry_delay"`
	MaxAttempts         int                 `yaml:"max_attempts"`
	Source              SourceConfig        `yaml:"source"`
	Intake              IntakeConfig        `yaml:"intake"`
	Provenance          ProvenanceConfig    `yaml:"provenance"`
	HTTP                HTTPConfig          `yaml:"http"`
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	// explicit zeros are configuration errors, not "unset"
	var explicit struct {
		BatchSize         *int `yaml:"batch_size"`
		FlowFileBatchSize *int `yaml:"flowfile_batch_size"`
		Workers           *int `yaml:"workers"`
	}
	if err := yaml.Unmarshal(b, &explicit); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	c.ApplyDefaults()
	if explicit.BatchSize != nil {
		c.BatchSize = *explicit.BatchSize
	}
	if explicit.FlowFileBatchSize != nil {
		c.FlowFileBatchSize = *explicit.FlowFileBatchSize
	}
	if explicit.Workers != nil {
		c.Workers = *explicit.Workers
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills optional fields. Required fields are left alone so
// Validate can reject them; an explicitly negative batch size is kept too.
func (c *Config) ApplyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlowFileBatchSize == 0 {
		c.FlowFileBatchSize = DefaultFlowFileBatchSize
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Source.Format == "" {
		c.Source.Format = "csv"
	}
	if c.Source.Delimiter == "" {
		c.Source.Delimiter = ","
	}
	if c.Provenance.Type == "" {
		c.Provenance.Type = "log"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	c.Operation = types.OperationKind(strings.ToUpper(string(c.Operation)))
}

func (c Config) Validate() error {
	if c.Table.Name == "" {
		return &ConfigurationError{Field: "table.name", Reason: "is required"}
	}
	if len(c.Storage.Addresses) == 0 {
		return &ConfigurationError{Field: "storage.addresses", Reason: "is required"}
	}
	switch c.Storage.Backend {
	case "memory":
		if len(c.Table.Columns) == 0 {
			return &ConfigurationError{Field: "table.columns", Reason: "required for the memory backend"}
		}
	case "sqlite", "mysql", "postgres":
	default:
		return &ConfigurationError{Field: "storage.backend", Reason: fmt.Sprintf("unknown backend %q", c.Storage.Backend)}
	}
	if c.Operation == "" {
		return &ConfigurationError{Field: "operation", Reason: "is required (INSERT or UPSERT)"}
	}
	if !c.Operation.Valid() {
		return &ConfigurationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", c.Operation)}
	}
	if c.BatchSize <= 0 {
		return &ConfigurationError{Field: "batch_size", Reason: "must be positive"}
	}
	if c.FlowFileBatchSize <= 0 {
		return &ConfigurationError{Field: "flowfile_batch_size", Reason: "must be positive"}
	}
	if c.Workers <= 0 {
		return &ConfigurationError{Field: "workers", Reason: "must be positive"}
	}
	if c.FlushTimeout < 0 {
		return &ConfigurationError{Field: "flush_timeout", Reason: "must not be negative"}
	}
	if c.MaxAttempts < 0 {
		return &ConfigurationError{Field: "max_attempts", Reason: "must not be negative"}
	}
	switch c.Source.Format {
	case "csv", "jsonl":
	default:
		return &ConfigurationError{Field: "source.format", Reason: fmt.Sprintf("unknown format %q", c.Source.Format)}
	}
	if c.Source.Format == "csv" && !c.SkipHeaderLine && len(c.Source.Fields) == 0 {
		return &ConfigurationError{Field: "source.fields", Reason: "required for csv input without a header line"}
	}
	if len([]rune(c.Source.Delimiter)) != 1 {
		return &ConfigurationError{Field: "source.delimiter", Reason: "must be a single character"}
	}
	switch c.Provenance.Type {
	case "log", "none":
	case "kafka":
		if len(c.Provenance.Kafka.Brokers) == 0 || c.Provenance.Kafka.Topic == "" {
			return &ConfigurationError{Field: "provenance.kafka", Reason: "brokers and topic are required"}
		}
	default:
		return &ConfigurationError{Field: "provenance.type", Reason: fmt.Sprintf("unknown type %q", c.Provenance.Type)}
	}
	return nil
}
