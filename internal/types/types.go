package types

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"
)

type FieldType string

const (
	TypeBool      FieldType = "bool"
	TypeInt8      FieldType = "int8"
	TypeInt16     FieldType = "int16"
	TypeInt32     FieldType = "int32"
	TypeInt64     FieldType = "int64"
	TypeFloat     FieldType = "float"
	TypeDouble    FieldType = "double"
	TypeString    FieldType = "string"
	TypeBinary    FieldType = "binary"
	TypeTimestamp FieldType = "timestamp"
)

type Field struct {
	Name string    `yaml:"name" json:"name"`
	Type FieldType `yaml:"type" json:"type"`
}

// RecordSchema is the ordered field list a RecordSource establishes before
// its first record.
type RecordSchema struct {
	Fields []Field
}

func (s RecordSchema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Record is one row read from a work item. Values line up with Schema.Fields;
// a nil value means the field is absent.
type Record struct {
	Schema RecordSchema
	Values []any
}

func (r Record) Get(name string) (any, bool) {
	for i, f := range r.Schema.Fields {
		if f.Name == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Batch is a bounded, ordered run of records belonging to one work item.
type Batch struct {
	Records []Record
	// Offset is the index of Records[0] within the work item.
	Offset int
}

// RecordSource yields the records of one work item in order and returns
// io.EOF once exhausted.
type RecordSource interface {
	Schema() RecordSchema
	Next(ctx context.Context) (Record, error)
	Close() error
}

// SourceFactory opens a RecordSource over the content of a work item.
type SourceFactory interface {
	Open(item WorkItem) (RecordSource, error)
}

const (
	AttrFilename     = "filename"
	AttrPath         = "path"
	AttrAbsolutePath = "absolute.path"
	AttrFileSize     = "file.size"
	AttrRecordCount  = "record.count"
	AttrErrorCount   = "rec2table.error.count"
	AttrErrorMessage = "rec2table.error.message"
	AttrAttempts     = "rec2table.attempts"
)

// WorkItem is the unit of upstream work. Content is either held in memory or
// read from Path.
type WorkItem struct {
	ID         string
	Attributes map[string]string
	Content    []byte
	Path       string
	Attempts   int
}

func (w WorkItem) Open() (io.ReadCloser, error) {
	if w.Content != nil || w.Path == "" {
		return io.NopCloser(bytes.NewReader(w.Content)), nil
	}
	return os.Open(w.Path)
}

func (w WorkItem) Filename() string {
	return w.Attributes[AttrFilename]
}

type OperationKind string

const (
	OpInsert OperationKind = "INSERT"
	OpUpsert OperationKind = "UPSERT"
)

func (k OperationKind) Valid() bool {
	return k == OpInsert || k == OpUpsert
}

type ColumnValue struct {
	Column string
	Value  any
}

// Operation is one write request derived from one record.
type Operation struct {
	Kind    OperationKind
	Table   string
	Columns []ColumnValue
}

func (o Operation) Value(column string) (any, bool) {
	for _, c := range o.Columns {
		if c.Column == column {
			return c.Value, true
		}
	}
	return nil, false
}

type Column struct {
	Name     string
	Type     FieldType
	Key      bool
	Nullable bool
}

// TableSchema is fetched once per session and never mutated by writers.
type TableSchema struct {
	Name    string
	Columns []Column
}

func (t TableSchema) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t TableSchema) KeyColumns() []Column {
	var keys []Column
	for _, c := range t.Columns {
		if c.Key {
			keys = append(keys, c)
		}
	}
	return keys
}

// Session buffers operations against one table. It is not safe for
// concurrent use; every invocation opens its own.
type Session interface {
	Schema() TableSchema
	// Apply buffers op. A non-nil error rejects that row only.
	Apply(op Operation) error
	// Flush writes buffered operations and returns one error slot per
	// applied operation in apply order (nil = written). A non-nil second
	// return value is a transport failure for the whole flush.
	Flush(ctx context.Context) ([]error, error)
	Close() error
}

type StorageClient interface {
	OpenSession(ctx context.Context, table string) (Session, error)
	// URI identifies table for provenance.
	URI(table string) string
	Close() error
}

// SubmissionResult is the outcome of one operation, tied back to its work
// item and record position.
type SubmissionResult struct {
	Item   int
	Record int
	Err    error
}

func (r SubmissionResult) OK() bool { return r.Err == nil }

type ProvenanceKind string

const ProvenanceSend ProvenanceKind = "SEND"

type ProvenanceEvent struct {
	ID          string         `json:"id"`
	Kind        ProvenanceKind `json:"kind"`
	URI         string         `json:"uri"`
	WorkItemID  string         `json:"work_item_id"`
	Filename    string         `json:"filename,omitempty"`
	RecordCount int            `json:"record_count"`
	Timestamp   time.Time      `json:"timestamp"`
	Duration    time.Duration  `json:"duration_ns"`
}

type Relationship string

const (
	RelSuccess Relationship = "success"
	RelFailure Relationship = "failure"
)

type ItemState string

const (
	StateReceived            ItemState = "RECEIVED"
	StateRecordsExtracted    ItemState = "RECORDS_EXTRACTED"
	StateOperationsSubmitted ItemState = "OPERATIONS_SUBMITTED"
	StateSucceeded           ItemState = "SUCCEEDED"
	StateFailed              ItemState = "FAILED"
)

// Outcome is the single routing decision for a work item.
type Outcome struct {
	Item         WorkItem
	Relationship Relationship
	State        ItemState
	Provenance   *ProvenanceEvent
}
