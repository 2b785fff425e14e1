package types

import (
	"errors"
	"fmt"
)

// MappingError means a record could not be turned into an operation against
// the target schema. It is scoped to one record and never retried.
type MappingError struct {
	Field  string
	Reason string
}

func (e *MappingError) Error() string {
	if e.Field == "" {
		return "mapping: " + e.Reason
	}
	return fmt.Sprintf("mapping field %q: %s", e.Field, e.Reason)
}

// RowError means the storage engine rejected one row.
type RowError struct {
	Err error
}

func (e *RowError) Error() string { return "row rejected: " + e.Err.Error() }
func (e *RowError) Unwrap() error { return e.Err }

// TransportError aborts a whole invocation. Committed counts rows already
// written by earlier flushes of the same invocation.
type TransportError struct {
	Err       error
	Committed int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure (%d rows committed before failure): %v", e.Committed, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
