// Package backend declares the pluggable collaborator that actually speaks
// to the database: connection establishment, query execution, and
// (optionally) per-type decoding hooks. The SQL wire protocol and row
// deserialization live entirely behind this interface — this module never
// implements its own wire codec, it only adapts one.
package backend

import (
	"context"
	"errors"
)

// ErrTypeParsersUnsupported is returned by SetTypeParser implementations
// that have no concept of per-OID decoding.
var ErrTypeParsersUnsupported = errors.New("backend: type parsers not supported")

// TypeParser decodes the raw wire bytes of a single column value for a
// given OID into a Go value.
type TypeParser func(raw []byte) (any, error)

// Factory creates backend connections. One Factory is configured per
// Driver; the Driver calls Connect once per Client it creates, passing the
// connection URL the dialect adapter built from the configured connection
// parameters.
type Factory interface {
	// Connect establishes a new connection. The Driver's client-creation
	// path calls it from a goroutine of its own, never from the Driver's
	// owner goroutine; the actual I/O may run however the Factory sees fit
	// as long as it honors ctx cancellation.
	Connect(ctx context.Context, url string) (Conn, error)
}

// Row is a single decoded result row, in column order.
type Row []any

// Result is what a successful Query call returns: zero or more rows plus
// an affected/returned row count, matching the {rows, count} payload this
// module's callers are specified to receive.
type Result struct {
	Columns []string
	Rows    []Row
	Count   int64
}

// Conn is a single backend connection, exclusively owned by one Client at
// a time. At most one Query is ever outstanding on a Conn at once.
type Conn interface {
	// Query executes sql and returns its result. sql may contain multiple
	// statements separated by ";\n" (the Client assembles transaction
	// bodies this way); the Factory's implementation is responsible for
	// executing them as a single round trip.
	Query(ctx context.Context, sql string) (Result, error)

	// Close releases the connection. Called when a Client is destroyed
	// rather than returned to the idle pool.
	Close(ctx context.Context) error

	// SetTypeParser registers a decoder for the given OID/format pair. A
	// Factory that cannot support custom decoding should return
	// ErrTypeParsersUnsupported.
	SetTypeParser(oid uint32, format Format, parser TypeParser) error
}

// Format identifies the wire format a TypeParser decodes.
type Format string

// Known wire formats.
const (
	FormatText   Format = "text"
	FormatBinary Format = "binary"
)
