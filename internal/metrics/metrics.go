// Package metrics provides interfaces and implementations for collecting
// POP3 proxy metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them over HTTP;
// the management interface (a separate collaborator) reads a stable
// snapshot of the same counters through Collector.Snapshot.
package metrics

import "context"

// Snapshot is the metrics record the management interface exposes
// read access to, per the external interfaces design.
type Snapshot struct {
	ConcurrentConnections int64
	HistoricalAccess      int64
	TransferredBytes      int64
	RetrievedMessages     int64
}

// Collector defines the interface for recording proxy metrics.
type Collector interface {
	// ConnectionOpened/ConnectionClosed track concurrent_connections.
	ConnectionOpened()
	ConnectionClosed()

	// CommandProcessed records one relayed or locally-answered command.
	CommandProcessed(command string)

	// HistoricalAccess records one successfully authenticated session
	// (historical_access).
	HistoricalAccess()

	// MessageRetrieved records one delivered RETR body: retrieved_messages
	// increments by one and transferred_bytes by sizeBytes.
	MessageRetrieved(sizeBytes int64)

	// BytesTransferred accounts for bytes relayed outside of a RETR body
	// (other multi-line and single-line responses).
	BytesTransferred(n int64)

	// PipeliningUsed records a batch of pipelined requests sent to origin.
	PipeliningUsed()

	// InvalidCommand records one locally-rejected command line.
	InvalidCommand()

	// SessionTerminatedTooManyInvalid records a session closed after the
	// consecutive-invalid-command bound was reached.
	SessionTerminatedTooManyInvalid()

	// FilterSpawnFailed records a failed attempt to spawn the external
	// filter child.
	FilterSpawnFailed()

	// FilterStreamFailed records a filter child that died mid-stream.
	FilterStreamFailed()

	// Snapshot returns the current values of the metrics record the
	// management interface is granted read access to.
	Snapshot() Snapshot
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
