// Package session implements the per-connection session state machine: the
// orchestration center that composes the parser pipeline, drives reactor
// interests, and relays the POP3 dialogue between a client and an origin
// server, diverting RETR bodies through an external filter when configured.
package session

import "github.com/infodancer/pop3proxy/internal/reactor"

// State enumerates the session state machine's explicit states.
type State int

const (
	// OriginResolv is the initial state: DNS resolution of the origin
	// address is in flight on a background worker.
	OriginResolv State = iota
	// Connecting waits for the origin socket to become writable, then
	// probes SO_ERROR.
	Connecting
	// Hello waits for the origin's greeting line, then sends the proxy's
	// own greeting to the client and issues a CAPA probe to origin.
	Hello
	// Capa waits for the response to the proxy's own CAPA probe, and
	// records whether the origin advertises PIPELINING.
	Capa
	// Request waits for a complete command line from the client.
	Request
	// Response reads origin's response to the head of the request queue.
	Response
	// ExternalTransformation pipes a RETR body through the filter child.
	ExternalTransformation
	// Done is terminal: the session closed cleanly.
	Done
	// Error is terminal: the session closed after a fatal condition.
	Error
)

func (s State) String() string {
	switch s {
	case OriginResolv:
		return "ORIGIN_RESOLV"
	case Connecting:
		return "CONNECTING"
	case Hello:
		return "HELLO"
	case Capa:
		return "CAPA"
	case Request:
		return "REQUEST"
	case Response:
		return "RESPONSE"
	case ExternalTransformation:
		return "EXTERNAL_TRANSFORMATION"
	case Done:
		return "DONE"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is DONE or ERROR.
func (s State) Terminal() bool {
	return s == Done || s == Error
}

// interests is the single table the "interest flipping" design decision
// refers to: before every transition, both sides' reactor interest are
// recomputed from the destination state alone, so at most one side is ever
// armed for read and one for write, and no handler has to reason about the
// interests left over from the previous state.
func interests(s State) (client, origin reactor.Interest) {
	switch s {
	case OriginResolv:
		return reactor.None, reactor.None
	case Connecting:
		return reactor.None, reactor.Write
	case Hello:
		return reactor.None, reactor.Read
	case Capa:
		return reactor.None, reactor.Read
	case Request:
		return reactor.Read, reactor.None
	case Response:
		return reactor.None, reactor.Read
	case ExternalTransformation:
		// Both network descriptors are parked; the pipes to the filter
		// child carry their own interests, set independently by the
		// transformation's own plumbing.
		return reactor.None, reactor.None
	default:
		return reactor.None, reactor.None
	}
}
