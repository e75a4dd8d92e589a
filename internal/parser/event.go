// Package parser implements the byte-at-a-time parser pipeline: the POP3
// multiline framer, an RFC-822 header scanner, a case-insensitive literal
// matcher, a MIME Content-Type value parser, and the type/subtype matcher
// tree that composes them into a single "divert this body?" decision.
//
// Every parser here consumes one byte per call and returns the event(s)
// produced by that byte. None of them read ahead into the stream; a parser
// that cannot yet decide what a byte means holds it internally (at most a
// couple of pending bytes) and resolves it on a later call.
package parser

// Kind enumerates the event types emitted by the pipeline's parsers. Not
// every parser emits every kind; see each parser's doc comment.
type Kind int

const (
	// Wait means the byte was consumed but produced no event yet; the
	// parser needs more input before it can decide.
	Wait Kind = iota
	// Byte is a transparent content byte.
	Byte
	// Fin marks the end of a framed region (emitted exactly once).
	Fin
	// Name is a byte of a header field name.
	Name
	// NameEnd marks the colon ending a header field name.
	NameEnd
	// Value is a byte of a header field value (folding already resolved).
	Value
	// ValueEnd marks the end of a header field value.
	ValueEnd
	// BodyStart marks the blank line separating headers from the body.
	BodyStart
	// EQ means the matcher's literal matches the input seen so far.
	EQ
	// NEQ means the matcher's literal diverged from the input.
	NEQ
	// MIMEType is a byte of the MIME top-level type.
	MIMEType
	// MIMETypeEnd marks the '/' separating type from subtype.
	MIMETypeEnd
	// MIMESubtype is a byte of the MIME subtype.
	MIMESubtype
	// MIMEParam marks a parameter boundary (';'); payload is empty.
	MIMEParam
)

// Event is one unit of parser output: a Kind plus, for byte-carrying kinds,
// the payload byte.
type Event struct {
	Kind    Kind
	Payload byte
}
