package filter

import "github.com/infodancer/pop3proxy/internal/parser"

// Transformation is the per-RETR ExternalTransformation object (spec.md
// §3): two independent framers, one detecting the end of the body read
// from origin, the other detecting the end of the body written by the
// filter, plus the four completion flags.
type Transformation struct {
	Process *Process

	originFramer *parser.Framer
	filterFramer *parser.Framer
	stuffer      *parser.Stuffer

	FinishedRead  bool
	FinishedWrite bool
	ErrorRead     bool
	ErrorWrite    bool
}

// New wraps a spawned Process in a fresh Transformation.
func New(process *Process) *Transformation {
	return &Transformation{
		Process:      process,
		originFramer: parser.NewFramer(),
		filterFramer: parser.NewFramer(),
		stuffer:      parser.NewStuffer(),
	}
}

// FeedOrigin consumes one raw wire byte read from origin's RETR body and
// returns the transparent (dot-unstuffed) bytes to write to the filter's
// stdin. fin is true on the byte that completes origin's terminator, at
// which point FinishedRead is also set and the caller should close the
// filter's stdin.
func (t *Transformation) FeedOrigin(b byte) (toFilter []byte, fin bool) {
	for _, ev := range t.originFramer.Feed(b) {
		switch ev.Kind {
		case parser.Byte:
			toFilter = append(toFilter, ev.Payload)
		case parser.Fin:
			fin = true
			t.FinishedRead = true
		}
	}
	return toFilter, fin
}

// FeedFilter consumes one raw byte read from the filter's stdout and
// returns the wire bytes (re-stuffed) to write to the client. fin is true
// once the filter's own terminator has been observed on its stream, at
// which point FinishedWrite is set.
func (t *Transformation) FeedFilter(b byte) (toClient []byte, fin bool) {
	for _, ev := range t.filterFramer.Feed(b) {
		switch ev.Kind {
		case parser.Byte:
			toClient = append(toClient, t.stuffer.Feed(ev.Payload)...)
		case parser.Fin:
			fin = true
			t.FinishedWrite = true
		}
	}
	return toClient, fin
}

// SyntheticTerminator returns the terminator the proxy must emit itself
// when the filter closes its stdout (EOF) before its own framer ever
// reported Fin. It consults the stuffer's line-start state: output that
// already ended at a line boundary only needs ".\r\n"; output that didn't
// end in CRLF needs a CRLF first so the terminator's leading dot cannot be
// read as a continuation of the filter's last (unterminated) line.
func (t *Transformation) SyntheticTerminator() []byte {
	if t.stuffer.AtLineStart() {
		return []byte(".\r\n")
	}
	return []byte("\r\n.\r\n")
}

// Done reports whether the transformation has reached a terminal
// condition: both sides finished, or the read side finished with the
// write side in error (spec.md §4.5's termination rule).
func (t *Transformation) Done() bool {
	if t.FinishedRead && t.FinishedWrite {
		return true
	}
	if t.FinishedRead && t.ErrorWrite {
		return true
	}
	return false
}
