package parser

// framerState names the POP3 multiline framer's states (spec.md §4.2):
// line_start, in_line, cr_seen, crlf_seen, dot_after_crlf, terminator_cr,
// terminator_crlf, done. crlf_seen is folded into line_start here — both
// mean "the next byte decides whether this line opens with a stuffed/
// terminating dot" — since they are behaviourally identical: consuming a
// CRLF pair moves straight to lineStart. terminator_crlf is likewise
// folded into done, which the LF completing the terminator enters directly.
type framerState int

const (
	stateLineStart framerState = iota
	stateInLine
	stateCRSeen
	stateDotAfterCRLF
	stateTerminatorCR
	stateDone
)

// Framer implements the POP3 multiline framer: it detects the end-of-
// response marker CRLF "." CRLF and removes byte-stuffing (a "." in column
// 1 followed by anything other than CRLF is dropped; the following byte
// becomes transparent). Framer is re-entrant on the input stream and never
// reads ahead — each Feed call consumes exactly one byte.
type Framer struct {
	state framerState
}

// NewFramer returns a Framer positioned at the start of a multiline body.
func NewFramer() *Framer {
	return &Framer{state: stateLineStart}
}

// Reset returns the framer to its initial state for reuse on a new body.
func (f *Framer) Reset() {
	f.state = stateLineStart
}

// Done reports whether Fin has already been emitted.
func (f *Framer) Done() bool {
	return f.state == stateDone
}

// Feed consumes one byte and returns the events it produced. The slice is
// owned by the caller; Feed never retains it.
func (f *Framer) Feed(b byte) []Event {
	switch f.state {
	case stateDone:
		return nil

	case stateLineStart:
		if b == '.' {
			f.state = stateDotAfterCRLF
			return nil
		}
		f.state = stateInLine
		return []Event{{Kind: Byte, Payload: b}}

	case stateInLine:
		if b == '\r' {
			f.state = stateCRSeen
			return nil
		}
		return []Event{{Kind: Byte, Payload: b}}

	case stateCRSeen:
		if b == '\n' {
			f.state = stateLineStart
			return []Event{{Kind: Byte, Payload: '\r'}, {Kind: Byte, Payload: '\n'}}
		}
		// Lone CR not followed by LF: emit the held CR as data, then
		// reprocess b as if still mid-line (no CRLF occurred, so no
		// dot-stuffing check applies to b).
		f.state = stateInLine
		evs := []Event{{Kind: Byte, Payload: '\r'}}
		if b == '\r' {
			f.state = stateCRSeen
			return evs
		}
		return append(evs, Event{Kind: Byte, Payload: b})

	case stateDotAfterCRLF:
		if b == '\r' {
			f.state = stateTerminatorCR
			return nil
		}
		// Byte-stuffing: the leading dot is dropped; b is transparent data
		// back on the same line.
		f.state = stateInLine
		return []Event{{Kind: Byte, Payload: b}}

	case stateTerminatorCR:
		if b == '\n' {
			f.state = stateDone
			return []Event{{Kind: Fin}}
		}
		// The dot+CR was not a terminator after all (dot-stuffed data
		// followed by a lone CR). Emit the held CR, then reprocess b.
		f.state = stateInLine
		evs := []Event{{Kind: Byte, Payload: '\r'}}
		if b == '\r' {
			f.state = stateCRSeen
			return evs
		}
		return append(evs, Event{Kind: Byte, Payload: b})
	}

	return nil
}

// Stuff re-applies byte-stuffing to a fully transparent (already-
// unstuffed) body, producing the wire representation a sender would
// transmit: any line beginning with "." gets a second "." prepended. This
// is the inverse of Feed's dot removal and is used both by tests (to check
// the framer's idempotence property) and by the external-filter transform,
// which must re-stuff a filter's raw output before handing it back as a
// multiline POP3 response.
func Stuff(body []byte) []byte {
	s := NewStuffer()
	out := make([]byte, 0, len(body)+8)
	for _, b := range body {
		out = append(out, s.Feed(b)...)
	}
	return out
}

// Stuffer applies byte-stuffing one byte at a time, tracking line-start
// state across calls. It is the streaming counterpart to Stuff, used when
// the transparent body arrives incrementally (e.g. from an external
// filter's stdout) rather than as a single buffer.
type Stuffer struct {
	atLineStart bool
}

// NewStuffer returns a Stuffer positioned at the start of a body.
func NewStuffer() *Stuffer {
	return &Stuffer{atLineStart: true}
}

// Feed consumes one transparent byte and returns the wire byte(s) it
// produces (one byte, or two when a leading "." is stuffed).
func (s *Stuffer) Feed(b byte) []byte {
	var out []byte
	if s.atLineStart && b == '.' {
		out = append(out, '.')
	}
	out = append(out, b)
	s.atLineStart = b == '\n'
	return out
}

// AtLineStart reports whether the last byte fed completed a line (or no
// byte has been fed yet), i.e. whether the next output byte would land at
// the start of a fresh wire line.
func (s *Stuffer) AtLineStart() bool {
	return s.atLineStart
}
