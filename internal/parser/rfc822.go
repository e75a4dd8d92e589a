package parser

// rfc822State enumerates the RFC-822 header scanner's internal states.
type rfc822State int

const (
	rfcLineStart rfc822State = iota // start of a header line, or the blank line
	rfcHeaderEndCR                  // saw CR at rfcLineStart; LF confirms blank line
	rfcName                         // consuming header field name bytes
	rfcAfterColon                   // skipping linear whitespace after ':'
	rfcValue                        // consuming header field value bytes
	rfcValueCR                      // saw CR inside a value; waiting for LF
	rfcValueCRLF                    // saw CRLF inside a value; next byte decides fold vs end
	rfcFoldSkipWS                   // skipping the whitespace run that continues a folded value
	rfcDiscardCR                    // saw CR ending a colon-less line; LF resumes at the next line
	rfcBody                         // past the blank line; scanner is inert
)

// RFC822Scanner segments an RFC-822 message's headers into NAME/NAME_END/
// VALUE/VALUE_END events and marks the blank line that starts the body with
// BodyStart. It handles header folding (a value line continued by leading
// whitespace on the next line) by collapsing the fold into a single space,
// per RFC 822 §3.1.1. It consumes the transparent BYTE stream produced by
// the POP3 multiline framer (or any other CRLF-delimited byte source) one
// byte at a time and never reads ahead.
type RFC822Scanner struct {
	state rfc822State
}

// NewRFC822Scanner returns a scanner positioned at the start of a message.
func NewRFC822Scanner() *RFC822Scanner {
	return &RFC822Scanner{state: rfcLineStart}
}

// InBody reports whether the blank line has already been seen.
func (s *RFC822Scanner) InBody() bool {
	return s.state == rfcBody
}

// Feed consumes one byte and returns the events it produced.
func (s *RFC822Scanner) Feed(b byte) []Event {
	return s.feed(b, 0)
}

// feed is the recursive core: some transitions decide a byte's meaning only
// after seeing CRLF, and must then reprocess that byte against a different
// state. depth bounds the recursion (at most two reprocessing hops ever
// occur: CRLF wait -> fold-or-end decision -> name-start decision).
func (s *RFC822Scanner) feed(b byte, depth int) []Event {
	if depth > 4 {
		return nil
	}

	switch s.state {
	case rfcBody:
		return nil

	case rfcLineStart:
		switch {
		case b == '\r':
			s.state = rfcHeaderEndCR
			return nil
		case b == ' ' || b == '\t':
			// Folded continuation of the previous header's value, with no
			// preceding header on record: treat as stray whitespace and
			// drop it rather than emit an orphan VALUE.
			s.state = rfcFoldSkipWS
			return nil
		default:
			s.state = rfcName
			return []Event{{Kind: Name, Payload: b}}
		}

	case rfcHeaderEndCR:
		if b == '\n' {
			s.state = rfcBody
			return []Event{{Kind: BodyStart}}
		}
		// Malformed: CR not followed by LF at a line boundary. Drop the
		// stray CR and reprocess b as a fresh line start.
		s.state = rfcLineStart
		return s.feed(b, depth+1)

	case rfcName:
		if b == ':' {
			s.state = rfcAfterColon
			return []Event{{Kind: NameEnd}}
		}
		if b == '\r' {
			// Header line with no colon: not a valid field. Discard and
			// resynchronise on the next line.
			s.state = rfcDiscardCR
			return nil
		}
		return []Event{{Kind: Name, Payload: b}}

	case rfcDiscardCR:
		s.state = rfcLineStart
		if b == '\n' {
			return nil
		}
		return s.feed(b, depth+1)

	case rfcAfterColon:
		if b == ' ' || b == '\t' {
			return nil
		}
		s.state = rfcValue
		return s.feed(b, depth+1)

	case rfcValue:
		if b == '\r' {
			s.state = rfcValueCR
			return nil
		}
		return []Event{{Kind: Value, Payload: b}}

	case rfcValueCR:
		if b == '\n' {
			s.state = rfcValueCRLF
			return nil
		}
		// Lone CR inside a value: emit it as data and fall back to rfcValue.
		s.state = rfcValue
		return append([]Event{{Kind: Value, Payload: '\r'}}, s.feed(b, depth+1)...)

	case rfcValueCRLF:
		if b == ' ' || b == '\t' {
			s.state = rfcFoldSkipWS
			return []Event{{Kind: Value, Payload: ' '}}
		}
		// Not a fold: the value ends here, and b starts whatever comes
		// next (a new header name, or the blank line).
		s.state = rfcLineStart
		return append([]Event{{Kind: ValueEnd}}, s.feed(b, depth+1)...)

	case rfcFoldSkipWS:
		if b == ' ' || b == '\t' {
			return nil
		}
		s.state = rfcValue
		return s.feed(b, depth+1)
	}

	return nil
}
