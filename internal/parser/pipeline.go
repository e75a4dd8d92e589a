package parser

// contentTypeLiteral is the one RFC-822 field name the pipeline cares about;
// every other header is scanned (to stay correctly positioned) but ignored.
const contentTypeLiteral = "Content-Type"

// Pipeline composes the POP3 multiline framer, the RFC-822 scanner, the
// Content-Type header matcher, the MIME value parser, and the matcher tree
// into the single decision spec.md §4.2 describes: should this RETR body be
// diverted through the external filter? It consumes the raw wire bytes of a
// multiline response body (dot-stuffed, CRLF-terminated) one at a time.
type Pipeline struct {
	framer  *Framer
	scanner *RFC822Scanner
	ct      *Matcher
	mime    *MIMEValueParser
	tree    *Tree

	inName  bool
	nameLen int
	isCT    bool

	decided         bool
	decidedReturned bool
	divert          bool
}

// NewPipeline returns a Pipeline that decides against tree.
func NewPipeline(tree *Tree) *Pipeline {
	return &Pipeline{
		framer:  NewFramer(),
		scanner: NewRFC822Scanner(),
		ct:      NewMatcher(contentTypeLiteral),
		mime:    NewMIMEValueParser(),
		tree:    tree,
	}
}

// Reset prepares the pipeline to scan a new message body.
func (p *Pipeline) Reset() {
	p.framer.Reset()
	p.scanner = NewRFC822Scanner()
	p.ct.Reset()
	p.mime.Reset()
	p.inName = false
	p.nameLen = 0
	p.isCT = false
	p.decided = false
	p.decidedReturned = false
	p.divert = false
}

// Feed consumes one raw wire byte. divertDecided is true exactly once, the
// first time the pipeline has enough information (the ';' opening the
// Content-Type parameters or else the end of that header, or the end of all
// headers with none present) to answer divert.
// fin is true on the byte that completes the body's CRLF "." CRLF
// terminator.
func (p *Pipeline) Feed(raw byte) (divertDecided, divert, fin bool) {
	for _, fev := range p.framer.Feed(raw) {
		switch fev.Kind {
		case Fin:
			fin = true
		case Byte:
			p.feedScanner(fev.Payload)
		}
	}
	if p.decided && !p.decidedReturned {
		p.decidedReturned = true
		return true, p.divert, fin
	}
	return false, false, fin
}

func (p *Pipeline) feedScanner(b byte) {
	for _, sev := range p.scanner.Feed(b) {
		switch sev.Kind {
		case Name:
			if !p.inName {
				p.inName = true
				p.nameLen = 0
				p.ct.Reset()
			}
			p.ct.Feed(sev.Payload)
			p.nameLen++
		case NameEnd:
			p.inName = false
			p.isCT = p.ct.Matched() && p.nameLen == p.ct.Len()
			if p.isCT {
				p.mime.Reset()
				p.tree.Reset()
			}
		case Value:
			if p.isCT {
				p.feedMIME(sev.Payload)
			}
		case ValueEnd:
			if p.isCT && !p.decided {
				p.decided = true
				p.divert = p.tree.Decide()
			}
			p.isCT = false
		case BodyStart:
			if !p.decided {
				// No Content-Type header matched any configured entry
				// (or none was present at all): do not divert.
				p.decided = true
				p.divert = false
			}
		}
	}
}

func (p *Pipeline) feedMIME(b byte) {
	for _, mev := range p.mime.Feed(b) {
		switch mev.Kind {
		case MIMEType:
			p.tree.FeedType(mev.Payload)
		case MIMETypeEnd:
			p.tree.EndType()
		case MIMESubtype:
			p.tree.FeedSubtype(mev.Payload)
		case MIMEParam:
			if !p.decided {
				p.decided = true
				p.divert = p.tree.Decide()
			}
		}
	}
}
