package session

import (
	"bytes"

	"github.com/infodancer/pop3proxy/internal/parser"
)

// readResponse drains whatever origin bytes are currently available,
// advancing through as many queued requests' responses as the buffered
// data allows. It returns to the reactor (rather than looping forever)
// the moment it needs more bytes than are currently buffered.
func (s *Session) readResponse() {
	if !s.fillOriginRead() {
		return
	}
	for {
		if s.current == nil {
			s.current = s.queue.Front()
			if s.current == nil {
				return
			}
			s.respAwaitingStatus = true
		}
		if s.respAwaitingStatus {
			if !s.readStatusLine() {
				return
			}
			continue
		}
		raw := s.originRead.ReserveRead()
		if len(raw) == 0 {
			return
		}
		var progressed bool
		if s.respIsRetr {
			if s.divertDecided {
				if s.divert {
					// EXTERNAL_TRANSFORMATION now owns the rest of this
					// body; the state transition already parked this
					// path, so stop looping here.
					return
				}
				progressed = s.drainRetrPassthrough(raw)
			} else {
				progressed = s.drainRetrBody(raw)
			}
		} else {
			progressed = s.drainPlainBody(raw)
		}
		if !progressed {
			return
		}
	}
}

// readStatusLine consumes the status line of the response at the head of
// the queue. A non-multiline (or -ERR) response is complete once its
// status line is read; a multiline +OK response opens body-draining mode.
func (s *Session) readStatusLine() bool {
	line, consumed, ok := findCRLFLine(s.originRead.ReserveRead())
	if !ok {
		return false
	}
	s.originRead.AdvanceRead(consumed)
	ok200 := bytes.HasPrefix(line, []byte("+OK"))
	if s.current.Command == "PASS" && ok200 {
		s.metrics.HistoricalAccess()
	}
	wire := append(append([]byte{}, line...), '\r', '\n')
	s.sendToClient(wire)
	s.metrics.BytesTransferred(int64(len(wire)))
	if !(ok200 && s.current.IsMultiline()) {
		s.completeCurrent()
		return true
	}
	s.respAwaitingStatus = false
	s.respIsRetr = s.current.Command == "RETR"
	if s.respIsRetr {
		s.pipeline.Reset()
		s.retrPrefix = s.retrPrefix[:0]
		s.divertDecided = false
		s.divert = false
		s.retrPassthrough = false
		s.retrBytes = 0
	} else {
		s.respBodyFramer = parser.NewFramer()
	}
	return true
}

// drainPlainBody passes a non-RETR multi-line body (LIST/TOP/UIDL/CAPA) through
// untouched, using a throwaway framer only to locate the terminator.
func (s *Session) drainPlainBody(raw []byte) bool {
	consumed := 0
	fin := false
	for i, b := range raw {
		consumed = i + 1
		for _, ev := range s.respBodyFramer.Feed(b) {
			if ev.Kind == parser.Fin {
				fin = true
			}
		}
		if fin {
			break
		}
	}
	if !s.respDiscard {
		s.sendToClient(raw[:consumed])
		s.metrics.BytesTransferred(int64(consumed))
	}
	s.originRead.AdvanceRead(consumed)
	if fin {
		s.respDiscard = false
		s.completeCurrent()
	}
	return fin
}

// drainRetrBody feeds origin bytes through the MIME-sniffing pipeline
// until it decides whether this RETR body should be diverted through the
// external filter. Bytes are accumulated (unmodified, on the wire) so they
// can either be flushed verbatim (no divert) or replayed into the
// transformation (divert).
func (s *Session) drainRetrBody(raw []byte) bool {
	for i, b := range raw {
		decided, divert, fin := s.pipeline.Feed(b)
		s.retrPrefix = append(s.retrPrefix, b)
		if !decided {
			continue
		}
		s.originRead.AdvanceRead(i + 1)
		s.divertDecided = true
		s.divert = divert
		if divert {
			s.enterExternalTransformation()
			return false
		}
		prefix := s.retrPrefix
		s.retrPrefix = nil
		s.sendToClient(prefix)
		s.metrics.BytesTransferred(int64(len(prefix)))
		s.retrBytes += int64(len(prefix))
		if fin {
			s.completeCurrent()
			return true
		}
		s.retrPassthrough = true
		return true
	}
	s.originRead.AdvanceRead(len(raw))
	return false
}

// drainRetrPassthrough forwards the remainder of an undiverted RETR body
// verbatim, relying on the pipeline's still-running framer purely to learn
// when the terminator has been seen.
func (s *Session) drainRetrPassthrough(raw []byte) bool {
	consumed := 0
	fin := false
	for i, b := range raw {
		consumed = i + 1
		_, _, f := s.pipeline.Feed(b)
		if f {
			fin = true
			break
		}
	}
	s.sendToClient(raw[:consumed])
	s.metrics.BytesTransferred(int64(consumed))
	s.retrBytes += int64(consumed)
	s.originRead.AdvanceRead(consumed)
	if fin {
		s.retrPassthrough = false
		s.completeCurrent()
	}
	return fin
}

// completeCurrent dequeues the request whose response just finished and
// decides the next state, per the RESPONSE row's exits: stay in RESPONSE
// while the queue drains, REQUEST once empty, DONE on a QUIT ack.
func (s *Session) completeCurrent() {
	req := s.queue.Dequeue()
	if req != nil {
		if s.sentCount > 0 {
			s.sentCount--
		}
		s.metrics.CommandProcessed(req.Command)
		if req.Command == "USER" {
			s.user = req.Arg
		}
		if req.Command == "QUIT" {
			s.closing = true
		}
		if req.Command == "RETR" {
			s.metrics.MessageRetrieved(s.retrBytes)
		}
	}
	s.current = nil
	s.respBodyFramer = nil
	if s.closing {
		if s.clientWrite.Len() == 0 {
			s.finish()
		}
		return
	}
	if s.queue.Empty() {
		s.transition(Request)
		return
	}
	if s.state != Response {
		s.transition(Response)
	}
	s.maybeForwardRequests()
}
