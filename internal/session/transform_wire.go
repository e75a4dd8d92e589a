package session

import (
	"strings"

	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/filter"
	"github.com/infodancer/pop3proxy/internal/parser"
	"github.com/infodancer/pop3proxy/internal/reactor"
	"github.com/infodancer/pop3proxy/internal/sockio"
)

// enterExternalTransformation is reached the instant the MIME pipeline
// decides a RETR body must be diverted. It spawns the filter child,
// replays the already-sniffed header prefix into it, and pivots the
// session into EXTERNAL_TRANSFORMATION. A spawn failure is not fatal to
// the session: the proxy substitutes an error line for this message and
// keeps draining origin's real body to stay in sync with the queue.
func (s *Session) enterExternalTransformation() {
	snap := s.et.Snapshot()
	env := filter.Env{
		FilterMedias: filterMediaList(snap.FilteredMediaTypes),
		FilterMsg:    snap.ReplacementMsg,
		Version:      "1",
		Username:     s.user,
		Server:       s.cfg.Origin,
	}
	process, err := filter.Spawn(snap.FilterCommand, env, s.filterErrLog)
	if err != nil {
		s.metrics.FilterSpawnFailed()
		s.log.Warn("filter spawn failed", "err", err)
		s.sendToClient([]byte(errLine("could not open external transformation")))
		s.discardRetrBody()
		return
	}

	tr := filter.New(process)
	var pending []byte
	for _, b := range s.retrPrefix {
		out, fin := tr.FeedOrigin(b)
		pending = append(pending, out...)
		if fin {
			break
		}
	}
	s.retrPrefix = nil
	s.transform = tr
	s.filterStdinPending = pending

	// The recv chunk that triggered the divert decision may hold more
	// origin bytes past the decision byte, already sitting in originRead.
	// Those will never arrive again on the socket (a filled buffer can
	// make the recv that produced them the last EPOLLIN origin ever
	// raises for this body), so they must be fed into the filter here
	// rather than left for onTransformOriginReadable to find.
	if !tr.FinishedRead {
		buffered := s.originRead.ReserveRead()
		consumed := 0
		for _, b := range buffered {
			consumed++
			out, fin := tr.FeedOrigin(b)
			s.filterStdinPending = append(s.filterStdinPending, out...)
			if fin {
				break
			}
		}
		s.originRead.AdvanceRead(consumed)
	}

	if err := s.reactor.Register(process.StdinFd, reactor.Handlers{
		OnWritable: s.onFilterStdinWritable,
	}, reactor.None); err != nil {
		s.log.Error("register filter stdin", "err", err)
	}
	if err := s.reactor.Register(process.StdoutFd, reactor.Handlers{
		OnReadable: s.onFilterStdoutReadable,
	}, reactor.Read); err != nil {
		s.log.Error("register filter stdout", "err", err)
	}

	s.transition(ExternalTransformation)
	// Origin's side of the body is still streaming in; the network
	// interests table parks both descriptors for this state because the
	// transformation's own plumbing (here) is what re-arms origin for
	// reading, independent of the REQUEST/RESPONSE roles.
	_ = s.reactor.SetInterest(s.originFd, reactor.Read)

	s.flushFilterStdin()
	if tr.FinishedRead {
		_ = process.CloseStdin()
	}
}

// discardRetrBody switches the current RETR response into a plain
// pass-through-less drain: bytes are consumed (to keep the FIFO pairing
// with origin intact) but never forwarded, since the client already
// received the spawn-failure substitution.
func (s *Session) discardRetrBody() {
	s.respIsRetr = false
	s.respDiscard = true
	s.respBodyFramer = parser.NewFramer()
	for _, b := range s.retrPrefix {
		s.respBodyFramer.Feed(b)
	}
	s.retrPrefix = nil
}

func filterMediaList(types []config.MediaTypeConfig) string {
	parts := make([]string, 0, len(types))
	for _, mt := range types {
		parts = append(parts, mt.Type+"/"+mt.Subtype)
	}
	return strings.Join(parts, ",")
}

// onTransformOriginReadable keeps streaming origin's RETR body into the
// filter's stdin for as long as EXTERNAL_TRANSFORMATION is active.
func (s *Session) onTransformOriginReadable(fd int) {
	var scratch [512]byte
	n, err := sockio.Read(fd, scratch[:])
	if err != nil {
		if err == sockio.ErrWouldBlock {
			return
		}
		s.transform.FinishedRead = true
		_ = s.transform.Process.CloseStdin()
		s.maybeTeardownTransform()
		return
	}
	if n == 0 {
		s.transform.FinishedRead = true
		_ = s.transform.Process.CloseStdin()
		s.maybeTeardownTransform()
		return
	}
	for _, b := range scratch[:n] {
		out, fin := s.transform.FeedOrigin(b)
		s.filterStdinPending = append(s.filterStdinPending, out...)
		if fin {
			break
		}
	}
	s.flushFilterStdin()
	if s.transform.FinishedRead {
		_ = s.transform.Process.CloseStdin()
	}
	s.maybeTeardownTransform()
}

// flushFilterStdin writes as much of the pending buffer as the filter's
// stdin pipe currently accepts, arming/disarming its writability directly
// (the filter's pipe fds carry their own interests, independent of the
// session's client/origin state table).
func (s *Session) flushFilterStdin() {
	if s.transform == nil {
		return
	}
	for len(s.filterStdinPending) > 0 {
		n, err := sockio.Write(s.transform.Process.StdinFd, s.filterStdinPending)
		if err != nil {
			if err == sockio.ErrWouldBlock {
				_ = s.reactor.SetInterest(s.transform.Process.StdinFd, reactor.Write)
				return
			}
			s.metrics.FilterStreamFailed()
			s.filterStdinPending = nil
			return
		}
		s.filterStdinPending = s.filterStdinPending[n:]
	}
	_ = s.reactor.SetInterest(s.transform.Process.StdinFd, reactor.None)
}

func (s *Session) onFilterStdinWritable(int) {
	s.flushFilterStdin()
}

// onFilterStdoutReadable relays the filter's replacement output to the
// client, re-stuffed for the wire, and supplies a synthetic terminator if
// the filter closes its stream before emitting its own.
func (s *Session) onFilterStdoutReadable(fd int) {
	var scratch [512]byte
	n, err := sockio.Read(fd, scratch[:])
	if err != nil {
		if err == sockio.ErrWouldBlock {
			return
		}
		s.metrics.FilterStreamFailed()
		s.finishFilterWrite(!s.transform.FinishedWrite)
		return
	}
	if n == 0 {
		s.finishFilterWrite(!s.transform.FinishedWrite)
		return
	}
	var toClient []byte
	for _, b := range scratch[:n] {
		out, fin := s.transform.FeedFilter(b)
		toClient = append(toClient, out...)
		if fin {
			break
		}
	}
	if len(toClient) > 0 {
		s.sendToClient(toClient)
		s.metrics.BytesTransferred(int64(len(toClient)))
		s.retrBytes += int64(len(toClient))
	}
	s.maybeTeardownTransform()
}

func (s *Session) finishFilterWrite(emitSynthetic bool) {
	if emitSynthetic {
		s.sendToClient(s.transform.SyntheticTerminator())
	}
	s.transform.FinishedWrite = true
	s.maybeTeardownTransform()
}

func (s *Session) maybeTeardownTransform() {
	if s.transform == nil || !s.transform.Done() {
		return
	}
	s.teardownTransform()
	s.completeCurrent()
}

// teardownTransform unregisters and closes both pipe fds and reaps the
// child. Safe to call when no transformation is active.
func (s *Session) teardownTransform() {
	if s.transform == nil {
		return
	}
	p := s.transform.Process
	_ = s.reactor.Unregister(p.StdinFd)
	_ = s.reactor.Unregister(p.StdoutFd)
	_ = p.CloseStdin()
	_ = p.CloseStdout()
	p.Release()
	s.transform = nil
	s.filterStdinPending = nil
}
