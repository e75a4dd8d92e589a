package session

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/infodancer/pop3proxy/internal/buffer"
	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/filter"
	"github.com/infodancer/pop3proxy/internal/metrics"
	"github.com/infodancer/pop3proxy/internal/parser"
	"github.com/infodancer/pop3proxy/internal/reactor"
	"github.com/infodancer/pop3proxy/internal/sockio"
)

// maxConsecutiveInvalid is the bound past which a session is closed for
// sending too many malformed command lines in a row.
const maxConsecutiveInvalid = 3

// greeting is the proxy's own greeting, sent verbatim in place of origin's.
const greeting = "+OK Proxy server POP3 ready.\r\n"

// Session drives one client connection end to end: DNS hand-off, the
// origin connect, the HELLO/CAPA probe, and the REQUEST/RESPONSE relay
// (diverting RETR bodies through an external filter when configured). It
// is driven entirely by the reactor's callbacks; no method blocks.
type Session struct {
	reactor *reactor.Reactor
	cfg     *config.Config
	et      *config.ETGuard
	metrics metrics.Collector
	log     *slog.Logger

	clientFd int
	originFd int

	clientAddr string

	clientRead  *buffer.Buffer
	clientWrite *buffer.Buffer
	originRead  *buffer.Buffer
	originWrite *buffer.Buffer

	state State

	queue        *Queue
	sentCount    int
	pipelining   bool
	user         string
	invalidCount int

	mediaTree *parser.Tree
	pipeline  *parser.Pipeline

	current            *Request
	respAwaitingStatus bool
	respIsRetr         bool
	respBodyFramer     *parser.Framer
	retrPrefix         []byte
	retrPassthrough    bool
	divertDecided      bool
	divert             bool
	retrBytes          int64

	transform          *filter.Transformation
	filterStdinPending []byte
	filterErrLog       *os.File
	respDiscard        bool

	closing bool
	onDone  func(*Session)
}

type resolveResult struct {
	addr *net.TCPAddr
	err  error
}

// New constructs a Session for a just-accepted client connection. cfg is
// borrowed for the session's lifetime; et is the management subsystem's
// shared, lock-guarded view of the external-transformation settings, read
// here once (to compile the divert tree) and again whenever a RETR body is
// actually diverted. onDone, if non-nil, is invoked exactly once when the
// session reaches a terminal state, so the owner (the accept loop) can
// release its slot.
func New(r *reactor.Reactor, cfg *config.Config, et *config.ETGuard, mc metrics.Collector, log *slog.Logger, filterErrLog *os.File, clientFd int, clientAddr string, onDone func(*Session)) *Session {
	// An inactive external transformation compiles to an empty tree, which
	// never decides EQ: RETR bodies are never diverted without touching
	// the RESPONSE-state divert logic itself.
	snap := et.Snapshot()
	var mediaTypes []parser.MediaType
	if snap.Activated {
		for _, mt := range snap.FilteredMediaTypes {
			mediaTypes = append(mediaTypes, parser.MediaType{Type: mt.Type, Subtype: mt.Subtype})
		}
	}
	tree := parser.NewTree(mediaTypes)
	return &Session{
		reactor:      r,
		cfg:          cfg,
		et:           et,
		metrics:      mc,
		log:          log.With("client", clientAddr),
		clientFd:     clientFd,
		clientAddr:   clientAddr,
		clientRead:   buffer.New(buffer.DefaultCapacity),
		clientWrite:  buffer.New(buffer.DefaultCapacity),
		originRead:   buffer.New(buffer.DefaultCapacity),
		originWrite:  buffer.New(buffer.DefaultCapacity),
		state:        OriginResolv,
		queue:        NewQueue(),
		mediaTree:    tree,
		pipeline:     parser.NewPipeline(tree),
		filterErrLog: filterErrLog,
		onDone:       onDone,
	}
}

// Start registers the client descriptor and kicks off the background DNS
// resolution of the origin address (ORIGIN_RESOLV).
func (s *Session) Start() {
	s.metrics.ConnectionOpened()
	err := s.reactor.Register(s.clientFd, reactor.Handlers{
		OnReadable:  s.onClientReadable,
		OnWritable:  s.onClientWritable,
		OnBlockDone: s.onClientBlockDone,
		OnClose:     s.onClientClose,
	}, reactor.None)
	if err != nil {
		s.log.Error("register client fd", "err", err)
		s.closeDirect()
		return
	}
	go s.resolveOrigin()
}

// resolveOrigin runs on a short-lived worker goroutine: it touches nothing
// but its own stack and hands the result back via NotifyBlock, after which
// only the reactor goroutine accesses the session again.
func (s *Session) resolveOrigin() {
	addr, err := net.ResolveTCPAddr("tcp", s.cfg.Origin)
	s.reactor.NotifyBlock(s.clientFd, resolveResult{addr: addr, err: err})
}

func (s *Session) onClientBlockDone(_ int, result any) {
	if s.state != OriginResolv {
		return
	}
	res, ok := result.(resolveResult)
	if !ok {
		return
	}
	if res.err != nil {
		s.fail(newError(ResolutionFailed, res.err))
		return
	}
	originFd, err := sockio.ConnectAddr(res.addr)
	if err != nil && err != sockio.ErrInProgress {
		s.fail(newError(ConnectRefused, err))
		return
	}
	s.originFd = originFd
	regErr := s.reactor.Register(s.originFd, reactor.Handlers{
		OnReadable: s.onOriginReadable,
		OnWritable: s.onOriginWritable,
		OnClose:    s.onOriginClose,
	}, reactor.Write)
	if regErr != nil {
		s.fail(newError(IOUnavailable, regErr))
		return
	}
	s.transition(Connecting)
	if err == nil {
		// Connected synchronously (common for loopback origins); the next
		// writable callback will still fire and re-probe SO_ERROR, which is
		// harmless.
		s.onOriginWritable(s.originFd)
	}
}

// transition moves to next and recomputes both sides' reactor interests
// from the single table keyed by destination state.
func (s *Session) transition(next State) {
	s.state = next
	clientI, originI := interests(next)
	if err := s.reactor.SetInterest(s.clientFd, clientI); err != nil {
		s.log.Warn("set client interest", "state", next, "err", err)
	}
	if s.originFd != 0 {
		if err := s.reactor.SetInterest(s.originFd, originI); err != nil {
			s.log.Warn("set origin interest", "state", next, "err", err)
		}
	}
}

func (s *Session) onOriginWritable(fd int) {
	switch s.state {
	case Connecting:
		if err := sockio.ConnectError(fd); err != nil {
			s.fail(newError(ConnectRefused, err))
			return
		}
		s.transition(Hello)
	default:
		s.flushOrigin()
	}
}

func (s *Session) onOriginReadable(fd int) {
	switch s.state {
	case Hello:
		s.readOriginGreeting()
	case Capa:
		s.readCapaResponse()
	case Response:
		s.readResponse()
	case ExternalTransformation:
		s.onTransformOriginReadable(fd)
	default:
		// Origin became readable in a state that does not expect it (e.g.
		// EXTERNAL_TRANSFORMATION parks both network descriptors); drain
		// and ignore to avoid a busy-loop, since interests() already
		// should have parked origin here.
		var scratch [256]byte
		_, _ = sockio.Read(fd, scratch[:])
	}
}

// readOriginGreeting discards origin's own greeting line and replaces it
// with the proxy's canned greeting, then issues the proxy's own CAPA probe.
func (s *Session) readOriginGreeting() {
	if !s.fillOriginRead() {
		return
	}
	line, consumed, ok := findCRLFLine(s.originRead.ReserveRead())
	if !ok {
		return
	}
	_ = line
	s.originRead.AdvanceRead(consumed)
	s.sendToClient([]byte(greeting))
	s.sendToOrigin([]byte("CAPA\r\n"))
	s.transition(Capa)
}

// readCapaResponse reads the proxy's own CAPA probe response: a status
// line, and when it is +OK, a dot-terminated multi-line body. This probe
// is internal bookkeeping only — it happens before the client has sent
// anything, so its response is never shown to the client. It only records
// whether origin advertises PIPELINING; a CAPA the client itself issues
// later is relayed like any other multi-line request, its body passed
// through unchanged (the policy RewriteCapa states; the relay path does not
// call it).
func (s *Session) readCapaResponse() {
	if !s.fillOriginRead() {
		return
	}
	line, consumed, ok := findCRLFLine(s.originRead.ReserveRead())
	if !ok {
		return
	}
	s.originRead.AdvanceRead(consumed)
	if bytes.HasPrefix(line, []byte("-ERR")) {
		// Origin does not implement CAPA: proceed without pipelining.
		s.transition(Request)
		return
	}
	body, fin := s.drainMultilineBody()
	if !fin {
		return
	}
	s.pipelining = HasPipelining(body)
	s.transition(Request)
}

// drainMultilineBody consumes a full dot-stuffed, CRLF "." CRLF-terminated
// body already buffered in originRead using a throwaway Framer, returning
// the transparent (de-stuffed) bytes. It is used only for bodies the proxy
// itself originates requests for (CAPA) where the body is expected to be
// small and fully available shortly after the status line.
func (s *Session) drainMultilineBody() (body []byte, fin bool) {
	f := parser.NewFramer()
	raw := s.originRead.ReserveRead()
	consumed := 0
	for _, b := range raw {
		consumed++
		for _, ev := range f.Feed(b) {
			switch ev.Kind {
			case parser.Byte:
				body = append(body, ev.Payload)
			case parser.Fin:
				fin = true
			}
		}
		if fin {
			break
		}
	}
	if fin {
		s.originRead.AdvanceRead(consumed)
	}
	return body, fin
}

func findCRLFLine(buf []byte) (line []byte, consumed int, ok bool) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		return nil, 0, false
	}
	return buf[:idx], idx + 2, true
}

// fillOriginRead performs one non-blocking read into originRead. It
// returns false when there is nothing new to process this call (would
// block, or the session already failed on a hard error).
func (s *Session) fillOriginRead() bool {
	space := s.originRead.ReserveWrite()
	if len(space) == 0 {
		// No room: caller is expected to have drained via AdvanceRead
		// already; treat as transient backpressure.
		return false
	}
	n, err := sockio.Read(s.originFd, space)
	if err != nil {
		if err == sockio.ErrWouldBlock {
			return false
		}
		s.fail(newError(IOReset, err))
		return false
	}
	if n == 0 {
		s.fail(newError(IOReset, fmt.Errorf("origin closed connection")))
		return false
	}
	s.originRead.AdvanceWrite(n)
	return true
}

// fillClientRead performs one non-blocking read into clientRead.
func (s *Session) fillClientRead() bool {
	space := s.clientRead.ReserveWrite()
	if len(space) == 0 {
		return false
	}
	n, err := sockio.Read(s.clientFd, space)
	if err != nil {
		if err == sockio.ErrWouldBlock {
			return false
		}
		s.fail(newError(IOReset, err))
		return false
	}
	if n == 0 {
		// Client closed; if nothing is in flight this is a clean exit.
		if s.queue.Empty() {
			s.finish()
		} else {
			s.fail(newError(IOReset, fmt.Errorf("client closed connection")))
		}
		return false
	}
	s.clientRead.AdvanceWrite(n)
	return true
}

// sendToOrigin queues data for origin, attempting an immediate write and
// buffering any remainder. It arms origin for writability if a remainder
// is left.
func (s *Session) sendToOrigin(data []byte) {
	s.queueWrite(s.originWrite, s.originFd, data, true)
}

// sendToClient queues data for the client, same contract as sendToOrigin.
func (s *Session) sendToClient(data []byte) {
	s.queueWrite(s.clientWrite, s.clientFd, data, false)
}

func (s *Session) queueWrite(buf *buffer.Buffer, fd int, data []byte, toOrigin bool) {
	if len(data) == 0 {
		return
	}
	region := buf.ReserveWrite()
	if len(region) < len(data) {
		// Reference capacity (2KiB) comfortably covers command lines and
		// CAPA bodies; a configuration producing larger proxy-originated
		// writes is a sizing error, not a runtime condition to recover
		// from silently.
		s.log.Error("write buffer too small for queued data", "len", len(data))
		data = data[:len(region)]
	}
	n := copy(region, data)
	buf.AdvanceWrite(n)
	if toOrigin {
		s.flushOrigin()
	} else {
		s.flushClient()
	}
}

func (s *Session) flushOrigin() {
	for {
		pending := s.originWrite.ReserveRead()
		if len(pending) == 0 {
			if s.state != Connecting {
				s.armOriginWrite(false)
			}
			return
		}
		n, err := sockio.Write(s.originFd, pending)
		if err != nil {
			if err == sockio.ErrWouldBlock {
				s.armOriginWrite(true)
				return
			}
			s.fail(newError(IOReset, err))
			return
		}
		s.originWrite.AdvanceRead(n)
		if n < len(pending) {
			s.armOriginWrite(true)
			return
		}
	}
}

func (s *Session) flushClient() {
	for {
		pending := s.clientWrite.ReserveRead()
		if len(pending) == 0 {
			s.armClientWrite(false)
			if s.closing {
				s.finish()
			}
			return
		}
		n, err := sockio.Write(s.clientFd, pending)
		if err != nil {
			if err == sockio.ErrWouldBlock {
				s.armClientWrite(true)
				return
			}
			s.fail(newError(IOReset, err))
			return
		}
		s.clientWrite.AdvanceRead(n)
		if n < len(pending) {
			s.armClientWrite(true)
			return
		}
	}
}

// armOriginWrite/armClientWrite OR the Write bit into whatever the state
// table already prescribes, so a partial write does not fight the
// interest-flipping invariant: once drained, the bit is dropped and the
// table's own value for the current state is restored.
func (s *Session) armOriginWrite(on bool) {
	_, base := interests(s.state)
	want := base
	if on {
		want |= reactor.Write
	}
	_ = s.reactor.SetInterest(s.originFd, want)
}

func (s *Session) armClientWrite(on bool) {
	base, _ := interests(s.state)
	want := base
	if on {
		want |= reactor.Write
	}
	_ = s.reactor.SetInterest(s.clientFd, want)
}

func (s *Session) onClientWritable(int) {
	s.flushClient()
}

// onClientReadable handles REQUEST: extract every complete command line
// already buffered, validate it, and forward what the pipelining policy
// allows once the client's buffer has been drained of complete lines.
func (s *Session) onClientReadable(int) {
	if s.state != Request {
		return
	}
	if !s.fillClientRead() {
		return
	}
	for {
		raw := s.clientRead.ReserveRead()
		line, consumed, err := FindLine(raw)
		if err == ErrCommandTooLong {
			s.rejectLocally("Command too long.")
			s.clientRead.Reset()
			return
		}
		if line == nil && consumed == 0 && err == nil {
			break
		}
		s.clientRead.AdvanceRead(consumed)
		req, perr := ParseCommand(line)
		if perr != nil {
			s.rejectLocally("Unknown command.")
			continue
		}
		s.invalidCount = 0
		s.queue.Enqueue(req)
	}
	s.maybeForwardRequests()
}

// rejectLocally answers a malformed command line without contacting
// origin, per the error handling design's PARSE_INVALID/PARSE_TOO_LONG
// recovery path.
func (s *Session) rejectLocally(message string) {
	s.metrics.InvalidCommand()
	s.invalidCount++
	s.sendToClient([]byte(errLine(message)))
	if s.invalidCount >= maxConsecutiveInvalid {
		s.metrics.SessionTerminatedTooManyInvalid()
		s.sendToClient([]byte(errLine("Too many invalid commands")))
		s.closing = true
	}
}

// maybeForwardRequests writes as many queued-but-unsent requests to origin
// as the pipelining policy allows: all of them if origin advertised
// PIPELINING, otherwise at most one in flight at a time.
func (s *Session) maybeForwardRequests() {
	all := s.queue.All()
	unsent := all[s.sentCount:]
	if len(unsent) == 0 {
		return
	}
	if !s.pipelining && s.sentCount > 0 {
		return
	}
	batch := unsent
	if !s.pipelining {
		batch = unsent[:1]
	}
	var wire []byte
	for _, req := range batch {
		wire = append(wire, requestLine(req)...)
	}
	s.sendToOrigin(wire)
	s.sentCount += len(batch)
	if len(batch) > 1 {
		s.metrics.PipeliningUsed()
	}
	if s.state != Response {
		s.transition(Response)
	}
}

func requestLine(req *Request) []byte {
	if req.Arg == "" {
		return []byte(req.Command + "\r\n")
	}
	return []byte(req.Command + " " + req.Arg + "\r\n")
}

func (s *Session) onClientClose(int) {}

func (s *Session) onOriginClose(int) {}

// fail transitions to ERROR, logging kind and cause, and tears the
// session down.
func (s *Session) fail(err *Error) {
	s.log.Warn("session error", "kind", err.Kind, "err", err.Err)
	s.state = Error
	s.teardownTransform()
	s.closeDirect()
}

// finish transitions to DONE after a clean close.
func (s *Session) finish() {
	s.state = Done
	s.teardownTransform()
	s.closeDirect()
}

func (s *Session) closeDirect() {
	_ = s.reactor.Unregister(s.clientFd)
	if s.originFd != 0 {
		_ = s.reactor.Unregister(s.originFd)
		_ = sockio.Close(s.originFd)
	}
	_ = sockio.Close(s.clientFd)
	s.metrics.ConnectionClosed()
	if s.onDone != nil {
		s.onDone(s)
	}
}
