// Package management implements the proxy's control-plane listener: a
// separate, line-oriented auth-then-config TCP protocol used to mutate the
// external-transformation settings the core borrows and to read back a
// metrics snapshot. It is a thin collaborator, deliberately kept out of the
// reactor-driven core: one goroutine per connection, blocking I/O, with the
// shared configuration guarded by config.ETGuard rather than a lock of its
// own, since every session on the reactor goroutine reads the same object
// concurrently with this package's writes.
package management

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/metrics"
)

// Server accepts management connections and serves the USER/PASS/CMD/MSG/
// LIST/BAN/UNBAN/STATS/QUIT protocol against a shared configuration.
type Server struct {
	cfg     *config.Config
	et      *config.ETGuard
	metrics metrics.Collector
	log     *slog.Logger

	ln net.Listener
}

// New builds a Server. cfg is the same configuration object the proxy core
// reads from; et is its single mutable owner for the external-
// transformation settings, shared with every session.
func New(cfg *config.Config, et *config.ETGuard, mc metrics.Collector, log *slog.Logger) *Server {
	return &Server{cfg: cfg, et: et, metrics: mc, log: log}
}

// ListenAndServe binds cfg.Management.Address and serves connections until
// the listener is closed.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Management.Address)
	if err != nil {
		return fmt.Errorf("management: listen: %w", err)
	}
	s.ln = ln
	s.log.Info("management listening", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return fmt.Errorf("management: accept: %w", err)
		}
		go s.handle(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// session is the per-connection line protocol state: unauthenticated until
// both USER and a matching PASS have been seen, in that order.
type session struct {
	s           *Server
	r           *bufio.Reader
	w           *bufio.Writer
	pendingUser string
	authed      bool
	peer        string
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	sess := &session{
		s:    s,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		peer: conn.RemoteAddr().String(),
	}
	log := s.log.With("peer", sess.peer)
	log.Info("management connection opened")
	for {
		line, err := sess.r.ReadString('\n')
		if err != nil {
			log.Info("management connection closed", "err", err)
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		quit := sess.dispatch(verb, arg, log)
		sess.w.Flush()
		if quit {
			return
		}
	}
}

// dispatch executes one command line and reports whether the connection
// should close.
func (sess *session) dispatch(verb, arg string, log *slog.Logger) bool {
	if !sess.authed {
		switch verb {
		case "USER":
			sess.pendingUser = arg
			sess.reply("+OK")
			return false
		case "PASS":
			if sess.pendingUser != "" && sess.pendingUser == sess.s.cfg.Management.Username && arg == sess.s.cfg.Management.Password {
				sess.authed = true
				sess.reply("+OK")
				log.Info("management authenticated", "user", sess.pendingUser)
				return false
			}
			sess.reply("-ERR authentication failed")
			return true
		case "QUIT":
			sess.reply("+OK Goodbye")
			return true
		default:
			sess.reply("-ERR authentication required")
			return false
		}
	}

	switch verb {
	case "CMD":
		return sess.cmdCMD(arg)
	case "MSG":
		return sess.cmdMSG(arg)
	case "LIST":
		return sess.cmdLIST()
	case "BAN":
		return sess.cmdBAN(arg)
	case "UNBAN":
		return sess.cmdUNBAN(arg)
	case "STATS":
		return sess.cmdSTATS()
	case "QUIT":
		sess.reply("+OK Goodbye")
		return true
	default:
		sess.reply("-ERR unknown command")
		return false
	}
}

// cmdCMD sets the external filter command and activates the transformation.
// "CMD" with no argument deactivates it without discarding the configured
// command; reactivating takes a "CMD <command>" line again.
func (sess *session) cmdCMD(arg string) bool {
	if arg == "" {
		sess.s.et.Deactivate()
		sess.reply("+OK deactivated")
		return false
	}
	sess.s.et.Activate(arg)
	sess.reply("+OK activated")
	return false
}

// cmdMSG sets the replacement message substituted for a diverted body when
// the filter cannot be run.
func (sess *session) cmdMSG(arg string) bool {
	if arg == "" {
		sess.reply("-ERR MSG requires a message")
		return false
	}
	sess.s.et.SetReplacementMsg(arg)
	sess.reply("+OK")
	return false
}

// cmdLIST replies with the configured media types, one "type/subtype" per
// line, dot-terminated the way the core's own multiline POP3 responses are.
func (sess *session) cmdLIST() bool {
	types := sess.s.et.Snapshot().FilteredMediaTypes

	sess.w.WriteString("+OK\r\n")
	for _, mt := range types {
		sess.w.WriteString(mt.Type + "/" + mt.Subtype + "\r\n")
	}
	sess.w.WriteString(".\r\n")
	return false
}

func (sess *session) cmdBAN(arg string) bool {
	mt, ok := parseMediaType(arg)
	if !ok {
		sess.reply("-ERR BAN requires type/subtype")
		return false
	}
	sess.s.et.Ban(mt)
	sess.reply("+OK")
	return false
}

func (sess *session) cmdUNBAN(arg string) bool {
	mt, ok := parseMediaType(arg)
	if !ok {
		sess.reply("-ERR UNBAN requires type/subtype")
		return false
	}
	sess.s.et.Unban(mt)
	sess.reply("+OK")
	return false
}

// cmdSTATS replies with a single status line carrying the metrics snapshot:
// concurrent_connections, historical_access, transferred_bytes,
// retrieved_messages, in that order.
func (sess *session) cmdSTATS() bool {
	snap := sess.s.metrics.Snapshot()
	sess.reply(fmt.Sprintf("+OK %d %d %d %d",
		snap.ConcurrentConnections, snap.HistoricalAccess, snap.TransferredBytes, snap.RetrievedMessages))
	return false
}

func (sess *session) reply(line string) {
	sess.w.WriteString(line + "\r\n")
}

func parseMediaType(arg string) (config.MediaTypeConfig, bool) {
	typ, sub, ok := strings.Cut(arg, "/")
	if !ok || typ == "" || sub == "" {
		return config.MediaTypeConfig{}, false
	}
	return config.MediaTypeConfig{Type: typ, Subtype: sub}, true
}
