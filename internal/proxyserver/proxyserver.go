// Package proxyserver owns the passive POP3 listening socket and wires each
// accepted connection into a new session.Session on the shared reactor. It
// is the accept-loop collaborator: the reactor drives everything once a
// connection exists, so this package's only job is Accept -> bounds-check ->
// register.
package proxyserver

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/metrics"
	"github.com/infodancer/pop3proxy/internal/reactor"
	"github.com/infodancer/pop3proxy/internal/session"
	"github.com/infodancer/pop3proxy/internal/sockio"
)

// ConnectionLimiter bounds the number of concurrently open client sessions
// with a single atomic counter, not a mutex.
type ConnectionLimiter struct {
	max     int64
	current atomic.Int64
}

// NewConnectionLimiter creates a limiter admitting at most max connections.
func NewConnectionLimiter(max int) *ConnectionLimiter {
	return &ConnectionLimiter{max: int64(max)}
}

// TryAcquire reports whether a slot was available and, if so, claims it.
func (l *ConnectionLimiter) TryAcquire() bool {
	for {
		cur := l.current.Load()
		if cur >= l.max {
			return false
		}
		if l.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release frees one previously acquired slot.
func (l *ConnectionLimiter) Release() {
	l.current.Add(-1)
}

// Current returns the number of slots currently in use.
func (l *ConnectionLimiter) Current() int64 {
	return l.current.Load()
}

// Server owns the listening socket and registers it with the reactor
// alongside every accepted session.
type Server struct {
	reactor      *reactor.Reactor
	cfg          *config.Config
	et           *config.ETGuard
	metrics      metrics.Collector
	log          *slog.Logger
	filterErrLog *os.File
	limiter      *ConnectionLimiter

	listenFd int
}

// New constructs a Server bound to cfg.Listen. filterErrLog is shared by
// every session's external filter child; it may be nil when the external
// transformation is never activated. et is the management subsystem's
// shared, lock-guarded external-transformation settings, handed to every
// accepted session.
func New(r *reactor.Reactor, cfg *config.Config, et *config.ETGuard, mc metrics.Collector, log *slog.Logger, filterErrLog *os.File) (*Server, error) {
	fd, err := sockio.Listen(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("proxyserver: %w", err)
	}
	s := &Server{
		reactor:      r,
		cfg:          cfg,
		et:           et,
		metrics:      mc,
		log:          log,
		filterErrLog: filterErrLog,
		limiter:      NewConnectionLimiter(cfg.Limits.MaxConnections),
		listenFd:     fd,
	}
	if err := r.Register(fd, reactor.Handlers{OnReadable: s.onAcceptable}, reactor.Read); err != nil {
		sockio.Close(fd)
		return nil, fmt.Errorf("proxyserver: register listener: %w", err)
	}
	log.Info("proxy listening", "address", cfg.Listen, "origin", cfg.Origin)
	return s, nil
}

// Addr returns the listening socket's bound local address, resolving any
// ephemeral port chosen when cfg.Listen asked for port 0.
func (s *Server) Addr() (string, error) {
	return sockio.LocalAddr(s.listenFd)
}

// Close unregisters and closes the listening socket. Sessions already in
// flight are left to the reactor to drain.
func (s *Server) Close() error {
	_ = s.reactor.Unregister(s.listenFd)
	return sockio.Close(s.listenFd)
}

// onAcceptable drains every connection currently pending on the listening
// socket, rejecting past the configured connection limit.
func (s *Server) onAcceptable(int) {
	for {
		fd, remote, err := sockio.Accept(s.listenFd)
		if err != nil {
			if err == sockio.ErrWouldBlock {
				return
			}
			s.log.Error("accept failed", "err", err)
			return
		}
		if !s.limiter.TryAcquire() {
			s.log.Warn("connection limit reached, rejecting", "remote", remote)
			sockio.Close(fd)
			continue
		}
		sess := session.New(s.reactor, s.cfg, s.et, s.metrics, s.log, s.filterErrLog, fd, remote, s.onSessionDone)
		sess.Start()
	}
}

func (s *Server) onSessionDone(*session.Session) {
	s.limiter.Release()
}
