package session

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/metrics"
	"github.com/infodancer/pop3proxy/internal/reactor"
)

// testOrigin starts a real TCP listener standing in for the upstream POP3
// server; script runs once, on its own goroutine, against the first
// accepted connection.
func testOrigin(t *testing.T, script func(t *testing.T, conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(t, conn)
	}()
	return ln.Addr().String()
}

func mustSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("setnonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("setnonblock: %v", err)
	}
	return fds[0], fds[1]
}

func writeAll(t *testing.T, fd int, data []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EAGAIN {
				if time.Now().After(deadline) {
					t.Fatalf("write timed out")
				}
				time.Sleep(2 * time.Millisecond)
				continue
			}
			t.Fatalf("write: %v", err)
		}
		data = data[n:]
	}
}

// readUntil reads from fd until the accumulated bytes contain want,
// returning everything read so far.
func readUntil(t *testing.T, fd int, want string, timeout time.Duration) string {
	t.Helper()
	var buf []byte
	tmp := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for {
		n, err := unix.Read(fd, tmp)
		if err == nil && n > 0 {
			buf = append(buf, tmp[:n]...)
			if strings.Contains(string(buf), want) {
				return string(buf)
			}
			continue
		}
		if err != nil && err != unix.EAGAIN {
			t.Fatalf("read: %v (have %q)", err, buf)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q, got %q", want, buf)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func expectClose(t *testing.T, fd int, timeout time.Duration) {
	t.Helper()
	tmp := make([]byte, 16)
	deadline := time.Now().Add(timeout)
	for {
		n, err := unix.Read(fd, tmp)
		if err == nil && n == 0 {
			return
		}
		if err != nil && err != unix.EAGAIN {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected session to close the connection")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// startTestSession wires a Session to a real reactor and a socketpair
// standing in for the client connection, against originAddr.
func startTestSession(t *testing.T, cfg config.Config, originAddr string) int {
	t.Helper()
	cfg.Origin = originAddr

	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	sessionFd, testFd := mustSocketpair(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	et := config.NewETGuard(cfg.ET)
	s := New(r, &cfg, et, &metrics.NoopCollector{}, log, nil, sessionFd, "test-client", nil)
	s.Start()

	t.Cleanup(func() {
		cancel()
		unix.Close(testFd)
	})
	return testFd
}

func minimalCapaOrigin(t *testing.T, conn net.Conn) {
	br := bufio.NewReader(conn)
	if _, err := conn.Write([]byte("+OK origin ready\r\n")); err != nil {
		return
	}
	if _, err := br.ReadString('\n'); err != nil {
		t.Errorf("origin: read CAPA probe: %v", err)
		return
	}
	conn.Write([]byte("+OK Capability list follows\r\n.\r\n"))
}

func TestScenarioUserPassQuit(t *testing.T) {
	originAddr := testOrigin(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		conn.Write([]byte("+OK origin ready\r\n"))
		if _, err := br.ReadString('\n'); err != nil {
			t.Errorf("origin: read CAPA probe: %v", err)
			return
		}
		conn.Write([]byte("+OK Capability list follows\r\n.\r\n"))
		for i := 0; i < 3; i++ {
			if _, err := br.ReadString('\n'); err != nil {
				t.Errorf("origin: read command %d: %v", i, err)
				return
			}
			conn.Write([]byte("+OK\r\n"))
		}
	})

	clientFd := startTestSession(t, config.Default(), originAddr)

	readUntil(t, clientFd, "+OK Proxy server POP3 ready.\r\n", 2*time.Second)

	writeAll(t, clientFd, []byte("USER alice\r\n"))
	readUntil(t, clientFd, "+OK\r\n", 2*time.Second)

	writeAll(t, clientFd, []byte("PASS s3cret\r\n"))
	readUntil(t, clientFd, "+OK\r\n", 2*time.Second)

	writeAll(t, clientFd, []byte("QUIT\r\n"))
	readUntil(t, clientFd, "+OK\r\n", 2*time.Second)

	expectClose(t, clientFd, 2*time.Second)
}

func TestScenarioUnknownCommand(t *testing.T) {
	originAddr := testOrigin(t, minimalCapaOrigin)
	clientFd := startTestSession(t, config.Default(), originAddr)

	readUntil(t, clientFd, "+OK Proxy server POP3 ready.\r\n", 2*time.Second)

	writeAll(t, clientFd, []byte("FOO\r\n"))
	got := readUntil(t, clientFd, "\r\n", 2*time.Second)
	if !strings.Contains(got, "-ERR Unknown command.") || !strings.HasSuffix(got, "(POPG)\r\n") {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestScenarioCommandTooLong(t *testing.T) {
	originAddr := testOrigin(t, minimalCapaOrigin)
	clientFd := startTestSession(t, config.Default(), originAddr)

	readUntil(t, clientFd, "+OK Proxy server POP3 ready.\r\n", 2*time.Second)

	overlong := append([]byte(strings.Repeat("A", 300)), '\r', '\n')
	writeAll(t, clientFd, overlong)
	got := readUntil(t, clientFd, "\r\n", 2*time.Second)
	if !strings.Contains(got, "Command too long.") {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestScenarioTooManyInvalidCommandsCloses(t *testing.T) {
	originAddr := testOrigin(t, minimalCapaOrigin)
	clientFd := startTestSession(t, config.Default(), originAddr)

	readUntil(t, clientFd, "+OK Proxy server POP3 ready.\r\n", 2*time.Second)

	for i := 0; i < 3; i++ {
		writeAll(t, clientFd, []byte("BOGUS\r\n"))
	}
	got := readUntil(t, clientFd, "Too many invalid commands", 2*time.Second)
	if !strings.Contains(got, "Too many invalid commands") {
		t.Fatalf("unexpected reply: %q", got)
	}
	expectClose(t, clientFd, 2*time.Second)
}

func TestScenarioPipelinedRequestsRelayedInOrder(t *testing.T) {
	originAddr := testOrigin(t, func(t *testing.T, conn net.Conn) {
		br := bufio.NewReader(conn)
		conn.Write([]byte("+OK origin ready\r\n"))
		if _, err := br.ReadString('\n'); err != nil {
			t.Errorf("origin: read CAPA probe: %v", err)
			return
		}
		conn.Write([]byte("+OK Capability list follows\r\nPIPELINING\r\n.\r\n"))

		if _, err := br.ReadString('\n'); err != nil {
			t.Errorf("origin: read STAT: %v", err)
			return
		}
		if _, err := br.ReadString('\n'); err != nil {
			t.Errorf("origin: read LIST: %v", err)
			return
		}
		conn.Write([]byte("+OK 2 320\r\n"))
		conn.Write([]byte("+OK 2 messages\r\n1 120\r\n2 200\r\n.\r\n"))
	})

	clientFd := startTestSession(t, config.Default(), originAddr)
	readUntil(t, clientFd, "+OK Proxy server POP3 ready.\r\n", 2*time.Second)

	writeAll(t, clientFd, []byte("STAT\r\nLIST\r\n"))
	got := readUntil(t, clientFd, "2 200\r\n.\r\n", 2*time.Second)

	statIdx := strings.Index(got, "+OK 2 320")
	listIdx := strings.Index(got, "+OK 2 messages")
	if statIdx < 0 || listIdx < 0 || statIdx > listIdx {
		t.Fatalf("responses out of order: %q", got)
	}
}
