package management

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/infodancer/pop3proxy/internal/config"
	"github.com/infodancer/pop3proxy/internal/metrics"
)

func startServer(t *testing.T, cfg *config.Config) (net.Conn, *bufio.Reader, *config.ETGuard) {
	t.Helper()
	cfg.Management.Address = "127.0.0.1:0"
	et := config.NewETGuard(cfg.ET)
	s := New(cfg, et, &metrics.NoopCollector{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := net.Listen("tcp", cfg.Management.Address)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn, bufio.NewReader(conn), et
}

func authenticate(t *testing.T, conn net.Conn, r *bufio.Reader, user, pass string) {
	t.Helper()
	conn.Write([]byte("USER " + user + "\r\n"))
	mustReadOK(t, r)
	conn.Write([]byte("PASS " + pass + "\r\n"))
	mustReadOK(t, r)
}

func mustReadOK(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line
}

func TestAuthenticationRejectsWrongPassword(t *testing.T) {
	cfg := config.Default()
	cfg.Management.Username = "admin"
	cfg.Management.Password = "hunter2"
	conn, r, _ := startServer(t, &cfg)

	conn.Write([]byte("USER admin\r\n"))
	mustReadOK(t, r)
	conn.Write([]byte("PASS wrong\r\n"))
	line := mustReadOK(t, r)
	if line[:4] != "-ERR" {
		t.Fatalf("expected -ERR, got %q", line)
	}
}

func TestCMDActivatesFilterAndMSGSetsReplacement(t *testing.T) {
	cfg := config.Default()
	cfg.Management.Username = "admin"
	cfg.Management.Password = "hunter2"
	conn, r, et := startServer(t, &cfg)
	authenticate(t, conn, r, "admin", "hunter2")

	conn.Write([]byte("CMD /usr/bin/strip-attachments\r\n"))
	line := mustReadOK(t, r)
	if line[:3] != "+OK" {
		t.Fatalf("expected +OK, got %q", line)
	}
	snap := et.Snapshot()
	if !snap.Activated || snap.FilterCommand != "/usr/bin/strip-attachments" {
		t.Fatalf("filter not activated: %+v", snap)
	}

	conn.Write([]byte("MSG This attachment was removed.\r\n"))
	mustReadOK(t, r)
	if snap := et.Snapshot(); snap.ReplacementMsg != "This attachment was removed." {
		t.Fatalf("replacement message not set: %q", snap.ReplacementMsg)
	}

	conn.Write([]byte("CMD\r\n"))
	mustReadOK(t, r)
	if et.Snapshot().Activated {
		t.Fatalf("expected deactivation")
	}
}

func TestBanUnbanAndList(t *testing.T) {
	cfg := config.Default()
	cfg.Management.Username = "admin"
	cfg.Management.Password = "hunter2"
	conn, r, et := startServer(t, &cfg)
	authenticate(t, conn, r, "admin", "hunter2")

	conn.Write([]byte("BAN image/jpeg\r\n"))
	mustReadOK(t, r)
	conn.Write([]byte("BAN application/zip\r\n"))
	mustReadOK(t, r)

	conn.Write([]byte("LIST\r\n"))
	mustReadOK(t, r) // +OK
	var lines []string
	for {
		line := mustReadOK(t, r)
		if line == ".\r\n" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 banned types, got %v", lines)
	}

	conn.Write([]byte("UNBAN image/jpeg\r\n"))
	mustReadOK(t, r)
	types := et.Snapshot().FilteredMediaTypes
	if len(types) != 1 || types[0].Type != "application" {
		t.Fatalf("unexpected media types: %+v", types)
	}
}

func TestStatsReportsSnapshot(t *testing.T) {
	cfg := config.Default()
	cfg.Management.Username = "admin"
	cfg.Management.Password = "hunter2"
	conn, r, _ := startServer(t, &cfg)
	authenticate(t, conn, r, "admin", "hunter2")

	conn.Write([]byte("STATS\r\n"))
	line := mustReadOK(t, r)
	if line[:3] != "+OK" {
		t.Fatalf("expected +OK, got %q", line)
	}
}

func TestQuitClosesConnection(t *testing.T) {
	cfg := config.Default()
	cfg.Management.Username = "admin"
	cfg.Management.Password = "hunter2"
	conn, r, _ := startServer(t, &cfg)

	conn.Write([]byte("QUIT\r\n"))
	mustReadOK(t, r)
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after QUIT, got %v", err)
	}
}
