// Package sockio provides the raw, non-blocking socket primitives the
// reactor's session state machine drives directly: listening sockets,
// accepted connections, and outbound connects whose completion is detected
// by probing SO_ERROR once the reactor reports the descriptor writable.
// Nothing here blocks; every call either completes immediately or returns
// an error the caller recognizes as "try again once the reactor says so".
package sockio

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned in place of the underlying EAGAIN/EWOULDBLOCK
// (or EINTR, for Read and Write) when a call could not complete without
// blocking.
var ErrWouldBlock = errors.New("sockio: would block")

// ErrInProgress is returned by Connect when the outbound connection has not
// yet completed; the caller registers the fd for Write with the reactor and
// later calls ConnectError to find out how it resolved.
var ErrInProgress = errors.New("sockio: connect in progress")

// Listen creates a non-blocking TCP listening socket bound to address
// ("host:port") and returns its file descriptor.
func Listen(address string) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, fmt.Errorf("sockio: resolve %q: %w", address, err)
	}
	domain := unix.AF_INET
	if addr.IP != nil && addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("sockio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockio: setsockopt SO_REUSEADDR: %w", err)
	}
	sa, err := sockaddr(domain, addr.IP, addr.Port)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockio: bind %s: %w", address, err)
	}
	const backlog = 256
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockio: listen: %w", err)
	}
	return fd, nil
}

// LocalAddr returns the local address a socket is bound to, useful for
// discovering the ephemeral port Listen chose when given port 0.
func LocalAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("sockio: getsockname: %w", err)
	}
	return sockaddrString(sa), nil
}

// Accept accepts one pending connection on a listening socket created by
// Listen. It returns ErrWouldBlock when no connection is pending.
func Accept(listenFd int) (fd int, remote string, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, "", ErrWouldBlock
		}
		return -1, "", fmt.Errorf("sockio: accept4: %w", err)
	}
	return nfd, sockaddrString(sa), nil
}

// Connect begins a non-blocking outbound TCP connection to address. It
// resolves address itself; callers that already resolved the origin address
// on a background worker (per the ORIGIN_RESOLV handoff) should call
// ConnectAddr instead to avoid resolving twice.
func Connect(address string) (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return -1, fmt.Errorf("sockio: resolve %q: %w", address, err)
	}
	return ConnectAddr(addr)
}

// ConnectAddr begins a non-blocking outbound TCP connection to an
// already-resolved address. It returns ErrInProgress (with a valid fd the
// caller must register for writability) when the connect has not completed
// synchronously.
func ConnectAddr(addr *net.TCPAddr) (int, error) {
	domain := unix.AF_INET
	if addr.IP != nil && addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("sockio: socket: %w", err)
	}
	sa, err := sockaddr(domain, addr.IP, addr.Port)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	err = unix.Connect(fd, sa)
	if err == nil {
		return fd, nil
	}
	if err == unix.EINPROGRESS {
		return fd, ErrInProgress
	}
	unix.Close(fd)
	return -1, fmt.Errorf("sockio: connect %s: %w", addr, err)
}

// ConnectError probes SO_ERROR on a socket whose connect was in progress,
// returning nil once it has completed successfully.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("sockio: getsockopt SO_ERROR: %w", err)
	}
	if errno != 0 {
		return fmt.Errorf("sockio: connect failed: %w", unix.Errno(errno))
	}
	return nil
}

// Read performs one non-blocking read into buf, translating EAGAIN into
// ErrWouldBlock. A zero-length, nil-error return means the peer closed the
// connection (EOF).
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Write performs one non-blocking write from buf, translating EAGAIN into
// ErrWouldBlock. A partial write is not an error; the caller resumes from
// the returned n on the next writable callback.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		if err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Close closes fd and returns the close(2) error unchanged.
func Close(fd int) error {
	return unix.Close(fd)
}

func sockaddr(domain int, ip net.IP, port int) (unix.Sockaddr, error) {
	if domain == unix.AF_INET6 {
		var addr [16]byte
		copy(addr[:], ip.To16())
		return &unix.SockaddrInet6{Port: port, Addr: addr}, nil
	}
	v4 := ip.To4()
	if v4 == nil {
		// Unspecified address ("" host): bind to all interfaces.
		return &unix.SockaddrInet4{Port: port}, nil
	}
	var addr [4]byte
	copy(addr[:], v4)
	return &unix.SockaddrInet4{Port: port, Addr: addr}, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return ""
	}
}
