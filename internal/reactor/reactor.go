// Package reactor implements the single-threaded, epoll-driven event loop
// that is the proxy's concurrency core: one goroutine services every
// connection's I/O readiness, and the only other goroutines that ever touch
// a session are short-lived background workers (DNS resolution) that hand
// their result back across NotifyBlock rather than touching reactor state
// directly.
package reactor

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness events a registered descriptor wants to
// be woken for.
type Interest int

const (
	None Interest = 0
	Read Interest = 1 << iota
	Write
)

func (i Interest) epollBits() uint32 {
	var bits uint32
	if i&Read != 0 {
		bits |= unix.EPOLLIN
	}
	if i&Write != 0 {
		bits |= unix.EPOLLOUT
	}
	return bits
}

// Handlers are the callbacks a registered descriptor is driven by. All of
// them run on the reactor's single goroutine; none may block.
type Handlers struct {
	OnReadable func(fd int)
	OnWritable func(fd int)
	// OnBlockDone fires when a background worker calls NotifyBlock for fd.
	OnBlockDone func(fd int, result any)
	// OnClose fires once, when fd is unregistered, for final cleanup.
	OnClose func(fd int)
}

type descriptor struct {
	handlers Handlers
	interest Interest
}

type blockResult struct {
	fd     int
	result any
}

// Reactor is an epoll-backed single-threaded event loop. All exported
// methods except NotifyBlock must be called only from the goroutine running
// Run; NotifyBlock is the one method safe to call from any goroutine.
type Reactor struct {
	epfd int

	descriptors map[int]*descriptor

	// notifyR/notifyW form a self-pipe: background goroutines write a byte
	// to wake epoll_wait out of a blocking call when they deliver a result
	// via NotifyBlock.
	notifyR int
	notifyW int

	mu      sync.Mutex
	pending []blockResult
}

// New creates a Reactor with its own epoll instance and wakeup pipe.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	fds, err := unixPipe2()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe2: %w", err)
	}
	r := &Reactor{
		epfd:        epfd,
		descriptors: make(map[int]*descriptor),
		notifyR:     fds[0],
		notifyW:     fds[1],
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.notifyR)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.notifyR, ev); err != nil {
		unix.Close(epfd)
		unix.Close(r.notifyR)
		unix.Close(r.notifyW)
		return nil, fmt.Errorf("reactor: registering wakeup pipe: %w", err)
	}
	return r, nil
}

func unixPipe2() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fds, err
	}
	return fds, nil
}

// Register adds fd to the epoll set with the given handlers and initial
// interest mask.
func (r *Reactor) Register(fd int, h Handlers, interest Interest) error {
	if _, exists := r.descriptors[fd]; exists {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	ev := &unix.EpollEvent{Events: interest.epollBits(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add fd %d: %w", fd, err)
	}
	r.descriptors[fd] = &descriptor{handlers: h, interest: interest}
	return nil
}

// SetInterest changes the readiness events fd is watched for.
func (r *Reactor) SetInterest(fd int, interest Interest) error {
	d, ok := r.descriptors[fd]
	if !ok {
		return fmt.Errorf("reactor: fd %d not registered", fd)
	}
	if d.interest == interest {
		return nil
	}
	ev := &unix.EpollEvent{Events: interest.epollBits(), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod fd %d: %w", fd, err)
	}
	d.interest = interest
	return nil
}

// Unregister removes fd from the epoll set and invokes its OnClose handler.
// It does not close fd; the caller owns the descriptor's lifetime.
func (r *Reactor) Unregister(fd int) error {
	d, ok := r.descriptors[fd]
	if !ok {
		return nil
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.descriptors, fd)
	if d.handlers.OnClose != nil {
		d.handlers.OnClose(fd)
	}
	return nil
}

// NotifyBlock hands a background worker's result back to the reactor
// goroutine, which will invoke fd's OnBlockDone handler on its next pass
// through Run. It is the only method on Reactor safe to call concurrently
// with Run, and the only channel through which a worker goroutine may
// influence session state.
func (r *Reactor) NotifyBlock(fd int, result any) {
	r.mu.Lock()
	r.pending = append(r.pending, blockResult{fd: fd, result: result})
	r.mu.Unlock()

	var buf [1]byte
	for {
		_, err := unix.Write(r.notifyW, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// Wakeup pipe buffer is saturated: epoll_wait is already due to
			// return (or running) because of an earlier unread byte, so the
			// pending queue will still be drained on the next pass.
		}
		return
	}
}

// Run drives the event loop until ctx is cancelled or an unrecoverable
// epoll error occurs.
func (r *Reactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 128)
	const pollTimeoutMS = 1000
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, pollTimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.notifyR {
				r.drainWakeups()
				continue
			}
			d, ok := r.descriptors[fd]
			if !ok {
				continue
			}
			flags := events[i].Events
			if flags&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && d.handlers.OnReadable != nil {
				d.handlers.OnReadable(fd)
			}
			if _, stillRegistered := r.descriptors[fd]; !stillRegistered {
				continue
			}
			if flags&unix.EPOLLOUT != 0 && d.handlers.OnWritable != nil {
				d.handlers.OnWritable(fd)
			}
		}
	}
}

func (r *Reactor) drainWakeups() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.notifyR, buf[:])
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err != nil {
			break
		}
	}

	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, br := range batch {
		d, ok := r.descriptors[br.fd]
		if !ok || d.handlers.OnBlockDone == nil {
			continue
		}
		d.handlers.OnBlockDone(br.fd, br.result)
	}
}

// Close releases the reactor's own file descriptors (the epoll instance and
// the wakeup pipe). It does not touch any registered descriptor.
func (r *Reactor) Close() error {
	unix.Close(r.notifyR)
	unix.Close(r.notifyW)
	return unix.Close(r.epfd)
}
