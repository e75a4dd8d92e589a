// Package buffer provides the fixed-capacity byte buffers used as the sole
// data carrier between sockets, pipes, and the parser pipeline. There is no
// allocation on the hot path: a Buffer is sized once and reused for the life
// of the descriptor it serves.
package buffer

import "fmt"

// DefaultCapacity is the reference buffer size: large enough that a single
// POP3 command line (max 255 bytes including terminator) always fits with
// room to spare for a pipelined follow-on command.
const DefaultCapacity = 2048

// Buffer is a fixed byte region with independent read and write cursors.
// Invariant: 0 <= read <= write <= len(data).
type Buffer struct {
	data  []byte
	read  int
	write int
}

// New allocates a Buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Capacity returns the total size of the underlying region.
func (b *Buffer) Capacity() int {
	return len(b.data)
}

// Len returns the number of unread bytes currently buffered.
func (b *Buffer) Len() int {
	return b.write - b.read
}

// Free returns the number of bytes of write space remaining.
func (b *Buffer) Free() int {
	return len(b.data) - b.write
}

// ReserveWrite returns a slice into the unwritten tail of the buffer. A
// non-blocking producer writes into this slice and then calls AdvanceWrite
// with the number of bytes actually used. A zero-length result signals
// backpressure: the caller must suspend writes on this buffer (park the
// descriptor's write interest) until the downstream consumer drains via
// AdvanceRead/Reset.
func (b *Buffer) ReserveWrite() []byte {
	return b.data[b.write:]
}

// AdvanceWrite commits n bytes written into the region returned by the most
// recent ReserveWrite. It panics if n would violate write <= capacity; that
// indicates a caller bug, not a runtime condition.
func (b *Buffer) AdvanceWrite(n int) {
	if n < 0 || b.write+n > len(b.data) {
		panic(fmt.Sprintf("buffer: AdvanceWrite(%d) exceeds capacity (write=%d cap=%d)", n, b.write, len(b.data)))
	}
	b.write += n
}

// ReserveRead returns a slice over the unread bytes. A consumer reads from
// this slice (e.g. copies it to a socket) and then calls AdvanceRead with
// the number of bytes actually consumed. A zero-length result means the
// buffer is empty.
func (b *Buffer) ReserveRead() []byte {
	return b.data[b.read:b.write]
}

// AdvanceRead commits n bytes consumed from the region returned by the most
// recent ReserveRead. It panics if n would violate read <= write.
func (b *Buffer) AdvanceRead(n int) {
	if n < 0 || b.read+n > b.write {
		panic(fmt.Sprintf("buffer: AdvanceRead(%d) exceeds unread length (read=%d write=%d)", n, b.read, b.write))
	}
	b.read += n
	if b.read == b.write {
		// Fully drained: reset cursors to the front so future ReserveWrite
		// calls see the whole capacity again. This is the only compaction
		// the buffer performs, and it is free (no copy).
		b.read = 0
		b.write = 0
	}
}

// Reset discards all buffered content and returns the buffer to its initial
// empty state.
func (b *Buffer) Reset() {
	b.read = 0
	b.write = 0
}

// Full reports whether the buffer has no write space left without a drain.
func (b *Buffer) Full() bool {
	return b.write == len(b.data)
}

// Empty reports whether there is nothing left to read.
func (b *Buffer) Empty() bool {
	return b.read == b.write
}
