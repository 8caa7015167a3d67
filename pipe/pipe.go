// Package pipe implements the anonymous pipe reachable via a VFS file
// object: a bounded byte-ring buffer with two counter wait-queues.
// Readers wait on the "writes" counter to advance; writers wait
// on the "reads" counter to advance, so a full pipe wakes exactly the
// goroutines that can make progress once space or data appears.
package pipe

import (
	"sync"

	"github.com/gokernel/vfskit/vfserrno"
	"github.com/gokernel/vfskit/wait"
)

// DefaultCapacity matches the traditional single-page pipe buffer size.
const DefaultCapacity = 4096

// Pipe is a unidirectional byte channel with one ring buffer shared by a
// read end and a write end. Both ends must be explicitly closed; reads
// past a fully-closed write end return (0, nil) to signal EOF and writes
// past a fully-closed read end return EPIPE-equivalent (ENXIO, since this
// package has no SIGPIPE to raise).
type Pipe struct {
	mu sync.Mutex

	buf        []byte
	readCount  uint64 // total bytes read so far
	writeCount uint64 // total bytes written so far

	readOpen  bool
	writeOpen bool

	readWaiters  wait.Channel // writers sleep here waiting for space (reads to advance)
	writeWaiters wait.Channel // readers sleep here waiting for data (writes to advance)
}

// New creates a pipe with both ends open and the given ring-buffer
// capacity (DefaultCapacity if cap <= 0).
func New(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipe{
		buf:       make([]byte, capacity),
		readOpen:  true,
		writeOpen: true,
	}
}

func (p *Pipe) used() int { return int(p.writeCount - p.readCount) }
func (p *Pipe) free() int { return len(p.buf) - p.used() }

// Read blocks until at least one byte is available or the write end is
// closed, then copies up to len(buf) bytes in. It never blocks once any
// data is available, matching read(2)'s "short read is fine" contract.
func (p *Pipe) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.readOpen {
		return 0, vfserrno.EBADF
	}

	for p.used() == 0 {
		if !p.writeOpen {
			return 0, nil // EOF: nothing left and no writer can add more
		}
		p.writeWaiters.Wait(&p.mu)
		if !p.readOpen {
			return 0, vfserrno.EBADF
		}
	}

	n := 0
	for n < len(buf) && p.used() > 0 {
		idx := int(p.readCount) % len(p.buf)
		buf[n] = p.buf[idx]
		p.readCount++
		n++
	}

	p.readWaiters.Broadcast(&p.mu)
	return n, nil
}

// Write blocks while the ring buffer is full and the read end remains
// open, then copies in as much of buf as fits in one pass (it may need
// multiple passes internally to write all of buf, each unblocking once
// space frees up). Writing to a pipe whose read end is closed fails with
// ENXIO rather than raising a signal.
func (p *Pipe) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.writeOpen {
		return 0, vfserrno.EBADF
	}

	written := 0
	for written < len(buf) {
		for p.free() == 0 {
			if !p.readOpen {
				return written, vfserrno.ENXIO
			}
			p.readWaiters.Wait(&p.mu)
			if !p.writeOpen {
				return written, vfserrno.EBADF
			}
		}
		if !p.readOpen {
			return written, vfserrno.ENXIO
		}

		for written < len(buf) && p.free() > 0 {
			idx := int(p.writeCount) % len(p.buf)
			p.buf[idx] = buf[written]
			p.writeCount++
			written++
		}
		p.writeWaiters.Broadcast(&p.mu)
	}

	return written, nil
}

// CloseRead closes the read end, waking any blocked writer so it can
// observe ENXIO instead of hanging forever.
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readOpen = false
	p.readWaiters.Broadcast(&p.mu)
}

// CloseWrite closes the write end, waking any blocked reader so it can
// observe EOF instead of hanging forever.
func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeOpen = false
	p.writeWaiters.Broadcast(&p.mu)
}
