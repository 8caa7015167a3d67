// Package socket implements the UDP-like socket endpoint reachable via a
// VFS file object. The network/transport layer itself is an external
// collaborator; this package only
// provides the in-process loopback plumbing a file object dispatches
// read/write to, addressed by a local port number the way connect(raddr,
// lport, rport) expects.
package socket

import (
	"sync"

	"github.com/gokernel/vfskit/container"
	"github.com/gokernel/vfskit/vfserrno"
	"github.com/gokernel/vfskit/wait"
)

// Registry binds sockets to local ports so Connect can find a peer by
// port, the loopback stand-in for the external address-resolution the
// real network stack would do.
type Registry struct {
	mu       sync.Mutex
	byPort   *container.Table[uint16, *Socket]
	nextPort uint16
}

// NewRegistry creates an empty port registry, with ephemeral ports
// starting at 1024 (the traditional boundary between well-known and
// ephemeral ports).
func NewRegistry() *Registry {
	return &Registry{
		byPort:   container.NewTable[uint16, *Socket](portHash, portEq),
		nextPort: 1024,
	}
}

func portHash(p uint16) uint64 { return uint64(p) }
func portEq(a, b uint16) bool  { return a == b }

// Bind assigns s an unused ephemeral port and registers it.
func (r *Registry) Bind(s *Socket) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		port := r.nextPort
		r.nextPort++
		if r.nextPort == 0 {
			r.nextPort = 1024
		}
		if _, ok := r.byPort.Lookup(port); !ok {
			r.byPort.Insert(port, s)
			return port
		}
	}
}

// Lookup resolves a bound port to its socket.
func (r *Registry) Lookup(port uint16) (*Socket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPort.Lookup(port)
}

// Unbind removes port's registration.
func (r *Registry) Unbind(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPort.Delete(port)
}

// Socket is a connectionless, datagram-preserving endpoint: each Write
// call is delivered to the peer as one Read-sized message, never coalesced
// with another, matching UDP's message-boundary semantics.
type Socket struct {
	mu sync.Mutex

	registry  *Registry
	localPort uint16
	peer      *Socket // set by Connect; nil until then

	queue    [][]byte
	notEmpty wait.Channel
	closed   bool
}

// New creates and binds a socket to a fresh ephemeral port.
func New(r *Registry) *Socket {
	s := &Socket{registry: r}
	s.localPort = r.Bind(s)
	return s
}

// LocalPort reports the port this socket is bound to.
func (s *Socket) LocalPort() uint16 { return s.localPort }

// Connect sets the default peer for Write, the loopback analogue of
// connect(raddr, lport, rport) once raddr has already resolved to this
// process.
func (s *Socket) Connect(remotePort uint16) error {
	peer, ok := s.registry.Lookup(remotePort)
	if !ok {
		return vfserrno.EADDRINUSE
	}

	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
	return nil
}

// Read blocks until a datagram is available or the socket is closed, then
// copies at most one datagram into buf, truncating if buf is shorter than
// the datagram (the remainder is dropped, matching recv(2) on a SOCK_DGRAM
// socket).
func (s *Socket) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 {
		if s.closed {
			return 0, nil
		}
		s.notEmpty.Wait(&s.mu)
	}

	msg := s.queue[0]
	s.queue = s.queue[1:]
	n := copy(buf, msg)
	return n, nil
}

// Write delivers buf as a single datagram to the connected peer.
func (s *Socket) Write(buf []byte) (int, error) {
	s.mu.Lock()
	peer := s.peer
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return 0, vfserrno.EBADF
	}
	if peer == nil {
		return 0, vfserrno.ENXIO
	}

	msg := append([]byte(nil), buf...)
	peer.mu.Lock()
	peer.queue = append(peer.queue, msg)
	peer.notEmpty.Broadcast(&peer.mu)
	peer.mu.Unlock()

	return len(buf), nil
}

// Close unbinds the socket and wakes any blocked reader with EOF.
func (s *Socket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.notEmpty.Broadcast(&s.mu)
	s.mu.Unlock()

	s.registry.Unbind(s.localPort)
	return nil
}
