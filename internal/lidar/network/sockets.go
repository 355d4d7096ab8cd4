package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Addr keys the fleet's channel map. A struct key avoids the substring
// collisions a concatenated "ip:port" string can produce.
type Addr struct {
	Host string
	Port uint16
}

func addrKey(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// OSSocketFactory implements SocketFactory with real sockets. Bound
// sockets get SO_REUSEADDR so a restarted host can rebind immediately,
// and SO_BROADCAST when the caller will send detection broadcasts.
type OSSocketFactory struct{}

// Listen binds host:port. host "" or "local" binds all interfaces. A
// non-empty multicastIP joins that group instead of a plain bind.
func (OSSocketFactory) Listen(host string, port uint16, broadcast bool, multicastIP string) (UDPSocket, error) {
	if host == "local" {
		host = ""
	}

	if multicastIP != "" {
		gaddr := &net.UDPAddr{IP: net.ParseIP(multicastIP), Port: int(port)}
		conn, err := net.ListenMulticastUDP("udp4", nil, gaddr)
		if err != nil {
			return nil, fmt.Errorf("failed to join multicast group %s:%d: %w", multicastIP, port, err)
		}
		return NewRealUDPSocket(conn), nil
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if sockErr != nil {
					return
				}
				if broadcast {
					sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s:%d: %w", host, port, err)
	}
	return NewRealUDPSocket(pc.(*net.UDPConn)), nil
}

// Fleet owns the bound sockets of one runtime, keyed by bind address, and
// tracks which reactor each socket is registered with so shutdown can
// detach before closing.
type Fleet struct {
	factory SocketFactory

	mu       sync.Mutex
	channels map[Addr]UDPSocket
	reactors map[Addr]*Reactor
}

// NewFleet creates an empty fleet using the given factory.
func NewFleet(factory SocketFactory) *Fleet {
	return &Fleet{
		factory:  factory,
		channels: make(map[Addr]UDPSocket),
		reactors: make(map[Addr]*Reactor),
	}
}

// Open binds host:port (once — reopening an existing address returns the
// existing socket) and registers it with reactor under delegate.
func (f *Fleet) Open(host string, port uint16, broadcast bool, multicastIP string, reactor *Reactor, delegate Delegate) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := Addr{Host: host, Port: port}
	if sock, ok := f.channels[key]; ok {
		return sock, nil
	}

	sock, err := f.factory.Listen(host, port, broadcast, multicastIP)
	if err != nil {
		return nil, err
	}
	f.channels[key] = sock
	f.reactors[key] = reactor
	reactor.Add(sock, delegate)
	return sock, nil
}

// Lookup returns the socket bound to host:port, if any.
func (f *Fleet) Lookup(host string, port uint16) (UDPSocket, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sock, ok := f.channels[Addr{Host: host, Port: port}]
	return sock, ok
}

// CloseAll detaches every socket from its reactor, then closes it, then
// clears the maps. Safe to call twice.
func (f *Fleet) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, sock := range f.channels {
		if r := f.reactors[key]; r != nil {
			r.Remove(sock)
		}
		sock.Close()
	}
	f.channels = make(map[Addr]UDPSocket)
	f.reactors = make(map[Addr]*Reactor)
}
