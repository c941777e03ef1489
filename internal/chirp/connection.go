package chirp

import (
	"net"
	"time"

	"github.com/danmuck/chirp/internal/callback"
	"github.com/danmuck/chirp/internal/transport"
)

// wireTimeout rounds d down to whole milliseconds; negative means none.
func wireTimeout(d time.Duration) time.Duration {
	return transport.DecodeTimeout(transport.EncodeTimeout(d))
}

// LocalConnection joins two endpoints in the same process.
type LocalConnection struct {
	*object
}

func NewLocalConnection(a, b Endpoint) (*LocalConnection, error) {
	s := a.Scheduler()
	h, err := s.tr.CreateLocalConnection(a.Handle(), b.Handle())
	if err != nil {
		return nil, err
	}
	return &LocalConnection{object: newObject(s.tr, h, s.logger("local_connection"))}, nil
}

// Connection is an established TCP connection.
type Connection struct {
	*object
	sched         *Scheduler
	description   string
	remoteVersion string
	remoteIdent   []byte
}

func newConnection(s *Scheduler, h transport.Handle) (*Connection, error) {
	desc, err := s.tr.GetConnectionDescription(h)
	if err != nil {
		return nil, err
	}
	version, err := s.tr.GetRemoteVersion(h)
	if err != nil {
		return nil, err
	}
	ident, err := s.tr.GetRemoteIdentification(h)
	if err != nil {
		return nil, err
	}
	return &Connection{
		object:        newObject(s.tr, h, s.logger("connection").With().Str("remote", desc).Logger()),
		sched:         s,
		description:   desc,
		remoteVersion: version,
		remoteIdent:   ident,
	}, nil
}

func (c *Connection) Description() string {
	return c.description
}

func (c *Connection) RemoteVersion() string {
	return c.remoteVersion
}

func (c *Connection) RemoteIdentification() []byte {
	return append([]byte(nil), c.remoteIdent...)
}

// Assign starts traffic with ep. A positive timeout enables dead-peer
// detection.
func (c *Connection) Assign(ep Endpoint, timeout time.Duration) error {
	return c.tr.AssignConnection(c.h, ep.Handle(), wireTimeout(timeout))
}

// AsyncAwaitDeath calls fn once the connection dies or the watch is canceled.
func (c *Connection) AsyncAwaitDeath(fn func(err error)) error {
	a := callback.Once(c.sched.reg, "await_connection_death", func(err error, _ transport.Empty) {
		fn(err)
	})
	if err := c.tr.AsyncAwaitConnectionDeath(c.h, a.Func(), nil); err != nil {
		a.Abandon()
		return err
	}
	return nil
}

func (c *Connection) CancelAwaitDeath() error {
	return c.tr.CancelAwaitConnectionDeath(c.h)
}

// connectionFromHandle wraps a handle delivered by accept or connect. A
// wrapping failure destroys the handle so it cannot leak.
func connectionFromHandle(s *Scheduler, err error, h transport.Handle) (*Connection, error) {
	if err != nil {
		return nil, err
	}
	conn, cerr := newConnection(s, h)
	if cerr != nil {
		_ = s.tr.Destroy(h)
		return nil, cerr
	}
	return conn, nil
}

// TCPServer listens for connections.
type TCPServer struct {
	*object
	sched   *Scheduler
	address string
	port    int
}

func NewTCPServer(s *Scheduler, address string, port int, identification []byte) (*TCPServer, error) {
	h, err := s.tr.CreateTCPServer(s.h, address, port, identification)
	if err != nil {
		return nil, err
	}
	return &TCPServer{
		object:  newObject(s.tr, h, s.logger("tcp_server")),
		sched:   s,
		address: address,
		port:    port,
	}, nil
}

type listenAddresser interface {
	ListenAddr(transport.Handle) (net.Addr, error)
}

// Addr returns the bound address when the transport reports it.
func (s *TCPServer) Addr() (net.Addr, error) {
	if la, ok := s.tr.(listenAddresser); ok {
		return la.ListenAddr(s.h)
	}
	return &net.TCPAddr{IP: net.ParseIP(s.address), Port: s.port}, nil
}

// AsyncAccept calls fn once with the next handshaken connection.
func (s *TCPServer) AsyncAccept(handshakeTimeout time.Duration, fn func(err error, conn *Connection)) error {
	a := callback.Once(s.sched.reg, "tcp_accept", func(err error, h transport.Handle) {
		conn, err := connectionFromHandle(s.sched, err, h)
		fn(err, conn)
	})
	if err := s.tr.AsyncTCPAccept(s.h, wireTimeout(handshakeTimeout), a.Func(), nil); err != nil {
		a.Abandon()
		return err
	}
	return nil
}

func (s *TCPServer) CancelAccept() error {
	return s.tr.CancelTCPAccept(s.h)
}

// TCPClient dials connections.
type TCPClient struct {
	*object
	sched *Scheduler
}

func NewTCPClient(s *Scheduler, identification []byte) (*TCPClient, error) {
	h, err := s.tr.CreateTCPClient(s.h, identification)
	if err != nil {
		return nil, err
	}
	return &TCPClient{object: newObject(s.tr, h, s.logger("tcp_client")), sched: s}, nil
}

// AsyncConnect calls fn once with the outcome of one connection attempt.
func (c *TCPClient) AsyncConnect(host string, port int, handshakeTimeout time.Duration, fn func(err error, conn *Connection)) error {
	a := callback.Once(c.sched.reg, "tcp_connect", func(err error, h transport.Handle) {
		conn, err := connectionFromHandle(c.sched, err, h)
		fn(err, conn)
	})
	if err := c.tr.AsyncTCPConnect(c.h, host, port, wireTimeout(handshakeTimeout), a.Func(), nil); err != nil {
		a.Abandon()
		return err
	}
	return nil
}

func (c *TCPClient) CancelConnect() error {
	return c.tr.CancelTCPConnect(c.h)
}
