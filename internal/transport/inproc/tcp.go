package inproc

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/chirp/internal/protocol/session"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const acceptBacklog = 16

func validIdentification(ident []byte) error {
	if len(ident) > transport.MaxRemoteIdentification {
		return transport.ErrIdentTooLarge
	}
	return nil
}

func (t *Transport) localHello(ident []byte) session.Hello {
	return session.Hello{
		Version:        Version,
		Identification: ident,
		SessionID:      uuid.NewString(),
	}
}

// tcpServer listens immediately; accepted sockets queue until an accept
// operation is armed.
type tcpServer struct {
	t     *Transport
	h     transport.Handle
	sched *scheduler
	ln    net.Listener
	ident []byte
	log   zerolog.Logger

	accept   slot[transport.Handle]
	timeout  time.Duration
	backlog  []net.Conn
	attempt  net.Conn
	shutdown bool
}

func (t *Transport) CreateTCPServer(sh transport.Handle, address string, port int, ident []byte) (transport.Handle, error) {
	if err := validIdentification(ident); err != nil {
		return 0, err
	}
	if address != "" && net.ParseIP(address) == nil {
		return 0, transport.ErrInvalidIPAddress
	}
	if port < 0 || port > 65535 {
		return 0, transport.ErrInvalidPortNumber
	}
	t.mu.Lock()
	s, err := lookup[*scheduler](t, sh)
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return 0, mapNetErr(err, transport.ErrCannotListen)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := lookup[*scheduler](t, sh); err != nil {
		ln.Close()
		return 0, err
	}
	srv := &tcpServer{t: t, sched: s, ln: ln, ident: append([]byte(nil), ident...)}
	srv.h = t.register(srv)
	srv.log = t.log.With().Str("object", "tcp_server").Str("addr", ln.Addr().String()).Logger()
	s.users++
	go srv.acceptLoop()
	srv.log.Info().Msg("listening")
	return srv.h, nil
}

// ListenAddr reports the bound address of a TCP server, which resolves a
// requested port of zero.
func (t *Transport) ListenAddr(h transport.Handle) (net.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	srv, err := lookup[*tcpServer](t, h)
	if err != nil {
		return nil, err
	}
	return srv.ln.Addr(), nil
}

func (srv *tcpServer) acceptLoop() {
	for {
		c, err := srv.ln.Accept()
		srv.t.mu.Lock()
		if srv.shutdown {
			srv.t.mu.Unlock()
			if c != nil {
				c.Close()
			}
			return
		}
		if err != nil {
			p := srv.accept.take()
			srv.t.mu.Unlock()
			srv.log.Warn().Err(err).Msg("accept failed")
			complete(srv.sched, p, mapNetErr(err, transport.ErrAcceptFailed), 0)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if len(srv.backlog) >= acceptBacklog {
			srv.t.mu.Unlock()
			c.Close()
			continue
		}
		srv.backlog = append(srv.backlog, c)
		srv.startLocked()
		srv.t.mu.Unlock()
	}
}

// startLocked begins a handshake when an accept is armed and a socket waits.
func (srv *tcpServer) startLocked() {
	if !srv.accept.armed() || srv.attempt != nil || len(srv.backlog) == 0 {
		return
	}
	c := srv.backlog[0]
	srv.backlog = srv.backlog[1:]
	srv.attempt = c
	go srv.handshake(c, srv.timeout)
}

func (srv *tcpServer) handshake(c net.Conn, timeout time.Duration) {
	t := srv.t
	remote, err := session.ExchangeHello(c, t.localHello(srv.ident), timeout, t.session.Limits)

	t.mu.Lock()
	if srv.attempt != c {
		t.mu.Unlock()
		c.Close()
		return
	}
	srv.attempt = nil
	p := srv.accept.take()
	var h transport.Handle
	if err == nil {
		h = t.newConnection(srv.sched, c, remote)
	}
	t.mu.Unlock()

	if err != nil {
		c.Close()
		srv.log.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("handshake failed")
		complete(srv.sched, p, mapNetErr(err, transport.ErrSocketBroken), 0)
		return
	}
	complete(srv.sched, p, transport.OK, h)
}

func (t *Transport) AsyncTCPAccept(h transport.Handle, handshakeTimeout time.Duration, fn transport.Callback[transport.Handle], userArg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	srv, err := lookup[*tcpServer](t, h)
	if err != nil {
		return err
	}
	if err := srv.accept.arm(fn, userArg); err != nil {
		return err
	}
	srv.timeout = handshakeTimeout
	srv.startLocked()
	return nil
}

func (t *Transport) CancelTCPAccept(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	srv, err := lookup[*tcpServer](t, h)
	if err != nil {
		return err
	}
	srv.cancelLocked()
	return nil
}

func (srv *tcpServer) cancelLocked() {
	if srv.attempt != nil {
		srv.attempt.Close()
		srv.attempt = nil
	}
	complete(srv.sched, srv.accept.take(), transport.ErrCanceled, 0)
}

func (srv *tcpServer) destroyLocked() func() {
	srv.shutdown = true
	srv.cancelLocked()
	backlog := srv.backlog
	srv.backlog = nil
	srv.sched.users--
	return func() {
		srv.ln.Close()
		for _, c := range backlog {
			c.Close()
		}
		srv.log.Info().Msg("closed")
	}
}

// tcpClient dials one connection at a time.
type tcpClient struct {
	t     *Transport
	h     transport.Handle
	sched *scheduler
	ident []byte
	log   zerolog.Logger

	connect slot[transport.Handle]
	attempt context.CancelFunc
}

func (t *Transport) CreateTCPClient(sh transport.Handle, ident []byte) (transport.Handle, error) {
	if err := validIdentification(ident); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := lookup[*scheduler](t, sh)
	if err != nil {
		return 0, err
	}
	c := &tcpClient{t: t, sched: s, ident: append([]byte(nil), ident...)}
	c.h = t.register(c)
	c.log = t.log.With().Str("object", "tcp_client").Uint64("handle", uint64(c.h)).Logger()
	s.users++
	return c.h, nil
}

func (t *Transport) AsyncTCPConnect(h transport.Handle, host string, port int, handshakeTimeout time.Duration, fn transport.Callback[transport.Handle], userArg any) error {
	if host == "" {
		return transport.ErrInvalidParam
	}
	if port < 1 || port > 65535 {
		return transport.ErrInvalidPortNumber
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := lookup[*tcpClient](t, h)
	if err != nil {
		return err
	}
	if err := c.connect.arm(fn, userArg); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.attempt = cancel
	go c.dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), handshakeTimeout)
	return nil
}

func (c *tcpClient) dial(ctx context.Context, addr string, timeout time.Duration) {
	t := c.t
	dialCtx := ctx
	if timeout >= 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	var remote session.Hello
	if err == nil {
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		remote, err = session.ExchangeHello(conn, t.localHello(c.ident), timeout, t.session.Limits)
		stop()
	}

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.attempt = nil
	p := c.connect.take()
	var h transport.Handle
	if err == nil {
		h = t.newConnection(c.sched, conn, remote)
	}
	t.mu.Unlock()

	if err != nil {
		if conn != nil {
			conn.Close()
		}
		code := mapNetErr(err, transport.ErrConnectFailed)
		c.log.Debug().Err(err).Str("addr", addr).Stringer("code", code).Msg("connect failed")
		complete(c.sched, p, code, 0)
		return
	}
	c.log.Debug().Str("addr", addr).Uint64("connection", uint64(h)).Msg("connected")
	complete(c.sched, p, transport.OK, h)
}

func (t *Transport) CancelTCPConnect(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := lookup[*tcpClient](t, h)
	if err != nil {
		return err
	}
	c.cancelLocked()
	return nil
}

func (c *tcpClient) cancelLocked() {
	if c.attempt != nil {
		c.attempt()
		c.attempt = nil
	}
	complete(c.sched, c.connect.take(), transport.ErrCanceled, 0)
}

func (c *tcpClient) destroyLocked() func() {
	c.cancelLocked()
	c.sched.users--
	return nil
}
