package inproc

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/chirp/internal/codec"
	"github.com/danmuck/chirp/internal/protocol/frame"
	"github.com/danmuck/chirp/internal/protocol/schema"
	"github.com/danmuck/chirp/internal/protocol/session"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

var errGoodbye = errors.New("inproc: peer said goodbye")

// connection is an established TCP connection. It carries no traffic until
// it is assigned to an endpoint.
type connection struct {
	t      *Transport
	h      transport.Handle
	sched  *scheduler
	conn   net.Conn
	remote session.Hello
	desc   string
	log    zerolog.Logger

	ep    *endpoint
	link  *link
	out   *outbox[frame.Frame]
	seq   atomic.Uint64
	stop  chan struct{}
	death slot[transport.Empty]
	dead  bool
	cause transport.ErrorCode
	once  sync.Once
}

// newConnection registers an accepted or dialed socket. Callers hold t.mu.
func (t *Transport) newConnection(s *scheduler, c net.Conn, remote session.Hello) transport.Handle {
	desc := c.RemoteAddr().String()
	if len(desc) >= transport.MaxConnectionDescription {
		desc = desc[:transport.MaxConnectionDescription-1]
	}
	conn := &connection{
		t:      t,
		sched:  s,
		conn:   c,
		remote: remote,
		desc:   desc,
		stop:   make(chan struct{}),
	}
	conn.h = t.register(conn)
	conn.log = t.log.With().Str("object", "connection").Uint64("handle", uint64(conn.h)).Str("remote", desc).Logger()
	s.users++
	return conn.h
}

func (t *Transport) GetConnectionDescription(h transport.Handle) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o := t.objects[h].(type) {
	case nil:
		return "", transport.ErrInvalidHandle
	case *connection:
		return o.desc, nil
	case *localConnection:
		return "local", nil
	default:
		return "", transport.ErrWrongObjectType
	}
}

func (t *Transport) GetRemoteVersion(h transport.Handle) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := lookup[*connection](t, h)
	if err != nil {
		return "", err
	}
	v := c.remote.Version
	if len(v) >= transport.MaxRemoteVersion {
		v = v[:transport.MaxRemoteVersion-1]
	}
	return v, nil
}

func (t *Transport) GetRemoteIdentification(h transport.Handle) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := lookup[*connection](t, h)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), c.remote.Identification...), nil
}

// AssignConnection starts exchanging traffic between the connection and an
// endpoint. A positive timeout arms heartbeats and dead-peer detection.
func (t *Transport) AssignConnection(h, eh transport.Handle, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := lookup[*connection](t, h)
	if err != nil {
		return err
	}
	ep, err := lookup[*endpoint](t, eh)
	if err != nil {
		return err
	}
	if c.dead {
		return transport.ErrConnectionDead
	}
	if c.ep != nil {
		return transport.ErrAlreadyAssigned
	}
	if !ep.canAttach() {
		return transport.ErrAlreadyConnected
	}

	c.ep = ep
	c.out = newOutbox[frame.Frame]()
	c.link = &link{ep: ep, desc: c.desc, send: c.sendEnvelope}
	ep.users++
	ep.attach(c.link)

	go c.writeLoop()
	go c.readLoop(timeout)
	if interval := t.session.HeartbeatInterval(timeout); interval > 0 {
		go c.heartbeatLoop(interval)
	}
	c.log.Debug().Uint64("endpoint", uint64(eh)).Dur("timeout", timeout).Msg("connection assigned")
	return nil
}

func (c *connection) sendEnvelope(env envelope) {
	payload, err := codec.Marshal(env)
	if err != nil {
		c.log.Error().Err(err).Stringer("kind", env.Kind).Msg("encode envelope")
		return
	}
	c.out.push(frame.New(schema.MsgRoute, c.seq.Add(1), payload))
}

func (c *connection) writeLoop() {
	limits := c.t.session.Limits
	for {
		f, ok := c.out.pop()
		if !ok {
			c.conn.Close()
			return
		}
		if wt := c.t.session.WriteTimeout; wt > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(wt))
		}
		if err := frame.WriteFrame(c.conn, f, limits); err != nil {
			c.fail(mapNetErr(err, transport.ErrSocketBroken), err)
			return
		}
	}
}

func (c *connection) readLoop(timeout time.Duration) {
	limits := c.t.session.Limits
	for {
		if timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		}
		f, err := frame.ReadFrame(c.conn, limits)
		if err != nil {
			c.fail(mapNetErr(err, transport.ErrSocketBroken), err)
			return
		}
		switch f.Header.MessageType {
		case schema.MsgHeartbeat:
		case schema.MsgGoodbye:
			c.fail(transport.ErrConnectionClosed, errGoodbye)
			return
		case schema.MsgRoute:
			var env envelope
			if err := codec.Unmarshal(f.Payload, &env); err != nil {
				c.log.Warn().Err(err).Msg("dropping undecodable envelope")
				continue
			}
			c.t.mu.Lock()
			if !c.link.dead {
				c.ep.handle(c.link, env)
			}
			c.t.mu.Unlock()
		default:
			c.log.Warn().Uint32("type", f.Header.MessageType).Msg("unexpected frame")
		}
	}
}

func (c *connection) heartbeatLoop(interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-tick.C:
			c.out.push(frame.New(schema.MsgHeartbeat, c.seq.Add(1), nil))
		}
	}
}

// fail marks the connection dead after a link error and reports the death.
func (c *connection) fail(code transport.ErrorCode, cause error) {
	c.t.mu.Lock()
	if c.dead {
		c.t.mu.Unlock()
		return
	}
	p := c.dieLocked(code)
	c.t.mu.Unlock()
	c.log.Info().Err(cause).Stringer("code", code).Msg("connection lost")
	c.out.close()
	c.conn.Close()
	complete(c.sched, p, code, transport.Empty{})
}

// dieLocked detaches the link and claims the pending death watch.
func (c *connection) dieLocked(code transport.ErrorCode) *pending[transport.Empty] {
	c.dead = true
	c.cause = code
	c.once.Do(func() { close(c.stop) })
	if c.ep != nil {
		c.ep.detach(c.link)
		c.ep.users--
	}
	return c.death.take()
}

func (t *Transport) AsyncAwaitConnectionDeath(h transport.Handle, fn transport.Callback[transport.Empty], userArg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := lookup[*connection](t, h)
	if err != nil {
		return err
	}
	if c.dead {
		if fn == nil {
			return transport.ErrInvalidParam
		}
		complete(c.sched, &pending[transport.Empty]{fn: fn, arg: userArg}, c.cause, transport.Empty{})
		return nil
	}
	return c.death.arm(fn, userArg)
}

func (t *Transport) CancelAwaitConnectionDeath(h transport.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := lookup[*connection](t, h)
	if err != nil {
		return err
	}
	complete(c.sched, c.death.take(), transport.ErrCanceled, transport.Empty{})
	return nil
}

func (c *connection) destroyLocked() func() {
	wasAssigned := c.ep != nil
	alive := !c.dead
	var p *pending[transport.Empty]
	if alive {
		p = c.dieLocked(transport.ErrConnectionClosed)
	} else {
		p = c.death.take()
	}
	c.sched.users--
	return func() {
		complete(c.sched, p, transport.ErrCanceled, transport.Empty{})
		if alive && wasAssigned {
			c.out.push(frame.New(schema.MsgGoodbye, c.seq.Add(1), nil))
			c.out.close()
			return
		}
		if c.out != nil {
			c.out.close()
		}
		c.conn.Close()
	}
}
