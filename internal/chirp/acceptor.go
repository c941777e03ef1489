package chirp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

// Acceptor keeps a TCP server accepting and assigns every accepted
// connection to one endpoint. A Leaf holds one connection at a time, so the
// previous one is destroyed before a replacement is assigned.
type Acceptor struct {
	server  *TCPServer
	ep      Endpoint
	timeout time.Duration
	log     zerolog.Logger

	mu             sync.Mutex
	running        bool
	conns          map[*Connection]struct{}
	latest         *Connection
	changed        chan struct{}
	onConnected    func(*Connection)
	onDisconnected func(*Connection, error)
}

func NewAcceptor(server *TCPServer, ep Endpoint, timeout time.Duration) *Acceptor {
	return &Acceptor{
		server:  server,
		ep:      ep,
		timeout: timeout,
		log:     server.sched.logger("acceptor"),
		conns:   make(map[*Connection]struct{}),
		changed: make(chan struct{}),
	}
}

func (a *Acceptor) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrSupervisorRunning
	}
	a.running = true
	a.mu.Unlock()
	if err := a.arm(); err != nil {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return err
	}
	return nil
}

func (a *Acceptor) arm() error {
	return a.server.AsyncAccept(a.timeout, a.accepted)
}

func (a *Acceptor) accepted(err error, conn *Connection) {
	if transport.Invalidated(err) {
		return
	}
	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		if conn != nil {
			_ = conn.Destroy()
		}
		return
	}

	if aerr := a.arm(); aerr != nil {
		a.log.Error().Err(aerr).Msg("re-arming accept failed")
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("accept failed")
		return
	}

	if _, leaf := a.ep.(*Leaf); leaf {
		a.mu.Lock()
		prev := a.latest
		a.mu.Unlock()
		if prev != nil {
			a.log.Info().Str("remote", prev.Description()).Msg("replacing leaf connection")
			a.forget(prev)
			_ = prev.Destroy()
		}
	}

	if err := conn.Assign(a.ep, a.timeout); err != nil {
		a.log.Warn().Err(err).Str("remote", conn.Description()).Msg("assigning connection failed")
		_ = conn.Destroy()
		return
	}
	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.latest = conn
	a.notifyLocked()
	fn := a.onConnected
	a.mu.Unlock()

	err = conn.AsyncAwaitDeath(func(err error) { a.died(conn, err) })
	if err != nil {
		a.log.Warn().Err(err).Msg("watching connection failed")
		a.forget(conn)
		_ = conn.Destroy()
		return
	}
	a.log.Info().Str("remote", conn.Description()).Str("version", conn.RemoteVersion()).Msg("connection accepted")
	if fn != nil {
		fn(conn)
	}
}

func (a *Acceptor) died(conn *Connection, err error) {
	if !a.forget(conn) || transport.Canceled(err) {
		return
	}
	a.log.Info().Err(err).Str("remote", conn.Description()).Msg("connection lost")
	a.mu.Lock()
	fn := a.onDisconnected
	a.mu.Unlock()
	if fn != nil {
		fn(conn, err)
	}
	go func() {
		if err := conn.Destroy(); err != nil && !errors.Is(err, transport.ErrInvalidHandle) {
			a.log.Warn().Err(err).Msg("connection teardown failed")
		}
	}()
}

// forget drops conn from the live set and reports whether it was there.
func (a *Acceptor) forget(conn *Connection) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.conns[conn]; !ok {
		return false
	}
	delete(a.conns, conn)
	if a.latest == conn {
		a.latest = nil
	}
	a.notifyLocked()
	return true
}

func (a *Acceptor) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *Acceptor) OnConnected(fn func(*Connection)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onConnected = fn
}

func (a *Acceptor) OnDisconnected(fn func(*Connection, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDisconnected = fn
}

// Connections returns the number of live connections.
func (a *Acceptor) Connections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Acceptor) WaitUntilAtLeastOneConnected(ctx context.Context) error {
	return a.waitFor(ctx, func(n int) bool { return n > 0 })
}

func (a *Acceptor) WaitUntilAllDisconnected(ctx context.Context) error {
	return a.waitFor(ctx, func(n int) bool { return n == 0 })
}

func (a *Acceptor) waitFor(ctx context.Context, ok func(int) bool) error {
	for {
		a.mu.Lock()
		n, changed := len(a.conns), a.changed
		a.mu.Unlock()
		if ok(n) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-a.server.Done():
			return ErrObjectDestroyed
		}
	}
}

// Stop cancels the pending accept and destroys every live connection. The
// server stays with its owner.
func (a *Acceptor) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	conns := make([]*Connection, 0, len(a.conns))
	for c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()

	err := a.server.CancelAccept()
	if err != nil && !transport.Invalidated(err) {
		a.log.Warn().Err(err).Msg("canceling accept failed")
	} else {
		err = nil
	}
	for _, c := range conns {
		a.forget(c)
		if derr := c.Destroy(); derr != nil && err == nil && !errors.Is(derr, transport.ErrInvalidHandle) {
			err = derr
		}
	}
	return err
}
