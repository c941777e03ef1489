package chirp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/chirp/internal/clock"
	"github.com/danmuck/chirp/internal/protocol/session"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

// DefaultConnectTimeout bounds handshakes and dead-peer detection when the
// config leaves Timeout unset.
const DefaultConnectTimeout = 3 * time.Second

type SupervisorState int

const (
	StateIdle SupervisorState = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateShuttingDown
	StateStopped
)

func (s SupervisorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("SupervisorState(%d)", int(s))
	}
}

type SupervisorConfig struct {
	Host string
	Port int
	// Timeout bounds the handshake and, once assigned, detects dead peers.
	// Zero selects DefaultConnectTimeout.
	Timeout        time.Duration
	Identification []byte
	Backoff        session.BackoffConfig
	Clock          clock.Clock
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDeath
)

type supervisorEvent struct {
	kind eventKind
	err  error
	conn *Connection
}

// Supervisor keeps one TCP connection assigned to an endpoint, reconnecting
// after failures. A single goroutine owns the connect, assign, watch, retry
// cycle; transport callbacks only feed it events.
type Supervisor struct {
	sched  *Scheduler
	ep     Endpoint
	cfg    SupervisorConfig
	client *TCPClient
	log    zerolog.Logger

	mu             sync.Mutex
	state          SupervisorState
	conn           *Connection
	started        bool
	running        bool
	changed        chan struct{}
	onConnected    func(*Connection)
	onDisconnected func(error)

	events      chan supervisorEvent
	quit        chan struct{}
	done        chan struct{}
	teardown    sync.WaitGroup
	destroyOnce sync.Once
	destroyErr  error
	attempt     int
	backoff     *session.Backoff
}

func NewSupervisor(ep Endpoint, cfg SupervisorConfig) (*Supervisor, error) {
	switch {
	case cfg.Timeout == 0:
		cfg.Timeout = DefaultConnectTimeout
	case cfg.Timeout < 0:
		// Without dead-peer detection a silent peer is never retried.
		return nil, ErrNoTimeout
	}
	if cfg.Backoff == (session.BackoffConfig{}) {
		cfg.Backoff = session.DefaultConfig().Backoff
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := ep.Scheduler()
	client, err := NewTCPClient(s, cfg.Identification)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		sched:   s,
		ep:      ep,
		cfg:     cfg,
		client:  client,
		backoff: session.NewBackoff(cfg.Backoff, cfg.Clock.Now().UnixNano()),
		log:     s.logger("supervisor").With().Str("target", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)).Logger(),
		changed: make(chan struct{}),
		events:  make(chan supervisorEvent),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start validates the target and spawns the supervising goroutine.
func (s *Supervisor) Start() error {
	if s.cfg.Host == "" || s.cfg.Port < 1 || s.cfg.Port > 65535 {
		return fmt.Errorf("%w: %q port %d", ErrInvalidTarget, s.cfg.Host, s.cfg.Port)
	}
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateStopped {
		s.mu.Unlock()
		return ErrObjectDestroyed
	}
	if s.started {
		s.mu.Unlock()
		return ErrSupervisorRunning
	}
	s.started = true
	s.running = true
	s.mu.Unlock()

	s.log.Info().Msg("supervisor started")
	go s.run()
	return nil
}

func (s *Supervisor) run() {
	defer close(s.done)
	retry := s.connect()
	for {
		select {
		case <-s.quit:
			return
		case <-retry:
			retry = s.connect()
		case ev := <-s.events:
			switch ev.kind {
			case eventConnect:
				retry = s.connected(ev)
			case eventDeath:
				if r := s.died(ev); r != nil {
					retry = r
				}
			}
		}
	}
}

// post hands an event to the loop. Once the loop is gone a freshly
// connected connection has no owner and is destroyed here.
func (s *Supervisor) post(ev supervisorEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
		if ev.kind == eventConnect && ev.conn != nil {
			_ = ev.conn.Destroy()
		}
	}
}

func (s *Supervisor) connect() <-chan time.Time {
	s.setState(StateConnecting)
	err := s.client.AsyncConnect(s.cfg.Host, s.cfg.Port, s.cfg.Timeout, func(err error, conn *Connection) {
		s.post(supervisorEvent{kind: eventConnect, err: err, conn: conn})
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("connect could not be started")
		return s.retryLater()
	}
	return nil
}

func (s *Supervisor) connected(ev supervisorEvent) <-chan time.Time {
	if ev.err != nil {
		if transport.Canceled(ev.err) {
			if !s.isRunning() {
				return nil
			}
			s.log.Warn().Msg("stray connect cancellation")
		} else {
			s.log.Info().Err(ev.err).Int("attempt", s.attempt+1).Msg("connect failed")
		}
		return s.retryLater()
	}

	conn := ev.conn
	if err := conn.Assign(s.ep, s.cfg.Timeout); err != nil {
		s.log.Warn().Err(err).Msg("assigning connection failed")
		s.discard(conn)
		return s.retryLater()
	}
	err := conn.AsyncAwaitDeath(func(err error) {
		s.post(supervisorEvent{kind: eventDeath, err: err, conn: conn})
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("watching connection failed")
		s.discard(conn)
		return s.retryLater()
	}

	s.attempt = 0
	s.mu.Lock()
	s.conn = conn
	s.setStateLocked(StateConnected)
	fn := s.onConnected
	s.mu.Unlock()
	s.log.Info().Str("remote", conn.Description()).Str("version", conn.RemoteVersion()).Msg("connected")
	if fn != nil {
		fn(conn)
	}
	return nil
}

func (s *Supervisor) died(ev supervisorEvent) <-chan time.Time {
	if transport.Canceled(ev.err) {
		return nil
	}
	s.mu.Lock()
	if s.conn != ev.conn {
		s.mu.Unlock()
		return nil
	}
	s.conn = nil
	s.setStateLocked(StateRetrying)
	fn := s.onDisconnected
	s.mu.Unlock()

	s.log.Warn().Err(ev.err).Msg("connection lost")
	if fn != nil {
		fn(ev.err)
	}
	s.discard(ev.conn)
	return s.retryLater()
}

func (s *Supervisor) retryLater() <-chan time.Time {
	s.attempt++
	delay := s.backoff.Delay(s.attempt)
	s.setState(StateRetrying)
	s.log.Debug().Int("attempt", s.attempt).Dur("delay", delay).Msg("retry scheduled")
	return s.cfg.Clock.After(delay)
}

// discard destroys a connection off the loop goroutine.
func (s *Supervisor) discard(conn *Connection) {
	s.teardown.Add(1)
	go func() {
		defer s.teardown.Done()
		if err := conn.Destroy(); err != nil && !errors.Is(err, transport.ErrInvalidHandle) {
			s.log.Warn().Err(err).Msg("connection teardown failed")
		}
	}()
}

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) setState(st SupervisorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

func (s *Supervisor) setStateLocked(st SupervisorState) {
	if s.state == st || s.state == StateStopped {
		return
	}
	if s.state == StateShuttingDown && st != StateStopped {
		return
	}
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connection returns the live connection, if any.
func (s *Supervisor) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// OnConnected runs fn on the supervising goroutine after each connection.
func (s *Supervisor) OnConnected(fn func(*Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = fn
}

// OnDisconnected runs fn on the supervising goroutine after each loss.
func (s *Supervisor) OnDisconnected(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = fn
}

func (s *Supervisor) WaitUntilConnected(ctx context.Context) error {
	return s.waitFor(ctx, func(st SupervisorState) bool { return st == StateConnected })
}

func (s *Supervisor) WaitUntilDisconnected(ctx context.Context) error {
	return s.waitFor(ctx, func(st SupervisorState) bool { return st != StateConnected })
}

func (s *Supervisor) waitFor(ctx context.Context, ok func(SupervisorState) bool) error {
	for {
		s.mu.Lock()
		st, changed := s.state, s.changed
		s.mu.Unlock()
		if ok(st) {
			return nil
		}
		if st == StateStopped {
			return ErrObjectDestroyed
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Destroy stops the loop, joins it, then destroys the client and any live
// connection. Further calls return the first call's result.
func (s *Supervisor) Destroy() error {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.started = true
		s.running = false
		s.setStateLocked(StateShuttingDown)
		s.mu.Unlock()

		close(s.quit)
		if started {
			<-s.done
		} else {
			close(s.done)
		}

		if err := s.client.Destroy(); err != nil {
			s.destroyErr = err
		}
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			if err := conn.Destroy(); err != nil && s.destroyErr == nil {
				s.destroyErr = err
			}
		}
		s.teardown.Wait()
		s.setState(StateStopped)
		s.log.Info().Msg("supervisor stopped")
	})
	return s.destroyErr
}
