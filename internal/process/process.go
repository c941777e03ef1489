// Package process bootstraps an application process: flags and
// configuration files, logging, a scheduler with one leaf, the standard
// process terminals, and a supervised connection to a node.
package process

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/danmuck/chirp/internal/chirp"
	"github.com/danmuck/chirp/internal/codec"
	"github.com/danmuck/chirp/internal/logging"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/danmuck/chirp/internal/transport/inproc"
	"github.com/rs/zerolog"
)

// Terminal signatures of the process terminals.
const (
	SigOperational transport.Signature = 0x00000001
	SigMessageList transport.Signature = 0x0000040d
	SigLog         transport.Signature = 0x000009cd
)

const (
	GlobalLogTerminal = "/Log"
	// DefaultPoolSize is the scheduler worker count of a process.
	DefaultPoolSize = 2
)

type options struct {
	tr      transport.Transport
	console io.Writer
}

type Option func(*options)

// WithTransport replaces the in-process transport.
func WithTransport(tr transport.Transport) Option {
	return func(o *options) { o.tr = tr }
}

// WithConsole redirects console log output, os.Stdout by default.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// Process owns every object created during bootstrap.
type Process struct {
	settings Settings
	log      zerolog.Logger
	fwd      *LogForwarder

	sched       *chirp.Scheduler
	leaf        *chirp.Leaf
	globalLog   *chirp.ProducerTerminal
	localLog    *chirp.ProducerTerminal
	errors      *chirp.CachedProducerTerminal
	warnings    *chirp.CachedProducerTerminal
	operational *chirp.CachedProducerTerminal
	supervisor  *chirp.Supervisor

	mu          sync.Mutex
	errList     []string
	warnList    []string
	isOperative bool
	destroyOnce sync.Once
	destroyErr  error
}

func New(settings Settings, opts ...Option) (*Process, error) {
	o := options{console: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	p := &Process{settings: settings}

	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	cfg.Level = settings.StdoutLevel
	cfg.Out = o.console
	// Records logged before the log terminals exist are not forwarded.
	p.fwd = NewLogForwarder(settings.StdoutLevel)
	p.log = logging.New(cfg, p.fwd).With().Str("location", settings.Location).Logger()

	if o.tr == nil {
		o.tr = inproc.New(inproc.WithLogger(p.Component("inproc")))
	}
	var err error
	p.sched, err = chirp.NewScheduler(o.tr, chirp.WithLogger(p.Component("chirp")))
	if err != nil {
		p.fwd.Close()
		return nil, err
	}
	if err := p.sched.SetThreadPoolSize(DefaultPoolSize); err != nil {
		p.abort()
		return nil, err
	}
	if p.leaf, err = chirp.NewLeaf(p.sched); err != nil {
		p.abort()
		return nil, err
	}
	if err := p.createTerminals(); err != nil {
		p.abort()
		return nil, err
	}
	p.fwd.Attach(p.globalLog.Publisher, p.localLog.Publisher)

	if len(settings.Files) > 0 {
		p.log.Info().Strs("files", settings.Files).Msg("configuration loaded")
	}
	return p, nil
}

func (p *Process) abort() {
	p.fwd.Close()
	p.teardown()
}

func (p *Process) createTerminals() error {
	var err error
	if p.globalLog, err = chirp.NewProducerTerminal(p.leaf, GlobalLogTerminal, SigLog); err != nil {
		return err
	}
	if p.localLog, err = chirp.NewProducerTerminal(p.leaf, p.settings.TerminalName("Log"), SigLog); err != nil {
		return err
	}
	if p.errors, err = chirp.NewCachedProducerTerminal(p.leaf, p.settings.TerminalName("Errors"), SigMessageList); err != nil {
		return err
	}
	if p.warnings, err = chirp.NewCachedProducerTerminal(p.leaf, p.settings.TerminalName("Warnings"), SigMessageList); err != nil {
		return err
	}
	if p.operational, err = chirp.NewCachedProducerTerminal(p.leaf, p.settings.TerminalName("Operational"), SigOperational); err != nil {
		return err
	}
	// Seed the caches so late subscribers see the initial state.
	if err := p.publishList(p.errors, nil); err != nil {
		return err
	}
	if err := p.publishList(p.warnings, nil); err != nil {
		return err
	}
	return p.publishOperational(false)
}

// Start connects to the configured node, if any.
func (p *Process) Start() error {
	host, port, ok, err := p.settings.Target()
	if err != nil || !ok {
		return err
	}
	sup, err := chirp.NewSupervisor(p.leaf, chirp.SupervisorConfig{
		Host:           host,
		Port:           port,
		Timeout:        p.settings.Timeout,
		Identification: []byte(p.settings.Identification),
	})
	if err != nil {
		return err
	}
	log := p.Component("supervisor")
	sup.OnConnected(func(c *chirp.Connection) {
		log.Info().Str("remote", c.Description()).Str("version", c.RemoteVersion()).Msg("connected to node")
	})
	sup.OnDisconnected(func(err error) {
		log.Warn().Err(err).Msg("connection to node lost")
	})
	if err := sup.Start(); err != nil {
		_ = sup.Destroy()
		return err
	}
	p.supervisor = sup
	return nil
}

func (p *Process) Settings() Settings          { return p.settings }
func (p *Process) Scheduler() *chirp.Scheduler { return p.sched }
func (p *Process) Leaf() *chirp.Leaf           { return p.leaf }
func (p *Process) Logger() zerolog.Logger      { return p.log }

// Supervisor is nil until Start connects to a target.
func (p *Process) Supervisor() *chirp.Supervisor { return p.supervisor }

// Component returns a logger for name honoring logging.logger_specific_level.
func (p *Process) Component(name string) zerolog.Logger {
	return p.componentOf(p.log, name)
}

func (p *Process) componentOf(base zerolog.Logger, name string) zerolog.Logger {
	l := base.With().Str("component", name).Logger()
	if lvl, ok := p.settings.ComponentLevels[name]; ok {
		l = l.Level(lvl)
	}
	return l
}

// SetOperational publishes the operational state on <location>/Operational.
func (p *Process) SetOperational(up bool) error {
	p.mu.Lock()
	changed := p.isOperative != up
	p.isOperative = up
	p.mu.Unlock()
	if changed {
		p.log.Info().Bool("operational", up).Msg("operational state changed")
	}
	return p.publishOperational(up)
}

func (p *Process) Operational() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isOperative
}

// SetErrors replaces the active error list on <location>/Errors.
func (p *Process) SetErrors(msgs ...string) error {
	p.mu.Lock()
	p.errList = append([]string(nil), msgs...)
	p.mu.Unlock()
	return p.publishList(p.errors, msgs)
}

// SetWarnings replaces the active warning list on <location>/Warnings.
func (p *Process) SetWarnings(msgs ...string) error {
	p.mu.Lock()
	p.warnList = append([]string(nil), msgs...)
	p.mu.Unlock()
	return p.publishList(p.warnings, msgs)
}

// Errors returns the active error list.
func (p *Process) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.errList...)
}

func (p *Process) Warnings() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.warnList...)
}

func (p *Process) publishList(term *chirp.CachedProducerTerminal, msgs []string) error {
	if msgs == nil {
		msgs = []string{}
	}
	return p.tryPublish(term.Publisher, msgs)
}

func (p *Process) publishOperational(up bool) error {
	return p.tryPublish(p.operational.Publisher, up)
}

// tryPublish encodes v and publishes it; the cache keeps it for later
// subscribers when nobody is bound yet.
func (p *Process) tryPublish(pub *chirp.Publisher, v any) error {
	err := chirp.PublishValue(pub, codec.CBOR(), v)
	if errors.Is(err, transport.ErrNotBound) {
		return nil
	}
	return err
}

// Destroy tears the process down in reverse creation order.
func (p *Process) Destroy() error {
	p.destroyOnce.Do(func() {
		if p.supervisor != nil {
			p.keep(p.supervisor.Destroy())
		}
		if p.fwd != nil {
			p.fwd.Close()
		}
		p.teardown()
	})
	return p.destroyErr
}

func (p *Process) teardown() {
	var terms []chirp.Terminal
	if p.operational != nil {
		terms = append(terms, p.operational)
	}
	if p.warnings != nil {
		terms = append(terms, p.warnings)
	}
	if p.errors != nil {
		terms = append(terms, p.errors)
	}
	if p.localLog != nil {
		terms = append(terms, p.localLog)
	}
	if p.globalLog != nil {
		terms = append(terms, p.globalLog)
	}
	for _, t := range terms {
		if t.Alive() {
			p.keep(t.Destroy())
		}
	}
	if p.leaf != nil {
		p.keep(p.leaf.Destroy())
	}
	if p.sched != nil {
		p.keep(p.sched.Destroy())
	}
}

func (p *Process) keep(err error) {
	if err != nil && p.destroyErr == nil {
		p.destroyErr = err
	}
}
