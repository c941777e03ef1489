package process

import (
	"sync"

	"github.com/danmuck/chirp/internal/chirp"
	"github.com/danmuck/chirp/internal/codec"
	"github.com/rs/zerolog"
)

// BoundTerminal is a terminal whose binding state gates readiness.
type BoundTerminal interface {
	chirp.Terminal
	IsEstablished() bool
	OnBindingStateChanged(fn func(established bool))
}

// DependencyManager reports ready once every required terminal is bound and
// every operational dependency publishes true.
type DependencyManager struct {
	log         zerolog.Logger
	terminals   []BoundTerminal
	operational []*chirp.CachedConsumerTerminal

	mu      sync.Mutex
	ready   bool
	onReady func(ready bool)
}

// NewDependencyManager creates a cached consumer for each operational
// terminal name in addition to watching terminals. The consumers are owned
// by the manager and released by Destroy.
func NewDependencyManager(leaf *chirp.Leaf, operationalNames []string, terminals []BoundTerminal, log zerolog.Logger) (*DependencyManager, error) {
	d := &DependencyManager{
		log:       log.With().Str("component", "dependencies").Logger(),
		terminals: append([]BoundTerminal(nil), terminals...),
	}
	for _, name := range operationalNames {
		term, err := chirp.NewCachedConsumerTerminal(leaf, name, SigOperational)
		if err != nil {
			_ = d.Destroy()
			return nil, err
		}
		term.OnMessage(func(m chirp.Message) {
			v, _ := chirp.DecodeMessage[bool](codec.CBOR(), m)
			d.log.Debug().Str("terminal", name).Bool("operational", v).Bool("cached", m.Cached).Msg("operational state changed")
			d.update()
		})
		d.operational = append(d.operational, term)
		d.terminals = append(d.terminals, term)
	}
	for _, term := range d.terminals {
		name := term.Name()
		term.OnBindingStateChanged(func(established bool) {
			d.log.Debug().Str("terminal", name).Bool("established", established).Msg("binding state changed")
			d.update()
		})
	}
	d.update()
	return d, nil
}

func (d *DependencyManager) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// OnReadinessChanged sets a function called on every readiness flip.
func (d *DependencyManager) OnReadinessChanged(fn func(ready bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReady = fn
}

func (d *DependencyManager) satisfied() bool {
	for _, term := range d.terminals {
		if !term.IsEstablished() {
			return false
		}
	}
	for _, term := range d.operational {
		payload, err := term.CachedMessage()
		if err != nil {
			return false
		}
		var up bool
		if err := codec.Unmarshal(payload, &up); err != nil || !up {
			return false
		}
	}
	return true
}

func (d *DependencyManager) update() {
	d.mu.Lock()
	ready := d.satisfied()
	if ready == d.ready {
		d.mu.Unlock()
		return
	}
	d.ready = ready
	fn := d.onReady
	d.mu.Unlock()

	if ready {
		d.log.Info().Msg("dependencies satisfied; ready")
	} else {
		d.log.Warn().Msg("dependencies no longer satisfied")
	}
	if fn != nil {
		fn(ready)
	}
}

// Destroy releases the operational consumers.
func (d *DependencyManager) Destroy() error {
	var first error
	for _, term := range d.operational {
		if err := term.Destroy(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
