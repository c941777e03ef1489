// Package chirp coordinates asynchronous operations of a callback-driven
// messaging transport: callback lifetimes, state reconciliation,
// multi-response exchanges and supervised connections.
package chirp

import (
	"github.com/danmuck/chirp/internal/callback"
	"github.com/danmuck/chirp/internal/logging"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

type options struct {
	log *zerolog.Logger
}

type Option func(*options)

// WithLogger replaces the logger derived from logging.Component.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = &log
	}
}

// Scheduler owns the callback registry and logger shared by every object
// created from it.
type Scheduler struct {
	*object
	reg  *callback.Registry
	base zerolog.Logger
}

func NewScheduler(tr transport.Transport, opts ...Option) (*Scheduler, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.Component("chirp")
	if o.log != nil {
		log = *o.log
	}
	h, err := tr.CreateScheduler()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		object: newObject(tr, h, log.With().Str("object", "scheduler").Logger()),
		reg:    callback.NewRegistry(log),
		base:   log,
	}, nil
}

// SetThreadPoolSize resizes the worker pool that runs completion handlers.
func (s *Scheduler) SetThreadPoolSize(n int) error {
	return s.tr.SetSchedulerThreadPoolSize(s.h, n)
}

// Registry exposes the keepalive set of armed callbacks.
func (s *Scheduler) Registry() *callback.Registry {
	return s.reg
}

func (s *Scheduler) Transport() transport.Transport {
	return s.tr
}

func (s *Scheduler) logger(object string) zerolog.Logger {
	return s.base.With().Str("object", object).Logger()
}
