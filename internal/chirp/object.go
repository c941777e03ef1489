package chirp

import (
	"sync"

	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

// object owns one transport handle. Destroy is explicit; nothing is released
// by the garbage collector.
type object struct {
	tr  transport.Transport
	h   transport.Handle
	log zerolog.Logger

	mu        sync.Mutex
	destroyed bool
	done      chan struct{}
	hooks     []func()
}

func newObject(tr transport.Transport, h transport.Handle, log zerolog.Logger) *object {
	return &object{
		tr:   tr,
		h:    h,
		log:  log.With().Uint64("handle", uint64(h)).Logger(),
		done: make(chan struct{}),
	}
}

func (o *object) Handle() transport.Handle {
	return o.h
}

// Alive reports whether Destroy has not yet succeeded.
func (o *object) Alive() bool {
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

// Done is closed once the object is destroyed.
func (o *object) Done() <-chan struct{} {
	return o.done
}

// onDestroy registers fn to run after a successful Destroy.
func (o *object) onDestroy(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// Destroy releases the handle. Destroying twice returns
// transport.ErrInvalidHandle; a transport refusal such as
// transport.ErrObjectStillUsed leaves the object alive.
func (o *object) Destroy() error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	o.mu.Unlock()

	if err := o.tr.Destroy(o.h); err != nil {
		return err
	}

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return transport.ErrInvalidHandle
	}
	o.destroyed = true
	hooks := o.hooks
	o.hooks = nil
	close(o.done)
	o.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	o.log.Debug().Msg("destroyed")
	return nil
}
