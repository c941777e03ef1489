package inproc

import (
	"sync"

	"github.com/danmuck/chirp/internal/transport"
	"github.com/rs/zerolog"
)

const defaultPoolSize = 1

// scheduler runs completion callbacks on a resizable worker pool fed by an
// unbounded queue.
type scheduler struct {
	h     transport.Handle
	users int
	log   zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	workers int
	want    int
	closed  bool
}

func newScheduler(log zerolog.Logger) *scheduler {
	s := &scheduler{log: log}
	s.cond = sync.NewCond(&s.mu)
	s.resize(defaultPoolSize)
	return s
}

func (t *Transport) CreateScheduler() (transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := newScheduler(t.log.With().Str("object", "scheduler").Logger())
	s.h = t.register(s)
	return s.h, nil
}

func (t *Transport) SetSchedulerThreadPoolSize(h transport.Handle, threads int) error {
	if threads < 1 {
		return transport.ErrInvalidParam
	}
	t.mu.Lock()
	s, err := lookup[*scheduler](t, h)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	s.resize(threads)
	return nil
}

func (s *scheduler) resize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.want = n
	for s.workers < s.want {
		s.workers++
		go s.work()
	}
	s.cond.Broadcast()
}

func (s *scheduler) post(task func()) {
	s.mu.Lock()
	if s.closed && s.workers == 0 {
		s.mu.Unlock()
		go s.run(task)
		return
	}
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *scheduler) work() {
	for {
		s.mu.Lock()
		for len(s.tasks) == 0 && !s.closed && s.workers <= s.want {
			s.cond.Wait()
		}
		if (!s.closed && s.workers > s.want) || (s.closed && len(s.tasks) == 0) {
			s.workers--
			s.mu.Unlock()
			return
		}
		task := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		s.run(task)
	}
}

func (s *scheduler) run(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Msg("completion handler panicked")
		}
	}()
	task()
}

func (s *scheduler) destroyLocked() error {
	if s.users > 0 {
		return transport.ErrObjectStillUsed
	}
	return nil
}

// close lets the workers drain the queue and exit.
func (s *scheduler) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// strand serialises tasks on a scheduler: a task starts only after the
// previous one returned.
type strand struct {
	sched   *scheduler
	mu      sync.Mutex
	queue   []func()
	running bool
}

func newStrand(s *scheduler) *strand {
	return &strand{sched: s}
}

func (st *strand) post(task func()) {
	st.mu.Lock()
	st.queue = append(st.queue, task)
	if st.running {
		st.mu.Unlock()
		return
	}
	st.running = true
	st.mu.Unlock()
	st.sched.post(st.drain)
}

func (st *strand) drain() {
	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			st.running = false
			st.mu.Unlock()
			return
		}
		task := st.queue[0]
		st.queue[0] = nil
		st.queue = st.queue[1:]
		st.mu.Unlock()
		st.sched.run(task)
	}
}
