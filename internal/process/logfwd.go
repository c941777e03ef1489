package process

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/chirp/internal/chirp"
	"github.com/danmuck/chirp/internal/codec"
	"github.com/rs/zerolog"
)

// LogEntry is one log record as published on the log terminals.
type LogEntry struct {
	TimestampNS int64          `cbor:"1,keyasint"`
	Severity    string         `cbor:"2,keyasint"`
	Component   string         `cbor:"3,keyasint,omitempty"`
	Message     string         `cbor:"4,keyasint"`
	Fields      map[string]any `cbor:"5,keyasint,omitempty"`
}

func (e LogEntry) Time() time.Time {
	return time.Unix(0, e.TimestampNS)
}

// skipComponents never forward: publishing a record produces their logs.
var skipComponents = map[string]bool{
	"inproc":            true,
	"callback.registry": true,
}

const forwardQueue = 256

// LogForwarder is a zerolog writer that publishes records on producer
// terminals. Publishing happens on its own goroutine, so a record logged
// while the transport is busy never waits on it.
type LogForwarder struct {
	level   zerolog.Level
	mu      sync.Mutex
	pubs    []*chirp.Publisher
	entries chan LogEntry
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	now     func() time.Time
}

func NewLogForwarder(level zerolog.Level, pubs ...*chirp.Publisher) *LogForwarder {
	f := &LogForwarder{
		level:   level,
		pubs:    append([]*chirp.Publisher(nil), pubs...),
		entries: make(chan LogEntry, forwardQueue),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go f.run()
	return f
}

// Attach adds publishers; records are published to every attached one.
func (f *LogForwarder) Attach(pubs ...*chirp.Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, pubs...)
}

func (f *LogForwarder) Write(p []byte) (int, error) {
	return f.WriteLevel(zerolog.NoLevel, p)
}

func (f *LogForwarder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level != zerolog.NoLevel && level < f.level {
		return len(p), nil
	}
	entry, ok := f.parse(p)
	if !ok || skipComponents[entry.Component] {
		return len(p), nil
	}
	select {
	case <-f.quit:
	case f.entries <- entry:
	default:
		f.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped counts records lost to a full queue.
func (f *LogForwarder) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *LogForwarder) parse(p []byte) (LogEntry, bool) {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return LogEntry{}, false
	}
	entry := LogEntry{TimestampNS: f.now().UnixNano()}
	if s, ok := rec[zerolog.LevelFieldName].(string); ok {
		entry.Severity = s
	}
	if s, ok := rec[zerolog.MessageFieldName].(string); ok {
		entry.Message = s
	}
	if s, ok := rec["component"].(string); ok {
		entry.Component = s
	}
	if s, ok := rec[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(zerolog.TimeFieldFormat, s); err == nil {
			entry.TimestampNS = ts.UnixNano()
		}
	}
	for _, k := range []string{zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, "component"} {
		delete(rec, k)
	}
	if len(rec) > 0 {
		entry.Fields = rec
	}
	return entry, true
}

func (f *LogForwarder) run() {
	defer close(f.done)
	for {
		select {
		case <-f.quit:
			return
		case e := <-f.entries:
			payload, err := codec.Marshal(e)
			if err != nil {
				continue
			}
			f.mu.Lock()
			pubs := f.pubs
			f.mu.Unlock()
			for _, p := range pubs {
				// Nobody listening is the normal case.
				_, _ = p.TryPublish(payload)
			}
		}
	}
}

// Close stops forwarding; queued records are discarded.
func (f *LogForwarder) Close() {
	f.once.Do(func() {
		close(f.quit)
		<-f.done
	})
}
