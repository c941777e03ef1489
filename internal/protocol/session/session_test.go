package session

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/chirp/internal/protocol/frame"
	"github.com/danmuck/chirp/internal/testutil/testlog"
)

func TestNominalBackoffGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := cfg.Nominal(1); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := cfg.Nominal(2); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := cfg.Nominal(6); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestFixedBackoffNeverGrows(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	for attempt := 1; attempt <= 10; attempt++ {
		if got := NewBackoff(cfg, 1).Delay(attempt); got != time.Second {
			t.Fatalf("attempt%d got=%v", attempt, got)
		}
	}
}

func TestJitteredBackoffStaysInRangeAndVaries(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: time.Second, Jitter: true}
	a, b := NewBackoff(cfg, 7), NewBackoff(cfg, 7)
	seen := map[time.Duration]bool{}
	for attempt := 1; attempt <= 50; attempt++ {
		nominal := cfg.Nominal(attempt)
		got := a.Delay(attempt)
		if got < nominal/2 || got >= nominal+nominal/2 {
			t.Fatalf("attempt%d got=%v outside [%v,%v)", attempt, got, nominal/2, nominal+nominal/2)
		}
		if again := b.Delay(attempt); again != got {
			t.Fatalf("attempt%d: equal seeds diverged %v != %v", attempt, got, again)
		}
		seen[got] = true
	}
	if len(seen) < 10 {
		t.Fatalf("jitter produced only %d distinct delays", len(seen))
	}
	if got := NewBackoff(BackoffConfig{Jitter: true}, 1).Delay(3); got != 0 {
		t.Fatalf("zero initial delay must stay zero, got %v", got)
	}
}

func TestHeartbeatInterval(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if got := cfg.HeartbeatInterval(-1); got != cfg.IdleHeartbeat {
		t.Fatalf("negative timeout must fall back to the idle heartbeat, got %v", got)
	}
	if got := cfg.HeartbeatInterval(3 * time.Second); got != time.Second {
		t.Fatalf("unexpected interval %v", got)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Hello{Version: "0.1.0", Identification: []byte("sensor"), SessionID: "s-1", Endpoint: "leaf"}
	var buf bytes.Buffer
	if err := WriteHello(&buf, in, frame.DefaultLimits()); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	out, err := ReadHello(&buf, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if out.Version != in.Version || string(out.Identification) != "sensor" || out.SessionID != "s-1" || out.Endpoint != "leaf" {
		t.Fatalf("unexpected hello: %+v", out)
	}
}

func TestHelloRejectsOversizedIdentification(t *testing.T) {
	testlog.Start(t)
	h := Hello{Version: "0.1.0", SessionID: "s", Identification: make([]byte, MaxIdentificationBytes+1)}
	if err := WriteHello(&bytes.Buffer{}, h, frame.DefaultLimits()); !errors.Is(err, ErrIdentTooLarge) {
		t.Fatalf("expected ErrIdentTooLarge, got %v", err)
	}
}

func TestReadHelloRejectsOtherMessages(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, frame.New(3, 1, nil), frame.DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadHello(&buf, frame.DefaultLimits()); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage, got %v", err)
	}
}

func TestExchangeHelloOverPipe(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		hello Hello
		err   error
	}
	done := make(chan result, 1)
	go func() {
		h, err := ExchangeHello(b, Hello{Version: "0.1.3", SessionID: "b", Identification: []byte("node")}, time.Second, frame.DefaultLimits())
		done <- result{h, err}
	}()
	remote, err := ExchangeHello(a, Hello{Version: "0.1.0", SessionID: "a"}, time.Second, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("exchange a: %v", err)
	}
	if remote.SessionID != "b" || string(remote.Identification) != "node" {
		t.Fatalf("unexpected remote: %+v", remote)
	}
	r := <-done
	if r.err != nil || r.hello.SessionID != "a" {
		t.Fatalf("exchange b: %+v", r)
	}
}

func TestExchangeHelloIncompatibleVersion(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go ExchangeHello(b, Hello{Version: "2.0.0", SessionID: "b"}, time.Second, frame.DefaultLimits())
	if _, err := ExchangeHello(a, Hello{Version: "0.1.0", SessionID: "a"}, time.Second, frame.DefaultLimits()); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got %v", err)
	}
}

func TestExchangeHelloTimesOut(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		// Drain the hello but never answer.
		_, _ = ReadHello(b, frame.DefaultLimits())
	}()
	_, err := ExchangeHello(a, Hello{Version: "0.1.0", SessionID: "a"}, 20*time.Millisecond, frame.DefaultLimits())
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
}
