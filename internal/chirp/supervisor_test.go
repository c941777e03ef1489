package chirp

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/chirp/internal/clock"
	"github.com/danmuck/chirp/internal/protocol/session"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/stretchr/testify/require"
)

// freePort reserves a loopback port and releases it again.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestSupervisorStateNames(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "shutting_down", StateShuttingDown.String())
	require.Equal(t, "SupervisorState(42)", SupervisorState(42).String())
}

func TestSupervisorRejectsBadTargets(t *testing.T) {
	e := newEnv(t)
	leaf := e.leaf()

	_, err := NewSupervisor(leaf, SupervisorConfig{Host: "127.0.0.1", Port: 1, Timeout: -1})
	require.ErrorIs(t, err, ErrNoTimeout)

	for _, cfg := range []SupervisorConfig{
		{Host: "", Port: 80},
		{Host: "127.0.0.1", Port: 0},
		{Host: "127.0.0.1", Port: 70000},
	} {
		sup, err := NewSupervisor(leaf, cfg)
		require.NoError(t, err)
		require.ErrorIs(t, sup.Start(), ErrInvalidTarget)
		require.NoError(t, sup.Destroy())
	}
}

func TestSupervisorDestroyedRightAfterStart(t *testing.T) {
	e := newEnv(t)
	leaf := e.leaf()
	fake := clock.Fake(time.Unix(0, 0))
	sup, err := NewSupervisor(leaf, SupervisorConfig{
		Host:  "127.0.0.1",
		Port:  freePort(t),
		Clock: fake,
	})
	require.NoError(t, err)

	require.NoError(t, sup.Start())
	require.ErrorIs(t, sup.Start(), ErrSupervisorRunning)
	require.NoError(t, sup.Destroy())
	require.NoError(t, sup.Destroy())
	require.Equal(t, StateStopped, sup.State())
	require.ErrorIs(t, sup.Start(), ErrObjectDestroyed)
	require.ErrorIs(t, sup.WaitUntilConnected(ctxFor(t)), ErrObjectDestroyed)
	require.NoError(t, sup.WaitUntilDisconnected(ctxFor(t)))
	require.NoError(t, e.sched.Registry().Wait(ctxFor(t)))
}

func TestSupervisorReconnects(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	port := freePort(t)
	fake := clock.Fake(time.Unix(0, 0))

	clientLeaf := e.leaf()
	sup, err := NewSupervisor(clientLeaf, SupervisorConfig{
		Host:    "127.0.0.1",
		Port:    port,
		Timeout: time.Second,
		Backoff: session.FixedBackoff(time.Second),
		Clock:   fake,
	})
	require.NoError(t, err)
	destroyLater(t, sup)

	connected := make(chan *Connection, 4)
	lost := make(chan error, 4)
	sup.OnConnected(func(c *Connection) { connected <- c })
	sup.OnDisconnected(func(err error) { lost <- err })

	// Nothing listens yet: the first attempt is refused and a retry is
	// scheduled on the fake clock.
	require.NoError(t, sup.Start())
	fake.WaitForTimers(1)
	require.Equal(t, StateRetrying, sup.State())

	node := e.node()
	srv, err := NewTCPServer(e.sched, "127.0.0.1", port, []byte("hub"))
	require.NoError(t, err)
	destroyLater(t, srv)
	acc := NewAcceptor(srv, node, time.Second)
	require.NoError(t, acc.Start())
	defer acc.Stop()

	fake.Advance(time.Second)
	require.NoError(t, sup.WaitUntilConnected(ctx))
	require.NoError(t, acc.WaitUntilAtLeastOneConnected(ctx))
	select {
	case c := <-connected:
		require.Equal(t, "hub", string(c.RemoteIdentification()))
		require.Equal(t, c, sup.Connection())
	case <-ctx.Done():
		t.Fatalf("OnConnected not called")
	}

	// Dropping the server side kills the link; the supervisor retries.
	require.NoError(t, acc.Stop())
	require.NoError(t, sup.WaitUntilDisconnected(ctx))
	select {
	case err := <-lost:
		require.ErrorIs(t, err, transport.ErrConnectionClosed)
	case <-ctx.Done():
		t.Fatalf("OnDisconnected not called")
	}
	require.NoError(t, acc.WaitUntilAllDisconnected(ctx))

	require.NoError(t, acc.Start())
	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	require.NoError(t, sup.WaitUntilConnected(ctx))

	require.NoError(t, sup.Destroy())
	require.Equal(t, StateStopped, sup.State())
	require.Nil(t, sup.Connection())
	require.NoError(t, acc.WaitUntilAllDisconnected(ctx))
}

func TestSupervisorConnectsOnceAfterRepeatedRefusals(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	port := freePort(t)
	fake := clock.Fake(time.Unix(0, 0))

	sup, err := NewSupervisor(e.leaf(), SupervisorConfig{
		Host:    "127.0.0.1",
		Port:    port,
		Timeout: time.Second,
		Backoff: session.FixedBackoff(time.Second),
		Clock:   fake,
	})
	require.NoError(t, err)
	destroyLater(t, sup)
	var calls atomic.Int32
	sup.OnConnected(func(*Connection) { calls.Add(1) })
	require.NoError(t, sup.Start())

	const refusals = 3
	for i := 1; i <= refusals; i++ {
		fake.WaitForTimers(1)
		require.Equal(t, StateRetrying, sup.State(), "after refusal %d", i)
		require.Nil(t, sup.Connection())
		if i == refusals {
			srv, err := NewTCPServer(e.sched, "127.0.0.1", port, []byte("hub"))
			require.NoError(t, err)
			destroyLater(t, srv)
			acc := NewAcceptor(srv, e.node(), time.Second)
			require.NoError(t, acc.Start())
			t.Cleanup(func() { _ = acc.Stop() })
		}
		fake.Advance(time.Second)
	}

	require.NoError(t, sup.WaitUntilConnected(ctx))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, 5*time.Millisecond)
	require.Never(t, func() bool { return calls.Load() != 1 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Zero(t, fake.PendingCount())
	require.Equal(t, StateConnected, sup.State())
}

func TestSupervisorJittersRetryDelays(t *testing.T) {
	e := newEnv(t)
	start := time.Unix(0, 0)
	fake := clock.Fake(start)
	cfg := session.BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second, Jitter: true}

	sup, err := NewSupervisor(e.leaf(), SupervisorConfig{
		Host:    "127.0.0.1",
		Port:    freePort(t),
		Timeout: time.Second,
		Backoff: cfg,
		Clock:   fake,
	})
	require.NoError(t, err)
	destroyLater(t, sup)
	require.NoError(t, sup.Start())

	// The supervisor seeds its jitter from the clock, so a twin seeded the
	// same way predicts every delay.
	twin := session.NewBackoff(cfg, start.UnixNano())
	halved := 0
	for attempt := 1; attempt <= 4; attempt++ {
		want := twin.Delay(attempt)
		nominal := cfg.Nominal(attempt)
		require.GreaterOrEqual(t, want, nominal/2)
		require.Less(t, want, nominal+nominal/2)
		if want == nominal/2 {
			halved++
		}

		fake.WaitForTimers(1)
		fake.Advance(want - time.Nanosecond)
		require.Equal(t, 1, fake.PendingCount(), "attempt %d fired early", attempt)
		require.Equal(t, StateRetrying, sup.State())
		fake.Advance(time.Nanosecond)
	}
	require.Less(t, halved, 4, "jitter collapsed to a fixed factor")
	fake.WaitForTimers(1)
	require.NoError(t, sup.Destroy())
}

func TestAcceptorReplacesLeafConnection(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	serverLeaf := e.leaf()
	srv, err := NewTCPServer(e.sched, "127.0.0.1", 0, nil)
	require.NoError(t, err)
	destroyLater(t, srv)
	addr, err := srv.Addr()
	require.NoError(t, err)
	port := addr.(*net.TCPAddr).Port

	acc := NewAcceptor(srv, serverLeaf, time.Second)
	require.NoError(t, acc.Start())
	defer acc.Stop()

	client, err := NewTCPClient(e.sched, []byte("client"))
	require.NoError(t, err)
	destroyLater(t, client)

	type dialed struct {
		c   *Connection
		err error
	}
	dial := func(leaf *Leaf) (*Connection, <-chan error) {
		done := make(chan dialed, 1)
		require.NoError(t, client.AsyncConnect("127.0.0.1", port, time.Second, func(err error, c *Connection) {
			done <- dialed{c, err}
		}))
		var r dialed
		select {
		case r = <-done:
		case <-ctx.Done():
			t.Fatalf("connect did not complete")
		}
		require.NoError(t, r.err)
		destroyLater(t, r.c)
		require.NoError(t, r.c.Assign(leaf, time.Second))
		died := make(chan error, 1)
		require.NoError(t, r.c.AsyncAwaitDeath(func(err error) { died <- err }))
		return r.c, died
	}

	first, firstDied := dial(e.leaf())
	require.NoError(t, acc.WaitUntilAtLeastOneConnected(ctx))
	require.Empty(t, first.RemoteIdentification())

	_, secondDied := dial(e.leaf())
	select {
	case err := <-firstDied:
		require.ErrorIs(t, err, transport.ErrConnectionClosed)
	case <-ctx.Done():
		t.Fatalf("first connection was not replaced")
	}
	require.Eventually(t, func() bool { return acc.Connections() == 1 }, waitFor, 5*time.Millisecond)
	select {
	case err := <-secondDied:
		t.Fatalf("second connection died: %v", err)
	default:
	}
}
