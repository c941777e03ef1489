package chirp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/chirp/internal/codec"
	"github.com/danmuck/chirp/internal/testutil/testlog"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/danmuck/chirp/internal/transport/inproc"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type destroyer interface {
	Destroy() error
}

// destroyLater destroys d when the test ends. Cleanups run in reverse, so
// objects created later are destroyed first.
func destroyLater(t *testing.T, d destroyer) {
	t.Cleanup(func() { _ = d.Destroy() })
}

func ctxFor(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

type env struct {
	t     *testing.T
	sched *Scheduler
}

func newEnv(t *testing.T) *env {
	log := testlog.Start(t)
	s, err := NewScheduler(inproc.New(inproc.WithLogger(log)), WithLogger(log))
	require.NoError(t, err)
	destroyLater(t, s)
	return &env{t: t, sched: s}
}

func (e *env) leaf() *Leaf {
	l, err := NewLeaf(e.sched)
	require.NoError(e.t, err)
	destroyLater(e.t, l)
	return l
}

func (e *env) node() *Node {
	n, err := NewNode(e.sched)
	require.NoError(e.t, err)
	destroyLater(e.t, n)
	return n
}

func (e *env) link(a, b Endpoint) *LocalConnection {
	c, err := NewLocalConnection(a, b)
	require.NoError(e.t, err)
	destroyLater(e.t, c)
	return c
}

func TestPublishSubscribeDeliversInOrderAndDrainsRegistry(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	leafA, err := NewLeaf(e.sched)
	require.NoError(t, err)
	leafB, err := NewLeaf(e.sched)
	require.NoError(t, err)

	pub, err := NewPublishSubscribeTerminal(leafA, "Chat", 7)
	require.NoError(t, err)
	sub, err := NewPublishSubscribeTerminal(leafB, "Chat", 7)
	require.NoError(t, err)
	binding, err := NewBinding(sub, "Chat")
	require.NoError(t, err)
	conn, err := NewLocalConnection(leafA, leafB)
	require.NoError(t, err)

	require.NoError(t, binding.WaitUntilEstablished(ctx))
	require.NoError(t, pub.WaitUntilSubscribed(ctx))

	for _, b := range []byte{1, 0, 3} {
		require.NoError(t, pub.Publish([]byte{b}))
		msg, err := sub.WaitForMessage(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{b}, msg.Payload)
		require.False(t, msg.Cached)
	}
	last, ok := sub.LastMessage()
	require.True(t, ok)
	require.Equal(t, []byte{3}, last.Payload)

	// Zero bytes inside one payload survive intact.
	require.NoError(t, pub.Publish([]byte{1, 0, 3}))
	msg, err := sub.WaitForMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 0, 3}, msg.Payload)
	last, ok = sub.LastMessage()
	require.True(t, ok)
	require.Equal(t, []byte{1, 0, 3}, last.Payload)

	for _, d := range []destroyer{binding, sub, pub, conn, leafA, leafB} {
		require.NoError(t, d.Destroy())
	}
	require.NoError(t, e.sched.Registry().Wait(ctx))
	require.ErrorIs(t, binding.Destroy(), transport.ErrInvalidHandle)
}

func TestTryPublishWithoutSubscribers(t *testing.T) {
	e := newEnv(t)
	leaf := e.leaf()
	prod, err := NewProducerTerminal(leaf, "Lonely", 1)
	require.NoError(t, err)
	destroyLater(t, prod)

	require.ErrorIs(t, prod.Publish([]byte("x")), transport.ErrNotBound)
	sent, err := prod.TryPublish([]byte("x"))
	require.NoError(t, err)
	require.False(t, sent)
}

func TestTrackersConvergeAndNotifyObservers(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	leafA, leafB := e.leaf(), e.leaf()

	cons, err := NewConsumerTerminal(leafB, "Temperature", 3)
	require.NoError(t, err)
	destroyLater(t, cons)

	var mu sync.Mutex
	var changes []bool
	released := make(chan struct{}, 1)
	cons.OnBindingStateChanged(func(established bool) {
		mu.Lock()
		changes = append(changes, established)
		mu.Unlock()
	})
	cons.OnBindingReleased(func() { released <- struct{}{} })

	prod, err := NewProducerTerminal(leafA, "Temperature", 3)
	require.NoError(t, err)
	e.link(leafA, leafB)

	require.NoError(t, cons.WaitUntilEstablished(ctx))
	require.NoError(t, prod.WaitUntilSubscribed(ctx))
	require.True(t, cons.IsEstablished())

	require.NoError(t, prod.Destroy())
	require.NoError(t, cons.WaitUntilReleased(ctx))
	select {
	case <-released:
	case <-ctx.Done():
		t.Fatalf("release observer not called")
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	}, waitFor, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, []bool{true, false}, changes)
	mu.Unlock()
}

func TestWaitEndsWhenOwnerDestroyed(t *testing.T) {
	e := newEnv(t)
	leaf := e.leaf()
	cons, err := NewConsumerTerminal(leaf, "Nobody", 0)
	require.NoError(t, err)

	errc := make(chan error, 2)
	go func() { errc <- cons.WaitUntilEstablished(context.Background()) }()
	go func() {
		_, err := cons.WaitForMessage(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cons.Destroy())
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			require.ErrorIs(t, err, ErrObjectDestroyed)
		case <-time.After(waitFor):
			t.Fatalf("waiter not released by destroy")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	other, err := NewConsumerTerminal(leaf, "Nobody", 0)
	require.NoError(t, err)
	destroyLater(t, other)
	require.ErrorIs(t, other.WaitUntilEstablished(ctx), context.DeadlineExceeded)
}

func TestCachedProducerReplaysLastMessage(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	leafA, leafB := e.leaf(), e.leaf()

	prod, err := NewCachedProducerTerminal(leafA, "Status", 2)
	require.NoError(t, err)
	destroyLater(t, prod)
	ok, err := prod.TryPublish([]byte("ready"))
	require.NoError(t, err)
	require.False(t, ok)

	cons, err := NewCachedConsumerTerminal(leafB, "Status", 2)
	require.NoError(t, err)
	destroyLater(t, cons)
	_, err = cons.CachedMessage()
	require.ErrorIs(t, err, transport.ErrUninitialized)

	e.link(leafA, leafB)
	msg, err := cons.WaitForMessage(ctx)
	require.NoError(t, err)
	require.True(t, msg.Cached)
	require.Equal(t, []byte("ready"), msg.Payload)

	cached, err := cons.CachedMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("ready"), cached)
}

type reading struct {
	Sensor string  `cbor:"1,keyasint"`
	Value  float64 `cbor:"2,keyasint"`
}

func TestTypedPublishAndDecode(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	leafA, leafB := e.leaf(), e.leaf()
	prod, err := NewProducerTerminal(leafA, "Readings", 9)
	require.NoError(t, err)
	destroyLater(t, prod)
	cons, err := NewConsumerTerminal(leafB, "Readings", 9)
	require.NoError(t, err)
	destroyLater(t, cons)
	e.link(leafA, leafB)
	require.NoError(t, prod.WaitUntilSubscribed(ctx))

	want := reading{Sensor: "t1", Value: 21.5}
	require.NoError(t, PublishValue(prod.Publisher, codec.CBOR(), want))
	msg, err := cons.WaitForMessage(ctx)
	require.NoError(t, err)
	got, err := DecodeMessage[reading](codec.CBOR(), msg)
	require.NoError(t, err)
	require.Equal(t, want, got)

	_, err = DecodeMessage[reading](codec.CBOR(), Message{Payload: []byte{0xff}})
	require.Error(t, err)
}

func TestOnMessageRunsForEachDeliveredMessage(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	leafA, leafB := e.leaf(), e.leaf()
	master, err := NewMasterTerminal(leafA, "Ctl", 4)
	require.NoError(t, err)
	destroyLater(t, master)
	slave, err := NewSlaveTerminal(leafB, "Ctl", 4)
	require.NoError(t, err)
	destroyLater(t, slave)

	got := make(chan Message, 8)
	slave.OnMessage(func(m Message) { got <- m })
	e.link(leafA, leafB)
	require.NoError(t, master.WaitUntilSubscribed(ctx))
	require.NoError(t, slave.WaitUntilEstablished(ctx))

	// The receive is re-armed before the handler runs, so publishing after
	// each handler call never races an unarmed slot.
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, master.Publish([]byte(p)))
		select {
		case m := <-got:
			require.Equal(t, p, string(m.Payload))
			require.False(t, m.Cached)
		case <-ctx.Done():
			t.Fatalf("message %q not delivered", p)
		}
	}
	last, ok := slave.LastMessage()
	require.True(t, ok)
	require.Equal(t, "c", string(last.Payload))
}
