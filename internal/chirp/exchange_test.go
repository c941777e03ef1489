package chirp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/chirp/internal/codec"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestFinalResponse(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		flags     transport.Flags
		onlyFirst bool
		want      bool
	}{
		{"payload", nil, transport.NoFlags, false, true},
		{"ignored", nil, transport.Ignored, false, false},
		{"deaf", nil, transport.Deaf, false, false},
		{"binding destroyed", nil, transport.BindingDestroyed, false, false},
		{"connection lost", nil, transport.ConnectionLost, false, false},
		{"ignored finished", nil, transport.Ignored | transport.Finished, false, true},
		{"ignored only first", nil, transport.Ignored, true, true},
		{"error", transport.ErrCanceled, transport.NoFlags, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, finalResponse(tc.err, tc.flags, tc.onlyFirst))
		})
	}
}

func TestResolveResponsePriority(t *testing.T) {
	all := transport.Ignored | transport.Deaf | transport.BindingDestroyed | transport.ConnectionLost
	cases := []struct {
		name  string
		err   error
		flags transport.Flags
		want  error
	}{
		{"error wins", transport.ErrTimeout, all, transport.ErrTimeout},
		{"binding destroyed", nil, all, ErrBindingDestroyed},
		{"connection lost", nil, transport.ConnectionLost | transport.Deaf | transport.Ignored, ErrConnectionLost},
		{"deaf", nil, transport.Deaf | transport.Ignored | transport.Finished, ErrDeaf},
		{"ignored", nil, transport.Ignored | transport.Finished, ErrIgnored},
		{"payload", nil, transport.Finished, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := resolveResponse(tc.err, tc.flags, []byte("pong"))
			if tc.want == nil {
				require.NoError(t, err)
				require.Equal(t, []byte("pong"), out)
				return
			}
			require.ErrorIs(t, err, tc.want)
			require.Nil(t, out)
		})
	}
}

func (e *env) clientService(name string) (*ClientTerminal, *ServiceTerminal) {
	leafA, leafB := e.leaf(), e.leaf()
	client, err := NewClientTerminal(leafA, name, 5)
	require.NoError(e.t, err)
	destroyLater(e.t, client)
	svc, err := NewServiceTerminal(leafB, name, 5)
	require.NoError(e.t, err)
	destroyLater(e.t, svc)
	e.link(leafA, leafB)
	require.NoError(e.t, client.WaitUntilSubscribed(ctxFor(e.t)))
	require.NoError(e.t, svc.WaitUntilEstablished(ctxFor(e.t)))
	return client, svc
}

func TestAlwaysIgnoringResponder(t *testing.T) {
	e := newEnv(t)
	client, svc := e.clientService("Echo")
	require.NoError(t, svc.SetRequestHandler(func(err error, _ []byte) ([]byte, bool) {
		return nil, false
	}))

	_, err := client.Request(ctxFor(t), []byte("ping"), false)
	require.ErrorIs(t, err, ErrIgnored)
	_, err = client.Request(ctxFor(t), []byte("ping"), true)
	require.ErrorIs(t, err, ErrIgnored)
}

func TestRequestHandlerRespondsAndCanBeCleared(t *testing.T) {
	e := newEnv(t)
	client, svc := e.clientService("Echo")
	require.NoError(t, svc.SetRequestHandler(func(err error, req []byte) ([]byte, bool) {
		return append([]byte("re:"), req...), true
	}))

	for _, p := range []string{"a", "b", "c"} {
		out, err := client.Request(ctxFor(t), []byte(p), false)
		require.NoError(t, err)
		require.Equal(t, "re:"+p, string(out))
	}

	require.NoError(t, svc.SetRequestHandler(nil))
	_, err := client.Request(ctxFor(t), []byte("d"), false)
	require.ErrorIs(t, err, ErrDeaf)
}

func TestHandlerSwapsDuringTrafficKeepServing(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	client, svc := e.clientService("Swap")
	require.NoError(t, e.sched.SetThreadPoolSize(4))

	stop := make(chan struct{})
	traffic := make(chan struct{})
	go func() {
		defer close(traffic)
		for {
			select {
			case <-stop:
				return
			default:
			}
			reqCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			_, _ = client.Request(reqCtx, []byte("x"), false)
			cancel()
		}
	}()

	// Each swap races the previous handler re-arming its receive.
	for i := 0; i < 200; i++ {
		n := i
		require.NoError(t, svc.SetRequestHandler(func(error, []byte) ([]byte, bool) {
			return []byte{byte(n)}, true
		}), "swap %d", i)
	}
	close(stop)
	<-traffic

	require.NoError(t, svc.SetRequestHandler(func(error, []byte) ([]byte, bool) {
		return []byte("final"), true
	}))
	for i := 0; i < 3; i++ {
		out, err := client.Request(ctx, []byte("y"), false)
		require.NoError(t, err)
		require.Equal(t, "final", string(out))
	}
}

func TestPanickingHandlerStopsServing(t *testing.T) {
	e := newEnv(t)
	client, svc := e.clientService("Fragile")
	require.NoError(t, svc.SetRequestHandler(func(error, []byte) ([]byte, bool) {
		panic("boom")
	}))

	_, err := client.Request(ctxFor(t), []byte("x"), false)
	require.ErrorIs(t, err, ErrIgnored)
	_, err = client.Request(ctxFor(t), []byte("x"), false)
	require.ErrorIs(t, err, ErrDeaf)
}

func TestRequestContextCancelsExchange(t *testing.T) {
	e := newEnv(t)
	client, svc := e.clientService("Slow")
	received := make(chan transport.OperationID, 1)
	require.NoError(t, svc.AsyncReceiveRequest(func(err error, op transport.OperationID, _ []byte) {
		if err == nil {
			received <- op
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Request(ctx, []byte("x"), false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var op transport.OperationID
	select {
	case op = <-received:
	case <-time.After(waitFor):
		t.Fatalf("service never received the request")
	}
	// The exchange was canceled client-side; a late answer is harmless.
	_ = svc.RespondToRequest(op, []byte("late"))
	require.Eventually(t, func() bool {
		for _, p := range e.sched.Registry().Pending() {
			if p == "scatter_gather" {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

func TestCancelRequestDeliversOneCanceled(t *testing.T) {
	e := newEnv(t)
	client, svc := e.clientService("Slow")
	require.NoError(t, svc.AsyncReceiveRequest(func(error, transport.OperationID, []byte) {}))

	type resp struct {
		err   error
		flags transport.Flags
	}
	got := make(chan resp, 4)
	op, err := client.AsyncRequest([]byte("x"), func(err error, _ transport.OperationID, flags transport.Flags, _ []byte) transport.ControlFlow {
		got <- resp{err, flags}
		return transport.Continue
	})
	require.NoError(t, err)
	require.True(t, op.Valid())

	require.NoError(t, client.CancelRequest(op))
	select {
	case r := <-got:
		require.ErrorIs(t, r.err, transport.ErrCanceled)
		require.Equal(t, transport.NoFlags, r.flags)
	case <-time.After(waitFor):
		t.Fatalf("no cancellation delivered")
	}
	require.ErrorIs(t, client.CancelRequest(op), transport.ErrInvalidID)
	select {
	case r := <-got:
		t.Fatalf("unexpected response after cancel: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResponderDestroyedMidFlight(t *testing.T) {
	e := newEnv(t)
	ctx := ctxFor(t)
	node := e.node()
	clientLeaf, leafA, leafB := e.leaf(), e.leaf(), e.leaf()

	client, err := NewClientTerminal(clientLeaf, "Echo", 1)
	require.NoError(t, err)
	destroyLater(t, client)
	svcA, err := NewServiceTerminal(leafA, "Echo", 1)
	require.NoError(t, err)
	destroyLater(t, svcA)
	svcB, err := NewServiceTerminal(leafB, "Echo", 1)
	require.NoError(t, err)
	destroyLater(t, svcB)
	for _, l := range []*Leaf{clientLeaf, leafA, leafB} {
		e.link(node, l)
	}

	// B blocks on "ping" until released, holding a worker; the pool has room
	// for the rest of the traffic.
	require.NoError(t, e.sched.SetThreadPoolSize(6))
	held := make(chan struct{}, 2)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, svcA.SetRequestHandler(func(error, []byte) ([]byte, bool) { return []byte("A"), true }))
	require.NoError(t, svcB.SetRequestHandler(func(_ error, req []byte) ([]byte, bool) {
		if string(req) == "ping" {
			held <- struct{}{}
			<-release
		}
		return []byte("B"), true
	}))
	require.Eventually(t, func() bool {
		answers := make(chan string, 4)
		_, err := client.AsyncRequest(nil, func(err error, _ transport.OperationID, flags transport.Flags, payload []byte) transport.ControlFlow {
			if err == nil && flags&transport.Outcome == 0 {
				answers <- string(payload)
			}
			if err != nil || flags.Has(transport.Finished) {
				close(answers)
			}
			return transport.Continue
		})
		if err != nil {
			return false
		}
		n := 0
		for range answers {
			n++
		}
		return n == 2
	}, waitFor, 10*time.Millisecond)

	type resp struct {
		err     error
		flags   transport.Flags
		payload string
	}
	got := make(chan resp, 8)
	_, err = client.AsyncRequest([]byte("ping"), func(err error, _ transport.OperationID, flags transport.Flags, payload []byte) transport.ControlFlow {
		got <- resp{err, flags, string(payload)}
		return transport.Continue
	})
	require.NoError(t, err)

	select {
	case <-held:
	case <-ctx.Done():
		t.Fatalf("B never received the request")
	}

	// A blocking request issued while B is stuck resolves with A's answer
	// and is not disturbed by B going away.
	blocking := make(chan resp, 2)
	go func() {
		out, err := client.Request(ctx, []byte("ping"), false)
		blocking <- resp{err: err, payload: string(out)}
	}()
	select {
	case <-held:
	case <-ctx.Done():
		t.Fatalf("B never received the blocking request")
	}
	require.NoError(t, svcB.Destroy())

	var finished, destroyed int
	var payloads []string
	for finished == 0 {
		select {
		case r := <-got:
			require.NoError(t, r.err)
			if r.flags.Has(transport.Finished) {
				finished++
			}
			if r.flags.Has(transport.BindingDestroyed) {
				destroyed++
			} else {
				payloads = append(payloads, r.payload)
			}
		case <-ctx.Done():
			t.Fatalf("exchange never finished")
		}
	}
	require.Equal(t, 1, destroyed)
	require.Equal(t, []string{"A"}, payloads)
	select {
	case r := <-got:
		t.Fatalf("response after FINISHED: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case r := <-blocking:
		require.NoError(t, r.err)
		require.Equal(t, "A", r.payload)
	case <-ctx.Done():
		t.Fatalf("blocking request never returned")
	}
	select {
	case r := <-blocking:
		t.Fatalf("second result from one blocking request: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	out, err := client.Request(ctx, []byte("again"), false)
	require.NoError(t, err)
	require.Equal(t, "A", string(out))
}

type echoRequest struct {
	Text string `cbor:"1,keyasint"`
}

type echoResponse struct {
	Text  string `cbor:"1,keyasint"`
	Count int    `cbor:"2,keyasint"`
}

func TestTypedRequests(t *testing.T) {
	e := newEnv(t)
	client, svc := e.clientService("TypedEcho")
	count := 0
	require.NoError(t, ServeRequests(svc.Responder, codec.CBOR(), func(req echoRequest) (echoResponse, bool) {
		if req.Text == "" {
			return echoResponse{}, false
		}
		count++
		return echoResponse{Text: req.Text, Count: count}, true
	}))

	resp, err := RequestValue[echoRequest, echoResponse](ctxFor(t), client.Exchange, codec.CBOR(), echoRequest{Text: "hi"}, false)
	require.NoError(t, err)
	require.Equal(t, echoResponse{Text: "hi", Count: 1}, resp)

	_, err = RequestValue[echoRequest, echoResponse](ctxFor(t), client.Exchange, codec.CBOR(), echoRequest{}, false)
	require.ErrorIs(t, err, ErrIgnored)

	// Undecodable payloads are ignored rather than answered.
	_, err = client.Request(ctxFor(t), []byte{0xff, 0x00}, false)
	require.True(t, errors.Is(err, ErrIgnored), "got %v", err)
}
