package callback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/chirp/internal/testutil/testlog"
	"github.com/danmuck/chirp/internal/transport"
	"github.com/stretchr/testify/require"
)

func TestOnceStaysLiveUntilInvocationReturns(t *testing.T) {
	log := testlog.Start(t)
	r := NewRegistry(log)

	var seenLen int
	var seenErr error
	a := Once(r, "connect", func(err error, h transport.Handle) {
		seenLen = r.Len()
		seenErr = err
	})
	require.Equal(t, 1, r.Len(), "adapter must be live before it is armed")

	flow := a.Func()(transport.Result(transport.ErrTimeout), 0, "ignored user arg")
	require.Equal(t, transport.Stop, flow)
	require.Equal(t, 1, seenLen, "adapter removed while its invocation was running")
	require.True(t, errors.Is(seenErr, transport.ErrTimeout))
	require.Equal(t, 0, r.Len())
	require.True(t, a.Released())
}

func TestStreamContinueRetainsAndStopReleases(t *testing.T) {
	log := testlog.Start(t)
	r := NewRegistry(log)

	var got []int
	a := Stream(r, "gather", func(err error, n int) transport.ControlFlow {
		require.NoError(t, err)
		got = append(got, n)
		if n == 3 {
			return transport.Stop
		}
		return transport.Continue
	})
	fn := a.Func()
	require.Equal(t, transport.Continue, fn(0, 1, nil))
	require.Equal(t, transport.Continue, fn(0, 2, nil))
	require.Equal(t, 1, r.Len())
	require.Equal(t, transport.Stop, fn(0, 3, nil))
	require.Equal(t, 0, r.Len())

	// A late invocation after termination is a no-op.
	require.Equal(t, transport.Stop, fn(0, 4, nil))
	require.Equal(t, []int{1, 2, 3}, got)
}

func TestPanicIsContainedAndTreatedAsStop(t *testing.T) {
	log := testlog.Start(t)
	r := NewRegistry(log)

	a := Stream(r, "receive", func(err error, _ transport.Message) transport.ControlFlow {
		panic("handler bug")
	})
	var flow transport.ControlFlow
	require.NotPanics(t, func() {
		flow = a.Func()(0, transport.Message{Payload: []byte{1}}, nil)
	})
	require.Equal(t, transport.Stop, flow)
	require.Equal(t, 0, r.Len())
}

func TestAbandonIsIdempotent(t *testing.T) {
	log := testlog.Start(t)
	r := NewRegistry(log)

	called := false
	a := Once(r, "accept", func(error, transport.Handle) { called = true })
	b := Once(r, "accept", func(error, transport.Handle) {})
	require.Equal(t, []string{"accept", "accept"}, r.Pending())

	a.Abandon()
	a.Abandon()
	require.Equal(t, 1, r.Len())
	require.Equal(t, transport.Stop, a.Func()(0, 1, nil))
	require.False(t, called, "abandoned adapter must not run its closure")
	b.Abandon()
	require.Equal(t, 0, r.Len())
}

func TestWaitReturnsWhenDrained(t *testing.T) {
	log := testlog.Start(t)
	r := NewRegistry(log)
	require.NoError(t, r.Wait(context.Background()))

	a := Once(r, "death", func(error, transport.Empty) {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Wait(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- r.Wait(context.Background()) }()
	a.Func()(0, transport.Empty{}, nil)
	require.NoError(t, <-done)
}

func TestConcurrentRegistrationAndRelease(t *testing.T) {
	log := testlog.Start(t)
	r := NewRegistry(log)

	const workers = 16
	const perWorker = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				a := Stream(r, "msg", func(error, int) transport.ControlFlow {
					return transport.Stop
				})
				go a.Func()(0, i, nil)
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
}
