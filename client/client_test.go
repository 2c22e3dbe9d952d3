package client_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/grpcw-io/grpcw/client"
	"github.com/grpcw-io/grpcw/clocksvc"
	"github.com/grpcw-io/grpcw/server"
	"github.com/grpcw-io/grpcw/util"
)

// stateCollector funnels connection-state callbacks into a queue the test
// pops in order.
type stateCollector struct {
	q *util.BlockingQueue[client.State]
}

func newStateCollector() *stateCollector {
	return &stateCollector{q: util.NewBlockingQueue[client.State]()}
}

func (c *stateCollector) cb(s client.State) {
	c.q.PushBack(s)
}

func (c *stateCollector) next(t *testing.T) client.State {
	t.Helper()
	ch := make(chan client.State, 1)
	go func() {
		if v, ok := c.q.PopFront(); ok {
			ch <- v
		}
	}()
	select {
	case v := <-ch:
		return v
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for a state transition")
		return 0
	}
}

// requireConnects pops the connect sequence: the client may report
// AttemptingToConnect first or connect immediately when the server is local.
func requireConnects(t *testing.T, col *stateCollector) {
	t.Helper()
	s := col.next(t)
	if s == client.AttemptingToConnect {
		s = col.next(t)
	}
	require.Equal(t, client.Connected, s)
}

func newEchoServer(t *testing.T, addr string) *server.Scoped {
	t.Helper()
	srv, err := server.NewScoped(server.Config{ListenAddr: addr}, zaptest.NewLogger(t), func(s *server.Server) error {
		return s.RegisterUnary(clocksvc.Echo, func(_ context.Context, req proto.Message) (proto.Message, error) {
			return req, nil
		})
	})
	require.NoError(t, err)
	return srv
}

func TestNoServer(t *testing.T) {
	col := newStateCollector()
	c := client.New(zaptest.NewLogger(t))
	require.Equal(t, client.NotConnected, c.State())

	require.NoError(t, c.ChangeServer("127.0.0.1:50060", col.cb))
	require.Equal(t, client.AttemptingToConnect, col.next(t))

	require.NoError(t, c.Kill())
	require.Equal(t, client.NotConnected, col.next(t))
	assert.True(t, col.q.Empty())
}

func TestNoServerStopConnectionAttempts(t *testing.T) {
	col := newStateCollector()
	c := client.New(zaptest.NewLogger(t))

	require.NoError(t, c.ChangeServer("127.0.0.1:50061", col.cb))
	require.Equal(t, client.AttemptingToConnect, col.next(t))

	require.NoError(t, c.Kill())
	require.Equal(t, client.NotConnected, col.next(t))

	// The state was already NotConnected, so a second Kill emits nothing.
	require.NoError(t, c.Kill())
	assert.True(t, col.q.Empty())
}

func TestDelayedServer(t *testing.T) {
	const addr = "127.0.0.1:50062"

	col := newStateCollector()
	c := client.New(zaptest.NewLogger(t))

	require.NoError(t, c.ChangeServer(addr, col.cb))
	require.Equal(t, client.AttemptingToConnect, col.next(t))

	srv := newEchoServer(t, addr)
	require.Equal(t, client.Connected, col.next(t))

	require.NoError(t, srv.Close())
	require.Equal(t, client.NotConnected, col.next(t))
	require.Equal(t, client.AttemptingToConnect, col.next(t))

	require.NoError(t, c.Kill())
	require.Equal(t, client.NotConnected, col.next(t))
	assert.True(t, col.q.Empty())
}

func TestAlreadyRunningServer(t *testing.T) {
	srv := newEchoServer(t, "127.0.0.1:0")
	defer srv.Close() //nolint:errcheck

	col := newStateCollector()
	c := client.New(zaptest.NewLogger(t))
	require.Equal(t, client.NotConnected, c.State())

	require.NoError(t, c.ChangeServer(srv.Addr(), col.cb))
	requireConnects(t, col)
	require.Equal(t, client.Connected, c.State())
	assert.Equal(t, srv.Addr(), c.ServerAddress())
	assert.False(t, c.UsingInProcessServer())

	require.NoError(t, c.Kill())
	require.Equal(t, client.NotConnected, col.next(t))
	assert.True(t, col.q.Empty())
}

func TestChangeServerSameAddressReconnects(t *testing.T) {
	srv := newEchoServer(t, "127.0.0.1:0")
	defer srv.Close() //nolint:errcheck

	col := newStateCollector()
	c := client.New(zaptest.NewLogger(t))

	require.NoError(t, c.ChangeServer(srv.Addr(), col.cb))
	requireConnects(t, col)

	// Changing to the same address tears down and reconnects: exactly one
	// NotConnected for the teardown and exactly one new Connected.
	require.NoError(t, c.ChangeServer(srv.Addr(), col.cb))
	require.Equal(t, client.NotConnected, col.next(t))
	requireConnects(t, col)
	assert.True(t, col.q.Empty())

	require.NoError(t, c.Kill())
	require.Equal(t, client.NotConnected, col.next(t))
}

func TestUnaryCall(t *testing.T) {
	srv := newEchoServer(t, "127.0.0.1:0")
	defer srv.Close() //nolint:errcheck

	col := newStateCollector()
	c := client.New(zaptest.NewLogger(t))
	require.NoError(t, c.ChangeServer(srv.Addr(), col.cb))
	requireConnects(t, col)

	done := make(chan struct{})
	require.NoError(t, c.Call(clocksvc.Echo, wrapperspb.String("hello"), func(st *status.Status, reply proto.Message) {
		defer close(done)
		require.NoError(t, st.Err())
		assert.Equal(t, "hello", reply.(*wrapperspb.StringValue).GetValue())
	}))
	<-done

	require.NoError(t, c.Kill())
}

func TestKillWithOutstandingUnary(t *testing.T) {
	logger := zaptest.NewLogger(t)
	srv, err := server.NewScoped(server.Config{ListenAddr: "127.0.0.1:0"}, logger, func(s *server.Server) error {
		return s.RegisterUnary(clocksvc.Echo, func(_ context.Context, req proto.Message) (proto.Message, error) {
			time.Sleep(150 * time.Millisecond)
			return req, nil
		})
	})
	require.NoError(t, err)
	defer srv.Close() //nolint:errcheck

	col := newStateCollector()
	c := client.New(logger)
	require.NoError(t, c.ChangeServer(srv.Addr(), col.cb))
	requireConnects(t, col)

	var callbacks atomic.Int32
	require.NoError(t, c.Call(clocksvc.Echo, wrapperspb.String("slow"), func(st *status.Status, _ proto.Message) {
		callbacks.Add(1)
		code := st.Code()
		assert.Contains(t, []codes.Code{codes.OK, codes.Canceled, codes.Unavailable}, code)
	}))

	// The terminal callback fires exactly once, before Kill returns.
	require.NoError(t, c.Kill())
	assert.Equal(t, int32(1), callbacks.Load())
}

func TestCallWithoutChannel(t *testing.T) {
	c := client.New(zaptest.NewLogger(t))
	err := c.Call(clocksvc.Echo, wrapperspb.String("x"), nil)
	assert.ErrorIs(t, err, client.ErrNoChannel)
}

func TestInProcessServerAlwaysConnected(t *testing.T) {
	logger := zaptest.NewLogger(t)
	srv := newEchoServer(t, "")
	defer srv.Close() //nolint:errcheck

	c := client.New(logger)
	require.NoError(t, c.ChangeServerInProcess(srv.InProcessDialer()))

	assert.Equal(t, client.Connected, c.State())
	assert.True(t, c.UsingInProcessServer())
	assert.Equal(t, "In-Process", c.ServerAddress())

	// The synchronous call path works immediately: no connect handshake to
	// wait for.
	var reply wrapperspb.StringValue
	ok := c.UseStub(func(conn grpc.ClientConnInterface) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Invoke(ctx, clocksvc.Echo.FullPath(), wrapperspb.String("ping"), &reply))
	})
	require.True(t, ok)
	assert.Equal(t, "ping", reply.GetValue())

	require.NoError(t, c.Kill())
	assert.Equal(t, client.NotConnected, c.State())
}

func TestUseStubNotConnected(t *testing.T) {
	c := client.New(zaptest.NewLogger(t))
	ran := c.UseStub(func(grpc.ClientConnInterface) {
		t.Fatal("stub must not be used while disconnected")
	})
	assert.False(t, ran)
}

func TestStreamRegisteredBeforeConnect(t *testing.T) {
	logger := zaptest.NewLogger(t)
	var ticks *server.StreamController
	srv, err := server.NewScoped(server.Config{ListenAddr: "127.0.0.1:0"}, logger, func(s *server.Server) error {
		var rerr error
		ticks, rerr = s.RegisterStream(clocksvc.SubscribeTimeUpdates)
		return rerr
	})
	require.NoError(t, err)
	defer srv.Close() //nolint:errcheck

	c := client.New(logger)

	updates := util.NewBlockingQueue[int64]()
	_, err = c.RegisterStream(clocksvc.SubscribeTimeUpdates, &emptypb.Empty{},
		func(update proto.Message) {
			updates.PushBack(update.(*timestamppb.Timestamp).GetSeconds())
		},
		nil,
	)
	require.NoError(t, err)

	col := newStateCollector()
	require.NoError(t, c.ChangeServer(srv.Addr(), col.cb))
	requireConnects(t, col)

	require.Eventually(t, func() bool {
		return len(ticks.Subscribers()) == 1
	}, 10*time.Second, 10*time.Millisecond)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, ticks.Write(timestamppb.New(time.Unix(i, 0))))
	}

	for i := int64(1); i <= 3; i++ {
		v, ok := updates.PopFront()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	require.NoError(t, c.Kill())
}

func TestStopStreamMidStream(t *testing.T) {
	logger := zaptest.NewLogger(t)
	var ticks *server.StreamController
	srv, err := server.NewScoped(server.Config{ListenAddr: ""}, logger, func(s *server.Server) error {
		var rerr error
		ticks, rerr = s.RegisterStream(clocksvc.SubscribeTimeUpdates)
		return rerr
	})
	require.NoError(t, err)
	defer srv.Close() //nolint:errcheck

	c := client.New(logger)
	require.NoError(t, c.ChangeServerInProcess(srv.InProcessDialer()))

	var received atomic.Int64
	var finishes atomic.Int32
	finished := make(chan *status.Status, 1)

	id, err := c.RegisterStream(clocksvc.SubscribeTimeUpdates, &emptypb.Empty{},
		func(proto.Message) { received.Add(1) },
		func(st *status.Status) {
			finishes.Add(1)
			finished <- st
		},
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(ticks.Subscribers()) == 1
	}, 10*time.Second, 10*time.Millisecond)

	// Keep writing until the subscriber has seen a few updates, then cancel.
	writerStop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := int64(0); ; i++ {
			select {
			case <-writerStop:
				return
			default:
			}
			_ = ticks.Write(timestamppb.New(time.Unix(i, 0)))
			time.Sleep(time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool {
		return received.Load() >= 5
	}, 10*time.Second, time.Millisecond)

	require.NoError(t, c.StopStream(id))
	st := <-finished
	assert.Equal(t, codes.Canceled, st.Code())

	// No more updates arrive once StopStream has returned.
	after := received.Load()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, after, received.Load())
	assert.Equal(t, int32(1), finishes.Load())

	close(writerStop)
	<-writerDone
	require.NoError(t, c.Kill())
}

func TestKillIsIdempotentWithoutSession(t *testing.T) {
	c := client.New(zap.NewNop())
	require.NoError(t, c.Kill())
	require.NoError(t, c.Kill())
}
