// Package server implements the asynchronous RPC server engine.
//
// A Server owns a grpc.Server together with the completion queue and worker
// goroutine that drain its events. Unary and server-streaming methods are
// registered before Start; each registration keeps an armed acceptor handle
// that is re-armed every time a call arrives, so the engine always has a
// pending acceptor for every method. Server-stream registrations hand back a
// StreamController that fans writes out to every connected subscriber with
// per-subscriber ordering.
//
// All engine state lives in one AtomicData cell. User callbacks (handlers,
// on-connect, on-delete) run on the worker goroutine, never under the cell.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/grpcw-io/grpcw/metrics"
	"github.com/grpcw-io/grpcw/tags"
	"github.com/grpcw-io/grpcw/util"
)

const bufconnSize = 1 << 20

var (
	// ErrStarted is returned by Register* once Start has run.
	ErrStarted = errors.New("server: already started")
	// ErrNotStarted is returned by operations that need a running engine.
	ErrNotStarted = errors.New("server: not started")
	// ErrShutdown is returned by operations issued during or after shutdown.
	ErrShutdown = errors.New("server: shut down")
)

// Config holds server construction parameters.
type Config struct {
	// ListenAddr is the TCP address to bind, e.g. ":9090" or "127.0.0.1:0".
	// Empty means the server is reachable only through the in-process
	// transport.
	ListenAddr string
}

// completion is one completion-queue event.
type completion struct {
	token tags.Token
	ok    bool
}

// serverData is the engine state guarded by the Server's AtomicData cell.
type serverData struct {
	started  bool
	stopping bool
	nextID   uint64
	// handles is the in-flight map: armed acceptors and active calls, keyed
	// by handle id.
	handles map[uint64]any
	unary   map[string]*unaryRegistration
	streams map[string]*streamRegistration
}

// Server is the asynchronous RPC server engine. Create with New, register
// methods, then Start.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	grpcServer *grpc.Server
	bufLis     *bufconn.Listener
	lis        net.Listener

	queue      *util.BlockingQueue[completion]
	registry   *tags.Registry
	shared     *util.AtomicData[serverData]
	workerDone chan struct{}
}

// New creates a Server. Nothing listens until Start.
func New(cfg Config, logger *zap.Logger) *Server {
	return &Server{
		logger: logger.Named("server"),
		cfg:    cfg,
		grpcServer: grpc.NewServer(
			grpc.MaxRecvMsgSize(math.MaxInt32),
		),
		queue:    util.NewBlockingQueue[completion](),
		registry: tags.NewRegistry(),
		shared: util.NewAtomicData(serverData{
			handles: make(map[uint64]any),
			unary:   make(map[string]*unaryRegistration),
			streams: make(map[string]*streamRegistration),
		}),
		workerDone: make(chan struct{}),
	}
}

// Start registers every accumulated method with the underlying server, arms
// one acceptor per registration, begins serving, and starts the worker.
func (s *Server) Start() error {
	var (
		services map[string]*grpc.ServiceDesc
		err      error
	)
	s.shared.Use(func(d *serverData) {
		if d.started {
			err = ErrStarted
			return
		}
		if len(d.unary) == 0 && len(d.streams) == 0 {
			err = fmt.Errorf("server: no methods registered")
			return
		}
		d.started = true

		services = make(map[string]*grpc.ServiceDesc)
		ensure := func(name string) *grpc.ServiceDesc {
			sd, ok := services[name]
			if !ok {
				sd = &grpc.ServiceDesc{
					ServiceName: name,
					HandlerType: (*any)(nil),
				}
				services[name] = sd
			}
			return sd
		}

		for _, reg := range d.unary {
			reg := reg
			sd := ensure(reg.desc.Service)
			sd.Methods = append(sd.Methods, grpc.MethodDesc{
				MethodName: reg.desc.Name,
				Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
					return s.handleUnary(reg, ctx, dec)
				},
			})
			s.armUnary(d, reg)
		}
		for _, reg := range d.streams {
			reg := reg
			sd := ensure(reg.desc.Service)
			sd.Streams = append(sd.Streams, grpc.StreamDesc{
				StreamName: reg.desc.Name,
				Handler: func(_ any, ss grpc.ServerStream) error {
					return s.handleStream(reg, ss)
				},
				ServerStreams: true,
			})
			s.armStream(d, reg)
		}
	})
	if err != nil {
		return err
	}

	for _, sd := range services {
		s.grpcServer.RegisterService(sd, s)
	}

	if s.cfg.ListenAddr != "" {
		lis, lerr := net.Listen("tcp", s.cfg.ListenAddr)
		if lerr != nil {
			return fmt.Errorf("server: failed to listen on %s: %w", s.cfg.ListenAddr, lerr)
		}
		s.lis = lis
		go func() {
			if serr := s.grpcServer.Serve(lis); serr != nil {
				s.logger.Warn("serve returned", zap.Error(serr))
			}
		}()
	}

	s.bufLis = bufconn.Listen(bufconnSize)
	go func() {
		if serr := s.grpcServer.Serve(s.bufLis); serr != nil {
			s.logger.Debug("in-process serve returned", zap.Error(serr))
		}
	}()

	go s.run()

	s.logger.Info("server started", zap.String("addr", s.Addr()))
	return nil
}

// Addr returns the bound TCP address, or the in-process pseudo-address when
// no TCP listener exists.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return "in-process"
}

// InProcessDialer returns a dialer for channels living in the same process.
// Pass it to the client engine's ChangeServerInProcess. The in-process
// listener exists once Start has run.
func (s *Server) InProcessDialer() func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		if s.bufLis == nil {
			return nil, ErrNotStarted
		}
		return s.bufLis.DialContext(ctx)
	}
}

// GRPCServer exposes the underlying server for integration with code that
// registers additional services before Start.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Shutdown gracefully stops the server: no new calls are admitted, active
// streams are asked to finish, in-flight calls drain, and the worker joins.
func (s *Server) Shutdown() error {
	return s.shutdown(0)
}

// ForceShutdownIn behaves like Shutdown but aborts any call still in flight
// after d.
func (s *Server) ForceShutdownIn(d time.Duration) error {
	return s.shutdown(d)
}

func (s *Server) shutdown(deadline time.Duration) error {
	var (
		subs []*streamServerCall
		err  error
	)
	s.shared.Use(func(d *serverData) {
		if !d.started {
			err = ErrNotStarted
			return
		}
		if d.stopping {
			err = ErrShutdown
			return
		}
		d.stopping = true
		for _, h := range d.handles {
			if call, ok := h.(*streamServerCall); ok {
				subs = append(subs, call)
			}
		}
	})
	if err != nil {
		return err
	}
	// Wake every blocked admission and Write so they observe stopping.
	s.shared.NotifyAll()

	for _, call := range subs {
		call.stopOnce.Do(func() { close(call.stop) })
	}

	var forced *time.Timer
	if deadline > 0 {
		forced = time.AfterFunc(deadline, s.grpcServer.Stop)
	}
	s.grpcServer.GracefulStop()
	if forced != nil {
		forced.Stop()
	}

	// Every handler goroutine has returned; drain the queue until only armed
	// acceptors remain and every token has been redeemed, then retire the
	// acceptors.
	s.shared.WaitToUse(func(d *serverData) bool {
		for _, h := range d.handles {
			switch h.(type) {
			case *unaryServerCall, *streamServerCall:
				return false
			}
		}
		return s.registry.Len() == 0
	}, func(d *serverData) {
		d.handles = make(map[uint64]any)
		for _, reg := range d.unary {
			reg.armed = nil
		}
		for _, reg := range d.streams {
			reg.armed = nil
			reg.active = make(map[SubscriberID]*streamServerCall)
		}
	})

	s.queue.Close()
	<-s.workerDone

	if s.lis != nil {
		// GracefulStop already closed the listener; Close here only to
		// surface unexpected states.
		if cerr := s.lis.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	s.logger.Info("server stopped")
	return err
}

// run is the engine worker: the sole consumer of the completion queue.
func (s *Server) run() {
	defer close(s.workerDone)
	for {
		comp, ok := s.queue.PopFront()
		if !ok {
			return
		}
		tag := s.registry.Redeem(comp.token)
		metrics.TagsRedeemed.WithLabelValues(tag.Kind.String()).Inc()

		switch tag.Kind {
		case tags.ServerNewCall:
			s.onNewCall(tag.Owner, comp.ok)
		case tags.ServerWriting:
			s.onWriteComplete(tag.Owner, comp.ok)
		case tags.ServerDone:
			s.onCallDone(tag.Owner)
		default:
			s.logger.Error("protocol violation: client tag on server queue",
				zap.Stringer("kind", tag.Kind),
				zap.Uint64("owner", tag.Owner),
			)
			panic(fmt.Sprintf("server: protocol violation: %v tag on server completion queue", tag.Kind))
		}
	}
}

// onNewCall re-arms the matching acceptor and hands the call to user code.
func (s *Server) onNewCall(owner uint64, ok bool) {
	var h any
	s.shared.Use(func(d *serverData) {
		h = d.handles[owner]
		if !ok {
			delete(d.handles, owner)
			return
		}
		// Re-arm: queue a fresh sibling acceptor so the next matching call
		// can be admitted while this one runs.
		switch call := h.(type) {
		case *unaryServerCall:
			s.armUnary(d, call.reg)
		case *streamServerCall:
			s.armStream(d, call.reg)
		}
	})
	s.shared.NotifyAll()
	if !ok {
		// Cancelled before the call started; release whoever is parked on it.
		switch call := h.(type) {
		case *unaryServerCall:
			call.respond <- unaryResult{err: status.Error(codes.Unavailable, "call aborted")}
		case *streamServerCall:
			close(call.removed)
		}
		return
	}

	switch call := h.(type) {
	case *unaryServerCall:
		s.invokeUnary(call)
	case *streamServerCall:
		s.connectSubscriber(call)
	default:
		s.logger.Error("new-call tag for unknown handle", zap.Uint64("owner", owner))
	}
}

// onCallDone retires a finished handle. A handle already removed through a
// failed write is a benign race, not a violation.
func (s *Server) onCallDone(owner uint64) {
	var removed *streamServerCall
	s.shared.Use(func(d *serverData) {
		h, ok := d.handles[owner]
		if !ok {
			s.logger.Debug("done tag for already-removed handle", zap.Uint64("owner", owner))
			return
		}
		switch call := h.(type) {
		case *unaryServerCall:
			delete(d.handles, owner)
			metrics.InFlightHandles.WithLabelValues("server").Dec()
		case *streamServerCall:
			if call.pendingWrites > 0 {
				// Writes for this subscriber are still in flight; removal
				// completes when the last one is redeemed.
				call.doneDeferred = true
				return
			}
			s.detachSubscriber(d, call)
			removed = call
		}
	})
	s.shared.NotifyAll()
	if removed != nil {
		s.finishSubscriber(removed)
	}
}

// nextHandleID allocates a handle id. Caller must hold the shared cell.
func nextHandleID(d *serverData) uint64 {
	d.nextID++
	return d.nextID
}
