package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/grpcw-io/grpcw/metrics"
	"github.com/grpcw-io/grpcw/method"
	"github.com/grpcw-io/grpcw/tags"
)

// UnaryHandler implements one unary method. Return a reply message, or an
// error (typically a status error) to fail the call. Invoked on the engine
// worker goroutine, never under the engine lock.
type UnaryHandler func(ctx context.Context, req proto.Message) (proto.Message, error)

// unaryRegistration is the per-method record for a registered unary RPC.
type unaryRegistration struct {
	desc    method.Desc
	handler UnaryHandler
	// armed holds the handle ids of acceptors waiting for a call. Guarded by
	// the engine's shared cell.
	armed []uint64
}

// unaryAcceptor is an armed in-flight handle waiting for a call to arrive.
type unaryAcceptor struct {
	id  uint64
	reg *unaryRegistration
}

// unaryResult carries the user handler's outcome to the parked transport
// goroutine.
type unaryResult struct {
	msg proto.Message
	err error
}

// unaryServerCall is the in-flight handle for one admitted unary RPC. The
// request and result stay pinned here until the terminal tag is redeemed.
type unaryServerCall struct {
	id      uint64
	reg     *unaryRegistration
	ctx     context.Context
	req     proto.Message
	respond chan unaryResult
}

// RegisterUnary registers handler for the unary method desc. Must be called
// before Start.
func (s *Server) RegisterUnary(desc method.Desc, handler UnaryHandler) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.ServerStream {
		return fmt.Errorf("server: %s is a streaming method, use RegisterStream", desc.FullPath())
	}
	if handler == nil {
		return fmt.Errorf("server: nil handler for %s", desc.FullPath())
	}

	err := ErrStarted
	s.shared.Use(func(d *serverData) {
		if d.started {
			return
		}
		if _, dup := d.unary[desc.FullPath()]; dup {
			err = fmt.Errorf("server: method %s registered twice", desc.FullPath())
			return
		}
		err = nil
		d.unary[desc.FullPath()] = &unaryRegistration{desc: desc, handler: handler}
	})
	return err
}

// armUnary queues a fresh acceptor handle for reg. Caller must hold the
// shared cell.
func (s *Server) armUnary(d *serverData, reg *unaryRegistration) {
	id := nextHandleID(d)
	d.handles[id] = &unaryAcceptor{id: id, reg: reg}
	reg.armed = append(reg.armed, id)
}

// handleUnary runs on a transport goroutine for each incoming call. It
// decodes the request, waits for an armed acceptor, converts it into an
// active call handle, and parks until the worker delivers the user handler's
// result.
func (s *Server) handleUnary(reg *unaryRegistration, ctx context.Context, dec func(any) error) (any, error) {
	req := reg.desc.NewRequest()
	if err := dec(req); err != nil {
		return nil, err
	}

	var (
		call *unaryServerCall
		tok  tags.Token
	)
	s.shared.WaitToUse(func(d *serverData) bool {
		return d.stopping || len(reg.armed) > 0
	}, func(d *serverData) {
		if d.stopping {
			return
		}
		// The armed acceptor becomes this active call.
		id := reg.armed[len(reg.armed)-1]
		reg.armed = reg.armed[:len(reg.armed)-1]
		call = &unaryServerCall{
			id:      id,
			reg:     reg,
			ctx:     ctx,
			req:     req,
			respond: make(chan unaryResult, 1),
		}
		d.handles[id] = call
		tok = s.registry.Mint(id, tags.ServerNewCall)
	})
	if call == nil {
		return nil, status.Error(codes.Unavailable, "server is shutting down")
	}
	metrics.TagsMinted.WithLabelValues(tags.ServerNewCall.String()).Inc()
	metrics.InFlightHandles.WithLabelValues("server").Inc()
	s.queue.PushBack(completion{token: tok, ok: true})

	select {
	case res := <-call.respond:
		done := s.registry.Mint(call.id, tags.ServerDone)
		metrics.TagsMinted.WithLabelValues(tags.ServerDone.String()).Inc()
		s.queue.PushBack(completion{token: done, ok: res.err == nil})
		if res.err != nil {
			return nil, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		// Peer cancelled or the deadline fired before the handler finished.
		done := s.registry.Mint(call.id, tags.ServerDone)
		metrics.TagsMinted.WithLabelValues(tags.ServerDone.String()).Inc()
		s.queue.PushBack(completion{token: done, ok: false})
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// invokeUnary runs the user handler and hands its result to the parked
// transport goroutine. Runs on the worker, outside the engine lock.
func (s *Server) invokeUnary(call *unaryServerCall) {
	msg, err := call.reg.handler(call.ctx, call.req)
	if msg == nil && err == nil {
		err = status.Errorf(codes.Internal, "handler for %s returned no reply", call.reg.desc.FullPath())
	}
	call.respond <- unaryResult{msg: msg, err: err}
}
