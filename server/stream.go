package server

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/grpcw-io/grpcw/metrics"
	"github.com/grpcw-io/grpcw/method"
	"github.com/grpcw-io/grpcw/tags"
)

// SubscriberID identifies one active subscriber of a server-stream method.
type SubscriberID = uuid.UUID

// ConnectCallback is invoked when a new subscriber arrives, before the
// subscriber becomes eligible for writes. DeleteCallback is invoked after the
// subscriber is removed. Both run on the engine worker goroutine, never under
// the engine lock.
type (
	ConnectCallback func(req proto.Message, id SubscriberID)
	DeleteCallback  func(req proto.Message, id SubscriberID)
)

// streamRegistration is the per-method record for a registered
// server-streaming RPC.
type streamRegistration struct {
	desc      method.Desc
	onConnect ConnectCallback
	onDelete  DeleteCallback

	// Guarded by the engine's shared cell:
	armed      []uint64                          // acceptor handle ids waiting for a call
	active     map[SubscriberID]*streamServerCall // write-eligible subscribers
	processing int                                // outstanding writes in the current batch
}

// streamAcceptor is an armed in-flight handle waiting for a subscriber.
type streamAcceptor struct {
	id  uint64
	reg *streamRegistration
}

// writeJob is one message headed for one subscriber.
type writeJob struct {
	msg proto.Message
	tok tags.Token
}

// streamServerCall is the in-flight handle for one connected subscriber. The
// parked transport goroutine performs this subscriber's writes, which keeps
// delivery serialized and ordered per subscriber.
type streamServerCall struct {
	id     uint64
	subID  SubscriberID
	reg    *streamRegistration
	req    proto.Message
	stream grpc.ServerStream

	writeQ   chan writeJob
	stop     chan struct{} // graceful finish signal
	stopOnce sync.Once
	removed  chan struct{} // closed once the worker has detached the handle

	// Guarded by the engine's shared cell:
	pendingWrites int
	doneDeferred  bool // terminal tag arrived while writes were in flight
	terminalSent  bool
}

// StreamController drives one registered server-streaming method: connect and
// delete notifications plus ordered write fan-out.
type StreamController struct {
	s   *Server
	reg *streamRegistration
}

// RegisterStream registers the server-streaming method desc and returns its
// controller. Must be called before Start.
func (s *Server) RegisterStream(desc method.Desc) (*StreamController, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if !desc.ServerStream {
		return nil, fmt.Errorf("server: %s is not a streaming method, use RegisterUnary", desc.FullPath())
	}

	reg := &streamRegistration{
		desc:   desc,
		active: make(map[SubscriberID]*streamServerCall),
	}
	err := ErrStarted
	s.shared.Use(func(d *serverData) {
		if d.started {
			return
		}
		if _, dup := d.streams[desc.FullPath()]; dup {
			err = fmt.Errorf("server: method %s registered twice", desc.FullPath())
			return
		}
		err = nil
		d.streams[desc.FullPath()] = reg
	})
	if err != nil {
		return nil, err
	}
	return &StreamController{s: s, reg: reg}, nil
}

// OnConnect sets the new-subscriber callback. Set before Start.
func (c *StreamController) OnConnect(f ConnectCallback) *StreamController {
	c.s.shared.Use(func(*serverData) { c.reg.onConnect = f })
	return c
}

// OnDelete sets the subscriber-removed callback. Set before Start.
func (c *StreamController) OnDelete(f DeleteCallback) *StreamController {
	c.s.shared.Use(func(*serverData) { c.reg.onDelete = f })
	return c
}

// Subscribers returns a snapshot of the currently write-eligible subscribers.
func (c *StreamController) Subscribers() []SubscriberID {
	var ids []SubscriberID
	c.s.shared.Use(func(*serverData) {
		for id := range c.reg.active {
			ids = append(ids, id)
		}
	})
	return ids
}

// Write sends msg to every eligible subscriber. It blocks until the previous
// batch of writes has fully completed, which is what keeps delivery ordered:
// for any subscriber, Write(m1); Write(m2) delivers m1 before m2, and all
// writes of one batch are issued before the next batch starts.
func (c *StreamController) Write(msg proto.Message) error {
	return c.write(msg, nil)
}

// WriteTo sends msg to a single subscriber, with the same batch ordering as
// Write. Fails if the subscriber is no longer active.
func (c *StreamController) WriteTo(msg proto.Message, id SubscriberID) error {
	return c.write(msg, &id)
}

func (c *StreamController) write(msg proto.Message, only *SubscriberID) error {
	s, reg := c.s, c.reg
	type target struct {
		call *streamServerCall
		tok  tags.Token
	}
	var (
		targets []target
		err     error
	)
	s.shared.WaitToUse(func(d *serverData) bool {
		return d.stopping || reg.processing == 0
	}, func(d *serverData) {
		if d.stopping {
			err = ErrShutdown
			return
		}
		stage := func(call *streamServerCall) {
			tok := s.registry.Mint(call.id, tags.ServerWriting)
			call.pendingWrites++
			reg.processing++
			targets = append(targets, target{call: call, tok: tok})
		}
		if only != nil {
			call, ok := reg.active[*only]
			if !ok {
				err = fmt.Errorf("server: no active subscriber %s on %s", *only, reg.desc.FullPath())
				return
			}
			stage(call)
		} else {
			for _, call := range reg.active {
				stage(call)
			}
		}
	})
	if err != nil {
		return err
	}

	for _, t := range targets {
		metrics.TagsMinted.WithLabelValues(tags.ServerWriting.String()).Inc()
		select {
		case t.call.writeQ <- writeJob{msg: msg, tok: t.tok}:
		case <-t.call.removed:
			// Subscriber vanished between staging and enqueue; surface the
			// write as failed so the batch accounting stays balanced.
			s.queue.PushBack(completion{token: t.tok, ok: false})
		}
	}
	return nil
}

// armStream queues a fresh acceptor handle for reg. Caller must hold the
// shared cell.
func (s *Server) armStream(d *serverData, reg *streamRegistration) {
	id := nextHandleID(d)
	d.handles[id] = &streamAcceptor{id: id, reg: reg}
	reg.armed = append(reg.armed, id)
}

// handleStream runs on a transport goroutine for each incoming subscriber.
// After admission the goroutine performs this subscriber's writes until the
// stream ends.
func (s *Server) handleStream(reg *streamRegistration, ss grpc.ServerStream) error {
	req := reg.desc.NewRequest()
	if err := ss.RecvMsg(req); err != nil {
		return err
	}

	var (
		call *streamServerCall
		tok  tags.Token
	)
	s.shared.WaitToUse(func(d *serverData) bool {
		return d.stopping || len(reg.armed) > 0
	}, func(d *serverData) {
		if d.stopping {
			return
		}
		id := reg.armed[len(reg.armed)-1]
		reg.armed = reg.armed[:len(reg.armed)-1]
		call = &streamServerCall{
			id:      id,
			subID:   uuid.New(),
			reg:     reg,
			req:     req,
			stream:  ss,
			writeQ:  make(chan writeJob, 1),
			stop:    make(chan struct{}),
			removed: make(chan struct{}),
		}
		d.handles[id] = call
		tok = s.registry.Mint(id, tags.ServerNewCall)
	})
	if call == nil {
		return status.Error(codes.Unavailable, "server is shutting down")
	}
	metrics.TagsMinted.WithLabelValues(tags.ServerNewCall.String()).Inc()
	metrics.InFlightHandles.WithLabelValues("server").Inc()
	s.queue.PushBack(completion{token: tok, ok: true})

	ctx := ss.Context()
	for {
		select {
		case job := <-call.writeQ:
			sendErr := ss.SendMsg(job.msg)
			if sendErr == nil {
				metrics.StreamWrites.WithLabelValues("ok").Inc()
			} else {
				metrics.StreamWrites.WithLabelValues("error").Inc()
			}
			s.queue.PushBack(completion{token: job.tok, ok: sendErr == nil})
		case <-call.stop:
			s.pushStreamTerminal(call, true)
			return s.awaitRemoval(call, nil)
		case <-ctx.Done():
			s.pushStreamTerminal(call, false)
			return s.awaitRemoval(call, status.FromContextError(ctx.Err()).Err())
		case <-call.removed:
			// Detached through a failed write.
			return status.Error(codes.Unavailable, "subscriber dropped")
		}
	}
}

// awaitRemoval blocks until the worker has detached the subscriber, failing
// any write that was staged while the stream was already on its way out so
// every minted token still gets redeemed.
func (s *Server) awaitRemoval(call *streamServerCall, result error) error {
	for {
		select {
		case job := <-call.writeQ:
			metrics.StreamWrites.WithLabelValues("dropped").Inc()
			s.queue.PushBack(completion{token: job.tok, ok: false})
		case <-call.removed:
			return result
		}
	}
}

// pushStreamTerminal emits the subscriber's terminal tag at most once.
func (s *Server) pushStreamTerminal(call *streamServerCall, ok bool) {
	var tok tags.Token
	pushed := false
	s.shared.Use(func(*serverData) {
		if call.terminalSent {
			return
		}
		call.terminalSent = true
		tok = s.registry.Mint(call.id, tags.ServerDone)
		pushed = true
	})
	if pushed {
		metrics.TagsMinted.WithLabelValues(tags.ServerDone.String()).Inc()
		s.queue.PushBack(completion{token: tok, ok: ok})
	}
}

// connectSubscriber runs the on-connect callback and only then makes the
// subscriber write-eligible: a Write that enters the engine after the
// callback completes sees it, one that entered before does not.
func (s *Server) connectSubscriber(call *streamServerCall) {
	if call.reg.onConnect != nil {
		call.reg.onConnect(call.req, call.subID)
	}
	var active int
	s.shared.Use(func(*serverData) {
		call.reg.active[call.subID] = call
		active = len(call.reg.active)
	})
	s.shared.NotifyAll()
	s.logger.Debug("subscriber connected",
		zap.String("method", call.reg.desc.FullPath()),
		zap.String("subscriber_id", call.subID.String()),
		zap.Int("active", active),
	)
}

// onWriteComplete settles one ServerWriting tag: batch accounting, removal of
// dead subscribers, and deferred removal once the last in-flight write of a
// finished subscriber drains.
func (s *Server) onWriteComplete(owner uint64, ok bool) {
	var removed *streamServerCall
	s.shared.Use(func(d *serverData) {
		h, exists := d.handles[owner]
		if !exists {
			s.logger.Debug("write tag for already-removed handle", zap.Uint64("owner", owner))
			return
		}
		call, isStream := h.(*streamServerCall)
		if !isStream {
			return
		}
		call.pendingWrites--
		call.reg.processing--
		if !ok {
			// Dead peer: the write never reached it.
			call.terminalSent = true
			s.detachSubscriber(d, call)
			removed = call
		} else if call.doneDeferred && call.pendingWrites == 0 {
			s.detachSubscriber(d, call)
			removed = call
		}
	})
	s.shared.NotifyAll()
	if removed != nil {
		s.finishSubscriber(removed)
	}
}

// detachSubscriber drops the handle from the in-flight map and the eligible
// set. Caller must hold the shared cell.
func (s *Server) detachSubscriber(d *serverData, call *streamServerCall) {
	delete(d.handles, call.id)
	delete(call.reg.active, call.subID)
	metrics.InFlightHandles.WithLabelValues("server").Dec()
}

// finishSubscriber delivers the delete callback and releases the parked
// transport goroutine. Runs on the worker, outside the engine lock.
func (s *Server) finishSubscriber(call *streamServerCall) {
	if call.reg.onDelete != nil {
		call.reg.onDelete(call.req, call.subID)
	}
	close(call.removed)
	s.logger.Debug("subscriber removed",
		zap.String("method", call.reg.desc.FullPath()),
		zap.String("subscriber_id", call.subID.String()),
	)
}
