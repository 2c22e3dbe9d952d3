package client

import (
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/grpcw-io/grpcw/metrics"
	"github.com/grpcw-io/grpcw/method"
	"github.com/grpcw-io/grpcw/tags"
)

// UnaryCallback receives the terminal result of an asynchronous unary call.
// reply is nil unless the status is OK. Invoked from the engine worker
// goroutine, never under the engine lock, exactly once per call.
type UnaryCallback func(st *status.Status, reply proto.Message)

// unaryCall is the in-flight handle for one asynchronous unary RPC. It owns
// the reply buffer and status slot until its terminal tag is redeemed.
type unaryCall struct {
	id    uint64
	desc  method.Desc
	reply proto.Message
	st    *status.Status
	cb    UnaryCallback
}

// Call issues desc asynchronously with req and delivers the result to cb.
// Transport failures (unreachable channel, cancellation) surface through cb
// as a non-OK status; Call itself only fails when there is no channel or the
// descriptor is unusable.
func (c *Client) Call(desc method.Desc, req proto.Message, cb UnaryCallback) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if desc.ServerStream {
		return fmt.Errorf("client: %s is a streaming method, use RegisterStream", desc.FullPath())
	}

	var start func()
	err := ErrNoChannel
	c.shared.Use(func(d *sharedData) {
		if d.conn == nil || d.dying {
			return
		}
		err = nil

		c.nextHandleID++
		call := &unaryCall{
			id:    c.nextHandleID,
			desc:  desc,
			reply: desc.NewReply(),
			cb:    cb,
		}
		d.calls[call.id] = call
		metrics.InFlightHandles.WithLabelValues("client").Inc()

		tok := d.sess.registry.Mint(call.id, tags.ClientFinished)
		metrics.TagsMinted.WithLabelValues(tags.ClientFinished.String()).Inc()

		conn, sess := d.conn, d.sess
		start = func() {
			go func() {
				invokeErr := conn.Invoke(sess.ctx, desc.FullPath(), req, call.reply, grpc.WaitForReady(false))
				call.st = status.Convert(invokeErr)
				sess.queue.PushBack(completion{token: tok, ok: true})
			}()
		}
	})
	if err != nil {
		return err
	}
	start()
	return nil
}

// onUnaryFinished retires the handle and delivers its terminal callback.
func (c *Client) onUnaryFinished(owner uint64) {
	var call *unaryCall
	c.shared.Use(func(d *sharedData) {
		call = d.calls[owner]
		delete(d.calls, owner)
	})
	c.shared.NotifyAll()

	if call == nil {
		c.logger.Error("finished tag for unknown unary call", zap.Uint64("owner", owner))
		return
	}
	metrics.InFlightHandles.WithLabelValues("client").Dec()

	if call.cb != nil {
		var reply proto.Message
		if call.st.Code() == codes.OK {
			reply = call.reply
		}
		call.cb(call.st, reply)
	}
}
