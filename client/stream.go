package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/grpcw-io/grpcw/method"
)

// UpdateCallback receives one decoded update from a server stream. Invoked
// from the stream's reader goroutine, never under the engine lock.
type UpdateCallback func(update proto.Message)

// FinishCallback is invoked exactly once when a subscription terminates for
// good (StopStream or Kill). It is not invoked for transient disconnects or
// for ChangeServer: the subscription stays registered and restarts when the
// channel (re)connects.
type FinishCallback func(st *status.Status)

// subscription is the handle for one registered server-stream RPC. Each
// active run has a dedicated reader goroutine blocked in RecvMsg; the
// bookkeeping fields are guarded by the engine's shared cell.
type subscription struct {
	id       uuid.UUID
	desc     method.Desc
	req      proto.Message
	onUpdate UpdateCallback
	onFinish FinishCallback

	running  bool               // a reader goroutine is active
	terminal bool               // stopped for good; never restarted
	finished bool               // finish callback delivered
	cancel   context.CancelFunc // cancels the current run
	done     chan struct{}      // closed when the current reader exits
}

// RegisterStream subscribes to the server-streaming method desc with request
// req. If the channel is already connected the stream starts immediately;
// otherwise it starts on the next transition to Connected. Returns the id
// used to stop the subscription later.
func (c *Client) RegisterStream(desc method.Desc, req proto.Message, onUpdate UpdateCallback, onFinish FinishCallback) (uuid.UUID, error) {
	if err := desc.Validate(); err != nil {
		return uuid.Nil, err
	}
	if !desc.ServerStream {
		return uuid.Nil, fmt.Errorf("client: %s is not a streaming method", desc.FullPath())
	}

	sub := &subscription{
		id:       uuid.New(),
		desc:     desc,
		req:      req,
		onUpdate: onUpdate,
		onFinish: onFinish,
	}

	var start bool
	var err error
	c.shared.Use(func(d *sharedData) {
		if d.dying {
			err = ErrNoChannel
			return
		}
		d.streams[sub.id] = sub
		start = d.conn != nil && toClientState(d.connState) == Connected
	})
	if err != nil {
		return uuid.Nil, err
	}

	if start {
		c.startStream(sub)
	}
	c.logger.Debug("stream registered",
		zap.String("stream_id", sub.id.String()),
		zap.String("method", desc.FullPath()),
	)
	return sub.id, nil
}

// StopStream cancels one subscription. The read loop drains and the finish
// callback fires exactly once with a Cancelled status before any restart
// could happen.
func (c *Client) StopStream(id uuid.UUID) error {
	var sub *subscription
	c.shared.Use(func(d *sharedData) {
		sub = d.streams[id]
		delete(d.streams, id)
	})
	if sub == nil {
		return fmt.Errorf("client: unknown stream %s", id)
	}
	c.terminateStream(sub)
	return nil
}

// startStream launches a reader goroutine for sub if it is startable. Called
// outside the shared cell.
func (c *Client) startStream(sub *subscription) {
	var (
		conn   *grpc.ClientConn
		runCtx context.Context
	)
	c.shared.Use(func(d *sharedData) {
		if sub.running || sub.terminal || d.conn == nil || d.dying || d.sess == nil {
			return
		}
		ctx, cancel := context.WithCancel(d.sess.ctx)
		sub.cancel = cancel
		sub.done = make(chan struct{})
		sub.running = true
		conn = d.conn
		runCtx = ctx
	})
	if conn == nil {
		return
	}
	go c.readLoop(runCtx, sub, conn)
}

// pauseStream cancels the current run without marking the subscription
// terminal; the reader observes the cancellation, drains, and the
// subscription restarts on the next Connected transition.
func (c *Client) pauseStream(sub *subscription) {
	c.shared.Use(func(d *sharedData) {
		if sub.cancel != nil {
			sub.cancel()
		}
	})
}

// terminateStream stops sub for good and guarantees the finish callback runs
// exactly once. If a reader is active it delivers the callback on its way
// out; otherwise it is delivered here.
func (c *Client) terminateStream(sub *subscription) {
	var done chan struct{}
	c.shared.Use(func(d *sharedData) {
		sub.terminal = true
		if sub.cancel != nil {
			sub.cancel()
		}
		if sub.running {
			done = sub.done
		}
	})
	if done != nil {
		<-done
		return
	}

	var fire bool
	c.shared.Use(func(d *sharedData) {
		if !sub.finished {
			sub.finished = true
			fire = true
		}
	})
	if fire && sub.onFinish != nil {
		sub.onFinish(status.New(codes.Canceled, "stream stopped"))
	}
}

// readLoop opens the stream, sends the request, and blocks in RecvMsg until
// the stream ends. Updates are delivered from this goroutine.
func (c *Client) readLoop(ctx context.Context, sub *subscription, conn *grpc.ClientConn) {
	defer close(sub.done)

	streamDesc := &grpc.StreamDesc{
		StreamName:    sub.desc.Name,
		ServerStreams: true,
	}
	stream, err := conn.NewStream(ctx, streamDesc, sub.desc.FullPath())
	if err == nil {
		if err = stream.SendMsg(sub.req); err == nil {
			err = stream.CloseSend()
		}
	}
	if err == nil {
		for {
			update := sub.desc.NewReply()
			if err = stream.RecvMsg(update); err != nil {
				break
			}
			sub.onUpdate(update)
		}
	}
	st := status.Convert(err)
	if errors.Is(err, io.EOF) {
		// The server completed the stream cleanly.
		st = status.New(codes.OK, "")
	}

	var (
		fire    bool
		restart bool
	)
	c.shared.Use(func(d *sharedData) {
		sub.running = false
		sub.cancel = nil
		if sub.terminal {
			if !sub.finished {
				sub.finished = true
				fire = true
			}
		} else if st.Code() == codes.Canceled &&
			d.conn != nil && !d.dying && toClientState(d.connState) == Connected {
			// Paused and reconnected before the reader drained: restart
			// immediately instead of waiting for another state cycle.
			restart = true
		}
	})
	c.shared.NotifyAll()

	if fire {
		if sub.onFinish != nil {
			sub.onFinish(st)
		}
		c.logger.Debug("stream finished",
			zap.String("stream_id", sub.id.String()),
			zap.String("status", st.Code().String()),
		)
		return
	}
	if restart {
		c.startStream(sub)
	}
}
