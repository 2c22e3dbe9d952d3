// Package client implements the asynchronous RPC client engine.
//
// A Client owns one channel at a time together with the completion queue and
// worker goroutine that drain its events. It:
//   - tracks connection state as a three-valued model (see State) and reports
//     transitions through a user callback,
//   - hosts asynchronous unary calls with per-call completion callbacks,
//   - hosts server-stream subscriptions that start and stop automatically as
//     the channel connects and disconnects,
//   - exposes a synchronous call path (UseStub) for code that wants to talk
//     to the stub directly while the channel is connected.
//
// All engine state lives in one AtomicData cell. User callbacks are always
// invoked outside the cell so they can safely re-enter the engine.
package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/grpcw-io/grpcw/metrics"
	"github.com/grpcw-io/grpcw/tags"
	"github.com/grpcw-io/grpcw/util"
)

const (
	// initialConnectDeadline bounds the first state-change watch so a server
	// that comes up late is noticed quickly.
	initialConnectDeadline = 15 * time.Second
	// steadyStateDeadline re-arms the watchdog once the channel has been
	// ready at least once.
	steadyStateDeadline = 60 * time.Second

	// watchFailureDiagnostic is how many consecutive deadline expiries
	// without a successful state observation trigger a diagnostic log.
	// Expiry itself is benign; a long run of them with no observation
	// usually means the channel was shut down underneath us.
	watchFailureDiagnostic = 5

	inProcessAddress = "In-Process"
)

// ErrNoChannel is returned by operations that need an active channel before
// ChangeServer has been called (or after Kill).
var ErrNoChannel = errors.New("client: no active channel")

// StateCallback receives connection-state transitions. Invoked from the
// engine worker goroutine, except for a transition observed while a new
// channel is created, which ChangeServer reports itself before returning;
// never under the engine lock. Redundant
// transitions are collapsed: the callback never sees X → X.
type StateCallback func(State)

// completion is one completion-queue event: the token minted when the
// operation started, and the runtime's success flag.
type completion struct {
	token tags.Token
	ok    bool
}

// session holds everything that is torn down and rebuilt by ChangeServer:
// the completion queue, the tag registry, and the context every asynchronous
// operation of this channel generation runs under.
type session struct {
	queue      *util.BlockingQueue[completion]
	registry   *tags.Registry
	ctx        context.Context
	cancel     context.CancelFunc
	workerDone chan struct{}
}

// sharedData is the engine state guarded by the Client's AtomicData cell.
type sharedData struct {
	sess      *session
	conn      *grpc.ClientConn
	connState connectivity.State
	calls     map[uint64]*unaryCall
	streams   map[uuid.UUID]*subscription
	inProcess bool
	address   string
	dying     bool
}

// Client is the asynchronous RPC client engine. Create with New; methods are
// safe to call from any goroutine.
type Client struct {
	logger *zap.Logger
	shared *util.AtomicData[sharedData]

	// lifecycle serializes ChangeServer / ChangeServerInProcess / Kill so two
	// teardown-and-spin-up sequences cannot interleave.
	lifecycle sync.Mutex

	nextHandleID uint64 // guarded by shared

	// Worker-only bookkeeping for the state watchdog.
	firstReady    bool
	watchFailures int
}

// New creates a Client. No channel exists until ChangeServer is called.
func New(logger *zap.Logger) *Client {
	return &Client{
		logger: logger.Named("client"),
		shared: util.NewAtomicData(sharedData{
			calls:   make(map[uint64]*unaryCall),
			streams: make(map[uuid.UUID]*subscription),
		}),
	}
}

// ChangeServer tears down any previous channel (and its streams) and connects
// to address. onStateChange is invoked every time the three-valued connection
// state changes: from the engine worker goroutine, except that a change seen
// while the channel is created is reported by ChangeServer itself before it
// returns. Registered streams survive the
// change and restart once the new channel connects.
func (c *Client) ChangeServer(address string, onStateChange StateCallback) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.changeServerLocked(address, onStateChange)
}

func (c *Client) changeServerLocked(address string, onStateChange StateCallback) error {
	if err := c.killLocked(false); err != nil {
		c.logger.Warn("teardown of previous channel reported errors", zap.Error(err))
	}

	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(math.MaxInt32)),
	)
	if err != nil {
		return fmt.Errorf("client: failed to create channel to %s: %w", address, err)
	}

	sess := newSession()
	c.firstReady = false
	c.watchFailures = 0

	var (
		changed bool
		mapped  State
	)
	c.shared.Use(func(d *sharedData) {
		d.sess = sess
		d.conn = conn
		d.dying = false
		d.inProcess = false
		d.address = address

		// Leave idle immediately so the state machine starts moving.
		conn.Connect()
		st := conn.GetState()
		mapped = toClientState(st)
		changed = mapped != toClientState(d.connState)
		d.connState = st

		c.armStateWatch(d, initialConnectDeadline)
	})

	if changed {
		c.reportTransition(mapped, onStateChange)
	}

	c.logger.Info("channel created", zap.String("address", address))
	go c.run(sess, onStateChange)
	return nil
}

// ChangeServerInProcess tears down any previous channel and connects through
// dialer to a server in the same process. No state transitions are emitted:
// an in-process channel is considered permanently connected.
func (c *Client) ChangeServerInProcess(dialer func(context.Context, string) (net.Conn, error)) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.changeServerInProcessLocked(dialer)
}

func (c *Client) changeServerInProcessLocked(dialer func(context.Context, string) (net.Conn, error)) error {
	if err := c.killLocked(false); err != nil {
		c.logger.Warn("teardown of previous channel reported errors", zap.Error(err))
	}

	conn, err := grpc.NewClient(
		"passthrough:///"+inProcessAddress,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(math.MaxInt32)),
	)
	if err != nil {
		return fmt.Errorf("client: failed to create in-process channel: %w", err)
	}

	sess := newSession()

	var toStart []*subscription
	c.shared.Use(func(d *sharedData) {
		d.sess = sess
		d.conn = conn
		d.dying = false
		d.inProcess = true
		d.address = inProcessAddress
		// No connectivity watch: the server runs in the same process.
		d.connState = connectivity.Ready
		for _, s := range d.streams {
			toStart = append(toStart, s)
		}
	})

	for _, s := range toStart {
		c.startStream(s)
	}

	c.logger.Info("in-process channel created")
	go c.run(sess, nil)
	return nil
}

// Kill stops all streams, cancels outstanding calls, drops the channel, and
// joins the worker. Every outstanding handle receives its terminal callback
// before Kill returns.
func (c *Client) Kill() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.killLocked(true)
}

// killLocked tears down the current channel. With final set (Kill) every
// registered stream is terminated and forgotten; otherwise (ChangeServer)
// running streams are paused and stay registered for the next channel.
func (c *Client) killLocked(final bool) error {
	var (
		sess    *session
		streams []*subscription
		paused  []chan struct{}
	)
	c.shared.Use(func(d *sharedData) {
		sess = d.sess
		d.dying = true
		for _, s := range d.streams {
			streams = append(streams, s)
			if !final && s.running {
				paused = append(paused, s.done)
			}
		}
		if final {
			d.streams = make(map[uuid.UUID]*subscription)
		}
	})
	c.shared.NotifyAll()

	for _, s := range streams {
		if final {
			c.terminateStream(s)
		} else {
			c.pauseStream(s)
		}
	}
	for _, done := range paused {
		<-done
	}

	if sess != nil {
		// Cancelling the session context unblocks in-flight unary invokes and
		// the state watcher; each pushes its completion, the worker drains
		// them, and the registry empties.
		sess.cancel()
		c.shared.WaitToUse(func(d *sharedData) bool {
			return len(d.calls) == 0 && sess.registry.Len() == 0
		}, func(*sharedData) {})

		sess.queue.Close()
		<-sess.workerDone
	}

	var err error
	c.shared.Use(func(d *sharedData) {
		if d.conn != nil {
			err = multierr.Append(err, d.conn.Close())
			d.conn = nil
		}
		d.sess = nil
		d.connState = connectivity.Shutdown
		d.inProcess = false
	})
	return err
}

// State returns the current three-valued connection state.
func (c *Client) State() State {
	var st connectivity.State
	c.shared.Use(func(d *sharedData) { st = d.connState })
	return toClientState(st)
}

// ServerAddress returns the address passed to ChangeServer, or "In-Process"
// for an in-process channel.
func (c *Client) ServerAddress() string {
	var addr string
	c.shared.Use(func(d *sharedData) { addr = d.address })
	return addr
}

// UsingInProcessServer reports whether the current channel is in-process.
func (c *Client) UsingInProcessServer() bool {
	var inProc bool
	c.shared.Use(func(d *sharedData) { inProc = d.inProcess })
	return inProc
}

// UseStub invokes f with the connection while the engine lock is held, but
// only if the channel is currently connected. Returns whether f ran. This is
// the synchronous call path: f typically wraps the connection in a generated
// stub and issues a blocking RPC.
func (c *Client) UseStub(f func(grpc.ClientConnInterface)) bool {
	ran := false
	c.shared.Use(func(d *sharedData) {
		if d.conn != nil && !d.dying && toClientState(d.connState) == Connected {
			ran = true
			f(d.conn)
		}
	})
	return ran
}

func newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		queue:      util.NewBlockingQueue[completion](),
		registry:   tags.NewRegistry(),
		ctx:        ctx,
		cancel:     cancel,
		workerDone: make(chan struct{}),
	}
}

// armStateWatch mints a connection-change token and starts a watcher that
// reports the next state change (or deadline expiry) through the completion
// queue. Caller must hold the shared cell.
func (c *Client) armStateWatch(d *sharedData, deadline time.Duration) {
	tok := d.sess.registry.Mint(0, tags.ClientConnectionChange)
	metrics.TagsMinted.WithLabelValues(tags.ClientConnectionChange.String()).Inc()
	go watchStateChange(d.sess, d.conn, tok, d.connState, deadline)
}

func watchStateChange(sess *session, conn *grpc.ClientConn, tok tags.Token, from connectivity.State, deadline time.Duration) {
	ctx, cancel := context.WithTimeout(sess.ctx, deadline)
	defer cancel()
	changed := conn.WaitForStateChange(ctx, from)
	sess.queue.PushBack(completion{token: tok, ok: changed})
}

// run is the engine worker: the sole consumer of the completion queue. It
// redeems each token and dispatches on the tag kind.
func (c *Client) run(sess *session, onStateChange StateCallback) {
	defer close(sess.workerDone)
	for {
		comp, ok := sess.queue.PopFront()
		if !ok {
			return
		}
		tag := sess.registry.Redeem(comp.token)
		metrics.TagsRedeemed.WithLabelValues(tag.Kind.String()).Inc()

		switch tag.Kind {
		case tags.ClientConnectionChange:
			c.onConnectionChange(sess, comp.ok, onStateChange)
		case tags.ClientFinished:
			c.onUnaryFinished(tag.Owner)
		default:
			c.logger.Error("protocol violation: server tag on client queue",
				zap.Stringer("kind", tag.Kind),
				zap.Uint64("owner", tag.Owner),
			)
			panic(fmt.Sprintf("client: protocol violation: %v tag on client completion queue", tag.Kind))
		}
	}
}

// onConnectionChange re-queries the channel state after a watch completes,
// collapses the result into the three-valued model, starts or stops streams
// on transitions through Connected, and re-arms the watchdog.
func (c *Client) onConnectionChange(sess *session, ok bool, onStateChange StateCallback) {
	var (
		changed bool
		mapped  State
		toStart []*subscription
		toPause []*subscription
	)
	c.shared.Use(func(d *sharedData) {
		if d.conn != nil && !d.dying {
			if ok {
				c.watchFailures = 0
				old := toClientState(d.connState)
				st := d.conn.GetState()
				if st == connectivity.Idle {
					// Keep dialing: idle channels make no progress on their own.
					d.conn.Connect()
				}
				d.connState = st
				mapped = toClientState(st)
				changed = mapped != old

				if changed {
					if mapped == Connected {
						c.firstReady = true
						for _, s := range d.streams {
							if !s.running && !s.terminal {
								toStart = append(toStart, s)
							}
						}
					} else {
						for _, s := range d.streams {
							if s.running {
								toPause = append(toPause, s)
							}
						}
					}
				}
			} else {
				c.watchFailures++
				if c.watchFailures >= watchFailureDiagnostic {
					c.logger.Warn("state watch keeps expiring without any observation; channel may be dead",
						zap.Int("consecutive_expiries", c.watchFailures),
						zap.String("address", d.address),
					)
					c.watchFailures = 0
				}
			}

			deadline := steadyStateDeadline
			if !c.firstReady {
				deadline = initialConnectDeadline
			}
			c.armStateWatch(d, deadline)
		} else if toClientState(d.connState) != NotConnected {
			// Channel already dropped but the visible state has not caught
			// up. Synthesize the final transition.
			d.connState = connectivity.Shutdown
			mapped = NotConnected
			changed = true
		}
	})
	c.shared.NotifyAll()

	for _, s := range toPause {
		c.pauseStream(s)
	}
	for _, s := range toStart {
		c.startStream(s)
	}
	if changed {
		c.reportTransition(mapped, onStateChange)
	}
}

func (c *Client) reportTransition(s State, onStateChange StateCallback) {
	metrics.StateTransitions.WithLabelValues(s.String()).Inc()
	c.logger.Debug("connection state changed", zap.Stringer("state", s))
	if onStateChange != nil {
		onStateChange(s)
	}
}
