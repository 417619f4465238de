// package channel wraps connections so they can be driven by event loops.
//
// A Channel owns a reader and a writer goroutine.
// Everything the goroutines observe is delivered to the channel's Handler
// as a task on the channel's Loop.
package channel

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go.interpose.dev/interpose/internal/netutil"
	"go.interpose.dev/interpose/pkg/eventloop"
	"go.interpose.dev/interpose/pkg/futures"
)

// Wrapper transforms a connection as it is attached to a channel.
type Wrapper = func(net.Conn) (net.Conn, error)

type Params struct {
	Background context.Context
	// ID defaults to a random UUID.
	ID      string
	Class   Class
	Kind    Kind
	Loop    *eventloop.Loop
	Options Options
	// Parent is set for channels multiplexed over another channel.
	Parent *Channel
	// Proxied is set when this channel stands in for another one.
	Proxied *Channel
}

type Channel struct {
	id      string
	class   Class
	kind    Kind
	loop    *eventloop.Loop
	opts    Options
	parent  *Channel
	proxied *Channel

	ctx context.Context
	cf  context.CancelFunc
	eg  errgroup.Group

	mu             sync.Mutex
	handler        Handler
	wrappers       []Wrapper
	conn           net.Conn
	pconn          net.PacketConn
	remote         net.Addr
	started        bool
	closed         bool
	inputShutdown  bool
	outputShutdown bool
	autoRead       bool
	autoReadWake   chan struct{}
	unflushed      []*writeOp
	pendingBytes   int
	unwritable     bool

	writeQ   netutil.Queue[*writeOp]
	closeFut *futures.Future[struct{}]
}

// New creates a channel with no connection attached.
func New(params Params) *Channel {
	if params.Loop == nil {
		panic("channel: Loop is required")
	}
	bgCtx := params.Background
	if bgCtx == nil {
		bgCtx = context.Background()
	}
	id := params.ID
	if id == "" {
		id = uuid.New().String()
	}
	ctx, cf := context.WithCancel(bgCtx)
	return &Channel{
		id:      id,
		class:   params.Class,
		kind:    params.Kind,
		loop:    params.Loop,
		opts:    params.Options.withDefaults(),
		parent:  params.Parent,
		proxied: params.Proxied,

		ctx: ctx,
		cf:  cf,

		autoRead:     true,
		autoReadWake: make(chan struct{}),
		closeFut:     futures.New[struct{}](),
	}
}

// FromConn creates a channel with conn already attached.
func FromConn(params Params, conn net.Conn) (*Channel, error) {
	ch := New(params)
	if err := ch.Attach(conn); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) Class() Class {
	return c.class
}

func (c *Channel) Kind() Kind {
	return c.kind
}

func (c *Channel) Loop() *eventloop.Loop {
	return c.loop
}

func (c *Channel) Options() Options {
	return c.opts
}

func (c *Channel) Parent() *Channel {
	return c.parent
}

func (c *Channel) Proxied() *Channel {
	return c.proxied
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel{%s %s}", c.class, c.id)
}

// AddWrapper arranges for w to be applied to the connection when it is attached.
func (c *Channel) AddWrapper(w Wrapper) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil || c.pconn != nil {
		return ErrAlreadyAttached
	}
	c.wrappers = append(c.wrappers, w)
	return nil
}

// Attach sets the connection the channel will read from and write to.
// On success the channel owns conn.
func (c *Channel) Attach(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil || c.pconn != nil {
		return ErrAlreadyAttached
	}
	for _, w := range c.wrappers {
		wrapped, err := w(conn)
		if err != nil {
			return err
		}
		conn = wrapped
	}
	c.conn = conn
	return nil
}

// AttachPacket sets a packet connection for a datagram channel.
// If remote is nil, it is learned from the first datagram received.
// Datagrams from any other address are dropped.
func (c *Channel) AttachPacket(pc net.PacketConn, remote net.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil || c.pconn != nil {
		return ErrAlreadyAttached
	}
	c.pconn = pc
	c.remote = remote
	return nil
}

func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Channel) Handler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return NopHandler{}
	}
	return c.handler
}

// Start fires Registered and Active, and begins reading and writing.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil && c.pconn == nil {
		return ErrNotAttached
	}
	if c.started {
		return nil
	}
	c.started = true
	c.fire(func(h Handler) {
		h.Registered(c)
		h.Active(c)
	})
	c.eg.Go(func() error { return c.readLoop(c.ctx) })
	c.eg.Go(func() error { return c.writeLoop(c.ctx) })
	return nil
}

// Close closes the connection and fails any writes which have not completed.
// Close is idempotent, every call returns the same future.
func (c *Channel) Close() *futures.Future[struct{}] {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeFut
	}
	c.closed = true
	ops := c.unflushed
	c.unflushed = nil
	ops = append(ops, c.writeQ.Purge()...)
	conn, pconn := c.conn, c.pconn
	if c.started {
		c.fire(func(h Handler) {
			h.Inactive(c)
			h.Unregistered(c)
		})
	}
	c.mu.Unlock()

	c.cf()
	var err error
	switch {
	case conn != nil:
		err = conn.Close()
	case pconn != nil:
		err = pconn.Close()
	}
	for _, op := range ops {
		op.f.Fail(ErrClosed)
	}
	if err != nil && !IsErrClosed(err) {
		c.closeFut.Fail(err)
	} else {
		c.closeFut.Succeed(struct{}{})
	}
	return c.closeFut
}

// Wait blocks until the reader and writer goroutines have exited.
// Call it after Close, from outside the channel's loop.
func (c *Channel) Wait() error {
	return c.eg.Wait()
}

// CloseFuture completes when the channel has been closed.
func (c *Channel) CloseFuture() *futures.Future[struct{}] {
	return c.closeFut
}

func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// IsActive is true when the channel is started and open.
func (c *Channel) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.closed
}

// IsDuplex is true if the output can be shutdown independently of the input.
func (c *Channel) IsDuplex() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conn.(halfCloser)
	return ok
}

func (c *Channel) IsInputShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputShutdown
}

func (c *Channel) IsOutputShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputShutdown
}

// IsShutdown is true when both the input and the output have been shutdown.
func (c *Channel) IsShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputShutdown && c.outputShutdown
}

func (c *Channel) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.conn != nil:
		return c.conn.LocalAddr()
	case c.pconn != nil:
		return c.pconn.LocalAddr()
	default:
		return nil
	}
}

func (c *Channel) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.RemoteAddr()
	}
	return c.remote
}

func (c *Channel) AutoRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoRead
}

// SetAutoRead pauses or resumes reading.
// A read which is already in progress when reading is paused will still be delivered.
func (c *Channel) SetAutoRead(yes bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoRead == yes {
		return
	}
	c.autoRead = yes
	if yes {
		close(c.autoReadWake)
		c.autoReadWake = make(chan struct{})
	}
}

// FireUserEvent delivers ev to the handler on the channel's loop.
func (c *Channel) FireUserEvent(ev any) {
	c.fire(func(h Handler) { h.UserEvent(c, ev) })
}

func (c *Channel) fire(fn func(h Handler)) {
	_ = c.loop.Execute(func() {
		fn(c.Handler())
	})
}

type halfCloser interface {
	CloseWrite() error
}
