package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.interpose.dev/interpose/pkg/channel"
	"go.interpose.dev/interpose/pkg/eventloop"
	"go.interpose.dev/interpose/pkg/interposetest"
)

const waitFor = 2 * time.Second

func TestAttach(t *testing.T) {
	ctx := interposetest.Context(t)
	loop := newLoop(t, ctx)
	r := New(Params{Background: ctx})
	a, b, c := newChannel(ctx, loop), newChannel(ctx, loop), newChannel(ctx, loop)

	ep1, err := r.Attach(a, Attachment{})
	require.NoError(t, err)
	require.Nil(t, ep1.Peer())
	ep2, err := r.Attach(b, Attachment{})
	require.NoError(t, err)

	require.Equal(t, SideInbound, ep1.Side())
	require.Equal(t, SideOutbound, ep2.Side())
	require.Same(t, ep2, ep1.Peer())
	require.Same(t, ep1, ep2.Peer())
	require.Same(t, a, r.Inbound().Channel())
	require.Same(t, b, r.Outbound().Channel())
	require.Same(t, ep1, a.Handler())

	_, err = r.Attach(c, Attachment{})
	require.True(t, IsErrConfiguration(err))
	require.Equal(t, KindConfiguration, KindOf(err))
	require.Same(t, b, r.Outbound().Channel())
	require.Equal(t, NotStarted, r.State())
}

func TestQueuedWritesDrainInOrder(t *testing.T) {
	l := interposetest.Listen(t)
	accepted := acceptOne(t, l)
	gate := make(chan struct{})
	tr := gatedTransport{StreamTransport: channel.TCP(), gate: gate, dialTo: l.Addr()}
	wl := &writeLog{}
	target := &net.TCPAddr{IP: net.IPv4(93, 184, 216, 34), Port: 80}
	req := NewConnectRequest(target)
	s := newSession(t, Params{Transports: channel.Transports{channel.ClassTCP: tr}}, Attachment{Target: req, Graph: wl.graph()})

	require.Eventually(t, func() bool { return s.relay.State() == Pending }, waitFor, time.Millisecond)
	require.False(t, s.inbound.AutoRead())

	in := s.relay.Inbound()
	done := make(chan struct{})
	s.inbound.Loop().Execute(func() {
		for _, x := range []string{"one", "two", "three"} {
			in.Read(s.inbound, channel.Message{Payload: []byte(x)})
		}
		in.ReadComplete(s.inbound)
		close(done)
	})
	<-done
	require.Empty(t, wl.get())

	close(gate)
	out, err := req.Promise.Await(s.ctx)
	require.NoError(t, err)
	require.Same(t, out, s.relay.Outbound().Channel())

	require.Eventually(t, func() bool { return len(wl.get()) == 3 }, waitFor, time.Millisecond)
	require.Equal(t, []string{"one", "two", "three"}, wl.get())
	require.Eventually(t, func() bool {
		return s.inbound.AutoRead() && out.AutoRead()
	}, waitFor, time.Millisecond)
	require.Equal(t, Established, s.relay.State())

	server := <-accepted
	defer server.Close()
	buf := make([]byte, len("onetwothree"))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	require.Equal(t, "onetwothree", string(buf))

	links := s.ctrl.Links()
	require.Len(t, links, 1)
	require.Equal(t, target, links[0].Target)
	require.Equal(t, s.inbound.ID(), links[0].InboundID)
	require.Equal(t, out.ID(), links[0].OutboundID)
	require.Empty(t, s.ctrl.Exceptions())
}

func TestConnectFailure(t *testing.T) {
	wl := &writeLog{}
	req := NewConnectRequest(interposetest.ClosedAddr(t))
	s := newSession(t, Params{}, Attachment{Target: req, Graph: wl.graph()})

	_, err := req.Promise.Await(s.ctx)
	require.Error(t, err)
	require.Eventually(t, func() bool { return !s.inbound.IsOpen() }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(s.ctrl.Exceptions()) == 1 }, waitFor, time.Millisecond)

	ev := s.ctrl.Exceptions()[0]
	require.Equal(t, KindConnect, ev.Kind)
	require.True(t, IsErrConnect(ev.Err))
	require.Equal(t, s.inbound.ID(), ev.ChannelID)
	require.Len(t, s.ctrl.Links(), 1)
	require.Empty(t, wl.get())
	require.Equal(t, Failed, s.relay.State())

	require.NoError(t, s.client.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = s.client.Read(make([]byte, 1))
	require.Error(t, err)

	time.Sleep(20 * time.Millisecond)
	require.Len(t, s.ctrl.Exceptions(), 1)
}

func TestWriteFailure(t *testing.T) {
	l := interposetest.Listen(t)
	acceptOne(t, l)
	req := NewConnectRequest(l.Addr())
	graph := GraphFunc(func(SessionLink) channel.Initializer {
		return func(ch *channel.Channel) error {
			return ch.AddWrapper(func(c net.Conn) (net.Conn, error) {
				return &failingConn{Conn: c}, nil
			})
		}
	})
	s := newSession(t, Params{}, Attachment{Target: req, Graph: graph})
	out, err := req.Promise.Await(s.ctx)
	require.NoError(t, err)

	_, err = s.client.Write([]byte("doomed"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !s.inbound.IsOpen() && !out.IsOpen()
	}, waitFor, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	exs := s.ctrl.Exceptions()
	require.Len(t, exs, 1)
	require.Equal(t, KindWrite, exs[0].Kind)
	require.Equal(t, SideOutbound, exs[0].Side)
	require.ErrorIs(t, exs[0].Err, errInjected)
}

func TestReadWithoutTarget(t *testing.T) {
	s := newSession(t, Params{}, Attachment{})
	_, err := s.client.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !s.inbound.IsOpen() }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(s.ctrl.Exceptions()) == 1 }, waitFor, time.Millisecond)
	require.Equal(t, KindConfiguration, s.ctrl.Exceptions()[0].Kind)
	require.Empty(t, s.ctrl.Links())
	require.Equal(t, NotStarted, s.relay.State())
}

func TestResolveTarget(t *testing.T) {
	l := interposetest.Listen(t)
	go echoServer(l)
	s := newSession(t, Params{}, Attachment{})

	req := NewConnectRequest(l.Addr())
	ResolveTarget(s.inbound, req)
	out, err := req.Promise.Await(s.ctx)
	require.NoError(t, err)

	_, err = s.client.Write([]byte("echo me"))
	require.NoError(t, err)
	buf := make([]byte, len("echo me"))
	_, err = io.ReadFull(s.client, buf)
	require.NoError(t, err)
	require.Equal(t, "echo me", string(buf))

	// a half close travels through the relay and back
	require.NoError(t, s.client.(*net.TCPConn).CloseWrite())
	rest, err := io.ReadAll(s.client)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Eventually(t, func() bool {
		return !s.inbound.IsOpen() && !out.IsOpen()
	}, waitFor, time.Millisecond)
	require.Empty(t, s.ctrl.Exceptions())
}

func TestEOFBeforeConnect(t *testing.T) {
	l := interposetest.Listen(t)
	accepted := acceptOne(t, l)
	gate := make(chan struct{})
	tr := gatedTransport{StreamTransport: channel.TCP(), gate: gate}
	req := NewConnectRequest(l.Addr())
	s := newSession(t, Params{Transports: channel.Transports{channel.ClassTCP: tr}}, Attachment{Target: req})

	_, err := s.client.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, s.client.(*net.TCPConn).CloseWrite())
	time.Sleep(20 * time.Millisecond)
	close(gate)

	server := <-accepted
	data, err := io.ReadAll(server)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	_, err = server.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, server.Close())
	data, err = io.ReadAll(s.client)
	require.NoError(t, err)
	require.Equal(t, "bye", string(data))

	out := s.relay.Outbound().Channel()
	require.Eventually(t, func() bool {
		return !s.inbound.IsOpen() && !out.IsOpen()
	}, waitFor, time.Millisecond)
	require.Empty(t, s.ctrl.Exceptions())
}

func TestInactiveClosesBoth(t *testing.T) {
	l := interposetest.Listen(t)
	accepted := acceptOne(t, l)
	req := NewConnectRequest(l.Addr())
	s := newSession(t, Params{}, Attachment{Target: req})
	out, err := req.Promise.Await(s.ctx)
	require.NoError(t, err)
	server := <-accepted

	s.inbound.Close()
	require.Eventually(t, func() bool { return !out.IsOpen() }, waitFor, time.Millisecond)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = server.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, s.relay.Close())
	require.NoError(t, s.relay.Close())
	require.NoError(t, out.Wait())
	require.Empty(t, s.ctrl.Exceptions())
}

func TestCloseDoesNotWaitForStuckWrite(t *testing.T) {
	ctx := interposetest.Context(t)
	loop := newLoop(t, ctx)
	aConn, aRemote := net.Pipe()
	bConn, bRemote := net.Pipe()
	t.Cleanup(func() {
		aRemote.Close()
		bRemote.Close()
	})
	a := newConnChannel(t, ctx, loop, aConn, channel.DefaultOptions())
	b := newConnChannel(t, ctx, loop, bConn, channel.DefaultOptions())
	ctrl := &testController{}
	NewPair(Params{Background: ctx, Controller: ctrl}, a, b)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	// nothing reads from aRemote, so the write forwarded to a never completes
	_, err := bRemote.Write([]byte("stuck"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bRemote.Close())

	require.Eventually(t, func() bool { return !b.IsOpen() }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return !a.IsOpen() }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, ctrl.Exceptions())
}

func TestCaughtFaultClosesBoth(t *testing.T) {
	ctx := interposetest.Context(t)
	loop := newLoop(t, ctx)
	aConn, aRemote := net.Pipe()
	bConn, bRemote := net.Pipe()
	t.Cleanup(func() {
		aRemote.Close()
		bRemote.Close()
	})
	a := newConnChannel(t, ctx, loop, &faultyConn{Conn: aConn}, channel.DefaultOptions())
	b := newConnChannel(t, ctx, loop, bConn, channel.DefaultOptions())
	ctrl := &testController{}
	NewPair(Params{Background: ctx, Controller: ctrl}, a, b)
	require.NoError(t, b.Start())
	require.NoError(t, a.Start())

	require.Eventually(t, func() bool {
		return !a.IsOpen() && !b.IsOpen()
	}, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	exs := ctrl.Exceptions()
	require.Len(t, exs, 1)
	require.Equal(t, KindException, exs[0].Kind)
	require.Equal(t, SideInbound, exs[0].Side)
	require.Equal(t, a.ID(), exs[0].ChannelID)
	require.ErrorIs(t, exs[0].Err, errReadFault)
}

func TestShutdownFailureClosesBoth(t *testing.T) {
	ctx := interposetest.Context(t)
	loop := newLoop(t, ctx)
	aRemote, aConn := interposetest.Pipe(t)
	bRemote, bConn := interposetest.Pipe(t)
	a := newConnChannel(t, ctx, loop, &closeWriteFailConn{Conn: aConn}, channel.DefaultOptions())
	b := newConnChannel(t, ctx, loop, bConn, channel.DefaultOptions())
	require.True(t, a.IsDuplex())
	ctrl := &testController{}
	NewPair(Params{Background: ctx, Controller: ctrl}, a, b)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	// b's input ends, so a's output is shut down, which fails
	require.NoError(t, bRemote.(*net.TCPConn).CloseWrite())
	require.Eventually(t, func() bool {
		return !a.IsOpen() && !b.IsOpen()
	}, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	exs := ctrl.Exceptions()
	require.Len(t, exs, 1)
	require.Equal(t, KindShutdown, exs[0].Kind)
	require.Equal(t, SideInbound, exs[0].Side)
	require.Equal(t, a.ID(), exs[0].ChannelID)
	require.ErrorIs(t, exs[0].Err, errCloseWrite)

	require.NoError(t, aRemote.SetReadDeadline(time.Now().Add(waitFor)))
	_, err := aRemote.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestSecondTargetRejected(t *testing.T) {
	tr := gatedTransport{StreamTransport: channel.TCP(), gate: make(chan struct{})}
	first := NewConnectRequest(interposetest.ClosedAddr(t))
	s := newSession(t, Params{Transports: channel.Transports{channel.ClassTCP: tr}}, Attachment{Target: first})
	require.Eventually(t, func() bool { return s.relay.State() == Pending }, waitFor, time.Millisecond)

	second := NewConnectRequest(interposetest.ClosedAddr(t))
	ResolveTarget(s.inbound, second)
	ctx, cf := context.WithTimeout(s.ctx, waitFor)
	defer cf()
	_, err := second.Promise.Await(ctx)
	require.True(t, IsErrConfiguration(err))

	// the same request again is not a conflict
	ResolveTarget(s.inbound, first)
	time.Sleep(20 * time.Millisecond)
	require.False(t, first.Promise.IsDone())
	require.Equal(t, Pending, s.relay.State())
	require.True(t, s.inbound.IsOpen())
	require.Empty(t, s.ctrl.Exceptions())
}

func TestWritabilityMirror(t *testing.T) {
	ctx := interposetest.Context(t)
	loop := newLoop(t, ctx)
	aConn, aRemote := net.Pipe()
	bConn, bRemote := net.Pipe()
	t.Cleanup(func() {
		aRemote.Close()
		bRemote.Close()
	})
	opts := channel.DefaultOptions()
	opts.LowWaterMark = 2
	opts.HighWaterMark = 4
	a := newConnChannel(t, ctx, loop, aConn, opts)
	b := newConnChannel(t, ctx, loop, bConn, opts)
	r := NewPair(Params{Background: ctx}, a, b)
	require.Equal(t, Established, r.State())
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	for _, x := range []struct {
		full, other *channel.Channel
		remote      net.Conn
	}{
		{full: a, other: b, remote: aRemote},
		{full: b, other: a, remote: bRemote},
	} {
		x.full.WriteAndFlush(channel.Message{Payload: []byte("0123456789")})
		require.Eventually(t, func() bool { return !x.other.AutoRead() }, waitFor, time.Millisecond)
		require.True(t, x.full.AutoRead())

		_, err := io.ReadFull(x.remote, make([]byte, 10))
		require.NoError(t, err)
		require.Eventually(t, func() bool { return x.other.AutoRead() }, waitFor, time.Millisecond)
	}
}

func TestDatagramBind(t *testing.T) {
	ctx := interposetest.Context(t)
	loop := newLoop(t, ctx)
	target := listenUDP(t)
	front := listenUDP(t)
	client := listenUDP(t)

	in := channel.New(channel.Params{
		Background: ctx,
		Class:      channel.ClassUDP,
		Kind:       channel.KindDatagram,
		Loop:       loop,
	})
	require.NoError(t, in.AttachPacket(front, nil))
	ctrl := &testController{}
	r := New(Params{Background: ctx, Controller: ctrl})
	t.Cleanup(func() { r.Close() })
	req := NewConnectRequest(target.LocalAddr())
	_, err := r.Attach(in, Attachment{Target: req})
	require.NoError(t, err)
	require.NoError(t, in.Start())

	out, err := req.Promise.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, channel.KindDatagram, out.Kind())
	outPort := out.LocalAddr().(*net.UDPAddr).Port
	require.NotZero(t, outPort)

	// binding does not send anything to the target
	buf := make([]byte, 64)
	require.NoError(t, target.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err = target.ReadFrom(buf)
	require.Error(t, err)

	_, err = client.WriteTo([]byte("ping"), front.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, target.SetReadDeadline(time.Now().Add(waitFor)))
	n, from, err := target.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
	require.Equal(t, outPort, from.(*net.UDPAddr).Port)

	_, err = target.WriteTo([]byte("pong"), from)
	require.NoError(t, err)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(waitFor)))
	n, _, err = client.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))

	require.Len(t, ctrl.Links(), 1)
}

func TestTransportMismatch(t *testing.T) {
	l := interposetest.Listen(t)
	req := NewConnectRequest(l.Addr())
	s := newSession(t, Params{OutboundClass: channel.ClassUDP}, Attachment{Target: req})

	_, err := req.Promise.Await(s.ctx)
	require.True(t, IsErrTransportMismatch(err))
	require.Eventually(t, func() bool { return !s.inbound.IsOpen() }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(s.ctrl.Exceptions()) == 1 }, waitFor, time.Millisecond)
	require.Equal(t, KindTransportMismatch, s.ctrl.Exceptions()[0].Kind)
	require.Empty(t, s.ctrl.Links())
}

func TestUnderlying(t *testing.T) {
	ctx := interposetest.Context(t)
	loop := newLoop(t, ctx)
	base := channel.New(channel.Params{Background: ctx, Class: channel.ClassUTP, Loop: loop})
	sub := channel.New(channel.Params{Background: ctx, Class: "mux", Loop: loop, Parent: base})
	proxy := channel.New(channel.Params{Background: ctx, Class: "proxy", Loop: loop, Proxied: sub})

	require.Same(t, base, underlying(proxy))
	require.Same(t, base, underlying(sub))
	require.Same(t, base, underlying(base))

	r := New(Params{Background: ctx})
	tr, l, err := r.selectTransport(proxy)
	require.NoError(t, err)
	require.Equal(t, channel.ClassUTP, tr.Class())
	require.Same(t, loop, l)
}

type session struct {
	ctx     context.Context
	client  net.Conn
	inbound *channel.Channel
	relay   *Relay
	ctrl    *testController
}

// newSession accepts a TCP connection from a client and attaches it to a new relay.
func newSession(t testing.TB, params Params, att Attachment) *session {
	ctx := interposetest.Context(t)
	loop := newLoop(t, ctx)
	client, server := interposetest.Pipe(t)
	in := newConnChannel(t, ctx, loop, server, channel.DefaultOptions())
	ctrl := &testController{}
	params.Background = ctx
	params.Controller = ctrl
	r := New(params)
	t.Cleanup(func() { r.Close() })
	_, err := r.Attach(in, att)
	require.NoError(t, err)
	require.NoError(t, in.Start())
	return &session{
		ctx:     ctx,
		client:  client,
		inbound: in,
		relay:   r,
		ctrl:    ctrl,
	}
}

func newLoop(t testing.TB, ctx context.Context) *eventloop.Loop {
	loop := eventloop.New(ctx, "test")
	t.Cleanup(func() { loop.Close() })
	return loop
}

func newChannel(ctx context.Context, loop *eventloop.Loop) *channel.Channel {
	return channel.New(channel.Params{Background: ctx, Class: channel.ClassTCP, Loop: loop})
}

func newConnChannel(t testing.TB, ctx context.Context, loop *eventloop.Loop, conn net.Conn, opts channel.Options) *channel.Channel {
	ch, err := channel.FromConn(channel.Params{
		Background: ctx,
		Class:      channel.ClassTCP,
		Kind:       channel.KindStream,
		Loop:       loop,
		Options:    opts,
	}, conn)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func acceptOne(t testing.TB, l net.Listener) <-chan net.Conn {
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	t.Cleanup(func() {
		select {
		case c, ok := <-accepted:
			if ok {
				c.Close()
			}
		default:
		}
	})
	return accepted
}

func echoServer(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			defer c.Close()
			io.Copy(c, c)
		}()
	}
}

func listenUDP(t testing.TB) net.PacketConn {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

type testController struct {
	mu         sync.Mutex
	links      []SessionLink
	exceptions []ExceptionEvent
}

func (c *testController) LinkChannels(link SessionLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links = append(c.links, link)
}

func (c *testController) ExceptionCaught(ev ExceptionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptions = append(c.exceptions, ev)
}

func (c *testController) Links() []SessionLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SessionLink(nil), c.links...)
}

func (c *testController) Exceptions() []ExceptionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ExceptionEvent(nil), c.exceptions...)
}

// gatedTransport holds every dial until gate is closed.
type gatedTransport struct {
	channel.StreamTransport
	gate   chan struct{}
	dialTo net.Addr
}

func (t gatedTransport) Dial(ctx context.Context, target net.Addr, opts channel.Options) (net.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.gate:
	}
	if t.dialTo != nil {
		target = t.dialTo
	}
	return t.StreamTransport.Dial(ctx, target, opts)
}

// writeLog records every write made to the connections it wraps.
type writeLog struct {
	mu     sync.Mutex
	writes []string
}

func (wl *writeLog) graph() Graph {
	return GraphFunc(func(SessionLink) channel.Initializer {
		return func(ch *channel.Channel) error {
			return ch.AddWrapper(func(c net.Conn) (net.Conn, error) {
				return &loggingConn{Conn: c, log: wl}, nil
			})
		}
	})
}

func (wl *writeLog) get() []string {
	wl.mu.Lock()
	defer wl.mu.Unlock()
	return append([]string(nil), wl.writes...)
}

type loggingConn struct {
	net.Conn
	log *writeLog
}

func (c *loggingConn) Write(p []byte) (int, error) {
	c.log.mu.Lock()
	c.log.writes = append(c.log.writes, string(p))
	c.log.mu.Unlock()
	return c.Conn.Write(p)
}

func (c *loggingConn) CloseWrite() error {
	return c.Conn.(*net.TCPConn).CloseWrite()
}

var errInjected = errors.New("injected write failure")

type failingConn struct {
	net.Conn
}

func (c *failingConn) Write(p []byte) (int, error) {
	return 0, errInjected
}

var errReadFault = errors.New("injected read failure")

type faultyConn struct {
	net.Conn
}

func (c *faultyConn) Read(p []byte) (int, error) {
	return 0, errReadFault
}

var errCloseWrite = errors.New("injected close write failure")

type closeWriteFailConn struct {
	net.Conn
}

func (c *closeWriteFailConn) CloseWrite() error {
	return errCloseWrite
}
