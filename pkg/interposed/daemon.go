// package interposed runs relays behind configured listeners.
package interposed

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/multierr"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"go.interpose.dev/interpose/pkg/channel"
	"go.interpose.dev/interpose/pkg/controller"
	"go.interpose.dev/interpose/pkg/eventloop"
	"go.interpose.dev/interpose/pkg/linkstore"
	"go.interpose.dev/interpose/pkg/relay"
)

type ListenerParams struct {
	Class  channel.Class
	Addr   string
	Target net.Addr
	// Outbound is the class used to reach Target. Empty means Class.
	Outbound channel.Class
	// TLS is set to originate TLS on outbound channels.
	TLS *tls.Config
}

type Params struct {
	AdminAddr   string
	Loops       int
	MaxSessions int
	Store       linkstore.Store
	Listeners   []ListenerParams
}

type Daemon struct {
	params Params

	setupDone chan struct{}
	hub       *controller.Hub
	reg       *prometheus.Registry
	active    prometheus.Gauge
	addrs     []net.Addr
	adminAddr net.Addr

	mu       sync.Mutex
	sessions map[*relay.Relay]struct{}
}

func New(p Params) *Daemon {
	if p.Store == nil {
		p.Store = linkstore.NewMemStore(0)
	}
	return &Daemon{
		params:    p,
		setupDone: make(chan struct{}),
		sessions:  make(map[*relay.Relay]struct{}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "interpose",
			Name:      "active_sessions",
			Help:      "Number of sessions with an open inbound channel.",
		}),
	}
}

// Run binds every listener, then serves until ctx is cancelled or a listener fails.
func (d *Daemon) Run(ctx context.Context) (retErr error) {
	defer func() { retErr = multierr.Append(retErr, d.params.Store.Close()) }()

	d.reg = prometheus.NewRegistry()
	d.reg.MustRegister(d.active)
	d.hub = controller.New(controller.Params{
		Background: ctx,
		Store:      d.params.Store,
		Registerer: d.reg,
	})
	defer d.hub.Close()

	groups := map[channel.Class]*eventloop.Group{}
	defer func() {
		d.closeSessions()
		for _, g := range groups {
			retErr = multierr.Append(retErr, g.Close())
		}
	}()

	var servers []func(context.Context) error
	// bound holds what has been bound so far, in case a later listener fails.
	var bound []io.Closer
	closeBound := func(err error) error {
		for _, c := range bound {
			err = multierr.Append(err, c.Close())
		}
		return err
	}
	for _, lp := range d.params.Listeners {
		g, exists := groups[lp.Class]
		if !exists {
			g = eventloop.NewGroup(ctx, string(lp.Class), d.params.Loops)
			groups[lp.Class] = g
		}
		srv, c, err := d.bind(lp, g)
		if err != nil {
			return closeBound(errors.Wrapf(err, "binding %s listener %s", lp.Class, lp.Addr))
		}
		bound = append(bound, c)
		addr := c.Addr()
		logctx.Infof(ctx, "%s listener on %v relaying to %v", lp.Class, addr, lp.Target)
		d.addrs = append(d.addrs, addr)
		servers = append(servers, srv)
	}
	var adminL net.Listener
	if d.params.AdminAddr != "" {
		l, err := net.Listen("tcp", d.params.AdminAddr)
		if err != nil {
			return closeBound(errors.Wrap(err, "admin listener"))
		}
		adminL = l
		d.adminAddr = l.Addr()
	}
	close(d.setupDone)

	eg, ctx := errgroup.WithContext(ctx)
	if adminL != nil {
		eg.Go(func() error {
			return d.runHTTPServer(ctx, adminL)
		})
	}
	for _, srv := range servers {
		srv := srv
		eg.Go(func() error {
			return srv(ctx)
		})
	}
	return eg.Wait()
}

// Addrs returns the bound address of each listener, in the order they were configured.
func (d *Daemon) Addrs(ctx context.Context) ([]net.Addr, error) {
	if err := d.awaitSetup(ctx); err != nil {
		return nil, err
	}
	return d.addrs, nil
}

// AdminAddr returns the address the admin API is served on, or nil if it is disabled.
func (d *Daemon) AdminAddr(ctx context.Context) (net.Addr, error) {
	if err := d.awaitSetup(ctx); err != nil {
		return nil, err
	}
	return d.adminAddr, nil
}

func (d *Daemon) awaitSetup(ctx context.Context) error {
	select {
	case <-d.setupDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// boundListener is a bound listener or packet conn.
type boundListener interface {
	io.Closer
	Addr() net.Addr
}

func (d *Daemon) bind(lp ListenerParams, g *eventloop.Group) (func(context.Context) error, boundListener, error) {
	switch lp.Class {
	case channel.ClassUDP:
		pc, err := net.ListenPacket("udp", lp.Addr)
		if err != nil {
			return nil, nil, err
		}
		return func(ctx context.Context) error {
			return d.serveDatagram(ctx, lp, g, pc)
		}, boundPacketConn{pc}, nil
	default:
		l, err := listen(lp)
		if err != nil {
			return nil, nil, err
		}
		if d.params.MaxSessions > 0 {
			l = netutil.LimitListener(l, d.params.MaxSessions)
		}
		return func(ctx context.Context) error {
			return d.serveStream(ctx, lp, g, l)
		}, l, nil
	}
}

type boundPacketConn struct {
	net.PacketConn
}

func (b boundPacketConn) Addr() net.Addr {
	return b.LocalAddr()
}

func listen(lp ListenerParams) (net.Listener, error) {
	switch lp.Class {
	case channel.ClassTCP:
		return net.Listen("tcp", lp.Addr)
	case channel.ClassUnix:
		return net.Listen("unix", lp.Addr)
	case channel.ClassUTP:
		return channel.ListenUTP(lp.Addr)
	default:
		return nil, errors.Errorf("cannot listen on class %q", lp.Class)
	}
}

// newSession attaches ch to a new relay and starts it.
func (d *Daemon) newSession(ctx context.Context, lp ListenerParams, ch *channel.Channel) error {
	r := relay.New(relay.Params{
		Background:    ctx,
		Controller:    d.hub,
		OutboundClass: lp.Outbound,
	})
	att := relay.Attachment{Target: relay.NewConnectRequest(lp.Target)}
	if lp.TLS != nil {
		att.Graph = tlsGraph(lp.TLS)
	}
	if _, err := r.Attach(ch, att); err != nil {
		ch.Close()
		return err
	}
	d.mu.Lock()
	d.sessions[r] = struct{}{}
	d.mu.Unlock()
	d.active.Inc()
	ch.CloseFuture().OnDone(func(struct{}, error) {
		d.mu.Lock()
		delete(d.sessions, r)
		d.mu.Unlock()
		d.active.Dec()
	})
	return ch.Start()
}

func (d *Daemon) closeSessions() {
	d.mu.Lock()
	rs := make([]*relay.Relay, 0, len(d.sessions))
	for r := range d.sessions {
		rs = append(rs, r)
	}
	d.mu.Unlock()
	for _, r := range rs {
		r.Close()
	}
}

// tlsGraph wraps outbound connections in a TLS client.
func tlsGraph(config *tls.Config) relay.Graph {
	return relay.GraphFunc(func(link relay.SessionLink) channel.Initializer {
		return func(out *channel.Channel) error {
			return out.AddWrapper(func(c net.Conn) (net.Conn, error) {
				return tls.Client(c, config.Clone()), nil
			})
		}
	})
}
