// package relay joins an inbound channel to an outbound channel and moves data between them.
//
// A Relay is created for a single proxied session.
// The first channel attached is the inbound side.
// The outbound side is established on demand by the Relay itself, once the target is known.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"go.interpose.dev/interpose/pkg/channel"
	"go.interpose.dev/interpose/pkg/futures"
)

// OutboundConnectTimeout is applied to every outbound connection.
const OutboundConnectTimeout = 10 * time.Second

type ConnectState int32

const (
	NotStarted = ConnectState(iota)
	Pending
	Established
	Failed
)

func (s ConnectState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Pending:
		return "pending"
	case Established:
		return "established"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectState(%d)", s)
	}
}

type Side uint8

const (
	SideInbound = Side(iota)
	SideOutbound
)

func (s Side) String() string {
	if s == SideInbound {
		return "inbound"
	}
	return "outbound"
}

// ConnectRequest is a resolved target and the promise to complete once the outbound channel is established.
type ConnectRequest struct {
	Target  net.Addr
	Promise *futures.Future[*channel.Channel]
}

func NewConnectRequest(target net.Addr) *ConnectRequest {
	return &ConnectRequest{
		Target:  target,
		Promise: futures.New[*channel.Channel](),
	}
}

// ResolveTarget tells the relay handling ch where to connect.
// It is how protocol decoders hand over a target they discovered in the stream.
func ResolveTarget(ch *channel.Channel, req *ConnectRequest) {
	ch.FireUserEvent(req)
}

// SessionLink records which inbound channel an outbound channel was created for.
type SessionLink struct {
	InboundID  string
	OutboundID string
	Local      net.Addr
	Target     net.Addr
}

type ExceptionEvent struct {
	Side      Side
	ChannelID string
	Kind      Kind
	Err       error
}

// Controller observes relays.
// Its methods are called from event loops and must not block.
type Controller interface {
	LinkChannels(link SessionLink)
	ExceptionCaught(ev ExceptionEvent)
}

type NopController struct{}

func (NopController) LinkChannels(SessionLink) {}
func (NopController) ExceptionCaught(ExceptionEvent) {}

// Graph supplies the initializer for outbound channels.
type Graph interface {
	// ClientInitializer is called once per outbound channel, after link has been reported.
	// It may return nil.
	ClientInitializer(link SessionLink) channel.Initializer
}

// GraphFunc adapts a function to a Graph.
type GraphFunc func(link SessionLink) channel.Initializer

func (f GraphFunc) ClientInitializer(link SessionLink) channel.Initializer {
	return f(link)
}

// Attachment is what the collaborators upstream of the relay know about a channel as it is attached.
type Attachment struct {
	Target *ConnectRequest
	Graph  Graph
}

type Params struct {
	Background context.Context
	Controller Controller
	// Transports defaults to channel.DefaultTransports()
	Transports channel.Transports
	// OutboundClass is the transport used for the outbound side.
	// If empty the inbound channel's class is used.
	OutboundClass channel.Class
}

// Relay is a pair of endpoints.
type Relay struct {
	bgCtx         context.Context
	controller    Controller
	transports    channel.Transports
	outboundClass channel.Class

	state atomic.Int32

	mu       sync.Mutex
	inbound  *Endpoint
	outbound *Endpoint
}

func New(params Params) *Relay {
	r := &Relay{
		bgCtx:         params.Background,
		controller:    params.Controller,
		transports:    params.Transports,
		outboundClass: params.OutboundClass,
	}
	if r.bgCtx == nil {
		r.bgCtx = context.Background()
	}
	if r.controller == nil {
		r.controller = NopController{}
	}
	if r.transports == nil {
		r.transports = channel.DefaultTransports()
	}
	return r
}

// NewPair creates a relay which joins two channels which are both already established.
func NewPair(params Params, a, b *channel.Channel) *Relay {
	r := New(params)
	r.mu.Lock()
	r.inbound = newEndpoint(r, SideInbound, a, Attachment{})
	r.outbound = newEndpoint(r, SideOutbound, b, Attachment{})
	r.inbound.ready = true
	r.link(r.inbound, r.outbound)
	r.state.Store(int32(Established))
	r.mu.Unlock()

	a.SetHandler(r.inbound)
	b.SetHandler(r.outbound)
	return r
}

// Attach binds ch to the relay and makes the relay ch's handler.
// The first channel attached is inbound, the second outbound.
// Attaching a third channel is a ConfigurationError.
// If att has a target, the outbound side starts connecting immediately.
func (r *Relay) Attach(ch *channel.Channel, att Attachment) (*Endpoint, error) {
	r.mu.Lock()
	var ep *Endpoint
	switch {
	case r.inbound == nil:
		ep = newEndpoint(r, SideInbound, ch, att)
		r.inbound = ep
	case r.outbound == nil:
		ep = newEndpoint(r, SideOutbound, ch, att)
		r.outbound = ep
		r.link(r.inbound, ep)
	default:
		r.mu.Unlock()
		return nil, ConfigurationError{Reason: "relay already has two endpoints"}
	}
	r.mu.Unlock()

	ch.SetHandler(ep)
	if ep.side == SideInbound && att.Target != nil {
		ep.post(ep.startConnector)
	}
	return ep, nil
}

func (r *Relay) link(in, out *Endpoint) {
	in.peer.Store(out)
	out.peer.Store(in)
}

// State returns the state of the outbound connection.
func (r *Relay) State() ConnectState {
	return ConnectState(r.state.Load())
}

func (r *Relay) Inbound() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inbound
}

func (r *Relay) Outbound() *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outbound
}

// Close closes both channels and waits for their goroutines to exit.
// It must not be called from a loop.
func (r *Relay) Close() (retErr error) {
	eps := []*Endpoint{r.Inbound(), r.Outbound()}
	for _, ep := range eps {
		if ep != nil {
			ep.ch.Close()
		}
	}
	for _, ep := range eps {
		if ep != nil {
			retErr = multierr.Append(retErr, ep.ch.Wait())
		}
	}
	return retErr
}
