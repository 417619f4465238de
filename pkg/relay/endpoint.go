package relay

import (
	"sync/atomic"

	"go.brendoncarroll.net/stdctx/logctx"

	"go.interpose.dev/interpose/pkg/channel"
	"go.interpose.dev/interpose/pkg/futures"
)

// Endpoint is one side of a Relay.
// It is the Handler for its channel, so everything except peer is only touched on the channel's loop.
type Endpoint struct {
	relay  *Relay
	side   Side
	ch     *channel.Channel
	peer   atomic.Pointer[Endpoint]
	target *ConnectRequest
	graph  Graph

	// ready is set once messages can be forwarded directly.
	// Before that they are held in pending.
	ready      bool
	pending    []channel.Message
	eofPending bool
	// lastWrite completes with the most recent write to ch.
	lastWrite *futures.Future[struct{}]
}

func newEndpoint(r *Relay, side Side, ch *channel.Channel, att Attachment) *Endpoint {
	return &Endpoint{
		relay:     r,
		side:      side,
		ch:        ch,
		target:    att.Target,
		graph:     att.Graph,
		ready:     side == SideOutbound,
		lastWrite: futures.Succeeded(struct{}{}),
	}
}

func (ep *Endpoint) Channel() *channel.Channel {
	return ep.ch
}

func (ep *Endpoint) Side() Side {
	return ep.side
}

func (ep *Endpoint) Relay() *Relay {
	return ep.relay
}

// Peer returns the other endpoint, or nil if the relay has not been paired yet.
func (ep *Endpoint) Peer() *Endpoint {
	return ep.peer.Load()
}

// post runs fn on the endpoint's loop.
func (ep *Endpoint) post(fn func()) {
	if err := ep.ch.Loop().Execute(fn); err != nil {
		logctx.Warnf(ep.relay.bgCtx, "relay: dropping task for %s channel %s: %v", ep.side, ep.ch.ID(), err)
	}
}

func (ep *Endpoint) Registered(ch *channel.Channel) {}

func (ep *Endpoint) Unregistered(ch *channel.Channel) {}

func (ep *Endpoint) Active(ch *channel.Channel) {
	if ep.side == SideInbound && ep.target != nil && ep.relay.State() == NotStarted {
		ep.startConnector()
	}
}

func (ep *Endpoint) UserEvent(ch *channel.Channel, ev any) {
	switch ev := ev.(type) {
	case *ConnectRequest:
		if ep.side != SideInbound {
			ev.Promise.Fail(ConfigurationError{Reason: "target resolved on the outbound side"})
			return
		}
		if ep.target == nil {
			ep.target = ev
		} else if ep.target != ev {
			ev.Promise.Fail(ConfigurationError{Reason: "target already resolved"})
			return
		}
		if ep.relay.State() == NotStarted {
			ep.startConnector()
		}
	case channel.InputShutdownEvent:
		ep.inputShutdown()
	case channel.OutputShutdownEvent:
		ep.closeIfShutdown()
	case channel.InputShutdownReadComplete:
		ep.ch.SetAutoRead(false)
		ep.closeIfShutdown()
	}
}

func (ep *Endpoint) Inactive(ch *channel.Channel) {
	ep.closeBoth()
}

func (ep *Endpoint) ExceptionCaught(ch *channel.Channel, err error) {
	ep.fail(err)
}

var _ channel.Handler = &Endpoint{}
