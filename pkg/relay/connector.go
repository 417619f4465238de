package relay

import (
	"go.brendoncarroll.net/stdctx/logctx"

	"go.interpose.dev/interpose/pkg/channel"
	"go.interpose.dev/interpose/pkg/eventloop"
)

// outboundOptions are the same for every outbound channel.
func outboundOptions() channel.Options {
	opts := channel.DefaultOptions()
	opts.ConnectTimeout = OutboundConnectTimeout
	opts.KeepAlive = true
	opts.AllowHalfClosure = true
	return opts
}

// startConnector begins establishing the outbound channel.
// It runs at most once per relay, on the inbound loop.
func (ep *Endpoint) startConnector() {
	r := ep.relay
	if !r.state.CompareAndSwap(int32(NotStarted), int32(Pending)) {
		return
	}
	req := ep.target
	// nothing more is read until the pending messages have been handed to the outbound channel
	ep.ch.SetAutoRead(false)

	tr, loop, err := r.selectTransport(ep.ch)
	if err != nil {
		r.state.Store(int32(Failed))
		req.Promise.Fail(err)
		ep.fail(err)
		return
	}
	logctx.Debugf(r.bgCtx, "relay: %s channel %s connecting to %v over %s", ep.side, ep.ch.ID(), req.Target, tr.Class())
	b := channel.Bootstrap{
		Background: r.bgCtx,
		Transport:  tr,
		Loop:       loop,
		Options:    outboundOptions(),
		Init: func(out *channel.Channel) error {
			out.SetAutoRead(false)
			link := SessionLink{
				InboundID:  ep.ch.ID(),
				OutboundID: out.ID(),
				Local:      out.LocalAddr(),
				Target:     req.Target,
			}
			r.controller.LinkChannels(link)
			if ep.graph != nil {
				if init := ep.graph.ClientInitializer(link); init != nil {
					if err := init(out); err != nil {
						return err
					}
				}
			}
			_, err := r.Attach(out, Attachment{})
			return err
		},
	}
	_, fut := b.Connect(req.Target)
	fut.OnDone(func(out *channel.Channel, err error) {
		if err != nil {
			req.Promise.Fail(err)
		} else {
			req.Promise.Succeed(out)
		}
		ep.post(func() {
			if err != nil {
				ep.connectFailed(err)
			} else {
				ep.connected()
			}
		})
	})
}

// selectTransport picks the outbound transport and the loop to run it on.
// The outbound channel shares the inbound channel's loop, so the classes must agree.
func (r *Relay) selectTransport(in *channel.Channel) (channel.Transport, *eventloop.Loop, error) {
	under := underlying(in)
	class := r.outboundClass
	if class == "" {
		class = under.Class()
	}
	if class != under.Class() {
		return nil, nil, TransportMismatchError{Inbound: under.Class(), Outbound: class}
	}
	tr, err := r.transports.Get(class)
	if err != nil {
		return nil, nil, TransportMismatchError{Inbound: under.Class(), Outbound: class}
	}
	return tr, under.Loop(), nil
}

// underlying unwraps proxy and sub-channel wrappers down to the channel which owns the real transport.
func underlying(ch *channel.Channel) *channel.Channel {
	if p := ch.Proxied(); p != nil {
		ch = p
	}
	if p := ch.Parent(); p != nil {
		ch = p
	}
	return ch
}

// connected runs on the inbound loop once the outbound channel is established.
func (ep *Endpoint) connected() {
	r := ep.relay
	peer := ep.Peer()
	if peer == nil || !ep.ch.IsOpen() {
		r.state.Store(int32(Failed))
		ep.closeBoth()
		return
	}
	r.state.Store(int32(Established))
	pending := ep.pending
	ep.pending = nil
	ep.ready = true
	for _, msg := range pending {
		ep.forward(msg)
	}
	peer.post(peer.ch.Flush)
	if ep.eofPending {
		ep.eofPending = false
		ep.shutdownPeerOutput()
	}
	ep.ch.SetAutoRead(true)
	peer.post(func() { peer.ch.SetAutoRead(true) })
}

// connectFailed runs on the inbound loop. The outbound channel has already been closed.
func (ep *Endpoint) connectFailed(err error) {
	ep.relay.state.Store(int32(Failed))
	ep.pending = nil
	if channel.IsErrClosed(err) {
		ep.closeBoth()
		return
	}
	ep.fail(ConnectError{Target: ep.target.Target, Err: err})
}
