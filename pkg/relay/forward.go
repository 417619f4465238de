package relay

import (
	"go.interpose.dev/interpose/pkg/channel"
)

func (ep *Endpoint) Read(ch *channel.Channel, msg channel.Message) {
	if !ch.IsOpen() {
		return
	}
	if ep.relay.State() == NotStarted {
		if ep.target == nil {
			ep.fail(ConfigurationError{Reason: "read before a target was resolved"})
			return
		}
		ep.startConnector()
	}
	if !ep.ready {
		if ep.relay.State() == Failed {
			return
		}
		ep.pending = append(ep.pending, msg)
		return
	}
	ep.forward(msg)
}

func (ep *Endpoint) ReadComplete(ch *channel.Channel) {
	if !ep.ready {
		return
	}
	if peer := ep.Peer(); peer != nil {
		peer.post(peer.ch.Flush)
	}
}

// WritabilityChanged pauses reading from the peer while ch cannot keep up.
func (ep *Endpoint) WritabilityChanged(ch *channel.Channel) {
	writable := ch.IsWritable()
	if peer := ep.Peer(); peer != nil {
		peer.post(func() { peer.ch.SetAutoRead(writable) })
	}
}

// forward hands msg to the peer's loop to be written.
// Messages posted from one loop are written in the order they were posted.
func (ep *Endpoint) forward(msg channel.Message) {
	peer := ep.Peer()
	peer.post(func() {
		f := peer.ch.Write(msg)
		peer.lastWrite = f
		peer.failOn(f, func(err error) error { return WriteError{Err: err} })
	})
}
