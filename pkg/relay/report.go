package relay

import (
	"go.interpose.dev/interpose/pkg/channel"
	"go.interpose.dev/interpose/pkg/futures"
)

// failOn reports and closes both channels if f fails.
// Failures caused by the relay closing its own channels are not reported.
func (ep *Endpoint) failOn(f *futures.Future[struct{}], wrap func(error) error) {
	f.OnDone(func(_ struct{}, err error) {
		if err == nil {
			return
		}
		ep.post(func() { ep.fail(wrap(err)) })
	})
}

// fail reports err to the controller and closes both channels.
func (ep *Endpoint) fail(err error) {
	if err != nil && !channel.IsErrClosed(err) {
		ep.relay.controller.ExceptionCaught(ExceptionEvent{
			Side:      ep.side,
			ChannelID: ep.ch.ID(),
			Kind:      KindOf(err),
			Err:       err,
		})
	}
	ep.closeBoth()
}

// closeBoth closes ep's channel, then the peer's on the peer's loop.
// It is idempotent.
func (ep *Endpoint) closeBoth() {
	ep.ch.Close()
	peer := ep.Peer()
	if peer == nil {
		return
	}
	peer.post(func() {
		if peer.ch.IsOpen() {
			peer.ch.Close()
		}
	})
}
