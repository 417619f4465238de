package relay

// inputShutdown handles the remote end of ep's channel finishing sending.
func (ep *Endpoint) inputShutdown() {
	if !ep.ready {
		// the pending messages have not been handed to the peer yet
		ep.eofPending = true
		return
	}
	ep.shutdownPeerOutput()
}

// shutdownPeerOutput shuts the peer's output once every write forwarded to it so far has completed.
func (ep *Endpoint) shutdownPeerOutput() {
	peer := ep.Peer()
	if peer == nil {
		return
	}
	peer.post(func() {
		peer.lastWrite.OnDone(func(_ struct{}, err error) {
			peer.post(func() { peer.shutdownOutput(err) })
		})
	})
}

func (ep *Endpoint) shutdownOutput(gateErr error) {
	ch := ep.ch
	if gateErr != nil {
		if ch.IsOpen() {
			ch.Close()
		}
		return
	}
	switch {
	case ch.IsDuplex():
		if !ch.IsOutputShutdown() {
			ep.failOn(ch.ShutdownOutput(), func(err error) error { return ShutdownError{Err: err} })
		}
	case ch.IsOpen():
		ch.Close()
	}
}

// closeIfShutdown closes ep's channel once both of its halves are shut
// and every write it forwarded to the peer has completed.
func (ep *Endpoint) closeIfShutdown() {
	if !ep.ch.IsShutdown() {
		return
	}
	peer := ep.Peer()
	if peer == nil {
		ep.ch.Close()
		return
	}
	peer.post(func() {
		peer.lastWrite.OnDone(func(struct{}, error) {
			ep.post(func() { ep.ch.Close() })
		})
	})
}
