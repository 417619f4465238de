package channel

import (
	"context"
	"fmt"
	"net"

	"go.interpose.dev/interpose/pkg/eventloop"
	"go.interpose.dev/interpose/pkg/futures"
)

// Initializer prepares a channel before it performs any I/O.
type Initializer = func(ch *Channel) error

// Bootstrap creates outbound channels.
type Bootstrap struct {
	Background context.Context
	Transport  Transport
	Loop       *eventloop.Loop
	Options    Options
	Init       Initializer
}

// Connect creates a channel, runs Init on it, and then, without blocking, either
// dials target (stream transports) or binds an ephemeral local endpoint which sends to target (datagram transports).
// The future completes with the started channel.
// If it fails the channel is closed.
func (b Bootstrap) Connect(target net.Addr) (*Channel, *futures.Future[*Channel]) {
	ch := New(Params{
		Background: b.Background,
		Class:      b.Transport.Class(),
		Kind:       b.Transport.Kind(),
		Loop:       b.Loop,
		Options:    b.Options,
	})
	if b.Init != nil {
		if err := b.Init(ch); err != nil {
			ch.Close()
			return ch, futures.Failed[*Channel](err)
		}
	}
	fut := futures.New[*Channel]()
	go func() {
		if err := b.open(ch, target); err != nil {
			ch.Close()
			fut.Fail(err)
			return
		}
		fut.Succeed(ch)
	}()
	return ch, fut
}

func (b Bootstrap) open(ch *Channel, target net.Addr) error {
	ctx, cf := context.WithTimeout(ch.ctx, ch.opts.ConnectTimeout)
	defer cf()
	switch tr := b.Transport.(type) {
	case StreamTransport:
		conn, err := tr.Dial(ctx, target, ch.opts)
		if err != nil {
			if !ch.IsOpen() {
				return ErrClosed
			}
			return err
		}
		if err := ch.Attach(conn); err != nil {
			conn.Close()
			return err
		}
	case DatagramTransport:
		pc, err := tr.Bind(ctx, ch.opts)
		if err != nil {
			if !ch.IsOpen() {
				return ErrClosed
			}
			return err
		}
		if err := ch.AttachPacket(pc, target); err != nil {
			pc.Close()
			return err
		}
	default:
		return fmt.Errorf("channel: transport %q can neither dial nor bind", b.Transport.Class())
	}
	return ch.Start()
}
