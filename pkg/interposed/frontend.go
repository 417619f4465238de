package interposed

import (
	"context"
	"net"

	"go.brendoncarroll.net/stdctx/logctx"

	"go.interpose.dev/interpose/pkg/channel"
	"go.interpose.dev/interpose/pkg/eventloop"
)

// serveStream accepts connections from l until ctx is cancelled.
// Each connection becomes the inbound channel of a new relay.
func (d *Daemon) serveStream(ctx context.Context, lp ListenerParams, g *eventloop.Group, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ch, err := channel.FromConn(channel.Params{
			Background: ctx,
			Class:      lp.Class,
			Kind:       channel.KindStream,
			Loop:       g.Next(),
			Options:    channel.DefaultOptions(),
		}, conn)
		if err != nil {
			conn.Close()
			logctx.Warnf(ctx, "accepting from %v: %v", conn.RemoteAddr(), err)
			continue
		}
		if err := d.newSession(ctx, lp, ch); err != nil {
			logctx.Warnf(ctx, "starting session for %v: %v", conn.RemoteAddr(), err)
		}
	}
}

// serveDatagram serves one session at a time on a UDP socket.
// The session's peer is the first sender, and the socket is rebound to the same address once the session closes.
func (d *Daemon) serveDatagram(ctx context.Context, lp ListenerParams, g *eventloop.Group, pc net.PacketConn) error {
	addr := pc.LocalAddr().String()
	for {
		ch := channel.New(channel.Params{
			Background: ctx,
			Class:      lp.Class,
			Kind:       channel.KindDatagram,
			Loop:       g.Next(),
			Options:    channel.DefaultOptions(),
		})
		if err := ch.AttachPacket(pc, nil); err != nil {
			pc.Close()
			return err
		}
		if err := d.newSession(ctx, lp, ch); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			ch.Close()
			return nil
		case <-ch.CloseFuture().Done():
		}
		var err error
		if pc, err = net.ListenPacket("udp", addr); err != nil {
			return err
		}
	}
}
