package channel

import (
	"context"
	"fmt"
	"net"

	"github.com/inet256/go-utp"
	"go.uber.org/multierr"
)

type Transport interface {
	Class() Class
	Kind() Kind
}

// StreamTransport connects to a target.
type StreamTransport interface {
	Transport
	Dial(ctx context.Context, target net.Addr, opts Options) (net.Conn, error)
}

// DatagramTransport binds an ephemeral local endpoint, it does not dial.
type DatagramTransport interface {
	Transport
	Bind(ctx context.Context, opts Options) (net.PacketConn, error)
}

type Transports map[Class]Transport

// DefaultTransports returns a transport for every supported class.
func DefaultTransports() Transports {
	ts := Transports{}
	for _, t := range []Transport{TCP(), Unix(), UDP(), UTP()} {
		ts[t.Class()] = t
	}
	return ts
}

func (ts Transports) Get(c Class) (Transport, error) {
	t, exists := ts[c]
	if !exists {
		return nil, fmt.Errorf("channel: no transport for class %q", c)
	}
	return t, nil
}

type netStream struct {
	class   Class
	network string
}

func TCP() StreamTransport {
	return netStream{class: ClassTCP, network: "tcp"}
}

func Unix() StreamTransport {
	return netStream{class: ClassUnix, network: "unix"}
}

func (t netStream) Class() Class { return t.class }

func (t netStream) Kind() Kind { return KindStream }

func (t netStream) Dial(ctx context.Context, target net.Addr, opts Options) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: -1,
	}
	if opts.KeepAlive {
		d.KeepAlive = defaultKeepAlivePeriod
	}
	return d.DialContext(ctx, t.network, target.String())
}

type udpTransport struct{}

func UDP() DatagramTransport {
	return udpTransport{}
}

func (udpTransport) Class() Class { return ClassUDP }

func (udpTransport) Kind() Kind { return KindDatagram }

func (udpTransport) Bind(ctx context.Context, opts Options) (net.PacketConn, error) {
	var lc net.ListenConfig
	return lc.ListenPacket(ctx, "udp", ":0")
}

type utpTransport struct{}

// UTP returns a stream transport which runs uTP over a fresh UDP socket per connection.
func UTP() StreamTransport {
	return utpTransport{}
}

func (utpTransport) Class() Class { return ClassUTP }

func (utpTransport) Kind() Kind { return KindStream }

func (utpTransport) Dial(ctx context.Context, target net.Addr, opts Options) (net.Conn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, err
	}
	s := utp.NewSocket(pc)
	conn, err := s.DialContext(ctx, target)
	if err != nil {
		s.Close()
		pc.Close()
		return nil, err
	}
	return &utpConn{Conn: conn, s: s, pc: pc}, nil
}

// utpConn owns the socket it was dialed from.
type utpConn struct {
	net.Conn
	s  *utp.Socket
	pc net.PacketConn
}

func (c *utpConn) Close() (retErr error) {
	retErr = multierr.Append(retErr, c.Conn.Close())
	retErr = multierr.Append(retErr, c.s.Close())
	if err := c.pc.Close(); err != nil && !IsErrClosed(err) {
		retErr = multierr.Append(retErr, err)
	}
	return retErr
}

// ListenUTP accepts uTP connections on a UDP socket bound to addr.
func ListenUTP(addr string) (net.Listener, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &utpListener{s: utp.NewSocket(pc), pc: pc}, nil
}

type utpListener struct {
	s  *utp.Socket
	pc net.PacketConn
}

func (l *utpListener) Accept() (net.Conn, error) {
	return l.s.Accept()
}

func (l *utpListener) Addr() net.Addr {
	return l.pc.LocalAddr()
}

func (l *utpListener) Close() (retErr error) {
	retErr = multierr.Append(retErr, l.s.Close())
	if err := l.pc.Close(); err != nil && !IsErrClosed(err) {
		retErr = multierr.Append(retErr, err)
	}
	return retErr
}

// ResolveAddr parses addr as an address for the transport class c.
func ResolveAddr(c Class, addr string) (net.Addr, error) {
	switch c {
	case ClassTCP:
		return net.ResolveTCPAddr("tcp", addr)
	case ClassUDP, ClassUTP:
		return net.ResolveUDPAddr("udp", addr)
	case ClassUnix:
		return net.ResolveUnixAddr("unix", addr)
	default:
		return nil, fmt.Errorf("channel: unknown transport class %q", c)
	}
}
