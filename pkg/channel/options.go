package channel

import (
	"fmt"
	"time"
)

// Kind is how a transport moves data.
type Kind uint8

const (
	KindStream = Kind(iota)
	KindDatagram
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindDatagram:
		return "datagram"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Class identifies a transport family.
// Two channels of the same class can share loops.
type Class string

const (
	ClassTCP  = Class("tcp")
	ClassUDP  = Class("udp")
	ClassUnix = Class("unix")
	ClassUTP  = Class("utp")
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadBufferSize = 1 << 15
	DefaultLowWaterMark   = 32 * 1024
	DefaultHighWaterMark  = 64 * 1024

	defaultKeepAlivePeriod = 15 * time.Second
)

type Options struct {
	ConnectTimeout   time.Duration
	KeepAlive        bool
	AllowHalfClosure bool
	ReadBufferSize   int

	// Writability turns off when more than HighWaterMark bytes are waiting to be written,
	// and back on when fewer than LowWaterMark are.
	LowWaterMark  int
	HighWaterMark int
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   DefaultConnectTimeout,
		KeepAlive:        true,
		AllowHalfClosure: true,
		ReadBufferSize:   DefaultReadBufferSize,
		LowWaterMark:     DefaultLowWaterMark,
		HighWaterMark:    DefaultHighWaterMark,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = d.ReadBufferSize
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = d.HighWaterMark
	}
	if o.LowWaterMark <= 0 || o.LowWaterMark > o.HighWaterMark {
		o.LowWaterMark = o.HighWaterMark / 2
	}
	return o
}
