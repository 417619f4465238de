package channel

import "net"

// Message is a unit of data read from, or written to, a channel.
type Message struct {
	Payload []byte
	// Addr is the remote address a datagram came from.
	// It is nil for streams.
	Addr net.Addr
}

// Handler receives a channel's events.
// All of the methods are called on the channel's loop.
type Handler interface {
	Registered(ch *Channel)
	Active(ch *Channel)
	Read(ch *Channel, msg Message)
	ReadComplete(ch *Channel)
	WritabilityChanged(ch *Channel)
	UserEvent(ch *Channel, ev any)
	ExceptionCaught(ch *Channel, err error)
	Inactive(ch *Channel)
	Unregistered(ch *Channel)
}

// InputShutdownEvent is fired when the remote end stops sending and half-closure is allowed.
type InputShutdownEvent struct{}

// InputShutdownReadComplete is fired after InputShutdownEvent once no more reads will be delivered.
type InputShutdownReadComplete struct{}

// OutputShutdownEvent is fired once the output has been shutdown.
type OutputShutdownEvent struct{}

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) Registered(*Channel) {}
func (NopHandler) Active(*Channel) {}
func (NopHandler) Read(*Channel, Message) {}
func (NopHandler) ReadComplete(*Channel) {}
func (NopHandler) WritabilityChanged(*Channel) {}
func (NopHandler) UserEvent(*Channel, any) {}
func (NopHandler) ExceptionCaught(*Channel, error) {}
func (NopHandler) Inactive(*Channel) {}
func (NopHandler) Unregistered(*Channel) {}

var _ Handler = NopHandler{}
