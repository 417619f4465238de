package channel

import (
	"errors"
	"net"
)

var (
	// ErrClosed is returned for operations on a closed channel.
	ErrClosed               = net.ErrClosed
	ErrOutputShutdown       = errors.New("channel: output has been shutdown")
	ErrHalfCloseUnsupported = errors.New("channel: transport does not support half-closure")
	ErrNotAttached          = errors.New("channel: no connection attached")
	ErrAlreadyAttached      = errors.New("channel: connection already attached")
	ErrNoRemote             = errors.New("channel: datagram has no destination")
)

func IsErrClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
