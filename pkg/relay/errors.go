package relay

import (
	"errors"
	"fmt"
	"net"

	"go.interpose.dev/interpose/pkg/channel"
)

// Kind classifies a failure reported to the Controller.
type Kind uint8

const (
	KindException = Kind(iota)
	KindConfiguration
	KindTransportMismatch
	KindConnect
	KindWrite
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindException:
		return "exception"
	case KindConfiguration:
		return "configuration"
	case KindTransportMismatch:
		return "transport_mismatch"
	case KindConnect:
		return "connect"
	case KindWrite:
		return "write"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// KindOf returns the Kind of the first typed relay error in err's chain.
func KindOf(err error) Kind {
	switch {
	case IsErrConfiguration(err):
		return KindConfiguration
	case IsErrTransportMismatch(err):
		return KindTransportMismatch
	case IsErrConnect(err):
		return KindConnect
	case IsErrWrite(err):
		return KindWrite
	case IsErrShutdown(err):
		return KindShutdown
	default:
		return KindException
	}
}

// ConfigurationError is fatal to a relay.
// It means the relay was wired up incorrectly, not that the network misbehaved.
type ConfigurationError struct {
	Reason string
}

func (e ConfigurationError) Error() string {
	return "relay: configuration error: " + e.Reason
}

func IsErrConfiguration(err error) bool {
	return errors.As(err, &ConfigurationError{})
}

// TransportMismatchError is returned when there is no loop which can serve the outbound transport.
type TransportMismatchError struct {
	Inbound, Outbound channel.Class
}

func (e TransportMismatchError) Error() string {
	return fmt.Sprintf("relay: transport mismatch: cannot relay %s to %s", e.Inbound, e.Outbound)
}

func IsErrTransportMismatch(err error) bool {
	return errors.As(err, &TransportMismatchError{})
}

type ConnectError struct {
	Target net.Addr
	Err    error
}

func (e ConnectError) Error() string {
	return fmt.Sprintf("relay: connecting to %v: %v", e.Target, e.Err)
}

func (e ConnectError) Unwrap() error {
	return e.Err
}

func IsErrConnect(err error) bool {
	return errors.As(err, &ConnectError{})
}

type WriteError struct {
	Err error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("relay: write failed: %v", e.Err)
}

func (e WriteError) Unwrap() error {
	return e.Err
}

func IsErrWrite(err error) bool {
	return errors.As(err, &WriteError{})
}

type ShutdownError struct {
	Err error
}

func (e ShutdownError) Error() string {
	return fmt.Sprintf("relay: shutting down output: %v", e.Err)
}

func (e ShutdownError) Unwrap() error {
	return e.Err
}

func IsErrShutdown(err error) bool {
	return errors.As(err, &ShutdownError{})
}
