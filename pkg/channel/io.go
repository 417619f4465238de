package channel

import (
	"context"
	"errors"
	"io"

	"go.interpose.dev/interpose/pkg/futures"
)

type writeOp struct {
	msg      Message
	shutdown bool
	f        *futures.Future[struct{}]
}

// Write buffers msg. It will not be handed to the connection until Flush is called.
// The returned future completes when msg has been written, or fails if it never will be.
func (c *Channel) Write(msg Message) *futures.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return futures.Failed[struct{}](ErrClosed)
	}
	if c.outputShutdown {
		return futures.Failed[struct{}](ErrOutputShutdown)
	}
	op := &writeOp{msg: msg, f: futures.New[struct{}]()}
	c.unflushed = append(c.unflushed, op)
	c.pendingBytes += len(msg.Payload)
	if !c.unwritable && c.pendingBytes > c.opts.HighWaterMark {
		c.unwritable = true
		c.fire(func(h Handler) { h.WritabilityChanged(c) })
	}
	return op.f
}

// Flush hands all buffered writes to the connection.
func (c *Channel) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Channel) WriteAndFlush(msg Message) *futures.Future[struct{}] {
	f := c.Write(msg)
	c.Flush()
	return f
}

// IsWritable is false while too many bytes are waiting to be written, or once the channel is closed.
func (c *Channel) IsWritable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.unwritable
}

// ShutdownOutput stops the output once everything written so far has been flushed.
// OutputShutdownEvent is fired once the connection's output is shut.
func (c *Channel) ShutdownOutput() *futures.Future[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return futures.Failed[struct{}](ErrClosed)
	}
	if c.outputShutdown {
		return futures.Succeeded(struct{}{})
	}
	if _, ok := c.conn.(halfCloser); !ok {
		return futures.Failed[struct{}](ErrHalfCloseUnsupported)
	}
	c.outputShutdown = true
	c.flushLocked()
	op := &writeOp{shutdown: true, f: futures.New[struct{}]()}
	c.writeQ.Push(op)
	return op.f
}

func (c *Channel) flushLocked() {
	for _, op := range c.unflushed {
		c.writeQ.Push(op)
	}
	c.unflushed = nil
}

func (c *Channel) writeLoop(ctx context.Context) error {
	for {
		op, err := c.writeQ.Pop(ctx)
		if err != nil {
			return nil
		}
		if op.shutdown {
			if err := c.conn.(halfCloser).CloseWrite(); err != nil {
				op.f.Fail(err)
				continue
			}
			op.f.Succeed(struct{}{})
			c.FireUserEvent(OutputShutdownEvent{})
			continue
		}
		if err := c.writeMsg(op.msg); err != nil {
			if !c.IsOpen() {
				err = ErrClosed
			}
			op.f.Fail(err)
			c.Close()
			return nil
		}
		c.wrote(len(op.msg.Payload))
		op.f.Succeed(struct{}{})
	}
}

func (c *Channel) writeMsg(msg Message) error {
	if c.conn != nil {
		_, err := c.conn.Write(msg.Payload)
		return err
	}
	c.mu.Lock()
	raddr := c.remote
	c.mu.Unlock()
	if raddr == nil {
		raddr = msg.Addr
	}
	if raddr == nil {
		return ErrNoRemote
	}
	_, err := c.pconn.WriteTo(msg.Payload, raddr)
	return err
}

func (c *Channel) wrote(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingBytes -= n
	if c.unwritable && c.pendingBytes < c.opts.LowWaterMark {
		c.unwritable = false
		c.fire(func(h Handler) { h.WritabilityChanged(c) })
	}
}

func (c *Channel) readLoop(ctx context.Context) error {
	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		if err := c.waitAutoRead(ctx); err != nil {
			return nil
		}
		msg, ok, err := c.readOnce(buf)
		if ok {
			c.fire(func(h Handler) {
				h.Read(c, msg)
				h.ReadComplete(c)
			})
		}
		if err != nil {
			c.readFailed(err)
			return nil
		}
	}
}

// readOnce returns ok if msg should be delivered.
func (c *Channel) readOnce(buf []byte) (msg Message, ok bool, _ error) {
	if c.conn != nil {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msg = Message{Payload: append([]byte(nil), buf[:n]...)}
		}
		return msg, n > 0, err
	}
	n, addr, err := c.pconn.ReadFrom(buf)
	if err != nil {
		return msg, false, err
	}
	c.mu.Lock()
	if c.remote == nil {
		c.remote = addr
	}
	raddr := c.remote
	c.mu.Unlock()
	if raddr.String() != addr.String() {
		return msg, false, nil
	}
	return Message{Payload: append([]byte(nil), buf[:n]...), Addr: addr}, true, nil
}

func (c *Channel) readFailed(err error) {
	switch {
	case !c.IsOpen() || IsErrClosed(err):
		c.Close()
	case errors.Is(err, io.EOF):
		c.mu.Lock()
		_, duplex := c.conn.(halfCloser)
		if !c.opts.AllowHalfClosure || !duplex {
			c.mu.Unlock()
			c.Close()
			return
		}
		c.inputShutdown = true
		c.fire(func(h Handler) {
			h.UserEvent(c, InputShutdownEvent{})
		})
		c.fire(func(h Handler) {
			h.UserEvent(c, InputShutdownReadComplete{})
		})
		c.mu.Unlock()
	default:
		c.fire(func(h Handler) { h.ExceptionCaught(c, err) })
		c.Close()
	}
}

func (c *Channel) waitAutoRead(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.autoRead {
			c.mu.Unlock()
			return nil
		}
		wake := c.autoReadWake
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}
