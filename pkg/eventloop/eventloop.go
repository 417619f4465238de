// package eventloop provides single goroutine task schedulers.
//
// Every channel is owned by exactly one Loop, and all of the channel's events
// are delivered on that Loop. Work on another channel is handed off by
// posting a task to that channel's Loop.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.brendoncarroll.net/stdctx/logctx"

	"go.interpose.dev/interpose/internal/netutil"
)

var ErrLoopClosed = errors.New("eventloop: loop closed")

type Loop struct {
	name   string
	tasks  netutil.Queue[func()]
	sg     netutil.ServiceGroup
	closed atomic.Bool
}

// New creates a Loop and starts its goroutine.
// The loop logs using the logger in bgCtx.
func New(bgCtx context.Context, name string) *Loop {
	l := &Loop{name: name}
	l.sg.Background = bgCtx
	l.sg.Go("loop-"+name, l.run)
	return l
}

func (l *Loop) Name() string {
	return l.name
}

// Execute posts fn to run on the loop.
// Tasks run one at a time in the order they were posted.
// Execute never blocks.
func (l *Loop) Execute(fn func()) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	l.tasks.Push(fn)
	return nil
}

// Close stops the loop. Tasks which have not started are dropped.
// Close must not be called from a task running on the loop.
func (l *Loop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.sg.Stop()
	l.tasks.Purge()
	return err
}

func (l *Loop) String() string {
	return fmt.Sprintf("Loop{%s}", l.name)
}

func (l *Loop) run(ctx context.Context) error {
	for {
		fn, err := l.tasks.Pop(ctx)
		if err != nil {
			return err
		}
		l.runTask(ctx, fn)
	}
}

func (l *Loop) runTask(ctx context.Context, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logctx.Errorf(ctx, "loop %s: task panicked: %v", l.name, r)
		}
	}()
	fn()
}
