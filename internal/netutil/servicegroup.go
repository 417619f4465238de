package netutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.brendoncarroll.net/stdctx/logctx"
	"golang.org/x/sync/errgroup"
)

const defaultRestartDelay = time.Second

// ServiceGroup manages long running goroutines which share a lifetime.
type ServiceGroup struct {
	Background   context.Context
	RestartDelay time.Duration

	setupOnce sync.Once
	ctx       context.Context
	cf        context.CancelFunc

	eg errgroup.Group
}

// Go runs fn in another go routine.
// When the ServiceGroup is stopped the context passed to fn will be cancelled.
// If fn ever returns an error other than ctx.Err(), it will be logged.
// The service will be restarted, unless the group has been stopped.
func (sg *ServiceGroup) Go(name string, fn func(context.Context) error) {
	sg.setup()
	sg.eg.Go(func() error {
		ctx := sg.ctx
		for {
			err := fn(ctx)
			if err == nil || errors.Is(err, ctx.Err()) {
				return nil
			}
			if isContextDone(ctx) {
				logctx.Errorf(ctx, "while stopping service %s: %v", name, err)
				return nil
			}
			logctx.Errorf(ctx, "service %s crashed with %v. restarting...", name, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sg.restartDelay()):
			}
		}
	})
}

// Context returns the context passed to services.
// It is cancelled when the group is stopped.
func (sg *ServiceGroup) Context() context.Context {
	sg.setup()
	return sg.ctx
}

// Stop cancels all the services and waits for them to return.
func (sg *ServiceGroup) Stop() error {
	sg.setup()
	sg.cf()
	return sg.eg.Wait()
}

func (sg *ServiceGroup) setup() {
	sg.setupOnce.Do(func() {
		bgCtx := sg.Background
		if bgCtx == nil {
			bgCtx = context.Background()
		}
		sg.ctx, sg.cf = context.WithCancel(bgCtx)
	})
}

func (sg *ServiceGroup) restartDelay() time.Duration {
	if sg.RestartDelay > 0 {
		return sg.RestartDelay
	}
	return defaultRestartDelay
}

func isContextDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
