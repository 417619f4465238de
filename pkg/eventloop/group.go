package eventloop

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Group is a fixed set of loops serving one transport family.
type Group struct {
	family string
	loops  []*Loop
	next   atomic.Uint32
}

func NewGroup(bgCtx context.Context, family string, n int) *Group {
	if n < 1 {
		n = 1
	}
	g := &Group{family: family}
	for i := 0; i < n; i++ {
		g.loops = append(g.loops, New(bgCtx, fmt.Sprintf("%s-%d", family, i)))
	}
	return g
}

func (g *Group) Family() string {
	return g.family
}

// Next returns the loops in the group round robin.
func (g *Group) Next() *Loop {
	i := g.next.Add(1) - 1
	return g.loops[int(i)%len(g.loops)]
}

// Contains returns true if l belongs to the group.
func (g *Group) Contains(l *Loop) bool {
	for _, x := range g.loops {
		if x == l {
			return true
		}
	}
	return false
}

func (g *Group) Len() int {
	return len(g.loops)
}

func (g *Group) Close() (retErr error) {
	for _, l := range g.loops {
		retErr = multierr.Append(retErr, l.Close())
	}
	return retErr
}
