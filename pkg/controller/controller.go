// package controller observes relays on behalf of the daemon.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"

	"go.interpose.dev/interpose/internal/netutil"
	"go.interpose.dev/interpose/pkg/linkstore"
	"go.interpose.dev/interpose/pkg/relay"
)

type EventType string

const (
	EventLink      = EventType("link")
	EventException = EventType("exception")
)

// Event is published to subscribers for every link and reported exception.
type Event struct {
	Type      EventType         `json:"type"`
	Time      time.Time         `json:"time"`
	Link      *linkstore.Record `json:"link,omitempty"`
	Exception *Exception        `json:"exception,omitempty"`
}

type Exception struct {
	Side      string `json:"side"`
	ChannelID string `json:"channel_id"`
	Kind      string `json:"kind"`
	Error     string `json:"error"`
}

type Params struct {
	Background context.Context
	// Store defaults to an in memory store.
	Store linkstore.Store
	// Registerer may be nil, in which case metrics are not exported.
	Registerer prometheus.Registerer
}

var _ relay.Controller = &Hub{}

// Hub is a relay.Controller.
// Links are logged, counted, persisted to a linkstore.Store and published to subscribers.
// Exceptions are logged, counted and published.
type Hub struct {
	store linkstore.Store
	sg    netutil.ServiceGroup
	puts  netutil.Queue[linkstore.Record]
	wake  chan struct{}

	links      prometheus.Counter
	exceptions *prometheus.CounterVec

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func New(params Params) *Hub {
	store := params.Store
	if store == nil {
		store = linkstore.NewMemStore(0)
	}
	h := &Hub{
		store: store,
		sg:    netutil.ServiceGroup{Background: params.Background},
		wake:  make(chan struct{}, 1),
		subs:  make(map[int]chan Event),

		links: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "interpose",
			Name:      "session_links_total",
			Help:      "Number of outbound channels linked to an inbound channel.",
		}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "interpose",
			Name:      "relay_exceptions_total",
			Help:      "Number of exceptions reported by relays.",
		}, []string{"side", "kind"}),
	}
	if params.Registerer != nil {
		params.Registerer.MustRegister(h.links, h.exceptions)
	}
	h.sg.Go("linkstore", h.persistLoop)
	return h
}

func (h *Hub) LinkChannels(link relay.SessionLink) {
	ctx := h.sg.Context()
	rec := linkstore.Record{
		InboundID:  link.InboundID,
		OutboundID: link.OutboundID,
		Local:      linkstore.AddrString(link.Local),
		Target:     linkstore.AddrString(link.Target),
		CreatedAt:  time.Now().UTC(),
	}
	logctx.Info(ctx, "link",
		zap.String("inbound", rec.InboundID),
		zap.String("outbound", rec.OutboundID),
		zap.String("target", rec.Target),
	)
	h.links.Inc()
	h.puts.Push(rec)
	select {
	case h.wake <- struct{}{}:
	default:
	}
	h.publish(Event{Type: EventLink, Time: rec.CreatedAt, Link: &rec})
}

func (h *Hub) ExceptionCaught(ev relay.ExceptionEvent) {
	ctx := h.sg.Context()
	side, kind := ev.Side.String(), ev.Kind.String()
	logctx.Warn(ctx, "relay exception",
		zap.String("side", side),
		zap.String("channel", ev.ChannelID),
		zap.String("kind", kind),
		zap.Error(ev.Err),
	)
	h.exceptions.WithLabelValues(side, kind).Inc()
	h.publish(Event{
		Type: EventException,
		Time: time.Now().UTC(),
		Exception: &Exception{
			Side:      side,
			ChannelID: ev.ChannelID,
			Kind:      kind,
			Error:     ev.Err.Error(),
		},
	})
}

// Subscribe returns a channel of events and a function to cancel the subscription.
// Events are dropped for subscribers which fall more than buf events behind.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Event, buf)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, exists := h.subs[id]; exists {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Links returns the most recent links.
func (h *Hub) Links(ctx context.Context, limit int) ([]linkstore.Record, error) {
	return h.store.List(ctx, limit)
}

// Close stops persisting links and ends all subscriptions.
// It does not close the store.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	h.mu.Unlock()
	return h.sg.Stop()
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// persistLoop writes links to the store off the event loops.
func (h *Hub) persistLoop(ctx context.Context) error {
	for {
		for {
			rec, ok := h.puts.TryPop()
			if !ok {
				break
			}
			if err := h.store.Put(ctx, rec); err != nil {
				logctx.Errorf(ctx, "persisting link %s: %v", rec.OutboundID, err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.wake:
		}
	}
}
