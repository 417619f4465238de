// package linkstore keeps a record of recent session links.
package linkstore

import (
	"context"
	"net"
	"time"
)

// Record is a session link as it is stored.
type Record struct {
	InboundID  string    `json:"inbound_id"`
	OutboundID string    `json:"outbound_id"`
	Local      string    `json:"local,omitempty"`
	Target     string    `json:"target"`
	CreatedAt  time.Time `json:"created_at"`
}

type Store interface {
	Put(ctx context.Context, r Record) error
	// List returns up to limit records, most recent first.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// AddrString formats an address which may be nil.
func AddrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
