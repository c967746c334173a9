package broker

import (
	"time"

	"hookbridge/pkg/protocol"
)

// Conn is the send side of a live tunnel connection. Implementations must be
// safe for concurrent Send calls.
type Conn interface {
	Send(m *protocol.Message) error
	Close() error
}

// Session is one live tunnel connection belonging to a tenant. The broker owns
// all session metadata, keyed by a stable session id rather than the socket
// object, so "is this session authenticated" has one authoritative answer no
// matter what happens to the underlying connection wrapper.
type Session struct {
	ID            string
	Authenticated bool
	UserID        string
	Email         string
	DeviceName    string
	ConnectedAt   time.Time

	conn Conn
}
