// Package transport moves protocol messages between the authority server
// and its clients. The server consumes a single unified event stream;
// whatever I/O the concrete transport runs underneath, completed events
// are the only thing that crosses into the server's update loop.
package transport

import (
	"errors"

	"github.com/oklog/ulid/v2"

	"mapsyncd/internal/protocol"
)

var ErrConnClosed = errors.New("transport: connection closed")

// ConnID identifies one connection for its lifetime. Comparable.
type ConnID [16]byte

// NewConnID returns a fresh unique connection id.
func NewConnID() ConnID {
	return ConnID(ulid.Make())
}

func (id ConnID) String() string {
	return ulid.ULID(id).String()
}

// EventKind discriminates transport events.
type EventKind uint8

const (
	// EventConnect reports a new connection. It always precedes any other
	// event for the same ConnID.
	EventConnect EventKind = iota + 1

	// EventDisconnect reports a closed connection. No further events for
	// the ConnID follow.
	EventDisconnect

	// EventStats is a connectionless statistics sample. KeepAliveID
	// increases with every fresh sample; watchdogs treat a stale id as a
	// sign the link is likely dead.
	EventStats

	// EventMessage carries one complete protocol message.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventStats:
		return "stats"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Event is one entry of the unified event stream.
type Event struct {
	Kind EventKind
	Conn ConnID

	// Msg is set for EventMessage.
	Msg *protocol.Message

	// KeepAliveID and PingMs are set for EventStats.
	KeepAliveID uint64
	PingMs      uint32
}

// Server is the server side of a transport: an event stream plus
// per-connection sends. Broadcast is deliberately absent; the authority
// server iterates its own roster so echo suppression stays with the
// roster.
type Server interface {
	// Events returns the unified inbound event stream. The channel is
	// closed when the transport shuts down.
	Events() <-chan Event

	// SendTo delivers a message to one connection.
	SendTo(conn ConnID, msg *protocol.Message) error

	// Disconnect closes one connection. A Disconnect event follows.
	Disconnect(conn ConnID)

	// Close shuts down the transport and all connections.
	Close() error
}

// Conn is the client side of a transport: one connection to the server.
type Conn interface {
	// Events returns the inbound event stream for this connection.
	Events() <-chan Event

	// Send delivers a message to the server.
	Send(msg *protocol.Message) error

	// Close closes the connection.
	Close() error
}
