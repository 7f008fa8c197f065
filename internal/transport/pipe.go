package transport

import (
	"sync"

	"mapsyncd/internal/protocol"
)

// pipeBuffer is the per-direction event buffer of an in-process pipe.
// It is sized for one tick's worth of traffic; a full buffer blocks the
// sender, which for a co-located client is the desired backpressure.
const pipeBuffer = 256

// PipeServer is an in-process transport. It carries the co-located local
// editor of a hosting process and doubles as the test transport: messages
// pass between update loops without touching the network.
type PipeServer struct {
	mu     sync.Mutex
	events chan Event
	conns  map[ConnID]*PipeConn
	closed bool
}

// NewPipeServer returns an in-process transport with no connections.
func NewPipeServer() *PipeServer {
	return &PipeServer{
		events: make(chan Event, pipeBuffer),
		conns:  make(map[ConnID]*PipeConn),
	}
}

// Connect attaches a new in-process connection and emits the Connect
// event for it.
func (p *PipeServer) Connect() *PipeConn {
	c := &PipeConn{
		id:     NewConnID(),
		server: p,
		events: make(chan Event, pipeBuffer),
	}

	p.mu.Lock()
	p.conns[c.id] = c
	closed := p.closed
	p.mu.Unlock()

	if closed {
		c.Close()
		return c
	}
	p.events <- Event{Kind: EventConnect, Conn: c.id}
	return c
}

func (p *PipeServer) Events() <-chan Event {
	return p.events
}

func (p *PipeServer) SendTo(conn ConnID, msg *protocol.Message) error {
	p.mu.Lock()
	c, ok := p.conns[conn]
	p.mu.Unlock()
	if !ok {
		return ErrConnClosed
	}
	return c.deliver(Event{Kind: EventMessage, Conn: conn, Msg: msg})
}

func (p *PipeServer) Disconnect(conn ConnID) {
	p.mu.Lock()
	c, ok := p.conns[conn]
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (p *PipeServer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*PipeConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	close(p.events)
	return nil
}

// PushStats injects a statistics sample for a connection into the server
// stream, and mirrors it to the connection itself so both watchdogs see
// the same keep-alive id.
func (p *PipeServer) PushStats(conn ConnID, keepAliveID uint64, pingMs uint32) {
	ev := Event{Kind: EventStats, Conn: conn, KeepAliveID: keepAliveID, PingMs: pingMs}

	p.mu.Lock()
	c, ok := p.conns[conn]
	closed := p.closed
	p.mu.Unlock()
	if closed || !ok {
		return
	}
	p.events <- ev
	c.deliver(ev)
}

// PipeConn is the client endpoint of an in-process connection.
type PipeConn struct {
	id     ConnID
	server *PipeServer

	mu     sync.Mutex
	events chan Event
	closed bool
}

// ID returns the connection id the server sees for this endpoint.
func (c *PipeConn) ID() ConnID {
	return c.id
}

func (c *PipeConn) Events() <-chan Event {
	return c.events
}

func (c *PipeConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}

	c.server.mu.Lock()
	serverClosed := c.server.closed
	c.server.mu.Unlock()
	if serverClosed {
		return ErrConnClosed
	}

	c.server.events <- Event{Kind: EventMessage, Conn: c.id, Msg: msg}
	return nil
}

func (c *PipeConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	c.server.mu.Lock()
	_, known := c.server.conns[c.id]
	delete(c.server.conns, c.id)
	serverClosed := c.server.closed
	c.server.mu.Unlock()

	if known && !serverClosed {
		c.server.events <- Event{Kind: EventDisconnect, Conn: c.id}
	}
	return nil
}

func (c *PipeConn) deliver(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.events <- ev
	return nil
}
