package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mapsyncd/internal/protocol"
)

// Keep-alive tuning. The server pings on the interval; both ends surface
// a Stats event per round trip. Watchdogs decide what a missing sample
// means, the transport never forces a disconnect for it.
const (
	pingInterval  = 2 * time.Second
	writeTimeout  = 10 * time.Second
	wsEventBuffer = 256
)

// WebsocketServer is the network transport of the authority server:
// binary websocket frames carrying protocol messages, one reader
// goroutine per connection feeding the unified event stream.
type WebsocketServer struct {
	upgrader websocket.Upgrader
	events   chan Event
	done     chan struct{}

	mu     sync.Mutex
	conns  map[ConnID]*wsServerConn
	closed bool

	srv      *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

type wsServerConn struct {
	id      ConnID
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

// NewWebsocketServer returns a websocket transport that is not yet
// listening. Either call Listen or mount Handler on an existing mux.
func NewWebsocketServer() *WebsocketServer {
	return &WebsocketServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		events: make(chan Event, wsEventBuffer),
		done:   make(chan struct{}),
		conns:  make(map[ConnID]*wsServerConn),
	}
}

// Listen starts serving websocket upgrades on addr under /sync.
func (s *WebsocketServer) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/sync", s.Handler())

	s.mu.Lock()
	s.listener = ln
	s.srv = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.srv.Serve(ln)
	}()
	return nil
}

// Addr returns the bound listen address, or "" before Listen.
func (s *WebsocketServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the upgrade handler.
func (s *WebsocketServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.addConn(conn)
	})
}

func (s *WebsocketServer) addConn(conn *websocket.Conn) {
	c := &wsServerConn{
		id:   NewConnID(),
		conn: conn,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.emit(Event{Kind: EventConnect, Conn: c.id})

	conn.SetPongHandler(func(appData string) error {
		if id, sentAt, ok := decodePing([]byte(appData)); ok {
			ping := time.Since(sentAt)
			s.emit(Event{
				Kind:        EventStats,
				Conn:        c.id,
				KeepAliveID: id,
				PingMs:      uint32(ping.Milliseconds()),
			})
		}
		return nil
	})

	s.wg.Add(2)
	go s.readLoop(c)
	go s.pingLoop(c)
}

func (s *WebsocketServer) readLoop(c *wsServerConn) {
	defer s.wg.Done()
	defer s.dropConn(c)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			// A malformed frame poisons the connection; drop it.
			return
		}
		s.emit(Event{Kind: EventMessage, Conn: c.id, Msg: msg})
	}
}

func (s *WebsocketServer) pingLoop(c *wsServerConn) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	var keepAliveID uint64
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			keepAliveID++
			payload := encodePing(keepAliveID, time.Now())
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *WebsocketServer) dropConn(c *wsServerConn) {
	s.mu.Lock()
	_, known := s.conns[c.id]
	delete(s.conns, c.id)
	closed := s.closed
	s.mu.Unlock()

	close(c.done)
	c.conn.Close()
	if known && !closed {
		s.emit(Event{Kind: EventDisconnect, Conn: c.id})
	}
}

func (s *WebsocketServer) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *WebsocketServer) Events() <-chan Event {
	return s.events
}

func (s *WebsocketServer) SendTo(conn ConnID, msg *protocol.Message) error {
	s.mu.Lock()
	c, ok := s.conns[conn]
	s.mu.Unlock()
	if !ok {
		return ErrConnClosed
	}
	return writeMessage(c.conn, &c.writeMu, msg)
}

func (s *WebsocketServer) Disconnect(conn ConnID) {
	s.mu.Lock()
	c, ok := s.conns[conn]
	s.mu.Unlock()
	if ok {
		// The read loop notices the close and emits the Disconnect event.
		c.conn.Close()
	}
}

func (s *WebsocketServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*wsServerConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[ConnID]*wsServerConn)
	srv := s.srv
	s.mu.Unlock()

	close(s.done)

	for _, c := range conns {
		c.conn.Close()
	}
	if srv != nil {
		srv.Close()
	}
	s.wg.Wait()
	close(s.events)
	return nil
}

// WebsocketConn is the client side of the websocket transport.
type WebsocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan Event

	mu     sync.Mutex
	closed bool
}

// DialWebsocket connects to a websocket transport at url
// (e.g. ws://host:port/sync).
func DialWebsocket(url string) (*WebsocketConn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &WebsocketConn{
		conn:   conn,
		events: make(chan Event, wsEventBuffer),
	}

	conn.SetPingHandler(func(appData string) error {
		// Answer the keep-alive and surface it to the watchdog.
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		if id, _, ok := decodePing([]byte(appData)); ok {
			c.emit(Event{Kind: EventStats, KeepAliveID: id})
		}
		return err
	})

	go c.readLoop()
	return c, nil
}

func (c *WebsocketConn) readLoop() {
	defer func() {
		c.mu.Lock()
		alreadyClosed := c.closed
		c.closed = true
		c.mu.Unlock()
		c.conn.Close()
		if !alreadyClosed {
			c.events <- Event{Kind: EventDisconnect}
			close(c.events)
		}
	}()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			return
		}
		c.emit(Event{Kind: EventMessage, Msg: msg})
	}
}

func (c *WebsocketConn) emit(ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.events <- ev
}

func (c *WebsocketConn) Events() <-chan Event {
	return c.events
}

func (c *WebsocketConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}
	return writeMessage(c.conn, &c.writeMu, msg)
}

func (c *WebsocketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	// readLoop observes the close error and finishes shutdown.
	return c.conn.Close()
}

func writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, msg *protocol.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Ping payloads embed the keep-alive id and the send time so the pong
// yields both freshness and round-trip time.
func encodePing(keepAliveID uint64, sentAt time.Time) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], keepAliveID)
	binary.BigEndian.PutUint64(buf[8:16], uint64(sentAt.UnixNano()))
	return buf
}

func decodePing(payload []byte) (keepAliveID uint64, sentAt time.Time, ok bool) {
	if len(payload) != 16 {
		return 0, time.Time{}, false
	}
	keepAliveID = binary.BigEndian.Uint64(payload[0:8])
	sentAt = time.Unix(0, int64(binary.BigEndian.Uint64(payload[8:16])))
	return keepAliveID, sentAt, true
}
