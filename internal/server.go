package internal

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum inbound control message size.
	maxMessageSize = 64 * 1024
	// Outbound frames buffered per connection before backpressure.
	defaultSendQueueLen = 64
)

// WSServer accepts WebSocket connections, assigns each a unique uint64
// connection ID, and bridges the sockets to the engine loop: inbound
// events are posted on Events(), outbound frames are enqueued with
// QueueFrame and drained by a per-connection write pump in FIFO order.
type WSServer struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader
	events   chan any
	queueLen int

	nextID atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]*wsConn
}

type wsConn struct {
	id   uint64
	sock *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// NewWSServer creates the transport. Connection IDs start at 1 and are
// never reused within the process lifetime.
func NewWSServer(logger zerolog.Logger) *WSServer {
	return &WSServer{
		log: logger.With().Str("component", "transport").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The media player is served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		events:   make(chan any, 1024),
		queueLen: defaultSendQueueLen,
		conns:    make(map[uint64]*wsConn),
	}
}

// Events returns the stream of OpenEvent/MessageEvent/CloseEvent values
// consumed by the engine.
func (s *WSServer) Events() <-chan any {
	return s.events
}

// ServeWS upgrades an HTTP request and starts the connection's read and
// write pumps.
func (s *WSServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsConn{
		id:   s.nextID.Add(1),
		sock: sock,
		send: make(chan []byte, s.queueLen),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.events <- OpenEvent{ID: c.id}
	go s.writePump(c)
	go s.readPump(c)
}

func (s *WSServer) readPump(c *wsConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		c.close()
		s.events <- CloseEvent{ID: c.id}
	}()
	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, payload, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Uint64("conn", c.id).Msg("read error")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.events <- MessageEvent{ID: c.id, Payload: payload}
	}
}

func (s *WSServer) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// QueueFrame enqueues one final binary frame for a connection. It never
// blocks: when the connection's send queue is full, ErrQueueFull is
// returned and the caller retries on a later tick.
func (s *WSServer) QueueFrame(id uint64, frame []byte) error {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close tears down one connection. The read pump posts the CloseEvent.
func (s *WSServer) Close(id uint64) {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if ok {
		c.close()
	}
}

// CloseAll tears down every connection, used at shutdown.
func (s *WSServer) CloseAll() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
