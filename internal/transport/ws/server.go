// Package ws carries bus messages over websockets: Server is the hub endpoint,
// Client is the peer transport.
package ws

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"nodebus/internal/hub"
	"nodebus/internal/logging"
)

var (
	ErrClosed       = errors.New("websocket connection closed")
	ErrSlowConsumer = errors.New("websocket send queue full")
)

// Options tunes server-side connections.
type Options struct {
	SendQueue       int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	CheckOrigin     func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	return o
}

// Server upgrades HTTP requests to websocket connections and hands them to the
// hub. It implements both http.Handler and hub.Endpoint.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	log      logrus.FieldLogger

	mu     sync.Mutex
	onConn func(hub.Connection)
	conns  map[*conn]struct{}
}

func NewServer(opts Options, log logrus.FieldLogger) *Server {
	opts = opts.withDefaults()
	if log == nil {
		log = logging.L().WithField("component", "ws")
	}
	return &Server{
		opts:     opts,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: opts.CheckOrigin},
		log:      log,
		conns:    make(map[*conn]struct{}),
	}
}

// Close shuts down every open connection. Hijacked connections are not closed
// by http.Server.Shutdown.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
	return nil
}

func (s *Server) OnConnection(fn func(hub.Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = fn
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("upgrade failed")
		return
	}
	c := &conn{
		id:     uuid.NewString(),
		ws:     sock,
		opts:   s.opts,
		send:   make(chan string, s.opts.SendQueue),
		closed: make(chan struct{}),
		log:    s.log,
	}
	s.mu.Lock()
	fn := s.onConn
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	if fn != nil {
		fn(c)
	}
	go c.writer()
	c.reader()
}

// conn is one upgraded websocket. Messages are read and handled on the
// ServeHTTP goroutine, so a connection's messages are processed in order.
type conn struct {
	id   string
	ws   *websocket.Conn
	opts Options
	log  logrus.FieldLogger

	send      chan string
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	onMessage    func(string)
	onDisconnect func()
}

func (c *conn) ID() string { return c.id }

// Send queues text for the writer. It never blocks: a full queue means the
// peer is not keeping up, and the connection is closed.
func (c *conn) Send(text string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- text:
		return nil
	default:
		c.shutdown()
		return ErrSlowConsumer
	}
}

func (c *conn) OnMessage(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *conn) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *conn) reader() {
	defer func() {
		c.shutdown()
		c.mu.Lock()
		fn := c.onDisconnect
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	}()

	c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).WithField("conn", c.id).Debug("read failed")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(string(data))
		}
	}
}

func (c *conn) writer() {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case text := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			return
		}
	}
}
