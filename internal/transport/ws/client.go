package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"nodebus/internal/logging"
	"nodebus/internal/peer"
)

// ClientOptions configures the peer-side websocket transport.
type ClientOptions struct {
	URL       string
	Header    http.Header
	WriteWait time.Duration
	// Reconnect redials with exponential backoff after the connection drops.
	Reconnect  bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Client implements peer.Transport over a gorilla websocket.
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer
	log    logrus.FieldLogger

	mu        sync.Mutex
	ws        *websocket.Conn
	onMessage func(string)
	onState   func(peer.State)
	closed    bool
	stop      chan struct{}

	writeMu sync.Mutex
}

func NewClient(opts ClientOptions, log logrus.FieldLogger) *Client {
	if log == nil {
		log = logging.L().WithField("component", "ws-client")
	}
	return &Client{
		opts:   opts.withDefaults(),
		dialer: websocket.DefaultDialer,
		log:    log,
		stop:   make(chan struct{}),
	}
}

func (c *Client) OnMessage(fn func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *Client) OnState(fn func(peer.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Client) setState(s peer.State) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.setState(peer.Connecting)
	sock, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		c.setState(peer.Disconnected)
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sock.Close()
		return ErrClosed
	}
	c.ws = sock
	c.mu.Unlock()

	go c.readLoop(sock)
	c.setState(peer.Connected)
	return nil
}

func (c *Client) readLoop(sock *websocket.Conn) {
	for {
		mt, data, err := sock.ReadMessage()
		if err != nil {
			break
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
	_ = sock.Close()

	c.mu.Lock()
	if c.ws == sock {
		c.ws = nil
	}
	retry := c.opts.Reconnect && !c.closed
	c.mu.Unlock()

	c.setState(peer.Disconnected)
	if retry {
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	backoff := c.opts.MinBackoff
	for {
		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteWait)
		err := c.dial(ctx)
		cancel()
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		c.log.WithError(err).WithField("backoff", backoff).Warn("reconnect failed")
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) Send(text string) error {
	c.mu.Lock()
	sock := c.ws
	c.mu.Unlock()
	if sock == nil {
		return peer.ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = sock.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return sock.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	sock := c.ws
	c.mu.Unlock()
	if sock == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteWait))
	c.writeMu.Unlock()
	return sock.Close()
}
